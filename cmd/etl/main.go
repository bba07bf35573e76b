package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/geohumdata/precip-anomaly-etl/internal/adapter/boundaries"
	"github.com/geohumdata/precip-anomaly-etl/internal/adapter/cds"
	"github.com/geohumdata/precip-anomaly-etl/internal/adapter/hdx"
	httpadapter "github.com/geohumdata/precip-anomaly-etl/internal/adapter/http"
	kafkaadapter "github.com/geohumdata/precip-anomaly-etl/internal/adapter/kafka"
	"github.com/geohumdata/precip-anomaly-etl/internal/adapter/raster"
	"github.com/geohumdata/precip-anomaly-etl/internal/adapter/zonal"
	"github.com/geohumdata/precip-anomaly-etl/internal/config"
	"github.com/geohumdata/precip-anomaly-etl/internal/observability"
	"github.com/geohumdata/precip-anomaly-etl/internal/pipeline"
	"github.com/geohumdata/precip-anomaly-etl/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	source := cds.NewClient(cfg, logger)
	converter := raster.NewConverter(cfg, logger)
	stats := zonal.NewEngine(cfg, logger)
	bounds := boundaries.NewProvider(cfg, logger)
	publisher := hdx.NewClient(cfg, logger)

	// Audit stream is feature-flagged via AUDIT_KAFKA_BROKERS.
	var audit pipeline.AuditSink
	var auditWriter *kafkaadapter.AuditWriter
	if cfg.AuditEnabled() {
		auditWriter = kafkaadapter.NewAuditWriter(cfg, logger)
		audit = auditWriter
		logger.Info("run auditing enabled", "topic", cfg.AuditTopic)
	} else {
		logger.Info("run auditing disabled")
	}

	reconciler := pipeline.New(source, converter, stats, bounds, publisher, audit,
		logger, metrics, pipeline.Options{
			WorkDir:          cfg.WorkDir,
			FailOnSliceError: cfg.FailOnSliceError,
		})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RunOnce {
		code := 0
		if _, err := reconciler.Run(ctx); err != nil {
			logger.Error("run failed", "error", err)
			code = 1
		}
		closeAudit(auditWriter, logger)
		os.Exit(code)
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, reconciler, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	sched := scheduler.New(reconciler, cfg.RunInterval, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	closeAudit(auditWriter, logger)

	logger.Info("shutdown complete")
}

func closeAudit(w *kafkaadapter.AuditWriter, logger *slog.Logger) {
	if w == nil {
		return
	}
	if err := w.Close(); err != nil {
		logger.Error("audit writer close error", "error", err)
	}
}
