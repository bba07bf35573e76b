package pipeline

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/geohumdata/precip-anomaly-etl/internal/domain"
	"github.com/geohumdata/precip-anomaly-etl/internal/observability"
)

// SourceClient lists and fetches slices from the climate data store.
type SourceClient interface {
	ListAvailable(ctx context.Context) (domain.Catalog, error)
	Fetch(ctx context.Context, slice domain.Slice, destDir string) (string, error)
}

// Converter turns a raw GRIB file into per-lead-time anomaly rasters.
type Converter interface {
	ToRaster(ctx context.Context, slice domain.Slice, gribPath, destDir string) ([]domain.RasterFile, error)
}

// StatsEngine computes zonal statistics for one raster over one boundary layer.
type StatsEngine interface {
	Compute(ctx context.Context, raster domain.RasterFile, layer domain.BoundaryLayer) ([]domain.StatsRow, error)
}

// BoundaryProvider supplies the admin boundary layers used for statistics.
type BoundaryProvider interface {
	Layers(ctx context.Context) ([]domain.BoundaryLayer, error)
}

// Publisher lists and mutates the portal's published catalog.
type Publisher interface {
	ListPublished(ctx context.Context) (domain.Catalog, error)
	Publish(ctx context.Context, slice domain.Slice, tables []domain.StatsTable) error
	PublishRasters(ctx context.Context, slice domain.Slice, archivePath string) error
}

// AuditSink receives run summaries for out-of-band auditing. It is strictly
// observational: reconciliation never reads it back.
type AuditSink interface {
	RecordRun(ctx context.Context, summary domain.RunSummary) error
}

// Options tune run behavior.
type Options struct {
	// WorkDir is the base for per-slice scratch directories. Empty means the
	// system temp dir.
	WorkDir string

	// FailOnSliceError makes Run return an error when any slice failed, so
	// schedulers that alert on exit status can treat partial runs as failures.
	// Run-level errors (catalog listing) are always returned regardless.
	FailOnSliceError bool
}

// Reconciler computes which slices the portal is missing and processes them
// one at a time with per-slice failure isolation.
type Reconciler struct {
	source     SourceClient
	converter  Converter
	stats      StatsEngine
	boundaries BoundaryProvider
	publisher  Publisher
	audit      AuditSink
	logger     *slog.Logger
	metrics    *observability.Metrics
	opts       Options
	ready      atomic.Bool
}

// New creates a Reconciler. audit may be nil to disable run auditing.
func New(
	source SourceClient,
	converter Converter,
	stats StatsEngine,
	boundaries BoundaryProvider,
	publisher Publisher,
	audit AuditSink,
	logger *slog.Logger,
	metrics *observability.Metrics,
	opts Options,
) *Reconciler {
	return &Reconciler{
		source:     source,
		converter:  converter,
		stats:      stats,
		boundaries: boundaries,
		publisher:  publisher,
		audit:      audit,
		logger:     logger,
		metrics:    metrics,
		opts:       opts,
	}
}

// CheckReadiness returns nil once at least one run has completed without a
// run-level error.
func (r *Reconciler) CheckReadiness(_ context.Context) error {
	if !r.ready.Load() {
		return errors.New("no reconciliation run has completed yet")
	}
	return nil
}

// Run executes one reconciliation cycle: list both catalogs, compute the
// pending set, process each pending slice. Catalog listing errors abort the
// run immediately with zero results; per-slice errors are isolated into
// Failed results and never stop the loop.
func (r *Reconciler) Run(ctx context.Context) (domain.RunSummary, error) {
	summary := domain.RunSummary{Started: domain.Now()}
	r.metrics.RunActive.Set(1)
	defer r.metrics.RunActive.Set(0)

	published, err := r.publisher.ListPublished(ctx)
	if err != nil {
		return r.finishRun(ctx, summary, fmt.Errorf("list published catalog: %w", err))
	}
	remote, err := r.source.ListAvailable(ctx)
	if err != nil {
		return r.finishRun(ctx, summary, fmt.Errorf("list remote catalog: %w", err))
	}

	summary.Remote = remote.Len()
	summary.Published = published.Len()
	r.metrics.RemoteSlices.Set(float64(remote.Len()))
	r.metrics.PublishedSlices.Set(float64(published.Len()))

	pending := domain.ComputePending(remote, published)
	summary.Considered = len(pending)
	r.metrics.PendingSlices.Set(float64(len(pending)))
	r.logger.Info("reconciled catalogs",
		"remote", remote.Len(),
		"published", published.Len(),
		"pending", len(pending),
	)

	if len(pending) == 0 {
		return r.finishRun(ctx, summary, nil)
	}

	layers, err := r.boundaries.Layers(ctx)
	if err != nil {
		return r.finishRun(ctx, summary, fmt.Errorf("load boundary layers: %w", err))
	}

	latest := latestPeriod(remote)
	for _, slice := range pending {
		// Cancellation is honored between slices, never mid-slice.
		if ctx.Err() != nil {
			r.logger.Info("run cancelled", "processed", len(summary.Results), "pending", len(pending))
			return r.finishRun(ctx, summary, ctx.Err())
		}

		res := r.processSlice(ctx, slice, layers, latest)
		summary.Record(res)
		r.metrics.SlicesProcessed.WithLabelValues(string(res.Outcome)).Inc()
		r.metrics.SliceDuration.Observe(res.Duration.Seconds())
		if res.Outcome == domain.OutcomeFailed {
			r.metrics.SliceFailures.WithLabelValues(res.Reason).Inc()
			r.logger.Error("slice failed",
				"slice", slice, "reason", res.Reason, "error", res.Err)
		} else {
			r.logger.Info("slice published", "slice", slice, "duration", res.Duration)
		}
	}

	var runErr error
	if r.opts.FailOnSliceError && summary.Failed > 0 {
		runErr = fmt.Errorf("%d of %d slices failed", summary.Failed, summary.Considered)
	}
	return r.finishRun(ctx, summary, runErr)
}

// processSlice runs one slice's download-convert-stats-publish cycle inside a
// scratch directory that is removed on every exit path. All errors are
// converted to a Failed result here; none propagate.
func (r *Reconciler) processSlice(
	ctx context.Context,
	slice domain.Slice,
	layers []domain.BoundaryLayer,
	latest domain.Period,
) domain.ProcessingResult {
	start := time.Now()

	scratch, err := os.MkdirTemp(r.opts.WorkDir, "slice-")
	if err != nil {
		return domain.Failed(slice, fmt.Errorf("create scratch dir: %w", err), time.Since(start))
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			r.logger.Warn("remove scratch dir", "dir", scratch, "error", err)
		}
	}()

	gribPath, err := r.source.Fetch(ctx, slice, scratch)
	if err != nil {
		return domain.Failed(slice, fmt.Errorf("fetch: %w", err), time.Since(start))
	}

	rasters, err := r.converter.ToRaster(ctx, slice, gribPath, scratch)
	if err != nil {
		return domain.Failed(slice, fmt.Errorf("convert: %w", err), time.Since(start))
	}

	tables := make([]domain.StatsTable, 0, len(layers))
	for _, layer := range layers {
		table := domain.StatsTable{Slice: slice, AdminLevel: layer.AdminLevel}
		for _, raster := range rasters {
			rows, err := r.stats.Compute(ctx, raster, layer)
			if err != nil {
				return domain.Failed(slice,
					fmt.Errorf("stats adm%d lead%d: %w", layer.AdminLevel, raster.LeadTime, err),
					time.Since(start))
			}
			table.Rows = append(table.Rows, rows...)
		}
		table.SortRows()
		tables = append(tables, table)
	}

	if err := r.publisher.Publish(ctx, slice, tables); err != nil {
		return domain.Failed(slice, fmt.Errorf("publish: %w", err), time.Since(start))
	}

	// Only the newest forecast's rasters are worth hosting; older ones are
	// superseded by the next issue.
	if slice.Period == latest {
		if err := r.publishRasterArchive(ctx, slice, rasters, scratch); err != nil {
			r.logger.Warn("publish raster archive", "slice", slice, "error", err)
		}
	}

	return domain.Succeeded(slice, time.Since(start))
}

// publishRasterArchive zips the slice's rasters and uploads the archive.
// Failures here do not fail the slice: the stats tables are already published
// and membership in the portal catalog is what reconciliation checks.
func (r *Reconciler) publishRasterArchive(
	ctx context.Context,
	slice domain.Slice,
	rasters []domain.RasterFile,
	scratch string,
) error {
	name := fmt.Sprintf("forecast_precipitation_anomalies_geotiff_%04d_%02d.zip",
		slice.Period.Year, slice.Period.Month)
	archivePath := filepath.Join(scratch, name)
	if err := zipFiles(archivePath, rasters); err != nil {
		return err
	}
	return r.publisher.PublishRasters(ctx, slice, archivePath)
}

// finishRun finalizes the summary, records metrics and audit, and decides the
// run's error.
func (r *Reconciler) finishRun(ctx context.Context, summary domain.RunSummary, runErr error) (domain.RunSummary, error) {
	summary.Finished = domain.Now()
	r.metrics.RunDuration.Observe(summary.Finished.Sub(summary.Started).Seconds())

	outcome := "ok"
	if runErr != nil {
		outcome = "error"
	} else {
		r.ready.Store(true)
		r.metrics.LastSuccessTimestamp.Set(float64(summary.Finished.Unix()))
	}
	r.metrics.RunsTotal.WithLabelValues(outcome).Inc()

	r.logger.Info("run finished",
		"considered", summary.Considered,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"outcome", outcome,
	)

	if r.audit != nil {
		// Audit uses a fresh context so a cancelled run still records.
		auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := r.audit.RecordRun(auditCtx, summary); err != nil {
			r.logger.Warn("record run audit", "error", err)
		}
	}

	return summary, runErr
}

// latestPeriod returns the newest issue period in the catalog.
func latestPeriod(c domain.Catalog) domain.Period {
	var latest domain.Period
	for _, s := range c.Slices() {
		if latest.IsZero() || latest.Before(s.Period) {
			latest = s.Period
		}
	}
	return latest
}

// zipFiles writes the rasters into a zip archive, storing each under its base
// name.
func zipFiles(archivePath string, rasters []domain.RasterFile) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	zw := zip.NewWriter(out)
	for _, raster := range rasters {
		src, err := os.Open(raster.Path)
		if err != nil {
			out.Close()
			return fmt.Errorf("open raster: %w", err)
		}
		dst, err := zw.Create(filepath.Base(raster.Path))
		if err != nil {
			src.Close()
			out.Close()
			return fmt.Errorf("add raster to archive: %w", err)
		}
		_, err = io.Copy(dst, src)
		src.Close()
		if err != nil {
			out.Close()
			return fmt.Errorf("write raster to archive: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("finalize archive: %w", err)
	}
	return out.Close()
}
