// Package scheduler runs the reconciler on a fixed interval.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/geohumdata/precip-anomaly-etl/internal/domain"
)

// Runner is the unit of scheduled work.
type Runner interface {
	Run(ctx context.Context) (domain.RunSummary, error)
}

// Scheduler triggers reconciliation runs periodically. Runs never overlap: a
// run that outlasts the interval delays the next one.
type Scheduler struct {
	scheduler *gocron.Scheduler
	runner    Runner
	interval  time.Duration
	logger    *slog.Logger
}

// New creates a Scheduler.
func New(runner Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		runner:    runner,
		interval:  interval,
		logger:    logger,
	}
}

// Start schedules the periodic job, runs it once immediately, and starts the
// underlying scheduler. ctx bounds every triggered run.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.scheduler.Every(s.interval).StartImmediately().Do(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.runner.Run(ctx); err != nil {
			s.logger.Error("scheduled run failed", "error", err)
		}
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

// Stop stops the scheduler and waits for a running job to return.
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}
