package scheduler_test

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/geohumdata/precip-anomaly-etl/internal/domain"
	"github.com/geohumdata/precip-anomaly-etl/internal/scheduler"
)

type countingRunner struct {
	runs atomic.Int64
}

func (r *countingRunner) Run(_ context.Context) (domain.RunSummary, error) {
	r.runs.Add(1)
	return domain.RunSummary{}, nil
}

func TestStartRunsImmediately(t *testing.T) {
	runner := &countingRunner{}
	s := scheduler.New(runner, time.Hour, slog.Default())
	defer s.Stop()

	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return runner.runs.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartSkipsRunAfterCancel(t *testing.T) {
	runner := &countingRunner{}
	s := scheduler.New(runner, 20*time.Millisecond, slog.Default())
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, s.Start(ctx))

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, runner.runs.Load())
}
