package pipeline_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geohumdata/precip-anomaly-etl/internal/domain"
	"github.com/geohumdata/precip-anomaly-etl/internal/observability"
	"github.com/geohumdata/precip-anomaly-etl/internal/pipeline"
)

// --- mocks ---

type mockSource struct {
	catalog  domain.Catalog
	listErr  error
	fetchErr map[string]error // per slice key
	fetched  []domain.Slice
}

func (m *mockSource) ListAvailable(_ context.Context) (domain.Catalog, error) {
	if m.listErr != nil {
		return domain.Catalog{}, m.listErr
	}
	return m.catalog, nil
}

func (m *mockSource) Fetch(_ context.Context, slice domain.Slice, destDir string) (string, error) {
	m.fetched = append(m.fetched, slice)
	if err := m.fetchErr[slice.Key()]; err != nil {
		return "", err
	}
	path := filepath.Join(destDir, "data.grib")
	if err := os.WriteFile(path, []byte("GRIB"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type mockConverter struct {
	errFor map[string]error // per slice key
}

func (m *mockConverter) ToRaster(_ context.Context, slice domain.Slice, gribPath, destDir string) ([]domain.RasterFile, error) {
	if err := m.errFor[slice.Key()]; err != nil {
		return nil, err
	}
	path := filepath.Join(destDir, domain.RasterName(slice.Period, 0))
	if err := os.WriteFile(path, []byte("tif"), 0o644); err != nil {
		return nil, err
	}
	return []domain.RasterFile{{
		Path: path, Issue: slice.Period, Valid: slice.Period, LeadTime: 0,
	}}, nil
}

type mockStats struct {
	err error
}

func (m *mockStats) Compute(_ context.Context, raster domain.RasterFile, layer domain.BoundaryLayer) ([]domain.StatsRow, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []domain.StatsRow{{
		ISOCode:    "KEN",
		Adm0Name:   "Kenya",
		AdminLevel: layer.AdminLevel,
		Issue:      raster.Issue,
		Valid:      raster.Valid,
		LeadTime:   raster.LeadTime,
		PixelCount: 100,
		MeanAnom:   12.5,
		MedianAnom: 11.0,
	}}, nil
}

type mockBoundaries struct {
	err error
}

func (m *mockBoundaries) Layers(_ context.Context) ([]domain.BoundaryLayer, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []domain.BoundaryLayer{
		{AdminLevel: 0, Path: "/tmp/bounds", Layer: "adm0"},
		{AdminLevel: 1, Path: "/tmp/bounds", Layer: "adm1"},
	}, nil
}

// mockPublisher keeps an in-memory published catalog, so successive runs see
// the slices that earlier runs published.
type mockPublisher struct {
	mu         sync.Mutex
	published  domain.Catalog
	listErr    error
	publishErr map[string]error // per slice key
	publishes  []domain.Slice
	archives   []string
}

func newMockPublisher(slices ...domain.Slice) *mockPublisher {
	return &mockPublisher{published: domain.NewCatalog(slices...), publishErr: map[string]error{}}
}

func (m *mockPublisher) ListPublished(_ context.Context) (domain.Catalog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return domain.Catalog{}, m.listErr
	}
	return domain.NewCatalog(m.published.Slices()...), nil
}

func (m *mockPublisher) Publish(_ context.Context, slice domain.Slice, tables []domain.StatsTable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.publishErr[slice.Key()]; err != nil {
		return err
	}
	m.publishes = append(m.publishes, slice)
	m.published.Add(slice)
	return nil
}

func (m *mockPublisher) PublishRasters(_ context.Context, slice domain.Slice, archivePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archives = append(m.archives, filepath.Base(archivePath))
	return nil
}

type mockAudit struct {
	summaries []domain.RunSummary
}

func (m *mockAudit) RecordRun(_ context.Context, summary domain.RunSummary) error {
	m.summaries = append(m.summaries, summary)
	return nil
}

// --- helpers ---

func testSlice(period string) domain.Slice {
	p, err := domain.ParsePeriod(period)
	if err != nil {
		panic(err)
	}
	return domain.Slice{
		Dataset:  "seasonal-postprocessed-single-levels",
		Period:   p,
		Variable: "total_precipitation_anomalous_rate_of_accumulation",
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newReconciler(t *testing.T, src *mockSource, pub *mockPublisher, opts pipeline.Options, extras ...any) *pipeline.Reconciler {
	t.Helper()

	conv := &mockConverter{}
	stats := &mockStats{}
	bounds := &mockBoundaries{}
	var audit pipeline.AuditSink
	for _, e := range extras {
		switch v := e.(type) {
		case *mockConverter:
			conv = v
		case *mockStats:
			stats = v
		case *mockBoundaries:
			bounds = v
		case pipeline.AuditSink:
			audit = v
		}
	}
	opts.WorkDir = t.TempDir()
	return pipeline.New(src, conv, stats, bounds, pub, audit,
		testLogger(), observability.NewMetricsForTesting(), opts)
}

// --- tests ---

func TestRun_ProcessesOnlyMissingSlices(t *testing.T) {
	a, b, c := testSlice("2025-01"), testSlice("2025-02"), testSlice("2025-03")
	src := &mockSource{catalog: domain.NewCatalog(a, b, c)}
	pub := newMockPublisher(a)

	r := newReconciler(t, src, pub, pipeline.Options{})
	summary, err := r.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, summary.Considered)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.ElementsMatch(t, []domain.Slice{b, c}, pub.publishes)
	require.NoError(t, r.CheckReadiness(context.Background()))

	// A second run against the now-complete catalog does nothing.
	src.fetched = nil
	pub.publishes = nil
	summary, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Considered)
	assert.Empty(t, src.fetched)
	assert.Empty(t, pub.publishes)
}

func TestRun_FailureIsolation(t *testing.T) {
	a, b, c := testSlice("2025-01"), testSlice("2025-02"), testSlice("2025-03")
	src := &mockSource{catalog: domain.NewCatalog(a, b, c)}
	pub := newMockPublisher()
	conv := &mockConverter{errFor: map[string]error{
		b.Key(): fmt.Errorf("corrupt grib: %w", domain.ErrConversionFailed),
	}}

	r := newReconciler(t, src, pub, pipeline.Options{}, conv)
	summary, err := r.Run(context.Background())

	require.NoError(t, err)
	require.Len(t, summary.Results, 3)
	assert.Equal(t, domain.OutcomeSucceeded, summary.Results[0].Outcome)
	assert.Equal(t, domain.OutcomeFailed, summary.Results[1].Outcome)
	assert.Equal(t, "conversion_failed", summary.Results[1].Reason)
	assert.Equal(t, domain.OutcomeSucceeded, summary.Results[2].Outcome)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
}

func TestRun_IdempotentAfterPartialFailure(t *testing.T) {
	a, b := testSlice("2025-01"), testSlice("2025-02")
	src := &mockSource{
		catalog:  domain.NewCatalog(a, b),
		fetchErr: map[string]error{a.Key(): domain.ErrSliceNotFound},
	}
	pub := newMockPublisher()

	r := newReconciler(t, src, pub, pipeline.Options{})
	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	// The failed slice heals upstream; only it is reprocessed.
	src.fetchErr = nil
	src.fetched = nil
	summary, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Considered)
	assert.Equal(t, []domain.Slice{a}, src.fetched)
}

func TestRun_SourceUnavailableAbortsRun(t *testing.T) {
	src := &mockSource{listErr: fmt.Errorf("dial tcp: %w", domain.ErrSourceUnavailable)}
	pub := newMockPublisher()

	r := newReconciler(t, src, pub, pipeline.Options{})
	summary, err := r.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Empty(t, summary.Results)
	assert.Error(t, r.CheckReadiness(context.Background()))
}

func TestRun_PublishedCatalogErrorAbortsRun(t *testing.T) {
	src := &mockSource{catalog: domain.NewCatalog(testSlice("2025-01"))}
	pub := newMockPublisher()
	pub.listErr = domain.ErrAuthFailed

	r := newReconciler(t, src, pub, pipeline.Options{})
	summary, err := r.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthFailed)
	assert.Empty(t, summary.Results)
	assert.Empty(t, src.fetched, "remote catalog must not be consulted without the published one")
}

func TestRun_BoundaryFailureAbortsRun(t *testing.T) {
	src := &mockSource{catalog: domain.NewCatalog(testSlice("2025-01"))}
	pub := newMockPublisher()
	bounds := &mockBoundaries{err: fmt.Errorf("bad layer: %w", domain.ErrGeometryInvalid)}

	r := newReconciler(t, src, pub, pipeline.Options{}, bounds)
	summary, err := r.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGeometryInvalid)
	assert.Empty(t, summary.Results)
}

func TestRun_FailOnSliceErrorPolicy(t *testing.T) {
	a := testSlice("2025-01")
	src := &mockSource{
		catalog:  domain.NewCatalog(a),
		fetchErr: map[string]error{a.Key(): domain.ErrTimeout},
	}

	t.Run("lenient by default", func(t *testing.T) {
		r := newReconciler(t, src, newMockPublisher(), pipeline.Options{})
		_, err := r.Run(context.Background())
		require.NoError(t, err)
	})

	t.Run("strict when configured", func(t *testing.T) {
		r := newReconciler(t, src, newMockPublisher(), pipeline.Options{FailOnSliceError: true})
		summary, err := r.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "1 of 1 slices failed")
		assert.Equal(t, 1, summary.Failed)
	})
}

func TestRun_CancellationStopsBetweenSlices(t *testing.T) {
	a, b := testSlice("2025-01"), testSlice("2025-02")
	ctx, cancel := context.WithCancel(context.Background())

	src := &mockSource{catalog: domain.NewCatalog(a, b)}
	pub := newMockPublisher()
	// Cancel during the first slice: the second must not start.
	stats := &cancellingStats{cancel: cancel}

	r := pipeline.New(src, &mockConverter{}, stats, &mockBoundaries{}, pub, nil,
		testLogger(), observability.NewMetricsForTesting(),
		pipeline.Options{WorkDir: t.TempDir()})

	summary, err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, summary.Results, 1, "first slice finishes, second never starts")
}

// cancellingStats cancels the run context while computing, simulating a
// shutdown signal arriving mid-slice.
type cancellingStats struct {
	cancel context.CancelFunc
}

func (c *cancellingStats) Compute(_ context.Context, raster domain.RasterFile, layer domain.BoundaryLayer) ([]domain.StatsRow, error) {
	c.cancel()
	return []domain.StatsRow{{AdminLevel: layer.AdminLevel, Issue: raster.Issue}}, nil
}

func TestRun_ScratchDirsCleanedUp(t *testing.T) {
	a, b := testSlice("2025-01"), testSlice("2025-02")
	src := &mockSource{
		catalog:  domain.NewCatalog(a, b),
		fetchErr: map[string]error{b.Key(): domain.ErrSliceNotFound},
	}
	pub := newMockPublisher()

	work := t.TempDir()
	r := pipeline.New(src, &mockConverter{}, &mockStats{}, &mockBoundaries{}, pub, nil,
		testLogger(), observability.NewMetricsForTesting(),
		pipeline.Options{WorkDir: work})

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	entries, err := os.ReadDir(work)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch dirs must be removed on success and failure")
}

func TestRun_PublishesRasterArchiveForLatestIssueOnly(t *testing.T) {
	old, latest := testSlice("2025-02"), testSlice("2025-03")
	src := &mockSource{catalog: domain.NewCatalog(old, latest)}
	pub := newMockPublisher()

	r := newReconciler(t, src, pub, pipeline.Options{})
	_, err := r.Run(context.Background())

	require.NoError(t, err)
	require.Len(t, pub.archives, 1)
	assert.Equal(t, "forecast_precipitation_anomalies_geotiff_2025_03.zip", pub.archives[0])
}

func TestRun_RecordsAuditSummary(t *testing.T) {
	domain.SetClock(clockwork.NewFakeClockAt(time.Date(2025, time.March, 15, 6, 0, 0, 0, time.UTC)))
	defer domain.SetClock(nil)

	a := testSlice("2025-01")
	src := &mockSource{catalog: domain.NewCatalog(a)}
	pub := newMockPublisher()
	audit := &mockAudit{}

	r := newReconciler(t, src, pub, pipeline.Options{}, pipeline.AuditSink(audit))
	_, err := r.Run(context.Background())

	require.NoError(t, err)
	require.Len(t, audit.summaries, 1)
	got := audit.summaries[0]
	assert.Equal(t, time.Date(2025, time.March, 15, 6, 0, 0, 0, time.UTC), got.Started)
	assert.Equal(t, 1, got.Succeeded)
}

func TestRun_AuditedEvenWhenRunFails(t *testing.T) {
	src := &mockSource{listErr: domain.ErrSourceUnavailable}
	audit := &mockAudit{}

	r := newReconciler(t, src, newMockPublisher(), pipeline.Options{}, pipeline.AuditSink(audit))
	_, err := r.Run(context.Background())

	require.Error(t, err)
	require.Len(t, audit.summaries, 1)
	assert.Zero(t, audit.summaries[0].Considered)
}
