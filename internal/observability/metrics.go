package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// reconciliation pipeline.
type Metrics struct {
	RunsTotal   *prometheus.CounterVec // labels: outcome={ok,error}
	RunDuration prometheus.Histogram
	RunActive   prometheus.Gauge

	RemoteSlices    prometheus.Gauge
	PublishedSlices prometheus.Gauge
	PendingSlices   prometheus.Gauge

	SlicesProcessed *prometheus.CounterVec // labels: outcome={succeeded,failed}
	SliceFailures   *prometheus.CounterVec // labels: reason (domain.FailureReason)
	SliceDuration   prometheus.Histogram

	LastSuccessTimestamp prometheus.Gauge
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunActive,
		m.RemoteSlices,
		m.PublishedSlices,
		m.PendingSlices,
		m.SlicesProcessed,
		m.SliceFailures,
		m.SliceDuration,
		m.LastSuccessTimestamp,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "precip_etl",
			Name:      "runs_total",
			Help:      "Reconciliation runs by outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "precip_etl",
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete reconciliation run.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}),
		RunActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "precip_etl",
			Name:      "run_active",
			Help:      "1 while a reconciliation run is in progress.",
		}),
		RemoteSlices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "precip_etl",
			Name:      "remote_catalog_slices",
			Help:      "Slices offered by the climate data store at the last run.",
		}),
		PublishedSlices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "precip_etl",
			Name:      "published_catalog_slices",
			Help:      "Slices present in the portal at the last run.",
		}),
		PendingSlices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "precip_etl",
			Name:      "pending_slices",
			Help:      "Slices selected for processing at the last run.",
		}),
		SlicesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "precip_etl",
			Name:      "slices_processed_total",
			Help:      "Processed slices by outcome.",
		}, []string{"outcome"}),
		SliceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "precip_etl",
			Name:      "slice_failures_total",
			Help:      "Slice failures by reason.",
		}, []string{"reason"}),
		SliceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "precip_etl",
			Name:      "slice_processing_duration_seconds",
			Help:      "Duration of one slice's download-convert-stats-publish cycle.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		LastSuccessTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "precip_etl",
			Name:      "last_successful_run_timestamp_seconds",
			Help:      "Unix time of the last run that completed without run-level error.",
		}),
	}
}
