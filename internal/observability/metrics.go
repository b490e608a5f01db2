package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	berrors "github.com/psantana5/effbench/internal/errors"
	"github.com/psantana5/effbench/internal/scenario"
)

// Metrics holds the live harness metrics of a run. It uses a custom
// registry to avoid polluting the global default.
type Metrics struct {
	Registry *prometheus.Registry

	BatchesTotal  *prometheus.CounterVec
	ItemsTotal    *prometheus.CounterVec
	BatchLatency  *prometheus.HistogramVec
	BatchSize     *prometheus.HistogramVec
	RunPhase      *prometheus.GaugeVec
	MonitorsUp    prometheus.Gauge
	WarningsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered on a custom registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "effbench_batches_total",
			Help: "Request batches answered by the workload.",
		}, []string{"scenario"}),
		ItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "effbench_items_total",
			Help: "Items answered by the workload.",
		}, []string{"scenario"}),
		BatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "effbench_batch_latency_seconds",
			Help:    "Round trip time of one request batch.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"scenario"}),
		BatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "effbench_batch_size",
			Help:    "Items per request batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"scenario"}),
		RunPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "effbench_run_phase",
			Help: "1 for the phase the run is currently in.",
		}, []string{"phase"}),
		MonitorsUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "effbench_monitors_running",
			Help: "Telemetry sampler processes currently running.",
		}),
		WarningsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "effbench_warnings_total",
			Help: "Non-fatal problems raised during the run.",
		}, []string{"code"}),
	}

	reg.MustRegister(
		m.BatchesTotal,
		m.ItemsTotal,
		m.BatchLatency,
		m.BatchSize,
		m.RunPhase,
		m.MonitorsUp,
		m.WarningsTotal,
	)
	return m
}

// Observer returns a scheduler callback feeding the batch metrics.
func (m *Metrics) Observer(kind scenario.Kind) scenario.Observer {
	label := string(kind)
	return func(b scenario.Batch) {
		m.BatchesTotal.WithLabelValues(label).Inc()
		m.ItemsTotal.WithLabelValues(label).Add(float64(b.Size))
		m.BatchLatency.WithLabelValues(label).Observe(b.Latency.Seconds())
		m.BatchSize.WithLabelValues(label).Observe(float64(b.Size))
	}
}

// EnterPhase marks phase as the current one.
func (m *Metrics) EnterPhase(phase berrors.Phase) {
	m.RunPhase.Reset()
	m.RunPhase.WithLabelValues(string(phase)).Set(1)
}

// RecordWarnings counts warnings by code.
func (m *Metrics) RecordWarnings(ws []berrors.Warning) {
	for _, w := range ws {
		m.WarningsTotal.WithLabelValues(string(w.Code)).Inc()
	}
}
