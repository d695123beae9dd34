package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rbaliyan/queueview"
)

// Metrics holds the Prometheus collectors exported on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	BrowseStartAge  *prometheus.GaugeVec
	QueueSize       *prometheus.GaugeVec
	MaintenanceRuns *prometheus.CounterVec
	PurgedSlices    *prometheus.CounterVec
	PurgedItems     *prometheus.CounterVec
	DeletedItems    *prometheus.CounterVec
}

// NewMetrics registers the queueview collectors, plus the Go runtime and
// process collectors, on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BrowseStartAge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queueview_browse_start_age_seconds",
				Help: "Age of the browse start watermark per queue",
			},
			[]string{"queue"},
		),
		QueueSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queueview_queue_size",
				Help: "Live items per queue as of the last size request",
			},
			[]string{"queue"},
		),
		MaintenanceRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queueview_maintenance_runs_total",
				Help: "Maintenance passes by result",
			},
			[]string{"result"},
		),
		PurgedSlices: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queueview_purged_slices_total",
				Help: "Slices garbage collected behind the browse start",
			},
			[]string{"queue"},
		),
		PurgedItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queueview_purged_items_total",
				Help: "Items physically removed by garbage collection",
			},
			[]string{"queue"},
		),
		DeletedItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queueview_deleted_items_total",
				Help: "Items tombstoned through the HTTP API",
			},
			[]string{"queue"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BrowseStartAge,
		m.QueueSize,
		m.MaintenanceRuns,
		m.PurgedSlices,
		m.PurgedItems,
		m.DeletedItems,
	)
	return m
}

// Registry returns the registry served on /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeHealth(report *queueview.HealthReport) {
	m.BrowseStartAge.Reset()
	for queue, at := range report.BrowseStart {
		m.BrowseStartAge.WithLabelValues(queue).Set(report.CheckedAt.Sub(at).Seconds())
	}
}

func (m *Metrics) observeAdvance(res *queueview.AdvanceResult, now time.Time) {
	if res == nil {
		return
	}
	if res.PurgedSlices > 0 {
		m.PurgedSlices.WithLabelValues(res.Queue).Add(float64(res.PurgedSlices))
	}
	if res.PurgedItems > 0 {
		m.PurgedItems.WithLabelValues(res.Queue).Add(float64(res.PurgedItems))
	}
	if !res.To.IsZero() {
		m.BrowseStartAge.WithLabelValues(res.Queue).Set(now.Sub(res.To).Seconds())
	}
}
