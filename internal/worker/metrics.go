package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry          *prometheus.Registry
	compositesTotal   *prometheus.CounterVec
	composeDuration   *prometheus.HistogramVec
	activeComposites  prometheus.Gauge
	outputBytesTotal  prometheus.Counter
	outputPixelsTotal prometheus.Counter
	persistTotal      *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		compositesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printforge_worker_composites_total",
			Help: "Compose tasks by queue reason and final status.",
		}, []string{"reason", "status"}),
		composeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "printforge_worker_compose_duration_seconds",
			Help:    "Fetch, compose, encode and emit duration per task.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source_type", "status"}),
		activeComposites: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "printforge_worker_active_composites",
			Help: "Compose tasks currently holding a worker slot.",
		}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printforge_worker_output_bytes_total",
			Help: "Encoded composite bytes written.",
		}),
		outputPixelsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printforge_worker_output_pixels_total",
			Help: "Composite pixels rendered.",
		}),
		persistTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printforge_worker_persist_total",
			Help: "Composite result persistence by ladder level.",
		}, []string{"level"}),
	}

	registry.MustRegister(
		m.compositesTotal,
		m.composeDuration,
		m.activeComposites,
		m.outputBytesTotal,
		m.outputPixelsTotal,
		m.persistTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
