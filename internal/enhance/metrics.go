package enhance

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	persistTotal    *prometheus.CounterVec
}

// newMetrics registers on reg when it is non-nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printforge_enhancement_requests_total",
			Help: "Enhancement Service calls by outcome.",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "printforge_enhancement_duration_seconds",
			Help:    "Enhancement Service call duration.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 90, 120},
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "printforge_enhancement_in_flight",
			Help: "Enhancement requests currently pending.",
		}),
		persistTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printforge_enhancement_persist_total",
			Help: "Enhanced result persistence by ladder level.",
		}, []string{"level"}),
	}

	if reg != nil {
		reg.MustRegister(m.requestsTotal, m.requestDuration, m.inFlight, m.persistTotal)
	}
	return m
}
