package handler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds authorization handler metrics.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	sources  *prometheus.CounterVec
}

// NewMetrics creates handler metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "handler",
				Name:      "requests_total",
				Help:      "Authorization requests by outcome",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "handler",
				Name:      "duration_seconds",
				Help:      "Authorization request duration in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"outcome"},
		),
		sources: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "handler",
				Name:      "token_sources_total",
				Help:      "Where request credentials were found",
			},
			[]string{"source"},
		),
	}
}

// Collectors returns the collectors to register.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.requests, m.duration, m.sources}
}

func (m *Metrics) recordRequest(outcome Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(string(outcome)).Inc()
	m.duration.WithLabelValues(string(outcome)).Observe(d.Seconds())
}

func (m *Metrics) recordSource(src Source) {
	if m == nil {
		return
	}
	m.sources.WithLabelValues(string(src.Type)).Inc()
}
