package cache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for cache operations.
type Metrics struct {
	hitsTotal         prometheus.Counter
	missesTotal       prometheus.Counter
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
}

// NewMetrics creates cache metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		hitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of shared cache hits",
		}),
		missesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of shared cache misses",
		}),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "operation_duration_seconds",
				Help:      "Duration of cache operations",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
			},
			[]string{"operation"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "errors_total",
				Help:      "Total number of cache errors",
			},
			[]string{"operation"},
		),
	}
}

// Collectors returns the collectors to register.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.hitsTotal, m.missesTotal, m.operationDuration, m.errorsTotal}
}

func (m *Metrics) observe(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) hit() {
	if m == nil {
		return
	}
	m.hitsTotal.Inc()
}

func (m *Metrics) miss() {
	if m == nil {
		return
	}
	m.missesTotal.Inc()
}

func (m *Metrics) failed(operation string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(operation).Inc()
}
