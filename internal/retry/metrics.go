package retry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records retry attempts and outcomes per operation.
type Metrics struct {
	attempts *prometheus.CounterVec
	results  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates retry metrics under the given namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retry",
				Name:      "attempts_total",
				Help:      "Number of attempts an operation needed before it finished",
			},
			[]string{"operation", "attempts"},
		),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retry",
				Name:      "results_total",
				Help:      "Retried operation outcomes",
			},
			[]string{"operation", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "retry",
				Name:      "duration_seconds",
				Help:      "Total duration of retried operations including backoff",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"operation", "result"},
		),
	}
}

// Collectors returns the collectors to register.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.attempts, m.results, m.duration}
}

func (m *Metrics) observe(operation string, attempt int, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.attempts.WithLabelValues(operation, strconv.Itoa(attempt+1)).Inc()
	m.results.WithLabelValues(operation, result).Inc()
	m.duration.WithLabelValues(operation, result).Observe(d.Seconds())
}
