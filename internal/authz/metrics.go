package authz

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains decision engine metrics.
type Metrics struct {
	decisions    *prometheus.CounterVec
	duration     prometheus.Histogram
	mnpiDenials  *prometheus.CounterVec
	unknownRoles prometheus.Counter
}

// NewMetrics creates decision engine metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "authz",
				Name:      "decisions_total",
				Help:      "Total number of access decisions by effect and deciding stage",
			},
			[]string{"effect", "stage"},
		),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "decision_duration_seconds",
			Help:      "Access decision duration in seconds",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),
		mnpiDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "authz",
				Name:      "mnpi_denials_total",
				Help:      "Total number of denials caused by MNPI clearance",
			},
			[]string{"classification"},
		),
		unknownRoles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "unknown_roles_total",
			Help:      "Total number of unrecognized role names seen in tokens",
		}),
	}
}

// Collectors returns the collectors to register.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.decisions, m.duration, m.mnpiDenials, m.unknownRoles}
}

func (m *Metrics) recordDecision(d *Decision, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(d.Effect), string(d.Stage)).Inc()
	m.duration.Observe(elapsed.Seconds())
	var mnpi *MNPIAccessDeniedError
	if d.Stage == StageMNPI && asMNPI(d.Err, &mnpi) {
		m.mnpiDenials.WithLabelValues(mnpi.Classification.String()).Inc()
	}
}

func (m *Metrics) recordUnknownRoles(n int) {
	if m == nil || n == 0 {
		return
	}
	m.unknownRoles.Add(float64(n))
}
