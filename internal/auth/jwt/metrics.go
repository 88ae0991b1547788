package jwt

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds token validation and key cache metrics.
type Metrics struct {
	validationTotal    *prometheus.CounterVec
	validationDuration *prometheus.HistogramVec
	signingTotal       *prometheus.CounterVec
	cacheLookups       *prometheus.CounterVec
	keyFetches         *prometheus.CounterVec
	keyFetchDuration   prometheus.Histogram
	refreshLimited     prometheus.Counter
	breakerState       *prometheus.GaugeVec
}

// NewMetrics creates JWT metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		validationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jwt",
				Name:      "validation_total",
				Help:      "Total number of token validations by token kind and result",
			},
			[]string{"kind", "result"},
		),
		validationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "jwt",
				Name:      "validation_duration_seconds",
				Help:      "Token validation duration in seconds",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
			[]string{"kind"},
		),
		signingTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jwt",
				Name:      "signing_total",
				Help:      "Total number of internal tokens signed",
			},
			[]string{"status"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jwks",
				Name:      "cache_lookups_total",
				Help:      "Key cache lookups by result (hit, miss, stale, shared)",
			},
			[]string{"result"},
		),
		keyFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jwks",
				Name:      "fetch_total",
				Help:      "Total number of key set fetches by issuer and status",
			},
			[]string{"issuer", "status"},
		),
		keyFetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jwks",
			Name:      "fetch_duration_seconds",
			Help:      "Key set fetch duration in seconds, including retries",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		refreshLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jwks",
			Name:      "refresh_limited_total",
			Help:      "Forced refreshes skipped because the issuer was refreshed recently",
		}),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "jwks",
				Name:      "circuit_breaker_state",
				Help:      "Key fetch circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
	}
}

// Collectors returns the collectors to register.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.validationTotal,
		m.validationDuration,
		m.signingTotal,
		m.cacheLookups,
		m.keyFetches,
		m.keyFetchDuration,
		m.refreshLimited,
		m.breakerState,
	}
}

func (m *Metrics) recordValidation(kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.validationTotal.WithLabelValues(kind, result).Inc()
	m.validationDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) recordSigning(status string) {
	if m == nil {
		return
	}
	m.signingTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) recordLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) recordFetch(issuer string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.keyFetches.WithLabelValues(issuer, status).Inc()
	m.keyFetchDuration.Observe(d.Seconds())
}

func (m *Metrics) recordRefreshLimited() {
	if m == nil {
		return
	}
	m.refreshLimited.Inc()
}

func (m *Metrics) setBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(state)
}
