package authorizer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avauthz/internal/audit"
	"github.com/vyrodovalexey/avauthz/internal/auth/jwt"
	"github.com/vyrodovalexey/avauthz/internal/authz"
	"github.com/vyrodovalexey/avauthz/internal/cache"
	"github.com/vyrodovalexey/avauthz/internal/classifier"
	"github.com/vyrodovalexey/avauthz/internal/handler"
	"github.com/vyrodovalexey/avauthz/internal/observability"
	"github.com/vyrodovalexey/avauthz/internal/policy"
	"github.com/vyrodovalexey/avauthz/internal/retry"
	"github.com/vyrodovalexey/avauthz/internal/secrets"
)

// Metrics bundles the metrics of every pipeline component. It is created
// once per process and shared by every pipeline built on reload.
type Metrics struct {
	JWT        *jwt.Metrics
	Authz      *authz.Metrics
	Classifier *classifier.Metrics
	Policy     *policy.Metrics
	Handler    *handler.Metrics
	Cache      *cache.Metrics
	Secrets    *secrets.Metrics
	Retry      *retry.Metrics
	Audit      *audit.Metrics
}

// NewMetrics creates component metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}
	return &Metrics{
		JWT:        jwt.NewMetrics(namespace),
		Authz:      authz.NewMetrics(namespace),
		Classifier: classifier.NewMetrics(namespace),
		Policy:     policy.NewMetrics(namespace),
		Handler:    handler.NewMetrics(namespace),
		Cache:      cache.NewMetrics(namespace),
		Secrets:    secrets.NewMetrics(namespace),
		Retry:      retry.NewMetrics(namespace),
		Audit:      audit.NewMetrics(namespace),
	}
}

// Register adds every component collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) {
	var cs []prometheus.Collector
	cs = append(cs, m.JWT.Collectors()...)
	cs = append(cs, m.Authz.Collectors()...)
	cs = append(cs, m.Classifier.Collectors()...)
	cs = append(cs, m.Policy.Collectors()...)
	cs = append(cs, m.Handler.Collectors()...)
	cs = append(cs, m.Cache.Collectors()...)
	cs = append(cs, m.Secrets.Collectors()...)
	cs = append(cs, m.Retry.Collectors()...)
	cs = append(cs, m.Audit.Collectors()...)
	observability.RegisterCollectors(reg, cs...)
}
