package policy

import (
	"encoding/json"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avauthz/internal/authz"
	"github.com/vyrodovalexey/avauthz/internal/observability"
)

// Policy document constants.
const (
	Version       = "2012-10-17"
	InvokeAction  = "execute-api:Invoke"
	UnknownCaller = "unknown"

	// DefaultMaxContextBytes is the largest serialized context forwarded
	// downstream.
	DefaultMaxContextBytes = 4096
)

// Document is the authorizer response consumed by the gateway.
type Document struct {
	PrincipalID    string                 `json:"principalId"`
	PolicyDocument PolicyDocument         `json:"policyDocument"`
	Context        map[string]interface{} `json:"context,omitempty"`
}

// PolicyDocument is an IAM-style policy with a single statement.
type PolicyDocument struct {
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

// Statement grants or denies invoking one resource.
type Statement struct {
	Action   string `json:"Action"`
	Effect   string `json:"Effect"`
	Resource string `json:"Resource"`
}

// Effect returns the effect of the first statement.
func (d *Document) Effect() authz.Effect {
	if d == nil || len(d.PolicyDocument.Statement) == 0 {
		return authz.EffectDeny
	}
	return authz.Effect(d.PolicyDocument.Statement[0].Effect)
}

// Truncated reports whether the context was replaced for exceeding the cap.
func (d *Document) Truncated() bool {
	if d == nil {
		return false
	}
	t, _ := d.Context["truncated"].(bool)
	return t
}

// Builder renders decisions as policy documents. It is immutable and safe
// for concurrent use.
type Builder struct {
	maxContextBytes int
	logger          observability.Logger
	metrics         *Metrics
}

// Option configures a Builder.
type Option func(*Builder)

// WithMaxContextBytes sets the context cap. Values <= 0 keep the default.
func WithMaxContextBytes(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.maxContextBytes = n
		}
	}
}

// WithLogger sets the builder logger.
func WithLogger(logger observability.Logger) Option {
	return func(b *Builder) { b.logger = logger }
}

// WithMetrics sets the builder metrics.
func WithMetrics(m *Metrics) Option {
	return func(b *Builder) { b.metrics = m }
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		maxContextBytes: DefaultMaxContextBytes,
		logger:          observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns the policy document for a decision. Deny documents always
// name the unknown caller. A context whose JSON encoding exceeds the cap is
// replaced by {user_id, truncated: true}.
func (b *Builder) Build(principalID string, effect authz.Effect, resource string, ctx map[string]interface{}) *Document {
	if effect != authz.EffectAllow {
		effect = authz.EffectDeny
		principalID = UnknownCaller
	}

	doc := &Document{
		PrincipalID: principalID,
		PolicyDocument: PolicyDocument{
			Version: Version,
			Statement: []Statement{{
				Action:   InvokeAction,
				Effect:   string(effect),
				Resource: resource,
			}},
		},
	}
	if len(ctx) > 0 {
		doc.Context = b.bound(principalID, ctx)
	}
	b.metrics.recordDocument(effect, doc.Truncated())
	return doc
}

// Allow is shorthand for Build with EffectAllow.
func (b *Builder) Allow(principalID, resource string, ctx map[string]interface{}) *Document {
	return b.Build(principalID, authz.EffectAllow, resource, ctx)
}

// Deny is shorthand for Build with EffectDeny and a DenyContext.
func (b *Builder) Deny(resource, reason string) *Document {
	return b.Build(UnknownCaller, authz.EffectDeny, resource, DenyContext(reason))
}

func (b *Builder) bound(principalID string, ctx map[string]interface{}) map[string]interface{} {
	raw, err := json.Marshal(ctx)
	if err == nil && len(raw) <= b.maxContextBytes {
		return ctx
	}
	if err != nil {
		b.logger.Warn("policy context not serializable, truncating", observability.Error(err))
	} else {
		b.logger.Debug("policy context truncated",
			observability.String("user_id", principalID),
			observability.Int("size", len(raw)),
			observability.Int("limit", b.maxContextBytes),
		)
	}
	return map[string]interface{}{
		"user_id":   principalID,
		"truncated": true,
	}
}

// Metrics holds policy builder metrics.
type Metrics struct {
	documents   *prometheus.CounterVec
	truncations prometheus.Counter
}

// NewMetrics creates policy builder metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		documents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "documents_total",
				Help:      "Policy documents built by effect",
			},
			[]string{"effect"},
		),
		truncations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "context_truncations_total",
			Help:      "Policy contexts replaced for exceeding the size cap",
		}),
	}
}

// Collectors returns the collectors to register.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.documents, m.truncations}
}

func (m *Metrics) recordDocument(effect authz.Effect, truncated bool) {
	if m == nil {
		return
	}
	m.documents.WithLabelValues(string(effect)).Inc()
	if truncated {
		m.truncations.Inc()
	}
}
