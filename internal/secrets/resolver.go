package secrets

import (
	"context"
	"fmt"
	"time"

	"github.com/vyrodovalexey/avauthz/internal/observability"
)

// DefaultVaultMount is the KV v2 mount used when a reference names none.
const DefaultVaultMount = "secret"

// Ref points at one value held by a provider.
type Ref struct {
	Provider string
	Name     string
	// Key selects a field of the secret. Empty means DefaultKey.
	Key string
	// Mount is the Vault KV v2 mount.
	Mount string
}

// Resolver reads referenced values from the registered providers.
type Resolver struct {
	providers map[ProviderType]Provider
	logger    observability.Logger
	metrics   *Metrics
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithProvider registers p under its type.
func WithProvider(p Provider) ResolverOption {
	return func(r *Resolver) { r.providers[p.Type()] = p }
}

// WithResolverLogger sets the resolver logger.
func WithResolverLogger(logger observability.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// WithResolverMetrics sets the resolver metrics.
func WithResolverMetrics(m *Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a Resolver. The env and file providers are always
// available; vault must be registered with WithProvider.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: map[ProviderType]Provider{
			ProviderTypeEnv:  NewEnvProvider(),
			ProviderTypeFile: NewFileProvider(),
		},
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the referenced value. The value itself is never logged.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) ([]byte, error) {
	pt, err := ValidateProviderType(ref.Provider)
	if err != nil {
		return nil, err
	}
	p, ok := r.providers[pt]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, pt)
	}

	path := ref.Name
	if pt == ProviderTypeVault {
		mount := ref.Mount
		if mount == "" {
			mount = DefaultVaultMount
		}
		path = mount + "/" + ref.Name
	}
	key := ref.Key
	if key == "" {
		key = DefaultKey
	}

	start := time.Now()
	secret, err := p.GetSecret(ctx, path)
	if err == nil {
		if _, ok := secret.GetBytes(key); !ok {
			err = fmt.Errorf("%w: %s in %s", ErrKeyNotFound, key, path)
		}
	}
	r.metrics.record(pt, time.Since(start), err)
	if err != nil {
		r.logger.Error("secret resolution failed",
			observability.String("provider", string(pt)),
			observability.String("name", ref.Name),
			observability.Error(err),
		)
		return nil, err
	}

	value, _ := secret.GetBytes(key)
	r.logger.Debug("secret resolved",
		observability.String("provider", string(pt)),
		observability.String("name", ref.Name),
		observability.String("version", secret.Version),
	)
	return value, nil
}

// HealthCheck checks every registered provider.
func (r *Resolver) HealthCheck(ctx context.Context) error {
	for pt, p := range r.providers {
		if err := p.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s provider: %w", pt, err)
		}
	}
	return nil
}
