package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/vyrodovalexey/avauthz/internal/observability"
)

// EnvProvider reads secrets from environment variables.
// Path "internal-secret" with prefix "AUTHZ_" maps to AUTHZ_INTERNAL_SECRET.
// A JSON object value is split into keys; any other value is stored under
// DefaultKey.
type EnvProvider struct {
	prefix string
	lookup func(string) (string, bool)
	logger observability.Logger
}

// EnvOption configures an EnvProvider.
type EnvOption func(*EnvProvider)

// WithEnvPrefix prepends prefix to every variable name.
func WithEnvPrefix(prefix string) EnvOption {
	return func(p *EnvProvider) { p.prefix = prefix }
}

// WithEnvLookup overrides how variables are read.
func WithEnvLookup(lookup func(string) (string, bool)) EnvOption {
	return func(p *EnvProvider) { p.lookup = lookup }
}

// WithEnvLogger sets the provider logger.
func WithEnvLogger(logger observability.Logger) EnvOption {
	return func(p *EnvProvider) { p.logger = logger }
}

// NewEnvProvider creates an EnvProvider.
func NewEnvProvider(opts ...EnvOption) *EnvProvider {
	p := &EnvProvider{
		lookup: os.LookupEnv,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Type returns the provider type.
func (p *EnvProvider) Type() ProviderType {
	return ProviderTypeEnv
}

func (p *EnvProvider) envName(path string) string {
	name := strings.ToUpper(path)
	name = strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(name)
	return p.prefix + name
}

// GetSecret reads the variable named by path.
func (p *EnvProvider) GetSecret(_ context.Context, path string) (*Secret, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	name := p.envName(path)
	value, ok := p.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: environment variable %s not set", ErrSecretNotFound, name)
	}
	p.logger.Debug("secret read from environment", observability.String("variable", name))
	return &Secret{Name: path, Data: decodeValue([]byte(value))}, nil
}

// HealthCheck always succeeds.
func (p *EnvProvider) HealthCheck(context.Context) error { return nil }

// Close is a no-op.
func (p *EnvProvider) Close() error { return nil }
