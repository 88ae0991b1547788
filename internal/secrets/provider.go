// Package secrets resolves secret material such as token signing keys and
// connection passwords from environment variables, files or HashiCorp Vault.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProviderType represents the type of secrets provider.
type ProviderType string

const (
	// ProviderTypeEnv reads environment variables.
	ProviderTypeEnv ProviderType = "env"
	// ProviderTypeFile reads local files.
	ProviderTypeFile ProviderType = "file"
	// ProviderTypeVault reads a Vault KV v2 engine.
	ProviderTypeVault ProviderType = "vault"
)

// DefaultKey is the data key used for secrets that hold a single value.
const DefaultKey = "value"

// Common errors for secrets providers.
var (
	// ErrSecretNotFound is returned when a secret is not found.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrKeyNotFound is returned when a secret lacks the requested key.
	ErrKeyNotFound = errors.New("secret key not found")
	// ErrProviderNotConfigured is returned when the provider is not properly configured.
	ErrProviderNotConfigured = errors.New("provider not configured")
	// ErrInvalidPath is returned when the secret path is invalid.
	ErrInvalidPath = errors.New("invalid secret path")
	// ErrInvalidProviderType is returned when an unknown provider type is specified.
	ErrInvalidProviderType = errors.New("invalid provider type")
)

// Secret holds the key-value data of a secret.
type Secret struct {
	Name    string
	Data    map[string][]byte
	Version string
}

// GetString returns a string value from the secret data.
func (s *Secret) GetString(key string) (string, bool) {
	v, ok := s.GetBytes(key)
	return string(v), ok
}

// GetBytes returns a byte slice value from the secret data.
func (s *Secret) GetBytes(key string) ([]byte, bool) {
	if s == nil || s.Data == nil {
		return nil, false
	}
	v, ok := s.Data[key]
	return v, ok
}

// Provider reads secrets from one backend.
type Provider interface {
	// Type returns the provider type.
	Type() ProviderType

	// GetSecret retrieves a secret. Path format depends on the provider:
	//   - env: "SECRET_NAME", normalized to an environment variable name
	//   - file: a file path, relative to the base directory if one is set
	//   - vault: "mount/path/to/secret"
	GetSecret(ctx context.Context, path string) (*Secret, error)

	// HealthCheck checks provider connectivity.
	HealthCheck(ctx context.Context) error

	// Close releases provider resources.
	Close() error
}

// ValidateProviderType returns the ProviderType for s.
func ValidateProviderType(s string) (ProviderType, error) {
	switch ProviderType(s) {
	case ProviderTypeEnv, ProviderTypeFile, ProviderTypeVault:
		return ProviderType(s), nil
	default:
		return "", fmt.Errorf("%w: %s, must be one of: env, file, vault", ErrInvalidProviderType, s)
	}
}

// decodeValue turns a raw secret value into secret data. A JSON object is
// split into its fields; anything else is stored under DefaultKey.
func decodeValue(raw []byte) map[string][]byte {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return map[string][]byte{DefaultKey: raw}
	}
	return fieldsToData(fields)
}

func fieldsToData(fields map[string]interface{}) map[string][]byte {
	data := make(map[string][]byte, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			data[k] = []byte(val)
		default:
			b, err := json.Marshal(val)
			if err != nil {
				continue
			}
			data[k] = b
		}
	}
	return data
}

// Metrics holds secrets provider metrics.
type Metrics struct {
	operationDuration *prometheus.HistogramVec
	operationTotal    *prometheus.CounterVec
}

// NewMetrics creates secrets metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "secrets",
				Name:      "operation_duration_seconds",
				Help:      "Duration of secrets provider operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider", "result"},
		),
		operationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "secrets",
				Name:      "operation_total",
				Help:      "Total number of secrets provider reads",
			},
			[]string{"provider", "result"},
		),
	}
}

// Collectors returns the collectors to register.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.operationDuration, m.operationTotal}
}

func (m *Metrics) record(provider ProviderType, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.operationDuration.WithLabelValues(string(provider), result).Observe(d.Seconds())
	m.operationTotal.WithLabelValues(string(provider), result).Inc()
}
