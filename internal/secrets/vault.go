package secrets

import (
	"context"
	"fmt"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/avauthz/internal/observability"
)

// VaultConfig configures the Vault provider.
type VaultConfig struct {
	Address string
	// Token authenticates requests. Empty falls back to VAULT_TOKEN.
	Token     string
	Namespace string
	Timeout   time.Duration
}

// VaultProvider reads secrets from a Vault KV v2 engine.
type VaultProvider struct {
	api    *vaultapi.Client
	logger observability.Logger
}

// VaultOption configures a VaultProvider.
type VaultOption func(*VaultProvider)

// WithVaultLogger sets the provider logger.
func WithVaultLogger(logger observability.Logger) VaultOption {
	return func(p *VaultProvider) { p.logger = logger }
}

// NewVaultProvider creates a VaultProvider.
func NewVaultProvider(cfg VaultConfig, opts ...VaultOption) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProviderNotConfigured)
	}

	apiConfig := vaultapi.DefaultConfig()
	apiConfig.Address = cfg.Address
	if cfg.Timeout > 0 {
		apiConfig.Timeout = cfg.Timeout
	}
	api, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		api.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		api.SetNamespace(cfg.Namespace)
	}

	p := &VaultProvider{api: api, logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger.Info("vault secrets provider initialized",
		observability.String("address", cfg.Address),
	)
	return p, nil
}

// Type returns the provider type.
func (p *VaultProvider) Type() ProviderType {
	return ProviderTypeVault
}

// GetSecret reads the latest version of "mount/path".
func (p *VaultProvider) GetSecret(ctx context.Context, path string) (*Secret, error) {
	mount, rest, ok := strings.Cut(strings.Trim(path, "/"), "/")
	if !ok || mount == "" || rest == "" {
		return nil, fmt.Errorf("%w: %q, expected mount/path", ErrInvalidPath, path)
	}
	fullPath := mount + "/data/" + rest

	secret, err := p.api.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("vault read %s failed: %w", fullPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, fullPath)
	}
	fields, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		// Deleted versions come back with data set to null.
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, fullPath)
	}

	out := &Secret{Name: path, Data: fieldsToData(fields)}
	if meta, ok := secret.Data["metadata"].(map[string]interface{}); ok {
		if v, ok := meta["version"]; ok {
			out.Version = fmt.Sprint(v)
		}
	}
	p.logger.Debug("secret read from vault",
		observability.String("path", fullPath),
		observability.String("version", out.Version),
	)
	return out, nil
}

// HealthCheck queries the Vault health endpoint.
func (p *VaultProvider) HealthCheck(ctx context.Context) error {
	health, err := p.api.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// Close is a no-op.
func (p *VaultProvider) Close() error { return nil }
