package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"slices"

	"github.com/vyrodovalexey/avauthz/internal/authz"
)

// Minimum length of an inline HMAC secret.
const minSecretLength = 32

var (
	federatedAlgorithms = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512"}
	internalAlgorithms  = []string{"HS256", "HS384", "HS512"}
	secretProviders     = []string{"env", "file", "vault"}
	logLevels           = []string{"debug", "info", "warn", "error"}
	logFormats          = []string{"json", "console"}
)

// Validate checks the configuration and returns every problem found joined
// into one error. Each problem is a *ConfigurationError.
func (c *Config) Validate() error {
	v := &validator{}

	v.validateServer(&c.Server)
	v.validateLogging(&c.Logging)
	v.validateIdentity(&c.Identity)
	v.validateAccess(&c.Access)
	v.validateBackends(c)

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		v.add("tracing.samplingRate", "must be between 0 and 1")
	}
	if c.Policy.ContextMaxBytes < 64 {
		v.add("policy.contextMaxBytes", "must be at least 64")
	}

	return errors.Join(v.errs...)
}

type validator struct {
	errs []error
}

func (v *validator) add(field, reason string) {
	v.errs = append(v.errs, NewConfigurationError(field, reason))
}

func (v *validator) validateServer(s *ServerConfig) {
	if s.Address == "" {
		v.add("server.address", "is required")
	}
	for i, p := range s.TrustedProxies {
		if !isAddressOrCIDR(p) {
			v.add(fmt.Sprintf("server.trustedProxies[%d]", i), "must be an IP address or CIDR")
		}
	}
}

func (v *validator) validateLogging(l *LoggingConfig) {
	if !slices.Contains(logLevels, l.Level) {
		v.add("logging.level", fmt.Sprintf("must be one of %v", logLevels))
	}
	if !slices.Contains(logFormats, l.Format) {
		v.add("logging.format", fmt.Sprintf("must be one of %v", logFormats))
	}
}

func (v *validator) validateIdentity(id *IdentityConfig) {
	if len(id.Federated) == 0 && !id.Internal.Enabled() {
		v.add("identity", "no token issuer configured: set federated issuers, tenantId, or an internal secret")
	}
	if len(id.Federated) > 0 && id.Audience == "" {
		v.add("identity.audience", "is required when federated issuers are configured")
	}

	seen := make(map[string]bool, len(id.Federated))
	for i, f := range id.Federated {
		field := fmt.Sprintf("identity.federated[%d]", i)
		if f.Issuer == "" {
			v.add(field+".issuer", "is required")
			continue
		}
		if seen[f.Issuer] {
			v.add(field+".issuer", "duplicate issuer "+f.Issuer)
		}
		seen[f.Issuer] = true
		if f.Issuer == id.Internal.Issuer {
			v.add(field+".issuer", "collides with the internal token issuer")
		}
		if !isHTTPURL(f.EffectiveJWKSURL()) {
			v.add(field+".jwksUrl", "must be an absolute http(s) URL")
		}
		for _, alg := range f.EffectiveAlgorithms() {
			if !slices.Contains(federatedAlgorithms, alg) {
				v.add(field+".algorithms", "unsupported algorithm "+alg)
			}
		}
	}

	in := id.Internal
	if in.Enabled() {
		if !slices.Contains(internalAlgorithms, in.Algorithm) {
			v.add("identity.internal.algorithm", fmt.Sprintf("must be one of %v", internalAlgorithms))
		}
		if in.Secret != "" && len(in.Secret) < minSecretLength {
			v.add("identity.internal.secret", fmt.Sprintf("must be at least %d bytes", minSecretLength))
		}
		if in.Secret != "" && in.SecretRef != nil {
			v.add("identity.internal", "set either secret or secretRef, not both")
		}
		v.validateSecretRef("identity.internal.secretRef", in.SecretRef)
	}

	if id.KeyCache.MinRefreshInterval.Duration() > id.KeyCache.TTL.Duration() {
		v.add("identity.keyCache.minRefreshInterval", "must not exceed ttl")
	}
	if id.KeyCache.Retry.MaxRetries < 0 {
		v.add("identity.keyCache.retry.maxRetries", "must not be negative")
	}

	for group, role := range id.Claims.GroupRoles {
		if _, ok := authz.ParseRole(role); !ok {
			v.add("identity.claims.groupRoles."+group, "unknown role "+role)
		}
	}
}

func (v *validator) validateAccess(a *AccessConfig) {
	if _, ok := authz.ParseClassification(a.MNPI.DefaultClassification); !ok {
		v.add("access.mnpi.defaultClassification", "unknown classification "+a.MNPI.DefaultClassification)
	}
	v.validateRoleList("access.adminRoles", a.AdminRoles)
	v.validateRoleList("access.seniorRoles", a.SeniorRoles)

	for role, perms := range a.RolePermissions {
		field := "access.rolePermissions." + role
		if _, ok := authz.ParseRole(role); !ok {
			v.add(field, "unknown role")
		}
		for _, p := range perms {
			if _, ok := authz.ParsePermission(p); !ok {
				v.add(field, "unknown permission "+p)
			}
		}
	}

	names := make(map[string]bool, len(a.Restrictions))
	for i, r := range a.Restrictions {
		field := fmt.Sprintf("access.restrictions[%d]", i)
		if r.Name == "" {
			v.add(field+".name", "is required")
		} else if names[r.Name] {
			v.add(field+".name", "duplicate restriction "+r.Name)
		}
		names[r.Name] = true
		if r.Expression == "" {
			v.add(field+".expression", "is required")
		}
	}
}

func (v *validator) validateRoleList(field string, roles []string) {
	for _, r := range roles {
		if _, ok := authz.ParseRole(r); !ok {
			v.add(field, "unknown role "+r)
		}
	}
}

func (v *validator) validateSecretRef(field string, ref *SecretRef) {
	if ref == nil {
		return
	}
	if !slices.Contains(secretProviders, ref.Provider) {
		v.add(field+".provider", fmt.Sprintf("must be one of %v", secretProviders))
	}
	if ref.Name == "" {
		v.add(field+".name", "is required")
	}
}

func (v *validator) validateBackends(c *Config) {
	if c.Redis.Enabled && c.Redis.URL == "" {
		v.add("redis.url", "is required when redis is enabled")
	}
	if c.Redis.TTLJitter < 0 || c.Redis.TTLJitter > 1 {
		v.add("redis.ttlJitter", "must be between 0 and 1")
	}
	v.validateSecretRef("redis.passwordRef", c.Redis.PasswordRef)
	if c.Identity.KeyCache.SharedStore && !c.Redis.Enabled {
		v.add("identity.keyCache.sharedStore", "requires redis to be enabled")
	}

	usesVault := false
	for _, ref := range []*SecretRef{c.Identity.Internal.SecretRef, c.Redis.PasswordRef} {
		if ref != nil && ref.Provider == "vault" {
			usesVault = true
		}
	}
	if usesVault && (!c.Vault.Enabled || c.Vault.Address == "") {
		v.add("vault", "must be enabled with an address when a vault secretRef is used")
	}
}

func isAddressOrCIDR(raw string) bool {
	if _, err := netip.ParsePrefix(raw); err == nil {
		return true
	}
	_, err := netip.ParseAddr(raw)
	return err == nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}
