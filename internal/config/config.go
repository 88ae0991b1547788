package config

import (
	"strings"
	"time"
)

// Default configuration values.
const (
	DefaultServerAddress         = ":8080"
	DefaultReadTimeout           = 5 * time.Second
	DefaultWriteTimeout          = 10 * time.Second
	DefaultShutdownTimeout       = 15 * time.Second
	DefaultKeyCacheTTL           = time.Hour
	DefaultFetchTimeout          = 10 * time.Second
	DefaultMinRefreshInterval    = 30 * time.Second
	DefaultClockSkew             = 60 * time.Second
	DefaultInternalIssuer        = "mavik-authorizer"
	DefaultInternalAlgorithm     = "HS256"
	DefaultInternalTokenTTL      = 24 * time.Hour
	DefaultClassification        = "public"
	DefaultClassificationHeader  = "X-MNPI-Classification"
	DefaultAPIKeyHeader          = "X-API-Key"
	DefaultTokenQueryParam       = "token"
	DefaultContextMaxBytes       = 4096
	DefaultRedisKeyPrefix        = "authz:jwks:"
	DefaultBreakerFailures       = 5
	DefaultBreakerOpenTimeout    = 30 * time.Second
	DefaultServiceName           = "authorizer"
	AzureAuthorityHost           = "https://login.microsoftonline.com"
	azureIssuerVersionSuffix     = "/v2.0"
	azureJWKSDiscoveryPathSuffix = "/discovery/v2.0/keys"
)

// Config is the root authorizer configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Tracing  TracingConfig  `yaml:"tracing" json:"tracing"`
	Audit    AuditConfig    `yaml:"audit" json:"audit"`
	Identity IdentityConfig `yaml:"identity" json:"identity"`
	Access   AccessConfig   `yaml:"access" json:"access"`
	Request  RequestConfig  `yaml:"request" json:"request"`
	Policy   PolicyConfig   `yaml:"policy" json:"policy"`
	Vault    VaultConfig    `yaml:"vault" json:"vault"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string   `yaml:"address" json:"address"`
	ReadTimeout     Duration `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`
	WriteTimeout    Duration `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout,omitempty" json:"shutdownTimeout,omitempty"`
	// TrustedProxies lists the proxy addresses or CIDRs whose
	// X-Forwarded-For header is used as the client address.
	TrustedProxies []string `yaml:"trustedProxies,omitempty" json:"trustedProxies,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Endpoint     string  `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	SamplingRate float64 `yaml:"samplingRate,omitempty" json:"samplingRate,omitempty"`
	ServiceName  string  `yaml:"serviceName,omitempty" json:"serviceName,omitempty"`
}

// AuditConfig configures the decision audit stream.
type AuditConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	Output       string   `yaml:"output,omitempty" json:"output,omitempty"`
	RedactFields []string `yaml:"redactFields,omitempty" json:"redactFields,omitempty"`
}

// IdentityConfig configures token validation.
type IdentityConfig struct {
	// Audience is the expected aud claim, usually the application client id.
	Audience string `yaml:"audience" json:"audience"`

	// TenantID adds the Azure AD v2 issuer for the tenant.
	TenantID string `yaml:"tenantId,omitempty" json:"tenantId,omitempty"`

	ClockSkew Duration            `yaml:"clockSkew,omitempty" json:"clockSkew,omitempty"`
	Federated []FederatedIssuer   `yaml:"federated,omitempty" json:"federated,omitempty"`
	Internal  InternalTokenConfig `yaml:"internal" json:"internal"`
	KeyCache  KeyCacheConfig      `yaml:"keyCache" json:"keyCache"`
	Claims    ClaimsConfig        `yaml:"claims" json:"claims"`
}

// FederatedIssuer is an external identity provider verified through JWKS.
type FederatedIssuer struct {
	Issuer     string   `yaml:"issuer" json:"issuer"`
	JWKSURL    string   `yaml:"jwksUrl,omitempty" json:"jwksUrl,omitempty"`
	Algorithms []string `yaml:"algorithms,omitempty" json:"algorithms,omitempty"`
}

// EffectiveJWKSURL returns the configured JWKS URL, or the discovery URL
// derived from the issuer's authority.
func (f FederatedIssuer) EffectiveJWKSURL() string {
	if f.JWKSURL != "" {
		return f.JWKSURL
	}
	authority := strings.TrimSuffix(strings.TrimSuffix(f.Issuer, "/"), azureIssuerVersionSuffix)
	return authority + azureJWKSDiscoveryPathSuffix
}

// EffectiveAlgorithms returns the accepted signing algorithms.
func (f FederatedIssuer) EffectiveAlgorithms() []string {
	if len(f.Algorithms) == 0 {
		return []string{"RS256"}
	}
	return f.Algorithms
}

// InternalTokenConfig configures locally issued symmetric tokens.
type InternalTokenConfig struct {
	Issuer    string     `yaml:"issuer,omitempty" json:"issuer,omitempty"`
	Algorithm string     `yaml:"algorithm,omitempty" json:"algorithm,omitempty"`
	Secret    string     `yaml:"secret,omitempty" json:"-"`
	SecretRef *SecretRef `yaml:"secretRef,omitempty" json:"secretRef,omitempty"`
	TokenTTL  Duration   `yaml:"tokenTTL,omitempty" json:"tokenTTL,omitempty"`
}

// Enabled reports whether a local secret source is configured.
func (c InternalTokenConfig) Enabled() bool {
	return c.Secret != "" || c.SecretRef != nil
}

// SecretRef points at a secret held outside the configuration file.
type SecretRef struct {
	// Provider is env, file or vault.
	Provider string `yaml:"provider" json:"provider"`
	// Name is the environment variable, file path, or Vault KV path.
	Name string `yaml:"name" json:"name"`
	// Key selects a field of a Vault secret.
	Key string `yaml:"key,omitempty" json:"key,omitempty"`
	// Mount is the Vault KV v2 mount.
	Mount string `yaml:"mount,omitempty" json:"mount,omitempty"`
}

// KeyCacheConfig configures the per-issuer signing key cache.
type KeyCacheConfig struct {
	TTL                Duration      `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	FetchTimeout       Duration      `yaml:"fetchTimeout,omitempty" json:"fetchTimeout,omitempty"`
	MinRefreshInterval Duration      `yaml:"minRefreshInterval,omitempty" json:"minRefreshInterval,omitempty"`
	Retry              RetryConfig   `yaml:"retry" json:"retry"`
	Breaker            BreakerConfig `yaml:"breaker" json:"breaker"`
	// SharedStore keeps fetched key sets in Redis for other replicas.
	SharedStore bool `yaml:"sharedStore,omitempty" json:"sharedStore,omitempty"`
}

// RetryConfig bounds retries of key fetches.
type RetryConfig struct {
	MaxRetries     int      `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	InitialBackoff Duration `yaml:"initialBackoff,omitempty" json:"initialBackoff,omitempty"`
	MaxBackoff     Duration `yaml:"maxBackoff,omitempty" json:"maxBackoff,omitempty"`
}

// BreakerConfig configures the circuit breaker around key fetches.
type BreakerConfig struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	FailureThreshold uint32   `yaml:"failureThreshold,omitempty" json:"failureThreshold,omitempty"`
	OpenTimeout      Duration `yaml:"openTimeout,omitempty" json:"openTimeout,omitempty"`
}

// ClaimsConfig names the token claims the claims mapper reads.
type ClaimsConfig struct {
	Subject    string            `yaml:"subject,omitempty" json:"subject,omitempty"`
	ObjectID   string            `yaml:"objectId,omitempty" json:"objectId,omitempty"`
	Email      string            `yaml:"email,omitempty" json:"email,omitempty"`
	Username   string            `yaml:"username,omitempty" json:"username,omitempty"`
	Roles      string            `yaml:"roles,omitempty" json:"roles,omitempty"`
	AppRoles   string            `yaml:"appRoles,omitempty" json:"appRoles,omitempty"`
	Groups     string            `yaml:"groups,omitempty" json:"groups,omitempty"`
	Department string            `yaml:"department,omitempty" json:"department,omitempty"`
	Clearance  string            `yaml:"clearance,omitempty" json:"clearance,omitempty"`
	Location   string            `yaml:"location,omitempty" json:"location,omitempty"`
	GroupRoles map[string]string `yaml:"groupRoles,omitempty" json:"groupRoles,omitempty"`
}

// AccessConfig configures the decision engine.
type AccessConfig struct {
	MNPI            MNPIConfig          `yaml:"mnpi" json:"mnpi"`
	AdminRoles      []string            `yaml:"adminRoles,omitempty" json:"adminRoles,omitempty"`
	SeniorRoles     []string            `yaml:"seniorRoles,omitempty" json:"seniorRoles,omitempty"`
	RolePermissions map[string][]string `yaml:"rolePermissions,omitempty" json:"rolePermissions,omitempty"`
	Restrictions    []RestrictionConfig `yaml:"restrictions,omitempty" json:"restrictions,omitempty"`
}

// MNPIConfig configures the sensitivity tier check.
type MNPIConfig struct {
	// Enforcement defaults to true when omitted.
	Enforcement           *bool  `yaml:"enforcement,omitempty" json:"enforcement,omitempty"`
	DefaultClassification string `yaml:"defaultClassification,omitempty" json:"defaultClassification,omitempty"`
	Header                string `yaml:"header,omitempty" json:"header,omitempty"`
}

// Enforced reports whether the MNPI check runs.
func (c MNPIConfig) Enforced() bool {
	return c.Enforcement == nil || *c.Enforcement
}

// RestrictionConfig is an attribute rule that denies access when its CEL
// expression evaluates to true.
type RestrictionConfig struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
	Reason     string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// RequestConfig configures how requests are read.
type RequestConfig struct {
	APIKeyHeader    string                `yaml:"apiKeyHeader,omitempty" json:"apiKeyHeader,omitempty"`
	TokenQueryParam string                `yaml:"tokenQueryParam,omitempty" json:"tokenQueryParam,omitempty"`
	ResourceHeaders ResourceHeadersConfig `yaml:"resourceHeaders" json:"resourceHeaders"`
}

// ResourceHeadersConfig names trusted headers carrying resource attributes.
// Leave empty unless a trusted proxy sets them.
type ResourceHeadersConfig struct {
	Owner      string `yaml:"owner,omitempty" json:"owner,omitempty"`
	Department string `yaml:"department,omitempty" json:"department,omitempty"`
	TagPrefix  string `yaml:"tagPrefix,omitempty" json:"tagPrefix,omitempty"`
}

// PolicyConfig configures the response document.
type PolicyConfig struct {
	ContextMaxBytes int `yaml:"contextMaxBytes,omitempty" json:"contextMaxBytes,omitempty"`
}

// VaultConfig configures the Vault client used for secret references.
type VaultConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Address   string   `yaml:"address,omitempty" json:"address,omitempty"`
	Token     string   `yaml:"token,omitempty" json:"-"`
	Namespace string   `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	Timeout   Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// RedisConfig configures the shared key set store.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	URL     string `yaml:"url,omitempty" json:"-"`
	// PasswordRef overrides any password in URL.
	PasswordRef *SecretRef `yaml:"passwordRef,omitempty" json:"passwordRef,omitempty"`
	KeyPrefix   string     `yaml:"keyPrefix,omitempty" json:"keyPrefix,omitempty"`
	// TTLJitter spreads key expiries by up to this fraction of the key
	// cache TTL.
	TTLJitter float64 `yaml:"ttlJitter,omitempty" json:"ttlJitter,omitempty"`
	HashKeys  bool    `yaml:"hashKeys,omitempty" json:"hashKeys,omitempty"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	setString(&c.Server.Address, DefaultServerAddress)
	setDuration(&c.Server.ReadTimeout, DefaultReadTimeout)
	setDuration(&c.Server.WriteTimeout, DefaultWriteTimeout)
	setDuration(&c.Server.ShutdownTimeout, DefaultShutdownTimeout)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "json")
	setString(&c.Logging.Output, "stdout")

	setString(&c.Tracing.ServiceName, DefaultServiceName)
	setString(&c.Audit.Output, "stdout")

	id := &c.Identity
	setDuration(&id.ClockSkew, DefaultClockSkew)
	if id.TenantID != "" && !id.hasIssuer(AzureIssuer(id.TenantID)) {
		id.Federated = append(id.Federated, FederatedIssuer{Issuer: AzureIssuer(id.TenantID)})
	}
	setString(&id.Internal.Issuer, DefaultInternalIssuer)
	setString(&id.Internal.Algorithm, DefaultInternalAlgorithm)
	setDuration(&id.Internal.TokenTTL, DefaultInternalTokenTTL)
	setDuration(&id.KeyCache.TTL, DefaultKeyCacheTTL)
	setDuration(&id.KeyCache.FetchTimeout, DefaultFetchTimeout)
	setDuration(&id.KeyCache.MinRefreshInterval, DefaultMinRefreshInterval)
	if id.KeyCache.Breaker.FailureThreshold == 0 {
		id.KeyCache.Breaker.FailureThreshold = DefaultBreakerFailures
	}
	setDuration(&id.KeyCache.Breaker.OpenTimeout, DefaultBreakerOpenTimeout)

	cl := &id.Claims
	setString(&cl.Subject, "sub")
	setString(&cl.ObjectID, "oid")
	setString(&cl.Email, "email")
	setString(&cl.Username, "preferred_username")
	setString(&cl.Roles, "roles")
	setString(&cl.AppRoles, "app_roles")
	setString(&cl.Groups, "groups")
	setString(&cl.Department, "department")
	setString(&cl.Clearance, "security_clearance")
	setString(&cl.Location, "location")
	if cl.GroupRoles == nil {
		cl.GroupRoles = DefaultGroupRoles()
	}

	setString(&c.Access.MNPI.DefaultClassification, DefaultClassification)
	setString(&c.Access.MNPI.Header, DefaultClassificationHeader)
	if len(c.Access.AdminRoles) == 0 {
		c.Access.AdminRoles = []string{"admin", "system"}
	}
	if len(c.Access.SeniorRoles) == 0 {
		c.Access.SeniorRoles = []string{"senior_analyst", "portfolio_manager", "compliance_officer"}
	}

	setString(&c.Request.APIKeyHeader, DefaultAPIKeyHeader)
	setString(&c.Request.TokenQueryParam, DefaultTokenQueryParam)

	if c.Policy.ContextMaxBytes <= 0 {
		c.Policy.ContextMaxBytes = DefaultContextMaxBytes
	}

	setDuration(&c.Vault.Timeout, 5*time.Second)
	setString(&c.Redis.KeyPrefix, DefaultRedisKeyPrefix)
}

// DefaultGroupRoles returns the built-in directory group to role mapping.
func DefaultGroupRoles() map[string]string {
	return map[string]string{
		"mavik-analysts":           "analyst",
		"mavik-senior-analysts":    "senior_analyst",
		"mavik-portfolio-managers": "portfolio_manager",
		"mavik-compliance":         "compliance_officer",
		"mavik-admins":             "admin",
	}
}

// AzureIssuer returns the Azure AD v2 issuer for a tenant.
func AzureIssuer(tenantID string) string {
	return AzureAuthorityHost + "/" + tenantID + azureIssuerVersionSuffix
}

func (c *IdentityConfig) hasIssuer(issuer string) bool {
	for _, f := range c.Federated {
		if f.Issuer == issuer {
			return true
		}
	}
	return false
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setDuration(v *Duration, def time.Duration) {
	if *v <= 0 {
		*v = Duration(def)
	}
}
