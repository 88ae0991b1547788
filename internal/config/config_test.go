package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	assert.Equal(t, DefaultServerAddress, cfg.Server.Address)
	assert.Equal(t, DefaultShutdownTimeout, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, DefaultClockSkew, cfg.Identity.ClockSkew.Duration())
	assert.Equal(t, DefaultInternalIssuer, cfg.Identity.Internal.Issuer)
	assert.Equal(t, DefaultInternalTokenTTL, cfg.Identity.Internal.TokenTTL.Duration())
	assert.Equal(t, DefaultKeyCacheTTL, cfg.Identity.KeyCache.TTL.Duration())
	assert.Equal(t, uint32(DefaultBreakerFailures), cfg.Identity.KeyCache.Breaker.FailureThreshold)
	assert.Equal(t, "roles", cfg.Identity.Claims.Roles)
	assert.Equal(t, "analyst", cfg.Identity.Claims.GroupRoles["mavik-analysts"])
	assert.Equal(t, DefaultClassification, cfg.Access.MNPI.DefaultClassification)
	assert.True(t, cfg.Access.MNPI.Enforced())
	assert.Equal(t, []string{"admin", "system"}, cfg.Access.AdminRoles)
	assert.Equal(t, DefaultContextMaxBytes, cfg.Policy.ContextMaxBytes)
	assert.Equal(t, DefaultRedisKeyPrefix, cfg.Redis.KeyPrefix)

	// Nothing to validate tokens with yet.
	assert.ErrorIs(t, cfg.Validate(), ErrConfiguration)
}

func TestApplyDefaults_TenantIssuer(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	cfg.Identity.TenantID = "tenant-1"
	cfg.ApplyDefaults()
	cfg.ApplyDefaults()

	require.Len(t, cfg.Identity.Federated, 1)
	f := cfg.Identity.Federated[0]
	assert.Equal(t, "https://login.microsoftonline.com/tenant-1/v2.0", f.Issuer)
	assert.Equal(t, "https://login.microsoftonline.com/tenant-1/discovery/v2.0/keys", f.EffectiveJWKSURL())
	assert.Equal(t, []string{"RS256"}, f.EffectiveAlgorithms())
}

func TestFederatedIssuer_EffectiveJWKSURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		issuer  string
		jwksURL string
		want    string
	}{
		{issuer: "https://idp.example.com/t/v2.0", want: "https://idp.example.com/t/discovery/v2.0/keys"},
		{issuer: "https://idp.example.com/t/v2.0/", want: "https://idp.example.com/t/discovery/v2.0/keys"},
		{issuer: "https://idp.example.com/t", want: "https://idp.example.com/t/discovery/v2.0/keys"},
		{issuer: "https://idp.example.com/t/v2.0", jwksURL: "https://keys.example.com/jwks", want: "https://keys.example.com/jwks"},
	}
	for _, tt := range tests {
		f := FederatedIssuer{Issuer: tt.issuer, JWKSURL: tt.jwksURL}
		assert.Equal(t, tt.want, f.EffectiveJWKSURL(), tt.issuer)
	}
}

func TestMNPIConfig_Enforced(t *testing.T) {
	t.Parallel()

	off := false
	assert.True(t, MNPIConfig{}.Enforced())
	assert.False(t, MNPIConfig{Enforcement: &off}.Enforced())
}

func TestDuration(t *testing.T) {
	t.Parallel()

	var v struct {
		D Duration `yaml:"d" json:"d"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(`d: 90s`), &v))
	assert.Equal(t, 90*time.Second, v.D.Duration())

	require.NoError(t, json.Unmarshal([]byte(`{"d": "2m"}`), &v))
	assert.Equal(t, 2*time.Minute, v.D.Duration())

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"d": "2m0s"}`, string(out))

	assert.Error(t, yaml.Unmarshal([]byte(`d: soon`), &v))
	assert.Error(t, json.Unmarshal([]byte(`{"d": 5}`), &v))

	assert.Equal(t, time.Second, Duration(0).OrDefault(time.Second))
	assert.Equal(t, time.Minute, Duration(time.Minute).OrDefault(time.Second))
}

func TestConfigurationError(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: refused")
	err := WrapConfigurationError("redis", "failed to connect", cause)

	assert.Equal(t, "configuration error: redis: failed to connect: dial tcp: refused", err.Error())
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "configuration error: must be set", NewConfigurationError("", "must be set").Error())
}

func TestParse(t *testing.T) {
	t.Setenv("AUTHZ_TEST_AUDIENCE", "api://from-env")
	t.Setenv("AUTHZ_TEST_SECRET", testSecret)

	cfg, err := Parse([]byte(`
server:
  address: ":9000"
  readTimeout: 2s
  trustedProxies: ["10.0.0.0/8", "192.0.2.1"]
identity:
  audience: ${AUTHZ_TEST_AUDIENCE}
  internal:
    secret: ${AUTHZ_TEST_SECRET}
  federated:
    - issuer: https://idp.example.com/t/v2.0
access:
  mnpi:
    enforcement: false
    defaultClassification: ${AUTHZ_TEST_UNSET:-internal}
  rolePermissions:
    viewer: [read_deals, view_reports]
  restrictions:
    - name: office
      expression: 'ip_in_range(request.ip_address, "10.0.0.0/8")'
      reason: price is $$5
`))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 2*time.Second, cfg.Server.ReadTimeout.Duration())
	assert.Equal(t, DefaultWriteTimeout, cfg.Server.WriteTimeout.Duration())
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.1"}, cfg.Server.TrustedProxies)
	assert.Equal(t, "api://from-env", cfg.Identity.Audience)
	assert.Equal(t, testSecret, cfg.Identity.Internal.Secret)
	assert.False(t, cfg.Access.MNPI.Enforced())
	assert.Equal(t, "internal", cfg.Access.MNPI.DefaultClassification)
	assert.Equal(t, []string{"read_deals", "view_reports"}, cfg.Access.RolePermissions["viewer"])
	require.Len(t, cfg.Access.Restrictions, 1)
	assert.Equal(t, "price is $5", cfg.Access.Restrictions[0].Reason)
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{name: "empty", data: ""},
		{name: "unknown key", data: "identity:\n  internal:\n    secret: " + testSecret + "\nbogus: true\n"},
		{name: "bad duration", data: "server:\n  readTimeout: fast\n"},
		{name: "not yaml", data: "identity: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.data))
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "authorizer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("identity:\n  internal:\n    secret: "+testSecret+"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Identity.Internal.Enabled())

	cfg, err = LoadFromReader(strings.NewReader("identity:\n  internal:\n    secret: " + testSecret + "\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Identity.Internal.Enabled())

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func(c *Config) {
		c.Identity.Internal.Secret = testSecret
	}

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{name: "no issuer", mutate: func(*Config) {}, wantField: "identity"},
		{
			name: "federated without audience",
			mutate: func(c *Config) {
				c.Identity.Federated = []FederatedIssuer{{Issuer: "https://idp.example.com/v2.0"}}
			},
			wantField: "identity.audience",
		},
		{
			name: "duplicate issuer",
			mutate: func(c *Config) {
				c.Identity.Audience = "aud"
				c.Identity.Federated = []FederatedIssuer{{Issuer: "https://a.example.com"}, {Issuer: "https://a.example.com"}}
			},
			wantField: "identity.federated[1].issuer",
		},
		{
			name: "issuer collides with internal",
			mutate: func(c *Config) {
				valid(c)
				c.Identity.Audience = "aud"
				c.Identity.Federated = []FederatedIssuer{{Issuer: DefaultInternalIssuer, JWKSURL: "https://a.example.com/keys"}}
			},
			wantField: "identity.federated[0].issuer",
		},
		{
			name: "jwks url not absolute",
			mutate: func(c *Config) {
				c.Identity.Audience = "aud"
				c.Identity.Federated = []FederatedIssuer{{Issuer: "https://a.example.com", JWKSURL: "/keys"}}
			},
			wantField: "identity.federated[0].jwksUrl",
		},
		{
			name: "symmetric federated algorithm",
			mutate: func(c *Config) {
				c.Identity.Audience = "aud"
				c.Identity.Federated = []FederatedIssuer{{Issuer: "https://a.example.com", Algorithms: []string{"HS256"}}}
			},
			wantField: "identity.federated[0].algorithms",
		},
		{
			name:      "short secret",
			mutate:    func(c *Config) { c.Identity.Internal.Secret = "short" },
			wantField: "identity.internal.secret",
		},
		{
			name: "secret and ref",
			mutate: func(c *Config) {
				valid(c)
				c.Identity.Internal.SecretRef = &SecretRef{Provider: "env", Name: "X"}
			},
			wantField: "identity.internal",
		},
		{
			name: "asymmetric internal algorithm",
			mutate: func(c *Config) {
				valid(c)
				c.Identity.Internal.Algorithm = "RS256"
			},
			wantField: "identity.internal.algorithm",
		},
		{
			name: "unknown secret provider",
			mutate: func(c *Config) {
				c.Identity.Internal.SecretRef = &SecretRef{Provider: "s3", Name: "x"}
			},
			wantField: "identity.internal.secretRef.provider",
		},
		{
			name: "vault ref without vault",
			mutate: func(c *Config) {
				c.Identity.Internal.SecretRef = &SecretRef{Provider: "vault", Name: "authz/jwt"}
			},
			wantField: "vault",
		},
		{
			name: "refresh interval above ttl",
			mutate: func(c *Config) {
				valid(c)
				c.Identity.KeyCache.TTL = Duration(time.Minute)
				c.Identity.KeyCache.MinRefreshInterval = Duration(time.Hour)
			},
			wantField: "identity.keyCache.minRefreshInterval",
		},
		{
			name: "group mapped to unknown role",
			mutate: func(c *Config) {
				valid(c)
				c.Identity.Claims.GroupRoles = map[string]string{"ops": "operator"}
			},
			wantField: "identity.claims.groupRoles.ops",
		},
		{
			name: "unknown classification",
			mutate: func(c *Config) {
				valid(c)
				c.Access.MNPI.DefaultClassification = "secret"
			},
			wantField: "access.mnpi.defaultClassification",
		},
		{
			name: "unknown admin role",
			mutate: func(c *Config) {
				valid(c)
				c.Access.AdminRoles = []string{"root"}
			},
			wantField: "access.adminRoles",
		},
		{
			name: "unknown permission",
			mutate: func(c *Config) {
				valid(c)
				c.Access.RolePermissions = map[string][]string{"viewer": {"fly"}}
			},
			wantField: "access.rolePermissions.viewer",
		},
		{
			name: "restriction without expression",
			mutate: func(c *Config) {
				valid(c)
				c.Access.Restrictions = []RestrictionConfig{{Name: "r"}}
			},
			wantField: "access.restrictions[0].expression",
		},
		{
			name: "duplicate restriction",
			mutate: func(c *Config) {
				valid(c)
				c.Access.Restrictions = []RestrictionConfig{{Name: "r", Expression: "true"}, {Name: "r", Expression: "true"}}
			},
			wantField: "access.restrictions[1].name",
		},
		{
			name: "bad trusted proxy",
			mutate: func(c *Config) {
				valid(c)
				c.Server.TrustedProxies = []string{"proxy.local"}
			},
			wantField: "server.trustedProxies[0]",
		},
		{
			name: "redis without url",
			mutate: func(c *Config) {
				valid(c)
				c.Redis.Enabled = true
			},
			wantField: "redis.url",
		},
		{
			name: "redis jitter out of range",
			mutate: func(c *Config) {
				valid(c)
				c.Redis.TTLJitter = 1.5
			},
			wantField: "redis.ttlJitter",
		},
		{
			name: "shared store without redis",
			mutate: func(c *Config) {
				valid(c)
				c.Identity.KeyCache.SharedStore = true
			},
			wantField: "identity.keyCache.sharedStore",
		},
		{
			name: "sampling rate out of range",
			mutate: func(c *Config) {
				valid(c)
				c.Tracing.SamplingRate = 2
			},
			wantField: "tracing.samplingRate",
		},
		{
			name: "tiny context cap",
			mutate: func(c *Config) {
				valid(c)
				c.Policy.ContextMaxBytes = 10
			},
			wantField: "policy.contextMaxBytes",
		},
		{
			name: "bad log level",
			mutate: func(c *Config) {
				valid(c)
				c.Logging.Level = "loud"
			},
			wantField: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{}
			tt.mutate(cfg)
			cfg.ApplyDefaults()

			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.Contains(t, fields(err), tt.wantField)
		})
	}

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		cfg := &Config{}
		valid(cfg)
		cfg.Server.TrustedProxies = []string{"10.0.0.0/8", "::1"}
		cfg.ApplyDefaults()
		assert.NoError(t, cfg.Validate())
	})
}

// fields lists the Field of every ConfigurationError joined into err.
func fields(err error) []string {
	var out []string
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			var ce *ConfigurationError
			if errors.As(e, &ce) {
				out = append(out, ce.Field)
			}
		}
	}
	return out
}

func TestWatcher(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "authorizer.yaml")
	write := func(level string) {
		data := "logging:\n  level: " + level + "\nidentity:\n  internal:\n    secret: " + testSecret + "\n"
		require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	}
	write("info")

	var mu sync.Mutex
	var levels []string
	var errs []error
	w, err := NewWatcher(path, func(cfg *Config) error {
		mu.Lock()
		defer mu.Unlock()
		levels = append(levels, cfg.Logging.Level)
		return nil
	},
		WithDebounceDelay(10*time.Millisecond),
		WithErrorHandler(func(err error) {
			mu.Lock()
			defer mu.Unlock()
			errs = append(errs, err)
		}),
	)
	require.NoError(t, err)
	require.NoError(t, w.Start(t.Context()))
	t.Cleanup(func() { _ = w.Stop() })

	write("debug")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(levels) > 0 && levels[len(levels)-1] == "debug"
	}, 5*time.Second, 10*time.Millisecond)

	write("loud")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) > 0
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.NotContains(t, levels, "loud")
	assert.ErrorIs(t, errs[0], ErrConfiguration)
	mu.Unlock()
}

func TestWatcher_ReloadError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "authorizer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("identity:\n  internal:\n    secret: "+testSecret+"\n"), 0o600))

	rejected := errors.New("rejected")
	w, err := NewWatcher(path, func(*Config) error { return rejected })
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	assert.ErrorIs(t, w.Reload(), rejected)
}
