package authorizer

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/vyrodovalexey/avauthz/internal/audit"
	"github.com/vyrodovalexey/avauthz/internal/auth/jwt"
	"github.com/vyrodovalexey/avauthz/internal/authz"
	"github.com/vyrodovalexey/avauthz/internal/authz/abac"
	"github.com/vyrodovalexey/avauthz/internal/cache"
	"github.com/vyrodovalexey/avauthz/internal/classifier"
	"github.com/vyrodovalexey/avauthz/internal/config"
	"github.com/vyrodovalexey/avauthz/internal/handler"
	"github.com/vyrodovalexey/avauthz/internal/observability"
	"github.com/vyrodovalexey/avauthz/internal/policy"
	"github.com/vyrodovalexey/avauthz/internal/retry"
	"github.com/vyrodovalexey/avauthz/internal/secrets"
)

// minSecretLength is the shortest HMAC secret accepted from any source.
const minSecretLength = 32

// Deps are the process-wide collaborators shared by every pipeline.
type Deps struct {
	Logger  observability.Logger
	Metrics *Metrics
	Auditor audit.Logger
	// HTTPClient downloads key sets. Nil uses a client bounded by the
	// key cache fetch timeout.
	HTTPClient *http.Client
}

func (d *Deps) applyDefaults() {
	if d.Logger == nil {
		d.Logger = observability.NopLogger()
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics("")
	}
	if d.Auditor == nil {
		d.Auditor = audit.NewNoopLogger()
	}
}

// Pipeline is one immutable, fully wired set of components built from a
// single configuration snapshot.
type Pipeline struct {
	handler *handler.Handler
	signer  *jwt.Signer
	keys    *jwt.KeyCache
	redis   *cache.RedisCache
	vault   *secrets.VaultProvider
}

// Handler returns the request handler.
func (p *Pipeline) Handler() *handler.Handler { return p.handler }

// Signer returns the internal token signer, or nil when no internal secret
// is configured.
func (p *Pipeline) Signer() *jwt.Signer { return p.signer }

// KeyCache returns the federated key cache, or nil without federated
// issuers.
func (p *Pipeline) KeyCache() *jwt.KeyCache { return p.keys }

// Ready checks the external backends the pipeline depends on.
func (p *Pipeline) Ready(ctx context.Context) error {
	var errs []error
	if p.redis != nil {
		if err := p.redis.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if p.vault != nil {
		if err := p.vault.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("vault: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases backend connections.
func (p *Pipeline) Close() error {
	var errs []error
	if p.redis != nil {
		errs = append(errs, p.redis.Close())
	}
	if p.vault != nil {
		errs = append(errs, p.vault.Close())
	}
	return errors.Join(errs...)
}

// Build wires a Pipeline from cfg. cfg must already be validated. Failures
// are *config.ConfigurationError values; any connection opened before the
// failure is closed.
func Build(ctx context.Context, cfg *config.Config, deps Deps) (_ *Pipeline, err error) {
	deps.applyDefaults()
	log := deps.Logger
	m := deps.Metrics

	p := &Pipeline{}
	defer func() {
		if err != nil {
			_ = p.Close()
		}
	}()

	resolver, err := p.buildResolver(cfg, deps)
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Enabled {
		if err := p.buildRedis(ctx, cfg, resolver, deps); err != nil {
			return nil, err
		}
	}

	if len(cfg.Identity.Federated) > 0 {
		p.keys = buildKeyCache(cfg, p.redis, deps)
	}

	var internal *jwt.InternalConfig
	if in := cfg.Identity.Internal; in.Enabled() {
		secret, err := internalSecret(ctx, in, resolver)
		if err != nil {
			return nil, err
		}
		internal = &jwt.InternalConfig{Issuer: in.Issuer, Algorithm: in.Algorithm, Secret: secret}
		p.signer, err = jwt.NewSigner(jwt.SignerConfig{
			Issuer:    in.Issuer,
			Audience:  cfg.Identity.Audience,
			Algorithm: in.Algorithm,
			Secret:    secret,
			TokenTTL:  in.TokenTTL.Duration(),
		}, jwt.WithSignerLogger(log), jwt.WithSignerMetrics(m.JWT))
		if err != nil {
			return nil, config.WrapConfigurationError("identity.internal", "invalid signer", err)
		}
	}

	federated := make([]jwt.FederatedIssuer, 0, len(cfg.Identity.Federated))
	for _, f := range cfg.Identity.Federated {
		federated = append(federated, jwt.FederatedIssuer{Issuer: f.Issuer, Algorithms: f.EffectiveAlgorithms()})
	}
	validator, err := jwt.NewValidator(jwt.ValidatorConfig{
		Audience:  cfg.Identity.Audience,
		ClockSkew: cfg.Identity.ClockSkew.Duration(),
		Federated: federated,
		Internal:  internal,
	}, p.keys, jwt.WithValidatorLogger(log), jwt.WithValidatorMetrics(m.JWT))
	if err != nil {
		return nil, config.WrapConfigurationError("identity", "invalid token validation settings", err)
	}

	engine, err := buildEngine(cfg, deps)
	if err != nil {
		return nil, err
	}

	cl := cfg.Identity.Claims
	mapper := authz.NewClaimsMapper(authz.ClaimNames{
		Subject:    cl.Subject,
		ObjectID:   cl.ObjectID,
		Email:      cl.Email,
		Username:   cl.Username,
		Roles:      cl.Roles,
		AppRoles:   cl.AppRoles,
		Groups:     cl.Groups,
		Department: cl.Department,
		Clearance:  cl.Clearance,
		Location:   cl.Location,
	}, authz.WithGroupRoles(cl.GroupRoles), authz.WithMapperLogger(log))

	rh := cfg.Request.ResourceHeaders
	cls := classifier.New(classifier.Config{
		ClassificationHeader: cfg.Access.MNPI.Header,
		OwnerHeader:          rh.Owner,
		DepartmentHeader:     rh.Department,
		TagPrefix:            rh.TagPrefix,
	}, classifier.WithLogger(log), classifier.WithMetrics(m.Classifier))

	builder := policy.NewBuilder(
		policy.WithMaxContextBytes(cfg.Policy.ContextMaxBytes),
		policy.WithLogger(log),
		policy.WithMetrics(m.Policy),
	)

	p.handler, err = handler.New(validator, mapper, cls, engine, builder,
		handler.WithExtractor(handler.NewExtractor(cfg.Request.APIKeyHeader, cfg.Request.TokenQueryParam)),
		handler.WithLogger(log),
		handler.WithMetrics(m.Handler),
		handler.WithAuditLogger(deps.Auditor),
	)
	if err != nil {
		return nil, config.WrapConfigurationError("", "failed to build handler", err)
	}

	log.Info("authorization pipeline built",
		observability.Int("federated_issuers", len(federated)),
		observability.Bool("internal_tokens", internal != nil),
		observability.Bool("shared_key_store", p.redis != nil && cfg.Identity.KeyCache.SharedStore),
		observability.Bool("mnpi_enforcement", cfg.Access.MNPI.Enforced()),
		observability.Int("restrictions", len(cfg.Access.Restrictions)),
	)
	return p, nil
}

func (p *Pipeline) buildResolver(cfg *config.Config, deps Deps) (*secrets.Resolver, error) {
	opts := []secrets.ResolverOption{
		secrets.WithResolverLogger(deps.Logger),
		secrets.WithResolverMetrics(deps.Metrics.Secrets),
	}
	if cfg.Vault.Enabled {
		vp, err := secrets.NewVaultProvider(secrets.VaultConfig{
			Address:   cfg.Vault.Address,
			Token:     cfg.Vault.Token,
			Namespace: cfg.Vault.Namespace,
			Timeout:   cfg.Vault.Timeout.Duration(),
		}, secrets.WithVaultLogger(deps.Logger))
		if err != nil {
			return nil, config.WrapConfigurationError("vault", "failed to create client", err)
		}
		p.vault = vp
		opts = append(opts, secrets.WithProvider(vp))
	}
	return secrets.NewResolver(opts...), nil
}

func (p *Pipeline) buildRedis(ctx context.Context, cfg *config.Config, resolver *secrets.Resolver, deps Deps) error {
	var password string
	if ref := cfg.Redis.PasswordRef; ref != nil {
		v, err := resolver.Resolve(ctx, secretRef(ref))
		if err != nil {
			return config.WrapConfigurationError("redis.passwordRef", "failed to resolve", err)
		}
		password = string(v)
	}

	rc, err := cache.NewRedis(ctx, cache.RedisConfig{
		URL:        cfg.Redis.URL,
		Password:   password,
		KeyPrefix:  cfg.Redis.KeyPrefix,
		DefaultTTL: cfg.Identity.KeyCache.TTL.Duration(),
		TTLJitter:  cfg.Redis.TTLJitter,
		HashKeys:   cfg.Redis.HashKeys,
	},
		cache.WithLogger(deps.Logger),
		cache.WithMetrics(deps.Metrics.Cache),
		cache.WithRetryMetrics(deps.Metrics.Retry),
	)
	if err != nil {
		return config.WrapConfigurationError("redis", "failed to connect", err)
	}
	p.redis = rc
	return nil
}

func buildKeyCache(cfg *config.Config, rc *cache.RedisCache, deps Deps) *jwt.KeyCache {
	kc := cfg.Identity.KeyCache

	sources := make(map[string]string, len(cfg.Identity.Federated))
	for _, f := range cfg.Identity.Federated {
		sources[f.Issuer] = f.EffectiveJWKSURL()
	}

	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: kc.FetchTimeout.Duration()}
	}
	fetcherOpts := []jwt.FetcherOption{
		jwt.WithHTTPClient(client),
		jwt.WithFetcherLogger(deps.Logger),
		jwt.WithFetcherMetrics(deps.Metrics.JWT),
	}
	if kc.Breaker.Enabled {
		fetcherOpts = append(fetcherOpts, jwt.WithCircuitBreaker(kc.Breaker.FailureThreshold, kc.Breaker.OpenTimeout.Duration()))
	}

	opts := []jwt.KeyCacheOption{
		jwt.WithFetcher(jwt.NewHTTPFetcher(fetcherOpts...)),
		jwt.WithKeyCacheLogger(deps.Logger),
		jwt.WithKeyCacheMetrics(deps.Metrics.JWT),
		jwt.WithRetryMetrics(deps.Metrics.Retry),
	}
	if rc != nil && kc.SharedStore {
		opts = append(opts, jwt.WithSharedStore(cache.NewStore(rc)))
	}

	return jwt.NewKeyCache(jwt.KeyCacheConfig{
		Sources:            sources,
		TTL:                kc.TTL.Duration(),
		FetchTimeout:       kc.FetchTimeout.Duration(),
		MinRefreshInterval: kc.MinRefreshInterval.Duration(),
		Retry:              keyFetchRetry(kc.Retry),
	}, opts...)
}

// keyFetchRetry converts the configured retry bounds. Unset values keep
// a single retry with short backoff.
func keyFetchRetry(rc config.RetryConfig) *retry.Config {
	out := &retry.Config{
		MaxRetries:     1,
		InitialBackoff: rc.InitialBackoff.OrDefault(retry.DefaultConfig().InitialBackoff),
		MaxBackoff:     rc.MaxBackoff.OrDefault(retry.DefaultConfig().MaxBackoff),
		JitterFactor:   retry.DefaultJitterFactor,
	}
	if rc.MaxRetries > 0 {
		out.MaxRetries = rc.MaxRetries
	}
	return out
}

func buildEngine(cfg *config.Config, deps Deps) (*authz.Engine, error) {
	ac := cfg.Access

	registry := authz.DefaultRegistry()
	if len(ac.RolePermissions) > 0 {
		r, err := authz.NewRegistryFromNames(ac.RolePermissions)
		if err != nil {
			return nil, config.WrapConfigurationError("access.rolePermissions", "invalid role table", err)
		}
		registry = r
	}

	defaultCls, ok := authz.ParseClassification(ac.MNPI.DefaultClassification)
	if !ok {
		return nil, config.NewConfigurationError("access.mnpi.defaultClassification", "unknown classification "+ac.MNPI.DefaultClassification)
	}
	admins, err := authz.ParseRoleSet(ac.AdminRoles)
	if err != nil {
		return nil, config.WrapConfigurationError("access.adminRoles", "invalid roles", err)
	}
	seniors, err := authz.ParseRoleSet(ac.SeniorRoles)
	if err != nil {
		return nil, config.WrapConfigurationError("access.seniorRoles", "invalid roles", err)
	}

	rules := make([]abac.Rule, 0, len(ac.Restrictions))
	for _, r := range ac.Restrictions {
		rules = append(rules, abac.Rule{Name: r.Name, Expression: r.Expression, Reason: r.Reason})
	}
	restrictions, err := abac.NewEvaluator(rules)
	if err != nil {
		return nil, config.WrapConfigurationError("access.restrictions", "failed to compile", err)
	}

	engine, err := authz.NewEngine(registry, authz.EngineConfig{
		MNPIEnforcement:       ac.MNPI.Enforced(),
		DefaultClassification: defaultCls,
		AdminRoles:            admins,
		SeniorRoles:           seniors,
	},
		authz.WithEngineLogger(deps.Logger),
		authz.WithEngineMetrics(deps.Metrics.Authz),
		authz.WithAuditLogger(deps.Auditor),
		authz.WithRestrictions(restrictions),
	)
	if err != nil {
		return nil, config.WrapConfigurationError("access", "invalid engine settings", err)
	}
	return engine, nil
}

func internalSecret(ctx context.Context, in config.InternalTokenConfig, resolver *secrets.Resolver) ([]byte, error) {
	secret := []byte(in.Secret)
	if in.SecretRef != nil {
		v, err := resolver.Resolve(ctx, secretRef(in.SecretRef))
		if err != nil {
			return nil, config.WrapConfigurationError("identity.internal.secretRef", "failed to resolve", err)
		}
		secret = v
	}
	if len(secret) < minSecretLength {
		return nil, config.NewConfigurationError("identity.internal.secret",
			fmt.Sprintf("must be at least %d bytes", minSecretLength))
	}
	return secret, nil
}

func secretRef(ref *config.SecretRef) secrets.Ref {
	return secrets.Ref{Provider: ref.Provider, Name: ref.Name, Key: ref.Key, Mount: ref.Mount}
}
