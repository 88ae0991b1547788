package jwt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avauthz/internal/observability"
)

// DefaultClockSkew is the tolerance applied to exp and nbf.
const DefaultClockSkew = 60 * time.Second

// Token kinds used in metrics and logs.
const (
	kindFederated = "federated"
	kindInternal  = "internal"
	kindUnknown   = "unknown"
)

// FederatedIssuer is an identity provider whose tokens are verified against
// its published key set.
type FederatedIssuer struct {
	Issuer string
	// Algorithms lists accepted header algorithms. Empty means RS256 only.
	Algorithms []string
}

// InternalConfig configures locally issued tokens signed with a shared
// secret.
type InternalConfig struct {
	Issuer    string
	Algorithm string
	Secret    []byte
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	// Audience is the required aud value. Empty skips the audience check
	// for internal tokens; federated tokens always require it.
	Audience  string
	ClockSkew time.Duration
	Federated []FederatedIssuer
	// Internal is nil when no local secret is configured.
	Internal *InternalConfig
}

// Validator verifies bearer tokens and returns their claims.
//
// The unverified header and payload are read only to pick the verification
// path: a federated issuer's key set, or the local secret. Nothing from them
// is trusted until the signature checks out.
type Validator struct {
	audience  string
	skew      time.Duration
	federated map[string]map[string]bool
	internal  *InternalConfig
	keys      *KeyCache
	logger    observability.Logger
	metrics   *Metrics
	now       func() time.Time
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithValidatorLogger sets the validator logger.
func WithValidatorLogger(logger observability.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = logger }
}

// WithValidatorMetrics sets the validator metrics.
func WithValidatorMetrics(m *Metrics) ValidatorOption {
	return func(v *Validator) { v.metrics = m }
}

// WithValidatorClock overrides the time source.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates a Validator. keys may be nil when no federated
// issuers are configured.
func NewValidator(cfg ValidatorConfig, keys *KeyCache, opts ...ValidatorOption) (*Validator, error) {
	v := &Validator{
		audience:  cfg.Audience,
		skew:      cfg.ClockSkew,
		federated: make(map[string]map[string]bool, len(cfg.Federated)),
		keys:      keys,
		logger:    observability.NopLogger(),
		now:       time.Now,
	}
	if v.skew < 0 {
		v.skew = 0
	}

	for _, f := range cfg.Federated {
		if f.Issuer == "" {
			return nil, errors.New("federated issuer must not be empty")
		}
		if keys == nil || !keys.Serves(f.Issuer) {
			return nil, fmt.Errorf("no key source for federated issuer %s", f.Issuer)
		}
		if cfg.Audience == "" {
			return nil, errors.New("audience is required when federated issuers are configured")
		}
		algs := f.Algorithms
		if len(algs) == 0 {
			algs = []string{AlgRS256}
		}
		allowed := make(map[string]bool, len(algs))
		for _, a := range algs {
			if strings.HasPrefix(a, "HS") || strings.EqualFold(a, "none") {
				return nil, fmt.Errorf("algorithm %s cannot be used with a public key set", a)
			}
			allowed[a] = true
		}
		v.federated[f.Issuer] = allowed
	}

	if in := cfg.Internal; in != nil {
		if len(in.Secret) == 0 {
			return nil, errors.New("internal token secret must not be empty")
		}
		switch in.Algorithm {
		case AlgHS256, AlgHS384, AlgHS512:
		default:
			return nil, fmt.Errorf("unsupported internal token algorithm %q", in.Algorithm)
		}
		if _, clash := v.federated[in.Issuer]; clash {
			return nil, fmt.Errorf("internal issuer %s is also a federated issuer", in.Issuer)
		}
		internal := *in
		v.internal = &internal
	}

	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate verifies raw, which may carry a "Bearer " prefix, and returns
// its claims. Every failure matches ErrAuthentication.
func (v *Validator) Validate(ctx context.Context, raw string) (*Claims, error) {
	start := time.Now()
	ctx, span := jwtTracer.Start(ctx, "jwt.validate", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	claims, kind, err := v.validate(ctx, raw)
	span.SetAttributes(attribute.String("jwt.kind", kind))
	if err != nil {
		reason := Reason(err)
		span.SetStatus(codes.Error, reason)
		v.metrics.recordValidation(kind, "error", time.Since(start))
		v.logger.WithContext(ctx).Debug("token rejected",
			observability.String("kind", kind),
			observability.String("reason", reason),
		)
		return nil, err
	}

	v.metrics.recordValidation(kind, "success", time.Since(start))
	v.logger.WithContext(ctx).Debug("token validated",
		observability.String("kind", kind),
		observability.String("subject", claims.Subject),
		observability.String("issuer", claims.Issuer),
	)
	return claims, nil
}

func (v *Validator) validate(ctx context.Context, raw string) (*Claims, string, error) {
	token := StripBearer(raw)
	if token == "" {
		return nil, kindUnknown, NewAuthenticationError(ReasonMissingToken, nil)
	}

	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return nil, kindUnknown, NewAuthenticationError(ReasonDecode, err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return nil, kindUnknown, NewAuthenticationError(ReasonDecode, errors.New("expected exactly one signature"))
	}
	hdr := sigs[0].ProtectedHeaders()
	alg := hdr.Algorithm().String()
	kid := hdr.KeyID()

	unverified, err := ParseClaims(msg.Payload())
	if err != nil {
		return nil, kindUnknown, NewAuthenticationError(ReasonDecode, err)
	}

	if allowed, ok := v.federated[unverified.Issuer]; ok {
		claims, err := v.validateFederated(ctx, token, unverified.Issuer, kid, alg, allowed)
		return claims, kindFederated, err
	}
	if v.internal != nil {
		claims, err := v.validateInternal(token, alg)
		return claims, kindInternal, err
	}
	return nil, kindUnknown, NewJWTValidationError(ReasonUnknownIssuer, nil)
}

func (v *Validator) validateFederated(
	ctx context.Context, token, issuer, kid, alg string, allowed map[string]bool,
) (*Claims, error) {
	if !allowed[alg] {
		return nil, NewAuthenticationError(ReasonAlgorithm, fmt.Errorf("algorithm %q", alg))
	}

	key, err := v.keys.Key(ctx, issuer, kid)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, NewAuthenticationError(ReasonKeyNotFound, err)
		}
		return nil, NewJWTValidationError(ReasonKeysUnavailable, err)
	}

	payload, err := jws.Verify([]byte(token), jws.WithKey(jwa.SignatureAlgorithm(alg), key))
	if err != nil {
		return nil, NewAuthenticationError(ReasonInvalidSignature, nil)
	}
	claims, err := ParseClaims(payload)
	if err != nil {
		return nil, NewAuthenticationError(ReasonDecode, err)
	}
	if claims.Issuer != issuer {
		return nil, NewAuthenticationError(ReasonInvalidIssuer, nil)
	}
	if err := v.validateClaims(claims, true); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *Validator) validateInternal(token, alg string) (*Claims, error) {
	if alg != v.internal.Algorithm {
		return nil, NewAuthenticationError(ReasonAlgorithm, fmt.Errorf("algorithm %q", alg))
	}

	payload, err := jws.Verify([]byte(token), jws.WithKey(jwa.SignatureAlgorithm(alg), v.internal.Secret))
	if err != nil {
		return nil, NewAuthenticationError(ReasonInvalidSignature, nil)
	}
	claims, err := ParseClaims(payload)
	if err != nil {
		return nil, NewAuthenticationError(ReasonDecode, err)
	}
	if v.internal.Issuer != "" && claims.Issuer != v.internal.Issuer {
		return nil, NewAuthenticationError(ReasonInvalidIssuer, nil)
	}
	if err := v.validateClaims(claims, v.audience != ""); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *Validator) validateClaims(c *Claims, checkAudience bool) error {
	now := v.now()
	if c.ExpiresAt.IsZero() {
		return NewAuthenticationError(ReasonMissingExpiry, nil)
	}
	if now.After(c.ExpiresAt.Add(v.skew)) {
		return NewAuthenticationError(ReasonExpired, nil)
	}
	if !c.NotBefore.IsZero() && now.Before(c.NotBefore.Add(-v.skew)) {
		return NewAuthenticationError(ReasonNotYetValid, nil)
	}
	if checkAudience && !c.Audience.Contains(v.audience) {
		return NewAuthenticationError(ReasonInvalidAudience, nil)
	}
	return nil
}

// StripBearer removes a case-insensitive "Bearer " prefix and surrounding
// whitespace.
func StripBearer(raw string) string {
	raw = strings.TrimSpace(raw)
	const prefix = "bearer "
	if len(raw) >= len(prefix) && strings.EqualFold(raw[:len(prefix)], prefix) {
		raw = strings.TrimSpace(raw[len(prefix):])
	}
	return raw
}
