package jwt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"

	"github.com/vyrodovalexey/avauthz/internal/observability"
)

// DefaultTokenTTL is the lifetime of minted internal tokens.
const DefaultTokenTTL = 24 * time.Hour

// SignerConfig configures a Signer.
type SignerConfig struct {
	Issuer    string
	Audience  string
	Algorithm string
	Secret    []byte
	TokenTTL  time.Duration
}

// Signer mints internal tokens for development and service callers.
type Signer struct {
	cfg     SignerConfig
	logger  observability.Logger
	metrics *Metrics
	now     func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithSignerLogger sets the signer logger.
func WithSignerLogger(logger observability.Logger) SignerOption {
	return func(s *Signer) { s.logger = logger }
}

// WithSignerMetrics sets the signer metrics.
func WithSignerMetrics(m *Metrics) SignerOption {
	return func(s *Signer) { s.metrics = m }
}

// WithSignerClock overrides the time source.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// NewSigner creates a Signer.
func NewSigner(cfg SignerConfig, opts ...SignerOption) (*Signer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("signing secret must not be empty")
	}
	switch cfg.Algorithm {
	case AlgHS256, AlgHS384, AlgHS512:
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.Algorithm)
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}

	s := &Signer{
		cfg:    cfg,
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Mint issues a token for a user with the given roles. extra claims are
// added last and may override the defaults.
func (s *Signer) Mint(userID, email string, roles []string, extra map[string]interface{}) (string, error) {
	if userID == "" || email == "" {
		return "", errors.New("user id and email are required")
	}
	if roles == nil {
		roles = []string{}
	}

	now := s.now().UTC()
	claims := map[string]interface{}{
		"sub":                userID,
		"email":              email,
		"preferred_username": email,
		"roles":              roles,
		"iss":                s.cfg.Issuer,
		"iat":                now.Unix(),
		"exp":                now.Add(s.cfg.TokenTTL).Unix(),
		"jti":                uuid.NewString(),
	}
	if s.cfg.Audience != "" {
		claims["aud"] = s.cfg.Audience
	}
	for k, v := range extra {
		claims[k] = v
	}
	return s.Sign(claims)
}

// Sign signs an arbitrary claim set.
func (s *Signer) Sign(claims map[string]interface{}) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		s.metrics.recordSigning("error")
		return "", fmt.Errorf("failed to encode claims: %w", err)
	}

	hdrs := jws.NewHeaders()
	if err := hdrs.Set(jws.TypeKey, "JWT"); err != nil {
		s.metrics.recordSigning("error")
		return "", fmt.Errorf("failed to set token header: %w", err)
	}

	token, err := jws.Sign(payload, jws.WithKey(
		jwa.SignatureAlgorithm(s.cfg.Algorithm),
		s.cfg.Secret,
		jws.WithProtectedHeaders(hdrs),
	))
	if err != nil {
		s.metrics.recordSigning("error")
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	s.metrics.recordSigning("success")
	s.logger.Debug("internal token signed",
		observability.Any("subject", claims["sub"]),
	)
	return string(token), nil
}
