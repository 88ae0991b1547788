package jwt

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const internalIssuer = "avauthz-internal"

var internalSecret = []byte("0123456789abcdef0123456789abcdef")

type validatorFixture struct {
	idp       *testIdP
	clock     *fakeClock
	key       *signingKey
	validator *Validator
}

func newValidatorFixture(t *testing.T, withInternal bool) *validatorFixture {
	t.Helper()

	key := newSigningKey(t, "k1")
	idp := newTestIdP(t, key)
	clock := newFakeClock()

	cache := NewKeyCache(KeyCacheConfig{
		Sources: map[string]string{testIssuer: idp.url()},
		Retry:   fastRetry(),
	},
		WithFetcher(NewHTTPFetcher(WithHTTPClient(idp.server.Client()))),
		WithClock(clock.Now),
	)

	cfg := ValidatorConfig{
		Audience:  testAudience,
		ClockSkew: DefaultClockSkew,
		Federated: []FederatedIssuer{{Issuer: testIssuer}},
	}
	if withInternal {
		cfg.Internal = &InternalConfig{Issuer: internalIssuer, Algorithm: AlgHS256, Secret: internalSecret}
	}
	v, err := NewValidator(cfg, cache, WithValidatorClock(clock.Now))
	require.NoError(t, err)

	return &validatorFixture{idp: idp, clock: clock, key: key, validator: v}
}

func signHS(t *testing.T, alg jwa.SignatureAlgorithm, secret []byte, claims map[string]interface{}) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	token, err := jws.Sign(payload, jws.WithKey(alg, secret))
	require.NoError(t, err)
	return string(token)
}

func TestValidator_FederatedToken(t *testing.T) {
	t.Parallel()

	fx := newValidatorFixture(t, false)
	token := fx.key.sign(t, validClaims(fx.clock))

	for i := 0; i < 3; i++ {
		claims, err := fx.validator.Validate(context.Background(), "Bearer "+token)
		require.NoError(t, err)
		assert.Equal(t, testIssuer, claims.Issuer)
		assert.Equal(t, "user-1", claims.Subject)
		assert.Equal(t, "oid-1", claims.StringClaim("oid"))
		assert.Equal(t, []string{"analyst"}, claims.StringListClaim("roles"))
		assert.True(t, claims.Audience.Contains(testAudience))
	}
	assert.Equal(t, int32(1), fx.idp.fetches.Load())
}

func TestValidator_ClaimChecks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		mutate     func(claims map[string]interface{}, now time.Time)
		wantReason string
	}{
		{
			name: "expired beyond skew",
			mutate: func(c map[string]interface{}, now time.Time) {
				c["exp"] = now.Add(-2 * time.Minute).Unix()
			},
			wantReason: ReasonExpired,
		},
		{
			name: "expired within skew",
			mutate: func(c map[string]interface{}, now time.Time) {
				c["exp"] = now.Add(-30 * time.Second).Unix()
			},
		},
		{
			name: "not yet valid",
			mutate: func(c map[string]interface{}, now time.Time) {
				c["nbf"] = now.Add(5 * time.Minute).Unix()
			},
			wantReason: ReasonNotYetValid,
		},
		{
			name:       "missing expiry",
			mutate:     func(c map[string]interface{}, _ time.Time) { delete(c, "exp") },
			wantReason: ReasonMissingExpiry,
		},
		{
			name:       "wrong audience",
			mutate:     func(c map[string]interface{}, _ time.Time) { c["aud"] = "api://someone-else" },
			wantReason: ReasonInvalidAudience,
		},
		{
			name: "audience list",
			mutate: func(c map[string]interface{}, _ time.Time) {
				c["aud"] = []string{"api://other", testAudience}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fx := newValidatorFixture(t, false)
			claims := validClaims(fx.clock)
			tt.mutate(claims, fx.clock.Now())

			_, err := fx.validator.Validate(context.Background(), fx.key.sign(t, claims))
			if tt.wantReason == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrAuthentication)
			assert.Equal(t, tt.wantReason, Reason(err))
		})
	}
}

func TestValidator_RejectsForgedTokens(t *testing.T) {
	t.Parallel()

	fx := newValidatorFixture(t, false)
	impostor := newSigningKey(t, "k1")

	_, err := fx.validator.Validate(context.Background(), impostor.sign(t, validClaims(fx.clock)))
	require.Error(t, err)
	assert.Equal(t, ReasonInvalidSignature, Reason(err))

	// A symmetric token naming the federated issuer must not be checked
	// against the public key material.
	hs := signHS(t, jwa.HS256, []byte("guessed"), validClaims(fx.clock))
	_, err = fx.validator.Validate(context.Background(), hs)
	require.Error(t, err)
	assert.Equal(t, ReasonAlgorithm, Reason(err))
}

func TestValidator_UnknownKid(t *testing.T) {
	t.Parallel()

	fx := newValidatorFixture(t, false)
	stranger := newSigningKey(t, "k9")

	_, err := fx.validator.Validate(context.Background(), stranger.sign(t, validClaims(fx.clock)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, ReasonKeyNotFound, Reason(err))
}

func TestValidator_KeyRotation(t *testing.T) {
	t.Parallel()

	fx := newValidatorFixture(t, false)
	_, err := fx.validator.Validate(context.Background(), fx.key.sign(t, validClaims(fx.clock)))
	require.NoError(t, err)

	// The IdP rotates right after the cold download.
	rotated := newSigningKey(t, "k2")
	fx.idp.publish(t, fx.key, rotated)
	fx.clock.Advance(5 * time.Second)

	claims, err := fx.validator.Validate(context.Background(), rotated.sign(t, validClaims(fx.clock)))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, int32(2), fx.idp.fetches.Load())
}

func TestValidator_KeysUnavailable(t *testing.T) {
	t.Parallel()

	fx := newValidatorFixture(t, false)
	fx.idp.status.Store(http.StatusServiceUnavailable)

	_, err := fx.validator.Validate(context.Background(), fx.key.sign(t, validClaims(fx.clock)))
	require.Error(t, err)

	var verr *JWTValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ReasonKeysUnavailable, verr.Reason)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.ErrorIs(t, err, ErrKeyFetch)
}

func TestValidator_UnknownIssuerWithoutSecret(t *testing.T) {
	t.Parallel()

	fx := newValidatorFixture(t, false)
	claims := validClaims(fx.clock)
	claims["iss"] = "https://accounts.example.org"

	_, err := fx.validator.Validate(context.Background(), fx.key.sign(t, claims))
	require.Error(t, err)

	var verr *JWTValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ReasonUnknownIssuer, verr.Reason)
	assert.Zero(t, fx.idp.fetches.Load())
}

func TestValidator_InternalToken(t *testing.T) {
	t.Parallel()

	fx := newValidatorFixture(t, true)
	claims := validClaims(fx.clock)
	claims["iss"] = internalIssuer

	got, err := fx.validator.Validate(context.Background(), signHS(t, jwa.HS256, internalSecret, claims))
	require.NoError(t, err)
	assert.Equal(t, internalIssuer, got.Issuer)
	assert.Zero(t, fx.idp.fetches.Load())

	_, err = fx.validator.Validate(context.Background(), signHS(t, jwa.HS256, []byte("wrong-secret"), claims))
	require.Error(t, err)
	assert.Equal(t, ReasonInvalidSignature, Reason(err))

	_, err = fx.validator.Validate(context.Background(), signHS(t, jwa.HS512, internalSecret, claims))
	require.Error(t, err)
	assert.Equal(t, ReasonAlgorithm, Reason(err))

	// Non-federated issuers take the internal path, which only accepts HS256.
	_, err = fx.validator.Validate(context.Background(), fx.key.sign(t, claims))
	require.Error(t, err)
	assert.Equal(t, ReasonAlgorithm, Reason(err))
}

func TestValidator_InternalTokenIssuer(t *testing.T) {
	t.Parallel()

	fx := newValidatorFixture(t, true)

	tests := []struct {
		name   string
		issuer interface{}
	}{
		{name: "other service", issuer: "some-other-service"},
		{name: "missing", issuer: nil},
		{name: "empty", issuer: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			claims := validClaims(fx.clock)
			if tt.issuer == nil {
				delete(claims, "iss")
			} else {
				claims["iss"] = tt.issuer
			}

			_, err := fx.validator.Validate(context.Background(), signHS(t, jwa.HS256, internalSecret, claims))
			require.Error(t, err)
			assert.True(t, IsAuthenticationError(err))
			assert.Equal(t, ReasonInvalidIssuer, Reason(err))
		})
	}
}

func TestValidator_InternalTokenWithoutConfiguredIssuer(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(ValidatorConfig{
		Internal: &InternalConfig{Algorithm: AlgHS256, Secret: internalSecret},
	}, nil)
	require.NoError(t, err)

	claims := map[string]interface{}{
		"iss": "anything",
		"sub": "svc-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	got, err := v.Validate(context.Background(), signHS(t, jwa.HS256, internalSecret, claims))
	require.NoError(t, err)
	assert.Equal(t, "anything", got.Issuer)
}

func TestValidator_InternalTokenAudienceOptional(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(ValidatorConfig{
		Internal: &InternalConfig{Issuer: internalIssuer, Algorithm: AlgHS256, Secret: internalSecret},
	}, nil)
	require.NoError(t, err)

	claims := map[string]interface{}{
		"iss": internalIssuer,
		"sub": "svc-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	got, err := v.Validate(context.Background(), signHS(t, jwa.HS256, internalSecret, claims))
	require.NoError(t, err)
	assert.Equal(t, "svc-1", got.Subject)
}

func TestValidator_MalformedInput(t *testing.T) {
	t.Parallel()

	fx := newValidatorFixture(t, true)

	tests := []struct {
		name       string
		raw        string
		wantReason string
	}{
		{name: "empty", raw: "", wantReason: ReasonMissingToken},
		{name: "bearer only", raw: "Bearer   ", wantReason: ReasonMissingToken},
		{name: "garbage", raw: "not-a-token", wantReason: ReasonDecode},
		{name: "bad base64", raw: "a.b.c", wantReason: ReasonDecode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := fx.validator.Validate(context.Background(), tt.raw)
			require.Error(t, err)
			assert.True(t, IsAuthenticationError(err))
			assert.Equal(t, tt.wantReason, Reason(err))
		})
	}
}

func TestValidator_ConcurrentColdCache(t *testing.T) {
	t.Parallel()

	fx := newValidatorFixture(t, false)
	token := fx.key.sign(t, validClaims(fx.clock))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.validator.Validate(context.Background(), token)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fx.idp.fetches.Load())
}

func TestNewValidator_Errors(t *testing.T) {
	t.Parallel()

	cache := NewKeyCache(KeyCacheConfig{Sources: map[string]string{testIssuer: "https://idp.example/keys"}})

	tests := []struct {
		name  string
		cfg   ValidatorConfig
		cache *KeyCache
	}{
		{
			name:  "issuer without key source",
			cfg:   ValidatorConfig{Audience: testAudience, Federated: []FederatedIssuer{{Issuer: "https://other"}}},
			cache: cache,
		},
		{
			name:  "no key cache",
			cfg:   ValidatorConfig{Audience: testAudience, Federated: []FederatedIssuer{{Issuer: testIssuer}}},
			cache: nil,
		},
		{
			name:  "federated without audience",
			cfg:   ValidatorConfig{Federated: []FederatedIssuer{{Issuer: testIssuer}}},
			cache: cache,
		},
		{
			name: "symmetric federated algorithm",
			cfg: ValidatorConfig{
				Audience:  testAudience,
				Federated: []FederatedIssuer{{Issuer: testIssuer, Algorithms: []string{AlgRS256, AlgHS256}}},
			},
			cache: cache,
		},
		{
			name: "none algorithm",
			cfg: ValidatorConfig{
				Audience:  testAudience,
				Federated: []FederatedIssuer{{Issuer: testIssuer, Algorithms: []string{"none"}}},
			},
			cache: cache,
		},
		{
			name: "empty internal secret",
			cfg:  ValidatorConfig{Internal: &InternalConfig{Issuer: internalIssuer, Algorithm: AlgHS256}},
		},
		{
			name: "asymmetric internal algorithm",
			cfg: ValidatorConfig{
				Internal: &InternalConfig{Issuer: internalIssuer, Algorithm: AlgRS256, Secret: internalSecret},
			},
		},
		{
			name: "internal issuer clashes with federated",
			cfg: ValidatorConfig{
				Audience:  testAudience,
				Federated: []FederatedIssuer{{Issuer: testIssuer}},
				Internal:  &InternalConfig{Issuer: testIssuer, Algorithm: AlgHS256, Secret: internalSecret},
			},
			cache: cache,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewValidator(tt.cfg, tt.cache)
			assert.Error(t, err)
		})
	}
}

func TestStripBearer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "Bearer abc", want: "abc"},
		{in: "bearer abc", want: "abc"},
		{in: "BEARER   abc  ", want: "abc"},
		{in: "abc", want: "abc"},
		{in: "  abc ", want: "abc"},
		{in: "Bearerabc", want: "Bearerabc"},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripBearer(tt.in), tt.in)
	}
}
