package jwt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avauthz/internal/retry"
)

const (
	testIssuer   = "https://login.microsoftonline.com/tenant-1/v2.0"
	testAudience = "api://authorizer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type signingKey struct {
	kid  string
	priv *rsa.PrivateKey
}

func newSigningKey(t *testing.T, kid string) *signingKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &signingKey{kid: kid, priv: priv}
}

func (k *signingKey) sign(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	hdrs := jws.NewHeaders()
	require.NoError(t, hdrs.Set(jws.KeyIDKey, k.kid))
	token, err := jws.Sign(payload, jws.WithKey(jwa.RS256, k.priv, jws.WithProtectedHeaders(hdrs)))
	require.NoError(t, err)
	return string(token)
}

func keySetJSON(t *testing.T, keys ...*signingKey) []byte {
	t.Helper()
	set := jwk.NewSet()
	for _, k := range keys {
		pub, err := jwk.FromRaw(&k.priv.PublicKey)
		require.NoError(t, err)
		require.NoError(t, pub.Set(jwk.KeyIDKey, k.kid))
		require.NoError(t, pub.Set(jwk.AlgorithmKey, "RS256"))
		require.NoError(t, set.AddKey(pub))
	}
	data, err := json.Marshal(set)
	require.NoError(t, err)
	return data
}

// testIdP serves a key set and counts downloads.
type testIdP struct {
	server  *httptest.Server
	fetches atomic.Int32
	status  atomic.Int32

	mu   sync.Mutex
	body []byte
}

func newTestIdP(t *testing.T, keys ...*signingKey) *testIdP {
	t.Helper()
	idp := &testIdP{body: keySetJSON(t, keys...)}
	idp.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idp.fetches.Add(1)
		if code := idp.status.Load(); code != 0 {
			w.WriteHeader(int(code))
			return
		}
		idp.mu.Lock()
		body := idp.body
		idp.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(idp.server.Close)
	return idp
}

func (p *testIdP) publish(t *testing.T, keys ...*signingKey) {
	t.Helper()
	body := keySetJSON(t, keys...)
	p.mu.Lock()
	p.body = body
	p.mu.Unlock()
}

func (p *testIdP) url() string {
	return p.server.URL + "/discovery/v2.0/keys"
}

// fakeFetcher returns queued responses and can block until released.
type fakeFetcher struct {
	mu        sync.Mutex
	responses [][]byte
	err       error
	calls     atomic.Int32
	started   chan struct{}
	release   chan struct{}
	startOnce sync.Once
}

func (f *fakeFetcher) Fetch(ctx context.Context, _ string) ([]byte, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.startOnce.Do(func() { close(f.started) })
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return nil, errors.New("no response queued")
	}
	body := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return body, nil
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func fastRetry() *retry.Config {
	return &retry.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func validClaims(clock *fakeClock) map[string]interface{} {
	now := clock.Now()
	return map[string]interface{}{
		"iss":                testIssuer,
		"aud":                testAudience,
		"sub":                "user-1",
		"oid":                "oid-1",
		"preferred_username": "user1@example.com",
		"roles":              []string{"analyst"},
		"iat":                now.Unix(),
		"nbf":                now.Unix(),
		"exp":                now.Add(time.Hour).Unix(),
	}
}

// memoryStore is an in-process SharedStore.
type memoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
	gets atomic.Int32
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: map[string][]byte{}}
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.gets.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}
