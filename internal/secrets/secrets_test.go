package secrets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeEnv(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func TestEnvProvider_GetSecret(t *testing.T) {
	t.Parallel()

	p := NewEnvProvider(
		WithEnvPrefix("AUTHZ_"),
		WithEnvLookup(fakeEnv(map[string]string{
			"AUTHZ_INTERNAL_SECRET": "s3cr3t",
			"AUTHZ_REDIS":           `{"password":"pw","db":2}`,
		})),
	)

	tests := []struct {
		name    string
		path    string
		key     string
		want    string
		wantErr error
	}{
		{name: "plain value", path: "internal-secret", key: DefaultKey, want: "s3cr3t"},
		{name: "json field", path: "redis", key: "password", want: "pw"},
		{name: "json number", path: "redis", key: "db", want: "2"},
		{name: "missing", path: "nope", wantErr: ErrSecretNotFound},
		{name: "empty path", path: "", wantErr: ErrInvalidPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, err := p.GetSecret(context.Background(), tt.path)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			got, ok := s.GetString(tt.key)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFileProvider_GetSecret(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hmac"), []byte("file-secret\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "redis.json"), []byte(`{"password":"pw"}`), 0o600))

	p := NewFileProvider(WithBaseDir(dir))

	s, err := p.GetSecret(context.Background(), "hmac")
	require.NoError(t, err)
	v, _ := s.GetString(DefaultKey)
	assert.Equal(t, "file-secret", v)

	s, err = p.GetSecret(context.Background(), "redis.json")
	require.NoError(t, err)
	v, _ = s.GetString("password")
	assert.Equal(t, "pw", v)

	_, err = p.GetSecret(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	_, err = p.GetSecret(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = p.GetSecret(context.Background(), "/etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidPath)

	assert.NoError(t, p.HealthCheck(context.Background()))
}

func TestFileProvider_NoBaseDir(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("abs"), 0o600))

	s, err := NewFileProvider().GetSecret(context.Background(), path)
	require.NoError(t, err)
	v, _ := s.GetString(DefaultKey)
	assert.Equal(t, "abs", v)
}

func newVaultServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/secret/data/authz/jwt":
			assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
			_, _ = w.Write([]byte(`{
				"data": {
					"data": {"hmac": "vault-secret", "rotations": 3},
					"metadata": {"version": 4}
				}
			}`))
		case "/v1/kv/data/deleted":
			_, _ = w.Write([]byte(`{"data": {"data": null, "metadata": {"version": 2}}}`))
		case "/v1/sys/health":
			_, _ = w.Write([]byte(`{"initialized": true, "sealed": false, "standby": false}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors": []}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVaultProvider_GetSecret(t *testing.T) {
	t.Parallel()

	srv := newVaultServer(t)
	p, err := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "test-token"})
	require.NoError(t, err)

	s, err := p.GetSecret(context.Background(), "secret/authz/jwt")
	require.NoError(t, err)
	v, ok := s.GetString("hmac")
	assert.True(t, ok)
	assert.Equal(t, "vault-secret", v)
	v, _ = s.GetString("rotations")
	assert.Equal(t, "3", v)
	assert.Equal(t, "4", s.Version)

	_, err = p.GetSecret(context.Background(), "secret/unknown")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	_, err = p.GetSecret(context.Background(), "kv/deleted")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	_, err = p.GetSecret(context.Background(), "no-mount")
	assert.ErrorIs(t, err, ErrInvalidPath)

	assert.NoError(t, p.HealthCheck(context.Background()))
}

func TestNewVaultProvider_RequiresAddress(t *testing.T) {
	t.Parallel()

	_, err := NewVaultProvider(VaultConfig{})
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}

func TestResolver(t *testing.T) {
	t.Parallel()

	srv := newVaultServer(t)
	vp, err := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "test-token"})
	require.NoError(t, err)

	metrics := NewMetrics("test")
	r := NewResolver(
		WithProvider(NewEnvProvider(WithEnvLookup(fakeEnv(map[string]string{"HMAC_KEY": "env-secret"})))),
		WithProvider(vp),
		WithResolverMetrics(metrics),
	)

	tests := []struct {
		name    string
		ref     Ref
		want    string
		wantErr error
	}{
		{name: "env", ref: Ref{Provider: "env", Name: "HMAC_KEY"}, want: "env-secret"},
		{name: "vault default mount", ref: Ref{Provider: "vault", Name: "authz/jwt", Key: "hmac"}, want: "vault-secret"},
		{name: "vault missing key", ref: Ref{Provider: "vault", Name: "authz/jwt", Key: "other"}, wantErr: ErrKeyNotFound},
		{name: "vault other mount", ref: Ref{Provider: "vault", Mount: "kv", Name: "authz/jwt", Key: "hmac"}, wantErr: ErrSecretNotFound},
		{name: "unknown provider", ref: Ref{Provider: "kubernetes", Name: "x"}, wantErr: ErrInvalidProviderType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), tt.ref)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.operationTotal.WithLabelValues("vault", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.operationTotal.WithLabelValues("env", "success")))
}

func TestResolver_VaultNotRegistered(t *testing.T) {
	t.Parallel()

	_, err := NewResolver().Resolve(context.Background(), Ref{Provider: "vault", Name: "authz/jwt"})
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}
