package credentials

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvProvider(t *testing.T) {
	t.Setenv("PW_SECRET_REGISTRY_CI_PASSWORD", "hunter2")
	p := NewEnvProvider("PW_SECRET_")

	v, err := p.Get(context.Background(), "registry/ci#password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	_, err = p.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = p.Get(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "registry"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "registry", "token"), []byte("tok\n"), 0o600))
	p := NewFileProvider(dir)

	v, err := p.Get(context.Background(), "registry/token")
	require.NoError(t, err)
	assert.Equal(t, "tok", v)

	_, err = p.Get(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = p.Get(context.Background(), "registry/other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRoutesByScheme(t *testing.T) {
	t.Setenv("CI_TOKEN", "from-env")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "token"), []byte("from-file"), 0o600))

	s := NewStore("env")
	s.Register("env", NewEnvProvider(""))
	s.Register("file", NewFileProvider(dir))
	assert.Equal(t, []string{"env", "file"}, s.Schemes())

	v, err := s.Resolve(context.Background(), "file:token")
	require.NoError(t, err)
	assert.Equal(t, "from-file", v)

	v, err = s.Resolve(context.Background(), "ci-token")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)

	// An unknown scheme is part of the key for the default provider.
	_, err = s.Resolve(context.Background(), "vault:ci/token")
	assert.ErrorIs(t, err, ErrNotFound)

	empty := NewStore("vault")
	_, err = empty.Resolve(context.Background(), "x")
	assert.ErrorContains(t, err, "no provider")
}

func vaultServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "root" {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}
		switch r.URL.Path {
		case "/v1/secret/data/ci/registry":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"data":{"data":{"password":"hunter2","user":"ci"},"metadata":{"created_time":"2024-01-01T00:00:00Z","version":1,"destroyed":false,"deletion_time":""}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"errors":[]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVaultProvider(t *testing.T) {
	srv := vaultServer(t)
	p, err := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "root"})
	require.NoError(t, err)

	v, err := p.Get(context.Background(), "ci/registry#password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	whole, err := p.Get(context.Background(), "ci/registry")
	require.NoError(t, err)
	assert.JSONEq(t, `{"password":"hunter2","user":"ci"}`, whole)

	_, err = p.Get(context.Background(), "ci/registry#token")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = p.Get(context.Background(), "ci/missing#password")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewVaultProviderValidates(t *testing.T) {
	_, err := NewVaultProvider(VaultConfig{Token: "root"})
	assert.ErrorIs(t, err, ErrProviderInit)
	_, err = NewVaultProvider(VaultConfig{Address: "http://127.0.0.1:8200"})
	assert.ErrorIs(t, err, ErrProviderInit)
}

func TestParseVaultKey(t *testing.T) {
	path, field := parseVaultKey("ci/registry#password")
	assert.Equal(t, "ci/registry", path)
	assert.Equal(t, "password", field)
	path, field = parseVaultKey("ci/registry")
	assert.Equal(t, "ci/registry", path)
	assert.Empty(t, field)
}
