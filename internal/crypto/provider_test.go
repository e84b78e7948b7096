package crypto

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/teammem/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileProvider_Lifecycle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys", "keyring.json")
	p := NewFileProvider(path)

	_, err := p.Current(ctx)
	assert.ErrorIs(t, err, ErrNoKey)

	k1, err := p.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, k1.Version)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	k2, err := p.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, k2.Version)

	cur, err := NewFileProvider(path).Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, k2, cur)

	got1, err := p.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, k1, got1)

	_, err = p.Get(ctx, 7)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestFileProvider_RejectsLoosePermissions(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keyring.json")
	p := NewFileProvider(path)
	_, err := p.Rotate(ctx)
	require.NoError(t, err)
	require.NoError(t, os.Chmod(path, 0o644))

	_, err = p.Current(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure permissions")
}

func custodyServer(t *testing.T, keys map[int][]byte, admin bool) *httptest.Server {
	t.Helper()
	current := len(keys)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "acme", r.URL.Query().Get("team"))
		version := 0
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/team/key":
			version = current
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/team/key/"):
			switch strings.TrimPrefix(r.URL.Path, "/v1/team/key/") {
			case "1":
				version = 1
			case "2":
				version = 2
			}
		case r.Method == http.MethodPost && r.URL.Path == "/v1/team/key/rotate":
			if !admin {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			current++
			keys[current] = make([]byte, KeySize)
			keys[current][0] = byte(current)
			version = current
		}
		material, ok := keys[version]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(keyResponse{Version: version, Key: base64.StdEncoding.EncodeToString(material)})
	}))
}

func TestHTTPProvider(t *testing.T) {
	ctx := context.Background()
	k1 := make([]byte, KeySize)
	k1[0] = 1
	srv := custodyServer(t, map[int][]byte{1: k1}, true)
	defer srv.Close()

	p, err := NewHTTPProvider(HTTPProviderOptions{BaseURL: srv.URL + "/", Token: "tok", Team: "acme"})
	require.NoError(t, err)

	cur, err := p.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, TeamKey{Version: 1, Material: k1}, cur)

	k2, err := p.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, k2.Version)

	got, err := p.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, k2, got)

	_, err = p.Get(ctx, 5)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestHTTPProvider_Errors(t *testing.T) {
	ctx := context.Background()
	srv := custodyServer(t, map[int][]byte{}, false)
	defer srv.Close()

	p, err := NewHTTPProvider(HTTPProviderOptions{BaseURL: srv.URL, Token: "tok", Team: "acme"})
	require.NoError(t, err)
	_, err = p.Current(ctx)
	assert.ErrorIs(t, err, ErrNoKey)
	_, err = p.Rotate(ctx)
	assert.ErrorIs(t, err, ErrNotAdmin)

	bad, err := NewHTTPProvider(HTTPProviderOptions{BaseURL: srv.URL, Token: "wrong", Team: "acme"})
	require.NoError(t, err)
	_, err = bad.Current(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	_, err = NewHTTPProvider(HTTPProviderOptions{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(config.KeysConfig{Provider: config.KeyProviderNone})
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = NewProvider(config.KeysConfig{Provider: config.KeyProviderFile, File: filepath.Join(t.TempDir(), "k.json")})
	require.NoError(t, err)
	assert.IsType(t, &FileProvider{}, p)

	p, err = NewProvider(config.KeysConfig{Provider: config.KeyProviderHTTP, URL: "https://keys.example.com"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPProvider{}, p)

	_, err = NewProvider(config.KeysConfig{Provider: "vault"})
	assert.Error(t, err)
}
