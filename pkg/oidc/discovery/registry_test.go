// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidegate/oidcclient/pkg/oauth"
)

// fakeIssuer serves a discovery document and a JWKS, counting requests.
type fakeIssuer struct {
	server        *httptest.Server
	discoveryHits atomic.Int64
	jwksHits      atomic.Int64

	mu       sync.Mutex
	jwksBody []byte
	jwksCode int
}

func newFakeIssuer(t *testing.T) *fakeIssuer {
	t.Helper()

	f := &fakeIssuer{jwksCode: http.StatusOK}
	mux := http.NewServeMux()
	serveMetadata := func(w http.ResponseWriter, _ *http.Request) {
		f.discoveryHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"issuer": %q,
			"authorization_endpoint": %q,
			"token_endpoint": %q,
			"jwks_uri": %q
		}`, f.server.URL, f.server.URL+"/authorize", f.server.URL+"/token", f.server.URL+"/jwks")
	}
	mux.HandleFunc("/.well-known/openid-configuration", serveMetadata)
	mux.HandleFunc("/.well-known/oauth-authorization-server", serveMetadata)
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, _ *http.Request) {
		f.jwksHits.Add(1)
		f.mu.Lock()
		code, body := f.jwksCode, f.jwksBody
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write(body)
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeIssuer) setJWKS(code int, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jwksCode = code
	f.jwksBody = body
}

// bareJWKS returns a JWKS whose key carries no use, key_ops, or alg fields.
func bareJWKS(t *testing.T) []byte {
	t.Helper()

	private, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.Import(private.Public())
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "test-key"))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(key))

	body, err := json.Marshal(set)
	require.NoError(t, err)
	return body
}

func TestDiscoverIsIdempotent(t *testing.T) {
	t.Parallel()

	issuer := newFakeIssuer(t)
	registry, err := NewRegistry(issuer.server.URL, WithHTTPClient(http.DefaultClient))
	require.NoError(t, err)

	ctx := context.Background()
	first, err := registry.Discover(ctx)
	require.NoError(t, err)
	second, err := registry.Discover(ctx)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int64(1), issuer.discoveryHits.Load())
	assert.Equal(t, issuer.server.URL+"/token", first.TokenEndpoint)
}

func TestDiscoverRejectsIssuerMismatch(t *testing.T) {
	t.Parallel()

	issuer := newFakeIssuer(t)
	registry, err := NewRegistry("https://somewhere-else.example",
		WithHTTPClient(http.DefaultClient),
		WithDiscoveryURL(issuer.server.URL+"/.well-known/openid-configuration"),
	)
	require.NoError(t, err)

	_, err = registry.Discover(context.Background())
	require.Error(t, err)
	assert.True(t, oauth.IsKind(err, oauth.KindProtocol))
}

func TestEndpointOverridesTakePrecedence(t *testing.T) {
	t.Parallel()

	issuer := newFakeIssuer(t)
	registry, err := NewRegistry(issuer.server.URL,
		WithHTTPClient(http.DefaultClient),
		WithEndpoints(Endpoints{Token: "https://override.example/token"}),
	)
	require.NoError(t, err)

	endpoint, err := registry.TokenEndpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://override.example/token", endpoint)
}

func TestRegistryWithoutAutodiscovery(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry("",
		WithoutAutodiscovery(),
		WithHTTPClient(http.DefaultClient),
		WithEndpoints(Endpoints{
			Authorization: "https://id.example/authorize",
			Token:         "https://id.example/token",
		}),
	)
	require.NoError(t, err)

	endpoint, err := registry.TokenEndpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://id.example/token", endpoint)

	// no userinfo endpoint was provided
	_, err = registry.UserinfoEndpoint(context.Background())
	require.Error(t, err)
	assert.True(t, oauth.IsKind(err, oauth.KindProtocol))
}

func TestDiscoverOAuthServerMetadata(t *testing.T) {
	t.Parallel()

	issuer := newFakeIssuer(t)
	registry, err := NewRegistry(issuer.server.URL,
		WithHTTPClient(http.DefaultClient),
		WithOAuthDiscovery(),
	)
	require.NoError(t, err)
	assert.Equal(t, issuer.server.URL+oauth.WellKnownOAuthServerPath, registry.discoveryURL)

	meta, err := registry.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, issuer.server.URL+"/token", meta.TokenEndpoint)
}

func TestRegistryRequiresIssuerOrTokenEndpoint(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry("")
	require.Error(t, err)

	_, err = NewRegistry("https://id.example", WithoutAutodiscovery())
	require.Error(t, err)
}

func TestGetJWKSRepairsKeyFields(t *testing.T) {
	t.Parallel()

	issuer := newFakeIssuer(t)
	issuer.setJWKS(http.StatusOK, bareJWKS(t))

	registry, err := NewRegistry(issuer.server.URL, WithHTTPClient(http.DefaultClient))
	require.NoError(t, err)

	set, err := registry.GetJWKS(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())

	key, ok := set.LookupKeyID("test-key")
	require.True(t, ok)

	usage, ok := key.KeyUsage()
	require.True(t, ok)
	assert.Equal(t, "sig", usage)

	ops, ok := key.KeyOps()
	require.True(t, ok)
	assert.Contains(t, ops, jwk.KeyOpVerify)

	alg, ok := key.Algorithm()
	require.True(t, ok)
	assert.Equal(t, "RS256", alg.String())
}

func TestGetJWKSIsCachedAndForceRefreshes(t *testing.T) {
	t.Parallel()

	issuer := newFakeIssuer(t)
	issuer.setJWKS(http.StatusOK, bareJWKS(t))

	registry, err := NewRegistry(issuer.server.URL, WithHTTPClient(http.DefaultClient))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = registry.GetJWKS(ctx, false)
	require.NoError(t, err)
	_, err = registry.GetJWKS(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), issuer.jwksHits.Load())

	_, err = registry.GetJWKS(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), issuer.jwksHits.Load())
}

// Not parallel: resetting the process-wide cache would race with the
// cache-counting tests below.
func TestResetJWKSCacheDropsCachedSets(t *testing.T) {
	issuer := newFakeIssuer(t)
	issuer.setJWKS(http.StatusOK, bareJWKS(t))

	registry, err := NewRegistry(issuer.server.URL, WithHTTPClient(http.DefaultClient))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = registry.GetJWKS(ctx, false)
	require.NoError(t, err)
	require.Equal(t, int64(1), issuer.jwksHits.Load())

	ResetJWKSCache()

	_, err = registry.GetJWKS(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), issuer.jwksHits.Load())
}

func TestGetJWKSFailureYieldsEmptySetWithoutPoisoningCache(t *testing.T) {
	t.Parallel()

	issuer := newFakeIssuer(t)
	issuer.setJWKS(http.StatusOK, bareJWKS(t))

	registry, err := NewRegistry(issuer.server.URL, WithHTTPClient(http.DefaultClient))
	require.NoError(t, err)

	ctx := context.Background()
	good, err := registry.GetJWKS(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, good.Len())

	// endpoint starts failing; a forced refresh degrades to an empty set
	issuer.setJWKS(http.StatusInternalServerError, nil)
	empty, err := registry.GetJWKS(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())

	// the previously cached set survives the failed fetch
	cached, err := registry.GetJWKS(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, cached.Len())

	// once the endpoint recovers, a refresh repopulates the cache
	issuer.setJWKS(http.StatusOK, bareJWKS(t))
	recovered, err := registry.GetJWKS(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered.Len())
}
