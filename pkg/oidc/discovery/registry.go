// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package discovery implements the metadata registry: it fetches and caches
// the authorization server's discovery document and JSON Web Key Set, and
// resolves endpoint URLs for the client core.
package discovery

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/tidegate/oidcclient/pkg/logger"
	"github.com/tidegate/oidcclient/pkg/networking"
	"github.com/tidegate/oidcclient/pkg/oauth"
)

// UserAgent identifies this client to authorization servers.
const UserAgent = "oidcclient/1.0"

// jwksCache is the process-wide JWKS cache, one entry per JWKS URI.
// A failed fetch never replaces an existing entry.
var jwksCache = struct {
	mu   sync.RWMutex
	sets map[string]jwk.Set
}{sets: make(map[string]jwk.Set)}

// jwksGroup deduplicates concurrent fetches of the same JWKS URI.
var jwksGroup singleflight.Group

// Endpoints carries explicit endpoint URLs that override (or replace)
// autodiscovery.
type Endpoints struct {
	Authorization string
	Token         string
	Userinfo      string
	JWKS          string
}

// Registry resolves and caches server metadata for a single issuer.
type Registry struct {
	issuer         string
	discoveryURL   string
	overrides      Endpoints
	autodiscover   bool
	oauthDiscovery bool
	client         networking.HTTPClient

	group singleflight.Group
	mu    sync.RWMutex
	meta  *oauth.ServerMetadata
}

// Option configures a Registry.
type Option func(*Registry)

// WithHTTPClient sets the HTTP client used for discovery and JWKS fetches.
func WithHTTPClient(client networking.HTTPClient) Option {
	return func(r *Registry) {
		r.client = client
	}
}

// WithDiscoveryURL overrides the well-known discovery document URL.
func WithDiscoveryURL(url string) Option {
	return func(r *Registry) {
		r.discoveryURL = url
	}
}

// WithOAuthDiscovery uses the OAuth authorization server metadata path
// (RFC 8414) instead of the OIDC discovery path. Plain OAuth servers often
// publish only this document.
func WithOAuthDiscovery() Option {
	return func(r *Registry) {
		r.oauthDiscovery = true
	}
}

// WithEndpoints provides explicit endpoint URLs. Provided fields take
// precedence over discovered values.
func WithEndpoints(endpoints Endpoints) Option {
	return func(r *Registry) {
		r.overrides = endpoints
	}
}

// WithoutAutodiscovery disables fetching the discovery document entirely.
// All required endpoints must then be provided via WithEndpoints.
func WithoutAutodiscovery() Option {
	return func(r *Registry) {
		r.autodiscover = false
	}
}

// NewRegistry creates a registry for the given issuer.
func NewRegistry(issuer string, opts ...Option) (*Registry, error) {
	r := &Registry{
		issuer:       issuer,
		autodiscover: true,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.issuer == "" && r.overrides.Token == "" {
		return nil, fmt.Errorf("either issuer or token endpoint is required")
	}
	if !r.autodiscover && r.overrides.Token == "" {
		return nil, fmt.Errorf("autodiscovery is disabled but no token endpoint was provided")
	}

	if r.client == nil {
		client, err := networking.NewHttpClientBuilder().WithPrivateIPs(true).Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
		r.client = client
	}

	if r.discoveryURL == "" && r.issuer != "" {
		wellKnown := oauth.WellKnownOIDCPath
		if r.oauthDiscovery {
			wellKnown = oauth.WellKnownOAuthServerPath
		}
		r.discoveryURL = strings.TrimSuffix(r.issuer, "/") + wellKnown
	}

	return r, nil
}

// Issuer returns the configured issuer.
func (r *Registry) Issuer() string {
	return r.issuer
}

// Discover fetches, validates, and caches the server metadata. It is
// idempotent and issues at most one network request per instance; concurrent
// callers await the same in-flight discovery.
func (r *Registry) Discover(ctx context.Context) (*oauth.ServerMetadata, error) {
	r.mu.RLock()
	meta := r.meta
	r.mu.RUnlock()
	if meta != nil {
		return meta, nil
	}

	result, err, _ := r.group.Do("discover", func() (any, error) {
		return r.discover(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*oauth.ServerMetadata), nil
}

func (r *Registry) discover(ctx context.Context) (*oauth.ServerMetadata, error) {
	// a concurrent caller may have won the race before we joined the group
	r.mu.RLock()
	if r.meta != nil {
		defer r.mu.RUnlock()
		return r.meta, nil
	}
	r.mu.RUnlock()

	var meta *oauth.ServerMetadata
	if r.autodiscover {
		result, err := networking.FetchJSON[oauth.ServerMetadata](
			ctx, r.client, r.discoveryURL,
			networking.WithHeader("User-Agent", UserAgent),
		)
		if err != nil {
			if networking.IsHTTPError(err, 0) {
				return nil, oauth.Errorf(oauth.KindProtocol, "discovery document fetch: %w", err)
			}
			return nil, oauth.Errorf(oauth.KindTransport, "discovery document fetch: %w", err)
		}
		meta = &result.Data

		if err := meta.Validate(r.issuer); err != nil {
			return nil, oauth.Errorf(oauth.KindProtocol, "invalid discovery document at %s: %w", r.discoveryURL, err)
		}
	} else {
		meta = &oauth.ServerMetadata{Issuer: r.issuer}
	}

	applyOverrides(meta, r.overrides)

	r.mu.Lock()
	r.meta = meta
	r.mu.Unlock()

	logger.Debugw("resolved server metadata",
		"issuer", meta.Issuer, "token_endpoint", meta.TokenEndpoint)
	return meta, nil
}

func applyOverrides(meta *oauth.ServerMetadata, overrides Endpoints) {
	if overrides.Authorization != "" {
		meta.AuthorizationEndpoint = overrides.Authorization
	}
	if overrides.Token != "" {
		meta.TokenEndpoint = overrides.Token
	}
	if overrides.Userinfo != "" {
		meta.UserinfoEndpoint = overrides.Userinfo
	}
	if overrides.JWKS != "" {
		meta.JWKSURI = overrides.JWKS
	}
}

// AuthorizationEndpoint resolves the authorization endpoint, discovering if
// needed.
func (r *Registry) AuthorizationEndpoint(ctx context.Context) (string, error) {
	return r.endpoint(ctx, "authorization_endpoint", func(m *oauth.ServerMetadata) string {
		return m.AuthorizationEndpoint
	})
}

// TokenEndpoint resolves the token endpoint, discovering if needed.
func (r *Registry) TokenEndpoint(ctx context.Context) (string, error) {
	return r.endpoint(ctx, "token_endpoint", func(m *oauth.ServerMetadata) string {
		return m.TokenEndpoint
	})
}

// UserinfoEndpoint resolves the userinfo endpoint, discovering if needed.
func (r *Registry) UserinfoEndpoint(ctx context.Context) (string, error) {
	return r.endpoint(ctx, "userinfo_endpoint", func(m *oauth.ServerMetadata) string {
		return m.UserinfoEndpoint
	})
}

func (r *Registry) endpoint(ctx context.Context, name string, get func(*oauth.ServerMetadata) string) (string, error) {
	meta, err := r.Discover(ctx)
	if err != nil {
		return "", err
	}
	endpoint := get(meta)
	if endpoint == "" {
		return "", oauth.Errorf(oauth.KindProtocol, "server does not advertise a %s", name)
	}
	return endpoint, nil
}

// GetJWKS returns the verification key set for this issuer. On cache miss or
// forced refresh it fetches jwks_uri, repairs incomplete key metadata, and
// stores the set in the process-wide cache. A failed fetch is logged and
// yields an empty set without touching any previously cached entry, so
// signature verification fails closed and the next call retries.
func (r *Registry) GetJWKS(ctx context.Context, forceRefresh bool) (jwk.Set, error) {
	meta, err := r.Discover(ctx)
	if err != nil {
		return nil, err
	}
	if meta.JWKSURI == "" {
		return nil, oauth.Errorf(oauth.KindProtocol, "server does not advertise a jwks_uri")
	}

	if !forceRefresh {
		jwksCache.mu.RLock()
		set, ok := jwksCache.sets[meta.JWKSURI]
		jwksCache.mu.RUnlock()
		if ok {
			return set, nil
		}
	}

	result, _, _ := jwksGroup.Do(meta.JWKSURI, func() (any, error) {
		return r.fetchJWKS(ctx, meta.JWKSURI), nil
	})
	return result.(jwk.Set), nil
}

// fetchJWKS never returns an error: failures degrade to an empty set.
func (r *Registry) fetchJWKS(ctx context.Context, jwksURI string) jwk.Set {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		logger.Warnf("Failed to build JWKS request for %s: %v", jwksURI, err)
		return jwk.NewSet()
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", networking.ContentTypeJSON)

	resp, err := r.client.Do(req)
	if err != nil {
		logger.Warnf("Failed to fetch JWKS from %s: %v", jwksURI, err)
		return jwk.NewSet()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		logger.Warnf("JWKS endpoint %s returned status %d", jwksURI, resp.StatusCode)
		return jwk.NewSet()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, networking.DefaultMaxResponseSize))
	if err != nil {
		logger.Warnf("Failed to read JWKS response from %s: %v", jwksURI, err)
		return jwk.NewSet()
	}

	set, err := jwk.Parse(body)
	if err != nil {
		logger.Warnf("Failed to parse JWKS from %s: %v", jwksURI, err)
		return jwk.NewSet()
	}

	repairKeySet(set)

	jwksCache.mu.Lock()
	jwksCache.sets[jwksURI] = set
	jwksCache.mu.Unlock()

	logger.Debugw("cached JWKS", "jwks_uri", jwksURI, "keys", set.Len())
	return set
}

// repairKeySet fills in use, key_ops, and alg fields that some issuers omit
// from their published keys. Repair happens once, before the set is stored,
// so the verification path stays free of side effects.
func repairKeySet(set jwk.Set) {
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}

		if usage, ok := key.KeyUsage(); !ok || usage == "" {
			if err := key.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
				logger.Debugf("Failed to repair key use: %v", err)
			}
		}

		if ops, ok := key.KeyOps(); !ok || len(ops) == 0 {
			if err := key.Set(jwk.KeyOpsKey, jwk.KeyOperationList{jwk.KeyOpVerify}); err != nil {
				logger.Debugf("Failed to repair key_ops: %v", err)
			}
		}

		if _, ok := key.Algorithm(); !ok {
			if alg := inferAlgorithm(key); alg != nil {
				if err := key.Set(jwk.AlgorithmKey, alg); err != nil {
					logger.Debugf("Failed to repair key alg: %v", err)
				}
			}
		}
	}
}

// inferAlgorithm derives the signature algorithm from the key material.
func inferAlgorithm(key jwk.Key) jwa.KeyAlgorithm {
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil
	}

	switch k := raw.(type) {
	case *rsa.PublicKey:
		return jwa.RS256()
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return jwa.ES256()
		case elliptic.P384():
			return jwa.ES384()
		case elliptic.P521():
			return jwa.ES512()
		}
	case ed25519.PublicKey:
		return jwa.EdDSA()
	}
	return nil
}

// ResetJWKSCache clears the process-wide JWKS cache. Intended for tests.
func ResetJWKSCache() {
	jwksCache.mu.Lock()
	jwksCache.sets = make(map[string]jwk.Set)
	jwksCache.mu.Unlock()
}
