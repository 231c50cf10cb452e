// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package resource attaches bearer tokens to outgoing API traffic. It keeps
// a per-origin access token cache, obtains tokens on demand through the
// client core, and answers bearer challenges with an at-most-once retry.
package resource

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tidegate/oidcclient/pkg/grants"
	"github.com/tidegate/oidcclient/pkg/logger"
	"github.com/tidegate/oidcclient/pkg/oauth"
	"github.com/tidegate/oidcclient/pkg/oauth/client"
)

// TokenProvider obtains an access token scoped to a resource origin.
type TokenProvider interface {
	Obtain(ctx context.Context, scopes []string, resource string) (*oauth.TokenResponse, error)
}

// ClientCredentialsProvider obtains machine-to-machine tokens through the
// client credentials grant.
type ClientCredentialsProvider struct {
	Client *client.Client
}

// Obtain implements TokenProvider.
func (p ClientCredentialsProvider) Obtain(ctx context.Context, scopes []string, resource string) (*oauth.TokenResponse, error) {
	return p.Client.ClientCredentials(ctx, scopes, resource)
}

// GrantProvider obtains user-delegated tokens by refreshing a managed
// grant. A server that declines to rotate the refresh token still yields a
// usable access token.
type GrantProvider struct {
	Grant *grants.ManagedGrant
}

// Obtain implements TokenProvider.
func (p GrantProvider) Obtain(ctx context.Context, scopes []string, resource string) (*oauth.TokenResponse, error) {
	tokens, err := p.Grant.RefreshScoped(ctx, scopes, resource)
	if err != nil && !oauth.IsKind(err, oauth.KindNoRefreshTokenReturned) {
		return nil, err
	}
	return tokens, nil
}

// Origin reduces a URL to scheme://host[:port], the unit the token cache is
// partitioned by.
func Origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// cachedToken is one access token bound to a resource origin. A zero expiry
// means the server gave no lifetime; such tokens are used until challenged.
type cachedToken struct {
	token  string
	scopes []string
	expiry time.Time
}

func (t *cachedToken) fresh(now time.Time) bool {
	if t == nil || t.token == "" {
		return false
	}
	return t.expiry.IsZero() || now.Before(t.expiry)
}

// Credential is a credential for calling resource servers. It is safe for
// concurrent use; concurrent token acquisitions for the same origin collapse
// into one request.
type Credential struct {
	clientID string
	provider TokenProvider
	scopes   []string

	mu    sync.RWMutex
	cache map[string]*cachedToken
	group singleflight.Group
}

// CredentialOption configures a Credential.
type CredentialOption func(*Credential)

// WithScopes sets the base scope set requested for every origin.
func WithScopes(scopes ...string) CredentialOption {
	return func(c *Credential) {
		c.scopes = scopes
	}
}

// NewCredential creates a resource credential backed by a token provider.
func NewCredential(clientID string, provider TokenProvider, opts ...CredentialOption) *Credential {
	c := &Credential{
		clientID: clientID,
		provider: provider,
		cache:    make(map[string]*cachedToken),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns a fresh access token for the origin, obtaining one when the
// cache is empty or stale. When force is set, the cached token is discarded
// first.
func (c *Credential) Token(ctx context.Context, origin string, force bool) (string, error) {
	return c.obtain(ctx, origin, nil, force)
}

func (c *Credential) obtain(ctx context.Context, origin string, extraScopes []string, force bool) (string, error) {
	now := time.Now()
	if !force && len(extraScopes) == 0 {
		c.mu.RLock()
		entry := c.cache[origin]
		c.mu.RUnlock()
		if entry.fresh(now) {
			return entry.token, nil
		}
	}

	scopes := c.scopesFor(origin, extraScopes)
	result, err, _ := c.group.Do(origin, func() (any, error) {
		if !force && len(extraScopes) == 0 {
			// another caller may have refreshed while we waited
			c.mu.RLock()
			entry := c.cache[origin]
			c.mu.RUnlock()
			if entry.fresh(time.Now()) {
				return entry.token, nil
			}
		}

		tokens, err := c.provider.Obtain(ctx, scopes, origin)
		if err != nil {
			return nil, err
		}
		if tokens == nil || tokens.AccessToken == "" {
			return nil, fmt.Errorf("token provider returned no access token for %s", origin)
		}

		entry := &cachedToken{
			token:  tokens.AccessToken,
			scopes: scopes,
			expiry: tokens.Expiry(),
		}
		if granted := splitScope(tokens.Scope); len(granted) > 0 {
			entry.scopes = granted
		}

		c.mu.Lock()
		c.cache[origin] = entry
		c.mu.Unlock()

		logger.Debugw("cached access token",
			"client_id", c.clientID, "origin", origin, "expiry", entry.expiry)
		return entry.token, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// scopesFor unions the base scopes, any scopes already granted for this
// origin, and the scopes demanded by a challenge.
func (c *Credential) scopesFor(origin string, extra []string) []string {
	c.mu.RLock()
	entry := c.cache[origin]
	c.mu.RUnlock()

	seen := make(map[string]bool)
	var scopes []string
	add := func(list []string) {
		for _, scope := range list {
			if scope == "" || seen[scope] {
				continue
			}
			seen[scope] = true
			scopes = append(scopes, scope)
		}
	}
	add(c.scopes)
	if entry != nil {
		add(entry.scopes)
	}
	add(extra)
	sort.Strings(scopes)
	return scopes
}

// invalidate drops the cached token for an origin, typically after an
// invalid_token challenge.
func (c *Credential) invalidate(origin string) {
	c.mu.Lock()
	delete(c.cache, origin)
	c.mu.Unlock()
}

func splitScope(scope string) []string {
	return strings.Fields(scope)
}
