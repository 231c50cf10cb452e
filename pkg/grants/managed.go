// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/tidegate/oidcclient/pkg/logger"
	"github.com/tidegate/oidcclient/pkg/oauth"
	"github.com/tidegate/oidcclient/pkg/oauth/client"
)

// ManagedGrant drives refresh and rotation for a single persisted grant.
// Concurrent refreshes for the same grant collapse into one token endpoint
// request; all callers observe its result.
type ManagedGrant struct {
	key    Key
	store  Store
	cipher Cipher
	client *client.Client
	group  singleflight.Group
}

// ManagedOption configures a ManagedGrant.
type ManagedOption func(*ManagedGrant)

// WithCipher keeps the grant's refresh token encrypted at rest.
func WithCipher(cipher Cipher) ManagedOption {
	return func(m *ManagedGrant) {
		m.cipher = cipher
	}
}

// NewManagedGrant binds a persisted grant to the client that refreshes it.
func NewManagedGrant(store Store, oauthClient *client.Client, key Key, opts ...ManagedOption) *ManagedGrant {
	m := &ManagedGrant{
		key:    key,
		store:  store,
		client: oauthClient,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key returns the grant's identity.
func (m *ManagedGrant) Key() Key {
	return m.key
}

// Seed stores the initial refresh token for this grant, typically right
// after an authorization code exchange.
func (m *ManagedGrant) Seed(ctx context.Context, tokens *oauth.TokenResponse, tokenEndpoint string) error {
	if tokens.RefreshToken == "" {
		return oauth.Errorf(oauth.KindNoRefreshTokenReturned,
			"token response for grant %s/%s carried no refresh token", m.key.Issuer, m.key.ClientID)
	}
	record := &Record{
		Key:           m.key,
		Scope:         splitScope(tokens.Scope),
		TokenEndpoint: tokenEndpoint,
		ReceivedAt:    tokens.ReceivedAt,
	}
	if err := m.sealToken(record, tokens.RefreshToken); err != nil {
		return err
	}
	return m.store.Save(ctx, record)
}

// Refresh exchanges the stored refresh token for new tokens. When the
// server rotates the refresh token, the stored grant is replaced before the
// response is returned, so the superseded token is never used again. When
// the server returns no refresh token at all, the token response is
// returned together with a no-refresh-token-returned error and the stored
// grant is left untouched; the caller decides whether to keep it.
func (m *ManagedGrant) Refresh(ctx context.Context, resources ...string) (*oauth.TokenResponse, error) {
	return m.RefreshScoped(ctx, nil, resources...)
}

// RefreshScoped refreshes with an explicit scope set, typically the widened
// scopes demanded by an insufficient_scope challenge. An empty set requests
// the grant's stored scopes. Concurrent calls for the same scope set
// collapse into one token endpoint request.
func (m *ManagedGrant) RefreshScoped(ctx context.Context, scopes []string, resources ...string) (*oauth.TokenResponse, error) {
	result, err, _ := m.group.Do("refresh\x1f"+strings.Join(scopes, " "), func() (any, error) {
		return m.refresh(ctx, scopes, resources...)
	})
	tokens, _ := result.(*oauth.TokenResponse)
	return tokens, err
}

func (m *ManagedGrant) refresh(ctx context.Context, scopes []string, resources ...string) (*oauth.TokenResponse, error) {
	record, err := m.store.Load(ctx, m.key)
	if err != nil {
		return nil, fmt.Errorf("failed to load grant: %w", err)
	}

	refreshToken, err := m.openToken(record)
	if err != nil {
		return nil, err
	}

	scope := record.Scope
	if len(scopes) > 0 {
		scope = scopes
	}
	tokens, err := m.client.RefreshToken(ctx, refreshToken, scope, resources...)
	if err != nil {
		return nil, err
	}

	if tokens.RefreshToken == "" {
		return tokens, oauth.Errorf(oauth.KindNoRefreshTokenReturned,
			"server did not return a refresh token for grant %s/%s", m.key.Issuer, m.key.ClientID)
	}

	if tokens.RefreshToken != refreshToken {
		rotated := &Record{
			Key:           m.key,
			Scope:         record.Scope,
			TokenEndpoint: record.TokenEndpoint,
			ReceivedAt:    tokens.ReceivedAt,
		}
		if scope := splitScope(tokens.Scope); len(scope) > 0 {
			rotated.Scope = scope
		}
		if err := m.sealToken(rotated, tokens.RefreshToken); err != nil {
			return nil, err
		}
		if err := m.store.Save(ctx, rotated); err != nil {
			return nil, fmt.Errorf("failed to persist rotated refresh token: %w", err)
		}
		logger.Debugw("rotated refresh token",
			"issuer", m.key.Issuer, "client_id", m.key.ClientID)
	}

	return tokens, nil
}

// Delete removes the persisted grant.
func (m *ManagedGrant) Delete(ctx context.Context) error {
	return m.store.Delete(ctx, m.key)
}

func (m *ManagedGrant) sealToken(record *Record, refreshToken string) error {
	if m.cipher == nil {
		record.RefreshToken = refreshToken
		return nil
	}
	ciphertext, err := m.cipher.Encrypt([]byte(refreshToken))
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	record.Ciphertext = ciphertext
	return nil
}

func (m *ManagedGrant) openToken(record *Record) (string, error) {
	if len(record.Ciphertext) > 0 {
		if m.cipher == nil {
			return "", fmt.Errorf("grant is encrypted but no cipher is configured")
		}
		plaintext, err := m.cipher.Decrypt(record.Ciphertext)
		if err != nil {
			return "", fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		return string(plaintext), nil
	}
	if record.RefreshToken == "" {
		return "", fmt.Errorf("grant has no refresh token")
	}
	return record.RefreshToken, nil
}

// TokenSource adapts the managed grant to the oauth2 ecosystem. Tokens are
// reused until expiry and refreshed through the grant on demand.
func (m *ManagedGrant) TokenSource(ctx context.Context) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &grantTokenSource{ctx: ctx, grant: m})
}

type grantTokenSource struct {
	ctx   context.Context
	grant *ManagedGrant
}

func (s *grantTokenSource) Token() (*oauth2.Token, error) {
	tokens, err := s.grant.Refresh(s.ctx)
	if err != nil && !oauth.IsKind(err, oauth.KindNoRefreshTokenReturned) {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  tokens.AccessToken,
		TokenType:    tokens.TokenType,
		RefreshToken: tokens.RefreshToken,
		Expiry:       tokens.Expiry(),
	}, nil
}
