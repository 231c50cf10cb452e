// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"strings"

	"github.com/tidegate/oidcclient/pkg/oauth"
	"github.com/tidegate/oidcclient/pkg/oauth/client"
)

// Grant is a tagged union of the ways a token can be obtained. Each variant
// knows how to drive the client for its grant type.
type Grant interface {
	Obtain(ctx context.Context, oauthClient *client.Client) (*oauth.TokenResponse, error)
}

// AuthorizationCode obtains tokens from a front-channel authorization code.
type AuthorizationCode struct {
	Code        string
	RedirectURI string
}

// Obtain implements Grant.
func (g AuthorizationCode) Obtain(ctx context.Context, oauthClient *client.Client) (*oauth.TokenResponse, error) {
	return oauthClient.ExchangeCode(ctx, g.Code, g.RedirectURI)
}

// ClientCredentials obtains tokens for the client itself.
type ClientCredentials struct {
	Scopes    []string
	Resources []string
}

// Obtain implements Grant.
func (g ClientCredentials) Obtain(ctx context.Context, oauthClient *client.Client) (*oauth.TokenResponse, error) {
	return oauthClient.ClientCredentials(ctx, g.Scopes, g.Resources...)
}

// RefreshToken obtains tokens from a raw refresh token. For persisted grants
// prefer ManagedGrant, which also handles rotation.
type RefreshToken struct {
	Token     string
	Scopes    []string
	Resources []string
}

// Obtain implements Grant.
func (g RefreshToken) Obtain(ctx context.Context, oauthClient *client.Client) (*oauth.TokenResponse, error) {
	return oauthClient.RefreshToken(ctx, g.Token, g.Scopes, g.Resources...)
}

// Assertion obtains tokens from a signed JWT bearer assertion.
type Assertion struct {
	Assertion string
	Scopes    []string
	Resources []string
}

// Obtain implements Grant.
func (g Assertion) Obtain(ctx context.Context, oauthClient *client.Client) (*oauth.TokenResponse, error) {
	return oauthClient.ExchangeAssertion(ctx, g.Assertion, g.Scopes, g.Resources...)
}

func splitScope(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}
