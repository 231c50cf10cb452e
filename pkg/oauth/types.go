// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauth provides shared RFC-defined types, constants, and the error
// and challenge model for OAuth 2.0 and OpenID Connect. It serves as the
// shared foundation for the client core, the metadata registry, and the
// resource credential.
package oauth

import (
	"fmt"
	"time"
)

const (
	// WellKnownOIDCPath is the OIDC discovery path (OIDC Discovery 1.0).
	WellKnownOIDCPath = "/.well-known/openid-configuration"

	// WellKnownOAuthServerPath is the OAuth authorization server metadata path (RFC 8414).
	WellKnownOAuthServerPath = "/.well-known/oauth-authorization-server"

	// TokenTypeBearer is the only token_type this client accepts.
	TokenTypeBearer = "Bearer"

	// GrantTypeAuthorizationCode exchanges an authorization code for tokens.
	GrantTypeAuthorizationCode = "authorization_code"

	// GrantTypeClientCredentials obtains tokens for the client itself.
	GrantTypeClientCredentials = "client_credentials"

	// GrantTypeRefreshToken exchanges a refresh token for new tokens.
	GrantTypeRefreshToken = "refresh_token"

	// GrantTypeJWTBearer exchanges a signed assertion for tokens (RFC 7523).
	GrantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// ClientAssertionTypeJWTBearer is the client assertion type for
	// private_key_jwt authentication (RFC 7523).
	//nolint:gosec // G101: OAuth2 URN identifier, not a credential
	ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	// HeaderTypeJWT is the JOSE typ header of ID tokens.
	HeaderTypeJWT = "JWT"

	// HeaderTypeAccessTokenJWT is the JOSE typ header of JWT access tokens (RFC 9068).
	HeaderTypeAccessTokenJWT = "at+jwt"
)

// ServerMetadata is the authorization server's discovery document, one
// immutable snapshot per issuer. Only the fields this client consumes are
// mapped.
type ServerMetadata struct {
	Issuer                   string   `json:"issuer"`
	AuthorizationEndpoint    string   `json:"authorization_endpoint"`
	TokenEndpoint            string   `json:"token_endpoint"`
	UserinfoEndpoint         string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI                  string   `json:"jwks_uri"`
	ScopesSupported          []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported   []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported      []string `json:"grant_types_supported,omitempty"`
	IDTokenSigningAlgs       []string `json:"id_token_signing_alg_values_supported,omitempty"`
	TokenEndpointAuthMethods []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// Validate checks the fields every relying party operation depends on.
func (m *ServerMetadata) Validate(expectedIssuer string) error {
	if m.Issuer == "" {
		return fmt.Errorf("metadata missing issuer")
	}
	if expectedIssuer != "" && m.Issuer != expectedIssuer {
		return fmt.Errorf("issuer mismatch: expected %s, got %s", expectedIssuer, m.Issuer)
	}
	if m.TokenEndpoint == "" {
		return fmt.Errorf("metadata missing token_endpoint")
	}
	return nil
}

// TokenResponse is the decoded body of a successful token endpoint response
// (RFC 6749 Section 5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`

	// ReceivedAt anchors ExpiresIn to a wall-clock instant. It is set by the
	// client core when the response is decoded.
	ReceivedAt time.Time `json:"-"`
}

// Expiry converts the relative expires_in into a wall-clock instant.
// A zero ExpiresIn yields the zero time, meaning no known expiry.
func (r *TokenResponse) Expiry() time.Time {
	if r.ExpiresIn <= 0 {
		return time.Time{}
	}
	received := r.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	return received.Add(time.Duration(r.ExpiresIn) * time.Second)
}
