// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package client implements the OAuth 2.0 / OpenID Connect protocol driver:
// it builds authorization URLs, exchanges grants at the token endpoint,
// retrieves UserInfo, and orchestrates the verifier and the client
// credential.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tidegate/oidcclient/pkg/networking"
	"github.com/tidegate/oidcclient/pkg/oauth"
	"github.com/tidegate/oidcclient/pkg/oauth/credential"
	"github.com/tidegate/oidcclient/pkg/oidc/discovery"
	"github.com/tidegate/oidcclient/pkg/oidc/verifier"
)

// ErrUnsupportedRequestURI is returned when an authorization request carries
// a request_uri parameter. Pushed authorization requests are not supported;
// unrecognized request URIs are rejected rather than forwarded.
var ErrUnsupportedRequestURI = errors.New("request_uri parameters are not supported")

// reservedAuthorizationParams are parameters the client owns. Extra
// parameters must not shadow them.
var reservedAuthorizationParams = map[string]bool{
	"response_type": true,
	"client_id":     true,
	"redirect_uri":  true,
	"scope":         true,
	"state":         true,
	"nonce":         true,
	"resource":      true,
}

// Client is the protocol driver for a single issuer and client identity.
type Client struct {
	config     *Config
	httpClient networking.HTTPClient
	credential *credential.Credential
	registry   *discovery.Registry
	verifier   *verifier.Verifier
}

// New validates the configuration and assembles a client.
func New(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", err)
	}

	httpClient, err := config.httpClient()
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP client: %w", err)
	}

	cred, err := config.credential()
	if err != nil {
		return nil, fmt.Errorf("failed to derive client credential: %w", err)
	}

	registry, err := config.registry(httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata registry: %w", err)
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		credential: cred,
		registry:   registry,
		verifier:   verifier.New(registry, config.ClientID, verifier.WithClockSkew(config.ClockSkew)),
	}, nil
}

// Registry exposes the metadata registry, mainly for callers that need
// endpoint URLs directly.
func (c *Client) Registry() *discovery.Registry {
	return c.registry
}

// Credential exposes the derived client credential.
func (c *Client) Credential() *credential.Credential {
	return c.credential
}

// AuthorizationRequest carries the per-request inputs for
// BuildAuthorizationURL.
type AuthorizationRequest struct {
	// State is required; it binds the callback to this request.
	State string

	// Nonce is required when the scope contains openid.
	Nonce string

	RedirectURI string

	// Scopes are merged with the configured default scopes.
	Scopes []string

	// Resources repeat as resource parameters, in order.
	Resources []string

	// Extra parameters are merged after the configured defaults. Reserved
	// parameter names are rejected.
	Extra map[string]string
}

// BuildAuthorizationURL constructs the authorization endpoint URL for a
// front-channel redirect. When the scope contains openid, the response type
// is forced to "code id_token" and a nonce is required. Spaces are
// percent-encoded as %20, never as +.
func (c *Client) BuildAuthorizationURL(ctx context.Context, req AuthorizationRequest) (string, error) {
	if req.State == "" {
		return "", fmt.Errorf("state is required")
	}

	endpoint, err := c.registry.AuthorizationEndpoint(ctx)
	if err != nil {
		return "", err
	}

	scopes := mergeScopes(c.config.Scopes, req.Scopes)
	responseType := "code"
	if containsScope(scopes, "openid") {
		responseType = "code id_token"
		if req.Nonce == "" {
			return "", fmt.Errorf("nonce is required when requesting the openid scope")
		}
	}

	values := url.Values{}
	values.Set("response_type", responseType)
	values.Set("client_id", c.config.ClientID)
	values.Set("state", req.State)
	if req.RedirectURI != "" {
		values.Set("redirect_uri", req.RedirectURI)
	}
	if len(scopes) > 0 {
		values.Set("scope", strings.Join(scopes, " "))
	}
	if req.Nonce != "" {
		values.Set("nonce", req.Nonce)
	}
	for _, resource := range req.Resources {
		values.Add("resource", resource)
	}

	if err := mergeExtraParams(values, c.config.Params); err != nil {
		return "", err
	}
	if err := mergeExtraParams(values, req.Extra); err != nil {
		return "", err
	}

	// url.Values encodes spaces as +; the authorization URL requires %20
	query := strings.ReplaceAll(values.Encode(), "+", "%20")

	separator := "?"
	if strings.Contains(endpoint, "?") {
		separator = "&"
	}
	return endpoint + separator + query, nil
}

func mergeExtraParams(values url.Values, extra map[string]string) error {
	for key, value := range extra {
		if key == "request_uri" {
			return ErrUnsupportedRequestURI
		}
		if reservedAuthorizationParams[key] {
			return fmt.Errorf("parameter %q is reserved", key)
		}
		values.Set(key, value)
	}
	return nil
}

func mergeScopes(defaults, extra []string) []string {
	seen := make(map[string]bool, len(defaults)+len(extra))
	var merged []string
	for _, scope := range append(append([]string{}, defaults...), extra...) {
		if scope == "" || seen[scope] {
			continue
		}
		seen[scope] = true
		merged = append(merged, scope)
	}
	sort.Strings(merged)
	return merged
}

func containsScope(scopes []string, want string) bool {
	for _, scope := range scopes {
		if scope == want {
			return true
		}
	}
	return false
}

// ExchangeCode exchanges an authorization code at the token endpoint. The
// returned ID token, if any, is not verified; pair this with VerifyResponse.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth.TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", oauth.GrantTypeAuthorizationCode)
	form.Set("code", code)
	if redirectURI != "" {
		form.Set("redirect_uri", redirectURI)
	}
	return c.postToken(ctx, form, oauth.KindAuthorizationServer)
}

// ClientCredentials obtains a token for the client itself. It requires a
// confidential client; public clients cannot use this grant.
func (c *Client) ClientCredentials(ctx context.Context, scopes []string, resources ...string) (*oauth.TokenResponse, error) {
	if c.credential.Method() == credential.MethodNone {
		return nil, fmt.Errorf("client_credentials requires client authentication, but none is configured")
	}

	form := url.Values{}
	form.Set("grant_type", oauth.GrantTypeClientCredentials)
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}
	for _, resource := range resources {
		form.Add("resource", resource)
	}
	return c.postToken(ctx, form, oauth.KindAuthorizationServer)
}

// RefreshToken exchanges a refresh token for new tokens. Any failure status
// from the server is reported as a refresh-token error so callers know to
// reauthenticate.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string, scopes []string, resources ...string) (*oauth.TokenResponse, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}

	form := url.Values{}
	form.Set("grant_type", oauth.GrantTypeRefreshToken)
	form.Set("refresh_token", refreshToken)
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}
	for _, resource := range resources {
		form.Add("resource", resource)
	}
	return c.postToken(ctx, form, oauth.KindRefreshToken)
}

// ExchangeAssertion exchanges a signed JWT bearer assertion for tokens.
func (c *Client) ExchangeAssertion(ctx context.Context, assertion string, scopes []string, resources ...string) (*oauth.TokenResponse, error) {
	if assertion == "" {
		return nil, fmt.Errorf("assertion is required")
	}

	form := url.Values{}
	form.Set("grant_type", oauth.GrantTypeJWTBearer)
	form.Set("assertion", assertion)
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}
	for _, resource := range resources {
		form.Add("resource", resource)
	}
	return c.postToken(ctx, form, oauth.KindAuthorizationServer)
}

// postToken applies the client credential and POSTs a form to the token
// endpoint. failureKind classifies server-reported errors; refresh-token
// requests normalize every failure status into that kind.
func (c *Client) postToken(ctx context.Context, form url.Values, failureKind oauth.ErrorKind) (*oauth.TokenResponse, error) {
	tokenEndpoint, err := c.registry.TokenEndpoint(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.credential.Apply(form, tokenEndpoint); err != nil {
		return nil, oauth.Errorf(oauth.KindProtocol, "failed to apply client credential: %w", err)
	}

	result, err := networking.FetchJSONWithForm[oauth.TokenResponse](
		ctx, c.httpClient, tokenEndpoint, form,
		networking.WithErrorHandler(func(resp *http.Response, body []byte) error {
			if serverErr := oauth.ParseServerError(resp.StatusCode, body); serverErr != nil {
				serverErr.Kind = failureKind
				return serverErr
			}
			return &oauth.Error{
				Kind:       failureKind,
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("token endpoint returned status %d", resp.StatusCode),
			}
		}),
	)
	if err != nil {
		return nil, classifyTokenError(err)
	}

	tokens := result.Data
	tokens.ReceivedAt = time.Now()
	if tokens.AccessToken == "" {
		return nil, oauth.Errorf(oauth.KindProtocol, "token response is missing access_token")
	}
	if !strings.EqualFold(tokens.TokenType, oauth.TokenTypeBearer) {
		return nil, oauth.Errorf(oauth.KindProtocol, "unsupported token_type %q", tokens.TokenType)
	}
	return &tokens, nil
}

// classifyTokenError maps fetch failures onto the error taxonomy. Server
// errors arrive already classified; decode failures are protocol errors and
// everything else is transport.
func classifyTokenError(err error) error {
	var oauthErr *oauth.Error
	if errors.As(err, &oauthErr) {
		return err
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) ||
		errors.Is(err, networking.ErrUnexpectedContentType) || networking.IsHTTPError(err, 0) {
		return oauth.NewError(oauth.KindProtocol, err)
	}
	return oauth.NewError(oauth.KindTransport, err)
}

// VerifyOptions are the expectations for VerifyResponse.
type VerifyOptions struct {
	// Nonce must match the ID token's nonce claim when non-empty.
	Nonce string

	// Issuer, when supplied, must match the configured issuer.
	Issuer string

	// Code enables c_hash verification when the claim is present.
	Code string
}

// VerifiedResponse pairs a token response with the verified ID token claims.
type VerifiedResponse struct {
	Tokens   *oauth.TokenResponse
	Claims   jwt.MapClaims
	Identity verifier.Identity
}

// VerifyResponse verifies the ID token carried by a token response. A
// response without an ID token passes through with empty claims.
func (c *Client) VerifyResponse(ctx context.Context, tokens *oauth.TokenResponse, opts VerifyOptions) (*VerifiedResponse, error) {
	if opts.Issuer != "" && c.config.Issuer != "" && opts.Issuer != c.config.Issuer {
		return nil, oauth.Errorf(oauth.KindResponseIntegrity,
			"issuer %q does not match the configured issuer %q", opts.Issuer, c.config.Issuer)
	}

	verified := &VerifiedResponse{Tokens: tokens}
	if tokens.IDToken == "" {
		return verified, nil
	}

	claims, err := c.verifier.Verify(ctx, tokens.IDToken, verifier.Expectations{
		Nonce:       opts.Nonce,
		AccessToken: tokens.AccessToken,
		Code:        opts.Code,
	})
	if err != nil {
		return nil, err
	}

	verified.Claims = claims
	verified.Identity = verifier.IdentityFromClaims(claims)
	return verified, nil
}

// TrustedEmail returns the verified email from a claim set, but only when
// this issuer is configured as trusted for email claims.
func (c *Client) TrustedEmail(claims jwt.MapClaims) (string, bool) {
	if !c.config.TrustEmail {
		return "", false
	}
	verified, _ := claims["email_verified"].(bool)
	email, _ := claims["email"].(string)
	if !verified || email == "" {
		return "", false
	}
	return email, true
}

// UserInfo retrieves the UserInfo claim set for an access token. It fails
// when the server does not advertise a userinfo endpoint.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (jwt.MapClaims, error) {
	endpoint, err := c.registry.UserinfoEndpoint(ctx)
	if err != nil {
		return nil, err
	}

	result, err := networking.FetchJSON[jwt.MapClaims](
		ctx, c.httpClient, endpoint,
		networking.WithHeader("Authorization", "Bearer "+accessToken),
	)
	if err != nil {
		return nil, classifyTokenError(err)
	}
	return result.Data, nil
}

// ParseCallback extracts the authorization code from redirect callback
// parameters, surfacing server-reported errors and checking the state
// binding.
func (c *Client) ParseCallback(query url.Values, expectedState string) (string, error) {
	if query.Has("request_uri") {
		return "", ErrUnsupportedRequestURI
	}
	if errCode := query.Get("error"); errCode != "" {
		return "", &oauth.Error{
			Kind:        oauth.KindAuthorizationServer,
			Code:        errCode,
			Description: query.Get("error_description"),
		}
	}
	if query.Get("state") != expectedState {
		return "", oauth.Errorf(oauth.KindResponseIntegrity, "callback state does not match the request")
	}
	code := query.Get("code")
	if code == "" {
		return "", oauth.Errorf(oauth.KindProtocol, "callback is missing the authorization code")
	}
	return code, nil
}
