// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"time"

	"github.com/tidegate/oidcclient/pkg/networking"
	"github.com/tidegate/oidcclient/pkg/oauth/credential"
	"github.com/tidegate/oidcclient/pkg/oidc/discovery"
)

// Config wires together the issuer, the client identity, and the transport
// options for a Client.
type Config struct {
	// Issuer is the authorization server base URL. Required unless
	// TokenEndpoint is set.
	Issuer string

	// ClientID identifies this client. Required for any authenticated
	// operation.
	ClientID string

	// ClientSecret enables client_secret_post authentication. Mutually
	// exclusive with SigningKeyFile.
	ClientSecret string

	// SigningKeyFile is a PEM private key enabling private_key_jwt
	// authentication. Mutually exclusive with ClientSecret.
	SigningKeyFile string

	// Endpoint overrides. Provided values take precedence over discovery.
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserinfoEndpoint      string
	JWKSURI               string

	// Scopes is the default scope set added to every authorization request.
	Scopes []string

	// Params are extra query parameters merged into authorization URLs.
	Params map[string]string

	// TrustEmail marks this issuer as authoritative for the email and
	// email_verified claims.
	TrustEmail bool

	// ClockSkew is the leeway for token time checks. Zero by default.
	ClockSkew time.Duration

	// Transport-level TLS settings.
	CABundle              string
	ClientCertificate     string
	ClientCertificateKey  string
	ClientKeyPassword     string
	AllowPrivateAddresses bool

	// HTTPClient overrides the built transport entirely. Mostly for tests.
	HTTPClient networking.HTTPClient
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Issuer == "" && c.TokenEndpoint == "" {
		return fmt.Errorf("either issuer or token_endpoint is required")
	}
	if c.ClientSecret != "" && c.SigningKeyFile != "" {
		return fmt.Errorf("client_secret and signing key are mutually exclusive")
	}
	if c.ClientCertificate != "" && c.ClientCertificateKey == "" {
		return fmt.Errorf("client_certificate requires client_certificate_keyfile")
	}
	if c.Issuer != "" {
		if err := networking.ValidateEndpointURL(c.Issuer); err != nil {
			return fmt.Errorf("invalid issuer: %w", err)
		}
	}
	return nil
}

// httpClient returns the configured client or builds one from the TLS
// settings.
func (c *Config) httpClient() (networking.HTTPClient, error) {
	if c.HTTPClient != nil {
		return c.HTTPClient, nil
	}
	builder := networking.NewHttpClientBuilder().
		WithPrivateIPs(c.AllowPrivateAddresses)
	if c.CABundle != "" {
		builder = builder.WithCABundle(c.CABundle)
	}
	if c.ClientCertificate != "" {
		builder = builder.WithClientCertificate(c.ClientCertificate, c.ClientCertificateKey, c.ClientKeyPassword)
	}
	return builder.Build()
}

// credential derives the client credential from the configured material.
func (c *Config) credential() (*credential.Credential, error) {
	var signingKey *credential.SigningKey
	if c.SigningKeyFile != "" {
		key, err := credential.LoadSigningKey(c.SigningKeyFile)
		if err != nil {
			return nil, err
		}
		signingKey = key
	}
	return credential.New(c.ClientID, c.ClientSecret, signingKey)
}

// registry builds the metadata registry for the configured issuer and
// endpoint overrides.
func (c *Config) registry(httpClient networking.HTTPClient) (*discovery.Registry, error) {
	opts := []discovery.Option{
		discovery.WithHTTPClient(httpClient),
		discovery.WithEndpoints(discovery.Endpoints{
			Authorization: c.AuthorizationEndpoint,
			Token:         c.TokenEndpoint,
			Userinfo:      c.UserinfoEndpoint,
			JWKS:          c.JWKSURI,
		}),
	}
	if c.Issuer == "" {
		opts = append(opts, discovery.WithoutAutodiscovery())
	}
	return discovery.NewRegistry(c.Issuer, opts...)
}
