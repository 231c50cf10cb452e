// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package credential implements client authentication at the token endpoint:
// public clients, client_secret_post, and private_key_jwt assertions.
package credential

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/tidegate/oidcclient/pkg/oauth"
)

// Method is a token endpoint authentication method.
type Method string

const (
	// MethodNone is for public clients without credentials.
	MethodNone Method = "none"

	// MethodClientSecretPost sends the client secret in the request body.
	MethodClientSecretPost Method = "client_secret_post"

	// MethodPrivateKeyJWT authenticates with a signed JWT assertion.
	MethodPrivateKeyJWT Method = "private_key_jwt"
)

// AssertionLifetime is the validity window of a client assertion. Assertions
// are minted per request, so the window stays short.
const AssertionLifetime = 60 * time.Second

// Credential authenticates the client at the token endpoint.
type Credential struct {
	clientID   string
	secret     string
	signingKey *SigningKey
}

// New derives a credential from the provided material. A signing key takes
// precedence over a secret; with neither, the client is public.
func New(clientID, secret string, signingKey *SigningKey) (*Credential, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	return &Credential{
		clientID:   clientID,
		secret:     secret,
		signingKey: signingKey,
	}, nil
}

// ClientID returns the client identifier.
func (c *Credential) ClientID() string {
	return c.clientID
}

// Method returns the derived authentication method.
func (c *Credential) Method() Method {
	switch {
	case c.signingKey != nil:
		return MethodPrivateKeyJWT
	case c.secret != "":
		return MethodClientSecretPost
	default:
		return MethodNone
	}
}

// Apply adds the client authentication parameters to a token endpoint form.
// The token endpoint URL becomes the assertion audience for private_key_jwt.
func (c *Credential) Apply(form url.Values, tokenEndpoint string) error {
	form.Set("client_id", c.clientID)

	switch c.Method() {
	case MethodNone:
		return nil
	case MethodClientSecretPost:
		form.Set("client_secret", c.secret)
		return nil
	case MethodPrivateKeyJWT:
		assertion, err := c.signAssertion(tokenEndpoint)
		if err != nil {
			return fmt.Errorf("failed to sign client assertion: %w", err)
		}
		form.Set("client_assertion_type", oauth.ClientAssertionTypeJWTBearer)
		form.Set("client_assertion", assertion)
		return nil
	default:
		return fmt.Errorf("unknown authentication method %q", c.Method())
	}
}

// signAssertion mints a fresh RFC 7523 client assertion. Each assertion
// carries a unique jti so servers can reject replays.
func (c *Credential) signAssertion(tokenEndpoint string) (string, error) {
	if tokenEndpoint == "" {
		return "", fmt.Errorf("token endpoint is required for private_key_jwt")
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: c.signingKey.Algorithm, Key: c.signingKey.Key},
		(&jose.SignerOptions{}).
			WithType(jose.ContentType(oauth.HeaderTypeJWT)).
			WithHeader(jose.HeaderKey("kid"), c.signingKey.KeyID),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	jti, err := newAssertionID()
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := map[string]any{
		"iss": c.clientID,
		"sub": c.clientID,
		"aud": tokenEndpoint,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(AssertionLifetime).Unix(),
		"jti": jti,
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to encode assertion claims: %w", err)
	}

	signed, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}
	return signed.CompactSerialize()
}

// newAssertionID draws a 128-bit random jti.
func newAssertionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate assertion id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
