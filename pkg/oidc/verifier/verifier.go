// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package verifier validates signed tokens issued by an OpenID provider:
// ID tokens from the authorization and token endpoints, and JWT-formatted
// access tokens.
package verifier

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	jwxjwk "github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/tidegate/oidcclient/pkg/logger"
	"github.com/tidegate/oidcclient/pkg/oauth"
	"github.com/tidegate/oidcclient/pkg/oidc/discovery"
)

// allowedSignatureAlgorithms are the asymmetric JWS algorithms we accept.
// Symmetric algorithms are excluded: verification keys come from the
// issuer's published JWKS.
var allowedSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

// Identity is the stable subject identity extracted from a verified token.
// Subjects are only comparable within the same issuer.
type Identity struct {
	Issuer        string
	Subject       string
	Email         string
	EmailVerified bool
}

// Expectations are the caller-supplied values a token must match.
type Expectations struct {
	// Nonce must equal the token's nonce claim when non-empty.
	Nonce string

	// AccessToken enables at_hash verification when the claim is present.
	AccessToken string

	// Code enables c_hash verification when the claim is present.
	Code string
}

// Verifier checks token signatures against the issuer's JWKS and validates
// the standard claims.
type Verifier struct {
	registry  *discovery.Registry
	clientID  string
	clockSkew time.Duration
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClockSkew sets the leeway applied to exp and nbf checks. The default
// is zero.
func WithClockSkew(skew time.Duration) Option {
	return func(v *Verifier) {
		v.clockSkew = skew
	}
}

// New creates a verifier bound to an issuer's key registry and a client ID.
func New(registry *discovery.Registry, clientID string, opts ...Option) *Verifier {
	v := &Verifier{
		registry: registry,
		clientID: clientID,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify parses and validates a signed token, returning its claims. Any
// failure is reported as a response integrity error; the token must never be
// partially trusted.
func (v *Verifier) Verify(ctx context.Context, rawToken string, expect Expectations) (jwt.MapClaims, error) {
	sig, err := jose.ParseSigned(rawToken, allowedSignatureAlgorithms)
	if err != nil {
		return nil, oauth.Errorf(oauth.KindResponseIntegrity, "failed to parse token: %w", err)
	}
	if len(sig.Signatures) != 1 {
		return nil, oauth.Errorf(oauth.KindResponseIntegrity, "expected exactly one signature, got %d", len(sig.Signatures))
	}

	header := sig.Signatures[0].Header
	if err := checkTokenType(header); err != nil {
		return nil, err
	}

	key, err := v.lookupKey(ctx, header.KeyID)
	if err != nil {
		return nil, err
	}

	payload, err := sig.Verify(key)
	if err != nil {
		return nil, oauth.Errorf(oauth.KindResponseIntegrity, "signature verification failed: %w", err)
	}

	claims := jwt.MapClaims{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, oauth.Errorf(oauth.KindResponseIntegrity, "failed to decode claims: %w", err)
	}

	if err := v.validateClaims(claims, expect); err != nil {
		return nil, err
	}

	alg := jose.SignatureAlgorithm(header.Algorithm)
	if err := verifyArtifactHash(claims, "at_hash", expect.AccessToken, alg); err != nil {
		return nil, err
	}
	if err := verifyArtifactHash(claims, "c_hash", expect.Code, alg); err != nil {
		return nil, err
	}

	return claims, nil
}

// checkTokenType accepts JWT and at+jwt typ headers; an absent typ is
// tolerated for compatibility with issuers that omit it.
func checkTokenType(header jose.Header) error {
	typ, ok := header.ExtraHeaders[jose.HeaderType]
	if !ok {
		return nil
	}
	typStr, ok := typ.(string)
	if !ok {
		return oauth.Errorf(oauth.KindResponseIntegrity, "malformed typ header")
	}
	if strings.EqualFold(typStr, "JWT") || strings.EqualFold(typStr, oauth.HeaderTypeAccessTokenJWT) {
		return nil
	}
	return oauth.Errorf(oauth.KindResponseIntegrity, "unexpected token type %q", typStr)
}

// lookupKey resolves the verification key for the given key ID. On a miss it
// forces one JWKS refresh to pick up rotated keys, then fails closed.
func (v *Verifier) lookupKey(ctx context.Context, kid string) (any, error) {
	set, err := v.registry.GetJWKS(ctx, false)
	if err != nil {
		return nil, oauth.Errorf(oauth.KindResponseIntegrity, "failed to load verification keys: %w", err)
	}

	key, found := findKey(set, kid)
	if !found {
		logger.Debugw("key not in cached JWKS, refreshing", "kid", kid)
		set, err = v.registry.GetJWKS(ctx, true)
		if err != nil {
			return nil, oauth.Errorf(oauth.KindResponseIntegrity, "failed to refresh verification keys: %w", err)
		}
		key, found = findKey(set, kid)
	}
	if !found {
		return nil, oauth.Errorf(oauth.KindResponseIntegrity, "no verification key found for kid %q", kid)
	}

	var raw any
	if err := jwxjwk.Export(key, &raw); err != nil {
		return nil, oauth.Errorf(oauth.KindResponseIntegrity, "failed to export verification key: %w", err)
	}
	return raw, nil
}

// findKey looks up a key by ID. A token without a kid is only usable when
// the set holds a single key.
func findKey(set jwxjwk.Set, kid string) (jwxjwk.Key, bool) {
	if kid != "" {
		return set.LookupKeyID(kid)
	}
	if set.Len() == 1 {
		return set.Key(0)
	}
	return nil, false
}

func (v *Verifier) validateClaims(claims jwt.MapClaims, expect Expectations) error {
	now := time.Now()

	iss, err := claims.GetIssuer()
	if err != nil || iss == "" {
		return oauth.Errorf(oauth.KindResponseIntegrity, "token is missing an issuer")
	}
	if expected := v.registry.Issuer(); expected != "" && iss != expected {
		return oauth.Errorf(oauth.KindResponseIntegrity, "token issuer %q does not match %q", iss, expected)
	}

	aud, err := claims.GetAudience()
	if err != nil || len(aud) == 0 {
		return oauth.Errorf(oauth.KindResponseIntegrity, "token is missing an audience")
	}
	if !containsAudience(aud, v.clientID) {
		return oauth.Errorf(oauth.KindResponseIntegrity, "token audience %v does not include client %q", []string(aud), v.clientID)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return oauth.Errorf(oauth.KindResponseIntegrity, "token is missing an expiry")
	}
	if now.After(exp.Time.Add(v.clockSkew)) {
		return oauth.Errorf(oauth.KindResponseIntegrity, "token expired at %s", exp.Time.Format(time.RFC3339))
	}

	nbf, err := claims.GetNotBefore()
	if err != nil {
		return oauth.Errorf(oauth.KindResponseIntegrity, "malformed nbf claim")
	}
	if nbf != nil && now.Add(v.clockSkew).Before(nbf.Time) {
		return oauth.Errorf(oauth.KindResponseIntegrity, "token is not valid before %s", nbf.Time.Format(time.RFC3339))
	}

	if expect.Nonce != "" {
		nonce, _ := claims["nonce"].(string)
		if nonce != expect.Nonce {
			return oauth.Errorf(oauth.KindResponseIntegrity, "token nonce does not match the request")
		}
	}

	// azp binds multi-audience tokens to a single authorized party
	azp, hasAzp := claims["azp"].(string)
	if hasAzp && azp != v.clientID {
		return oauth.Errorf(oauth.KindResponseIntegrity, "authorized party %q is not this client", azp)
	}
	if len(aud) > 1 && !hasAzp {
		return oauth.Errorf(oauth.KindResponseIntegrity, "multi-audience token is missing the azp claim")
	}

	return nil
}

func containsAudience(aud jwt.ClaimStrings, clientID string) bool {
	for _, a := range aud {
		if a == clientID {
			return true
		}
	}
	return false
}

// verifyArtifactHash checks an at_hash or c_hash claim against the artifact
// it commits to. The claim is the base64url encoding of the left half of the
// signing algorithm's hash over the artifact. Verification is skipped when
// either the claim or the artifact is absent; a mismatch always fails.
func verifyArtifactHash(claims jwt.MapClaims, claimName, artifact string, alg jose.SignatureAlgorithm) error {
	claimed, ok := claims[claimName].(string)
	if !ok || claimed == "" || artifact == "" {
		return nil
	}

	h, err := hashForAlgorithm(alg)
	if err != nil {
		return oauth.Errorf(oauth.KindResponseIntegrity, "cannot verify %s: %w", claimName, err)
	}
	h.Write([]byte(artifact))
	sum := h.Sum(nil)
	want := base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])

	if claimed != want {
		return oauth.Errorf(oauth.KindResponseIntegrity, "%s claim does not match", claimName)
	}
	return nil
}

func hashForAlgorithm(alg jose.SignatureAlgorithm) (hash.Hash, error) {
	switch alg {
	case jose.RS256, jose.ES256, jose.PS256:
		return sha256.New(), nil
	case jose.RS384, jose.ES384, jose.PS384:
		return sha512.New384(), nil
	case jose.RS512, jose.ES512, jose.PS512, jose.EdDSA:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", alg)
	}
}

// IdentityFromClaims extracts the issuer-scoped identity from verified
// claims. Email fields are copied as-is; trust decisions belong to the
// caller.
func IdentityFromClaims(claims jwt.MapClaims) Identity {
	identity := Identity{}
	identity.Issuer, _ = claims["iss"].(string)
	identity.Subject, _ = claims["sub"].(string)
	identity.Email, _ = claims["email"].(string)
	identity.EmailVerified, _ = claims["email_verified"].(bool)
	return identity
}
