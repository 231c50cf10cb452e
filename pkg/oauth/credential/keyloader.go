// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
)

// SigningKey is a private key ready for client assertion signing. The key ID
// is the RFC 7638 thumbprint of the public key, so servers that index
// registered keys by thumbprint can resolve it without configuration.
type SigningKey struct {
	Key       crypto.Signer
	KeyID     string
	Algorithm jose.SignatureAlgorithm
}

// LoadSigningKey reads and parses a PEM-encoded private key from a file.
func LoadSigningKey(path string) (*SigningKey, error) {
	data, err := os.ReadFile(path) //nolint:gosec // the key path is operator-provided configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key %s: %w", path, err)
	}
	key, err := ParseSigningKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key %s: %w", path, err)
	}
	return key, nil
}

// ParseSigningKey parses a PEM-encoded private key in PKCS#8, PKCS#1, or SEC1
// form.
func ParseSigningKey(pemData []byte) (*SigningKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	var key crypto.Signer
	switch block.Type {
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 key: %w", err)
		}
		signer, ok := parsed.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key type %T cannot sign", parsed)
		}
		key = signer
	case "RSA PRIVATE KEY":
		parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 key: %w", err)
		}
		key = parsed
	case "EC PRIVATE KEY":
		parsed, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC key: %w", err)
		}
		key = parsed
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}

	alg, err := algorithmForKey(key)
	if err != nil {
		return nil, err
	}

	kid, err := thumbprintKeyID(key.Public())
	if err != nil {
		return nil, err
	}

	return &SigningKey{Key: key, KeyID: kid, Algorithm: alg}, nil
}

func algorithmForKey(key crypto.Signer) (jose.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		case elliptic.P521():
			return jose.ES512, nil
		default:
			return "", fmt.Errorf("unsupported elliptic curve %s", k.Curve.Params().Name)
		}
	case ed25519.PrivateKey:
		return jose.EdDSA, nil
	default:
		return "", fmt.Errorf("unsupported key type %T", key)
	}
}

func thumbprintKeyID(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}
