// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateState returns a cryptographically random state value for an
// authorization request.
func GenerateState() (string, error) {
	return randomURLSafe(32)
}

// GenerateNonce returns a cryptographically random nonce for an OpenID
// Connect authorization request.
func GenerateNonce() (string, error) {
	return randomURLSafe(32)
}

func randomURLSafe(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
