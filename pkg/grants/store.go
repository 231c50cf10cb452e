// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package grants persists long-lived refresh token grants and manages their
// rotation. The store contract is pluggable; an encrypted file store ships
// as the default implementation.
package grants

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tidegate/oidcclient/pkg/grants/aes"
)

// ErrNotFound is returned when no grant exists for a key.
var ErrNotFound = errors.New("grant not found")

// Key identifies a grant. Subject is empty for grants not bound to an end
// user.
type Key struct {
	Issuer   string `json:"issuer"`
	ClientID string `json:"client_id"`
	Subject  string `json:"sub,omitempty"`
}

// String renders the key in a stable form usable as a map or file key.
func (k Key) String() string {
	return strings.Join([]string{k.Issuer, k.ClientID, k.Subject}, "\x1f")
}

// Record is a persisted grant. Exactly one of RefreshToken and Ciphertext is
// set: stores with a cipher keep only the ciphertext at rest.
type Record struct {
	Key           Key       `json:"key"`
	RefreshToken  string    `json:"refresh_token,omitempty"`
	Ciphertext    []byte    `json:"ciphertext,omitempty"`
	Scope         []string  `json:"scope,omitempty"`
	TokenEndpoint string    `json:"token_endpoint,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Store is the persistence contract the client core depends on. Save
// replaces any existing record for the same key atomically.
type Store interface {
	Load(ctx context.Context, key Key) (*Record, error)
	Save(ctx context.Context, record *Record) error
	Delete(ctx context.Context, key Key) error
}

// Cipher is the optional capability for keeping refresh tokens encrypted at
// rest.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// aesCipher implements Cipher over AES-256-GCM.
type aesCipher struct {
	key []byte
}

// NewAESCipher creates a Cipher from a 32 byte key.
func NewAESCipher(key []byte) (Cipher, error) {
	if len(key) != aes.KeySize {
		return nil, errors.New("cipher key must be 32 bytes")
	}
	private := make([]byte, len(key))
	copy(private, key)
	return &aesCipher{key: private}, nil
}

func (c *aesCipher) Encrypt(plaintext []byte) ([]byte, error) {
	return aes.Encrypt(plaintext, c.key)
}

func (c *aesCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	return aes.Decrypt(ciphertext, c.key)
}
