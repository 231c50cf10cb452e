// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidegate/oidcclient/pkg/grants/aes"
)

// EncryptedFileStore persists grants in a single AES-256-GCM encrypted JSON
// file. Writes go through a temporary file and rename, so a crashed write
// never leaves a half-written store behind.
type EncryptedFileStore struct {
	path string
	key  []byte
	mu   sync.Mutex
}

// NewEncryptedFileStore creates a store at the given path using a 32 byte
// encryption key. The file is created on first save.
func NewEncryptedFileStore(path string, key []byte) (*EncryptedFileStore, error) {
	if len(key) != aes.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes", aes.KeySize)
	}
	private := make([]byte, len(key))
	copy(private, key)
	return &EncryptedFileStore{path: path, key: private}, nil
}

// Load implements Store.
func (s *EncryptedFileStore) Load(_ context.Context, key Key) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return nil, err
	}
	record, ok := records[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return record, nil
}

// Save implements Store. An existing record for the same key is replaced.
func (s *EncryptedFileStore) Save(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return err
	}
	records[record.Key.String()] = record
	return s.write(records)
}

// Delete implements Store. Deleting an absent record is not an error.
func (s *EncryptedFileStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := records[key.String()]; !ok {
		return nil
	}
	delete(records, key.String())
	return s.write(records)
}

func (s *EncryptedFileStore) read() (map[string]*Record, error) {
	ciphertext, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[string]*Record), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read grant store: %w", err)
	}

	plaintext, err := aes.Decrypt(ciphertext, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt grant store: %w", err)
	}

	records := make(map[string]*Record)
	if err := json.Unmarshal(plaintext, &records); err != nil {
		return nil, fmt.Errorf("failed to parse grant store: %w", err)
	}
	return records, nil
}

func (s *EncryptedFileStore) write(records map[string]*Record) error {
	plaintext, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode grant store: %w", err)
	}

	ciphertext, err := aes.Encrypt(plaintext, s.key)
	if err != nil {
		return fmt.Errorf("failed to encrypt grant store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create grant store directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".grants-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary grant store: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(ciphertext); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write grant store: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set grant store permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close grant store: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace grant store: %w", err)
	}
	return nil
}
