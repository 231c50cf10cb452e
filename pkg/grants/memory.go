// SPDX-FileCopyrightText: Copyright 2026 Tidegate, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"sync"
)

// MemoryStore keeps grants in process memory. Useful for tests and
// short-lived tools.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, key Key) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *record
	return &copied, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *record
	s.records[record.Key.String()] = &copied
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key.String())
	return nil
}
