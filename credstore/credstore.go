// Package credstore keeps the session's bearer token. The token is an opaque
// UTF-8 string with no schema; the store only saves, reads and deletes it.
package credstore

import (
	"errors"
	"sync"
)

// ErrNotFound is returned by Read when no token is stored.
var ErrNotFound = errors.New("credential not found")

// Store is an opaque single-secret store.
type Store interface {
	Save(secret string) error
	Read() (string, error)
	Delete() error
}

// MemoryStore keeps the token in memory. Safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	secret string
	set    bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save replaces the stored token.
func (m *MemoryStore) Save(secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secret = secret
	m.set = true
	return nil
}

// Read returns the stored token or ErrNotFound.
func (m *MemoryStore) Read() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.set {
		return "", ErrNotFound
	}
	return m.secret, nil
}

// Delete removes the token. Deleting an empty store is not an error.
func (m *MemoryStore) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secret = ""
	m.set = false
	return nil
}
