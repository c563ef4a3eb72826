// Package jobstore persists the in-flight job slot so polling can resume
// after the process or its presentation layer restarts.
package jobstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Load when no job is in flight.
var ErrNotFound = errors.New("no in-flight job")

// Record is the durable part of an in-flight job.
type Record struct {
	// JobID is the backend-assigned identifier being polled.
	JobID string `json:"job_id" yaml:"job_id"`

	// Prompt is the text the job was submitted with.
	Prompt string `json:"prompt" yaml:"prompt"`

	// Template is the optional scene template.
	Template string `json:"template,omitempty" yaml:"template,omitempty"`

	// SubmittedAt bounds the polling budget across restarts.
	SubmittedAt time.Time `json:"submitted_at" yaml:"submitted_at"`
}

// Store holds at most one Record.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context) (*Record, error)
	Clear(ctx context.Context) error
}

// MemoryStore is a process-local Store, used in tests and when durability is disabled.
type MemoryStore struct {
	mu  sync.Mutex
	rec *Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save stores rec, replacing any previous record.
func (m *MemoryStore) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = &rec
	return nil
}

// Load returns the stored record or ErrNotFound.
func (m *MemoryStore) Load(_ context.Context) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return nil, ErrNotFound
	}
	rec := *m.rec
	return &rec, nil
}

// Clear removes the record.
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = nil
	return nil
}
