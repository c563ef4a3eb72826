package jobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is the record file name inside the storage directory.
const DefaultFileName = "active_job.yaml"

// FileStore keeps the record as a YAML file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store writing to dir/DefaultFileName.
func NewFileStore(dir string) *FileStore {
	return &FileStore{path: filepath.Join(dir, DefaultFileName)}
}

// Path returns the record file location.
func (f *FileStore) Path() string {
	return f.path
}

// Save writes rec atomically.
func (f *FileStore) Save(_ context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("create job directory: %w", err)
	}

	data, err := yaml.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write job record: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace job record: %w", err)
	}
	return nil
}

// Load reads the record or returns ErrNotFound.
func (f *FileStore) Load(_ context.Context) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read job record: %w", err)
	}

	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse job record: %w", err)
	}
	if rec.JobID == "" {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Clear removes the record file.
func (f *FileStore) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove job record: %w", err)
	}
	return nil
}
