package credstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// DefaultFileName is the token file name inside the storage directory.
const DefaultFileName = "auth_token"

// FileStore keeps the token in a file readable only by the current user.
type FileStore struct {
	path   string
	logger *slog.Logger
}

// NewFileStore creates a store writing to dir/DefaultFileName.
func NewFileStore(dir string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		path:   filepath.Join(dir, DefaultFileName),
		logger: logger,
	}
}

// Path returns the token file location.
func (f *FileStore) Path() string {
	return f.path
}

// Save writes the token, replacing any previous one.
func (f *FileStore) Save(secret string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(secret), 0600); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace credential: %w", err)
	}

	f.logger.Debug("Credential saved", "path", f.path)
	return nil
}

// Read returns the token or ErrNotFound.
func (f *FileStore) Read() (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read credential: %w", err)
	}

	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", ErrNotFound
	}
	return secret, nil
}

// Delete removes the token file.
func (f *FileStore) Delete() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// Watch calls onRemoved whenever the token file disappears, e.g. because
// another process logged the user out. It blocks until ctx is cancelled.
func (f *FileStore) Watch(ctx context.Context, onRemoved func()) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: the file itself is replaced by rename on save.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			// A rename onto the path is a save; only react if the file is gone.
			if _, err := os.Stat(f.path); err == nil {
				continue
			}
			f.logger.Info("Credential removed externally", "path", f.path)
			onRemoved()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("Credential watcher error", "error", err)
		}
	}
}
