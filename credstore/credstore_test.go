package credstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"file":   func(t *testing.T) Store { return NewFileStore(t.TempDir(), nil) },
	}

	for name, factory := range stores {
		t.Run(name, func(t *testing.T) {
			store := factory(t)

			_, err := store.Read()
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Save("token-1"))
			got, err := store.Read()
			require.NoError(t, err)
			assert.Equal(t, "token-1", got)

			require.NoError(t, store.Save("token-2"))
			got, err = store.Read()
			require.NoError(t, err)
			assert.Equal(t, "token-2", got)

			require.NoError(t, store.Delete())
			_, err = store.Read()
			assert.ErrorIs(t, err, ErrNotFound)

			// Deleting twice is fine.
			require.NoError(t, store.Delete())
		})
	}
}

func TestFileStore_Permissions(t *testing.T) {
	store := NewFileStore(t.TempDir(), nil)
	require.NoError(t, store.Save("secret"))

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileStore_EmptyFileIsNotFound(t *testing.T) {
	store := NewFileStore(t.TempDir(), nil)
	require.NoError(t, os.WriteFile(store.Path(), []byte("  \n"), 0600))

	_, err := store.Read()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_WatchReportsExternalRemoval(t *testing.T) {
	store := NewFileStore(t.TempDir(), nil)
	require.NoError(t, store.Save("secret"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	removed := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- store.Watch(ctx, func() {
			select {
			case removed <- struct{}{}:
			default:
			}
		})
	}()

	// Give the watcher time to register before touching the file.
	time.Sleep(100 * time.Millisecond)

	// A save (rename onto the path) must not be reported.
	require.NoError(t, store.Save("rotated"))
	select {
	case <-removed:
		t.Fatal("save reported as removal")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, os.Remove(store.Path()))

	select {
	case <-removed:
	case <-time.After(2 * time.Second):
		t.Fatal("removal not reported")
	}

	cancel()
	require.NoError(t, <-done)
}
