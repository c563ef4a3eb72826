package jobstore

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
		"file":   func(t *testing.T) Store { return NewFileStore(t.TempDir()) },
	}

	for name, factory := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			_, err := store.Load(ctx)
			assert.ErrorIs(t, err, ErrNotFound)

			submitted := time.Date(2026, 2, 9, 10, 30, 0, 0, time.UTC)
			rec := Record{JobID: "job-1", Prompt: "a sunrise", Template: "beach", SubmittedAt: submitted}
			require.NoError(t, store.Save(ctx, rec))

			got, err := store.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, "job-1", got.JobID)
			assert.Equal(t, "a sunrise", got.Prompt)
			assert.Equal(t, "beach", got.Template)
			assert.True(t, submitted.Equal(got.SubmittedAt))

			require.NoError(t, store.Clear(ctx))
			_, err = store.Load(ctx)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Clear(ctx))
		})
	}
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	require.NoError(t, NewFileStore(dir).Save(ctx, Record{JobID: "job-7", Prompt: "p", SubmittedAt: time.Now()}))

	got, err := NewFileStore(dir).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-7", got.JobID)
}

func TestFileStore_CorruptFile(t *testing.T) {
	store := NewFileStore(t.TempDir())
	require.NoError(t, os.WriteFile(store.Path(), []byte("job_id: [unterminated"), 0600))

	_, err := store.Load(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
