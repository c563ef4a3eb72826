// Package gallery holds the user's list of completed manifestations.
// The list is replaced wholesale by each refresh; the backend's full list is
// the only source of truth and no incremental merge is attempted.
package gallery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/manifestme/apiclient"
	"github.com/google/uuid"
)

// Entry is one completed artifact. ID is generated locally for list identity
// and carries no backend meaning; entries are compared by URL.
type Entry struct {
	ID   string
	URL  string
	Name string
}

// Lister fetches the full list of completed videos.
type Lister interface {
	ListVideos(ctx context.Context, token string) ([]apiclient.Video, error)
}

type snapshot struct {
	entries   []Entry
	updatedAt time.Time
}

// Cache is the last full fetch result.
type Cache struct {
	lister Lister
	logger *slog.Logger

	current atomic.Pointer[snapshot]

	// refreshMu serializes refreshes so an older fetch cannot overwrite a newer one.
	refreshMu sync.Mutex
	refreshes atomic.Int64

	// swapMu pairs the epoch check with the store. Clear bumps epoch, so a
	// fetch that started before a Clear is dropped.
	swapMu sync.Mutex
	epoch  uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates an empty cache backed by lister.
func New(lister Lister, opts ...Option) *Cache {
	c := &Cache{
		lister: lister,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.current.Store(&snapshot{entries: []Entry{}})
	return c
}

// Refresh re-fetches the complete list and swaps it in atomically.
// On error the previous list is kept. A Clear during the fetch wins and the
// fetched list is discarded.
func (c *Cache) Refresh(ctx context.Context, token string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.refreshes.Add(1)

	c.swapMu.Lock()
	epoch := c.epoch
	c.swapMu.Unlock()

	videos, err := c.lister.ListVideos(ctx, token)
	if err != nil {
		c.logger.Warn("Gallery refresh failed", "error", err)
		return fmt.Errorf("list videos: %w", err)
	}

	entries := make([]Entry, 0, len(videos))
	for _, v := range videos {
		entries = append(entries, Entry{
			ID:   uuid.New().String(),
			URL:  v.URL,
			Name: v.Name,
		})
	}

	c.swapMu.Lock()
	defer c.swapMu.Unlock()
	if c.epoch != epoch {
		c.logger.Debug("Gallery cleared during refresh, dropping result", "videos", len(entries))
		return ctx.Err()
	}
	c.current.Store(&snapshot{entries: entries, updatedAt: time.Now()})
	c.logger.Debug("Gallery refreshed", "videos", len(entries))
	return nil
}

// Entries returns a copy of the current list.
func (c *Cache) Entries() []Entry {
	snap := c.current.Load()
	out := make([]Entry, len(snap.entries))
	copy(out, snap.entries)
	return out
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	return len(c.current.Load().entries)
}

// Contains reports whether an entry with the given URL is present.
func (c *Cache) Contains(url string) bool {
	for _, e := range c.current.Load().entries {
		if e.URL == url {
			return true
		}
	}
	return false
}

// UpdatedAt returns the time of the last successful refresh.
func (c *Cache) UpdatedAt() time.Time {
	return c.current.Load().updatedAt
}

// Refreshes returns how many refreshes were attempted.
func (c *Cache) Refreshes() int64 {
	return c.refreshes.Load()
}

// Clear drops all entries, e.g. on logout.
func (c *Cache) Clear() {
	c.swapMu.Lock()
	defer c.swapMu.Unlock()
	c.epoch++
	c.current.Store(&snapshot{entries: []Entry{}})
}
