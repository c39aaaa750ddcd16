package eviction

import (
	"context"
	"time"

	"github.com/lucasew/contentcache/internal/quota"
)

// ErrAlreadyRunning is returned when a cleaner pass is requested while another one is active.
var ErrAlreadyRunning = quota.ErrAlreadyRunning

// Victim represents a file to be evicted.
type Victim struct {
	Key        string
	Size       int64
	AccessedAt time.Time
}

// Store is the storage the cleaner evicts from.
type Store interface {
	// Walk calls fn for every cache entry.
	Walk(fn func(key string, size int64, modTime time.Time) error) error
	// Delete removes an entry. Removing a missing entry is not an error.
	Delete(key string) error
}

// Index persists per-entry access times across restarts.
type Index interface {
	Put(ctx context.Context, key string, size int64, at time.Time) error
	Touch(ctx context.Context, key string, at time.Time) error
	Remove(ctx context.Context, key string) error
	AccessTimes(ctx context.Context) (map[string]time.Time, error)
}

// Strategy defines the interface for eviction strategies.
type Strategy interface {
	// OnAdd is called when a new file is added to the cache.
	// It returns the change in total size managed by the strategy.
	OnAdd(key string, size int64, at time.Time) int64

	// OnAccess is called when a file is accessed.
	OnAccess(key string, at time.Time)

	// GetVictims returns the entries to evict, in eviction order, to bring
	// currentSize down to targetSize.
	GetVictims(currentSize int64, targetSize int64) []Victim

	// Remove removes a key from the strategy (e.g. if it was deleted externally).
	Remove(key string)
}
