// Package cache provides the two-tier translation cache and its persistence backends
package cache

import (
	"context"
)

// Persister loads and saves a full snapshot of the cache.
// Entries are ordered from least to most recently used.
type Persister interface {
	// Load returns the saved snapshot. A missing snapshot is not an error.
	Load(ctx context.Context) ([]Entry, error)

	// Save replaces the saved snapshot
	Save(ctx context.Context, entries []Entry) error

	// Close releases the backend
	Close() error
}

// Entry is one cached translation
type Entry struct {
	Key   string
	Value string
}

// Pair is a source text and its translation, used for preloading
type Pair struct {
	Source      string
	Translation string
}

// Stats holds cache statistics
type Stats struct {
	Hits           uint64  // Hits in either tier
	Misses         uint64  // Lookups that found nothing
	Evictions      uint64  // Main tier LRU evictions
	SessionHits    uint64  // Hits served from the session tier
	Promotions     uint64  // Main to session moves
	Demotions      uint64  // Session to main moves
	Size           int     // Entries in the main tier
	MaxSize        int     // Main tier capacity
	SessionSize    int     // Entries in the session tier
	SessionMaxSize int     // Session tier capacity
	Tracked        int     // Keys with a frequency record
	HitRate        float64 // Hits / lookups (0.0 - 1.0)
	SessionHitRate float64 // Session hits / hits (0.0 - 1.0)
	Usage          float64 // Size / MaxSize (0.0 - 1.0)
}
