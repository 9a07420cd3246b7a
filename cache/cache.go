// Package cache memoizes API responses for bounded time windows.
//
// Stores share one contract regardless of backend. A miss is reported as
// absence, never as an error: backends that can fail (Redis) log and degrade
// to a miss.
package cache

import (
	"time"
)

// Entry is a cached value with its absolute expiry.
type Entry[V any] struct {
	Value     V
	ExpiresAt time.Time
}

// Expired reports whether the entry is no longer valid at now. An entry is
// valid strictly before ExpiresAt.
func (e Entry[V]) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Stats is a point-in-time view of a store.
type Stats struct {
	Name string   `json:"name"`
	Size int      `json:"size"`
	Keys []string `json:"keys"`
}

// Store is the contract shared by every cache backend.
type Store[V any] interface {
	// Get returns the value when present and unexpired. Expired entries are
	// evicted as a side effect.
	Get(key string) (V, bool)
	// Set stores value under key, overwriting any previous entry. A
	// non-positive ttl uses the store default.
	Set(key string, value V, ttl time.Duration)
	// Has is Get without the value.
	Has(key string) bool
	// Delete removes key and reports whether it was present.
	Delete(key string) bool
	Clear()
	// Cleanup evicts every expired entry and returns how many it removed.
	Cleanup() int
	Stats() Stats
}

// Sweeper is the part of a store the janitor needs.
type Sweeper interface {
	Name() string
	Cleanup() int
}

// Default TTLs for the three data domains.
const (
	APITTL     = 5 * time.Minute
	ProfileTTL = 15 * time.Minute
	StaticTTL  = time.Hour

	DefaultCleanupInterval = 10 * time.Minute
)
