package cache

import (
	"slices"
	"sync"
	"time"

	"healthsense/metrics"
)

// Memory is an in-process TTL store with lazy expiry on read and periodic
// sweeps through Cleanup.
type Memory[V any] struct {
	name       string
	defaultTTL time.Duration
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]Entry[V]
}

var _ Store[int] = (*Memory[int])(nil)

// MemoryOption configures a Memory store.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	now func() time.Time
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(o *memoryOptions) { o.now = now }
}

// NewMemory creates an empty store. name labels metrics and stats.
func NewMemory[V any](name string, defaultTTL time.Duration, opts ...MemoryOption) *Memory[V] {
	o := memoryOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if defaultTTL <= 0 {
		defaultTTL = APITTL
	}
	return &Memory[V]{
		name:       name,
		defaultTTL: defaultTTL,
		now:        o.now,
		entries:    make(map[string]Entry[V]),
	}
}

func (m *Memory[V]) Name() string { return m.name }

func (m *Memory[V]) Get(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		metrics.RecordCacheLookup(m.name, false)
		var zero V
		return zero, false
	}
	if e.Expired(m.now()) {
		delete(m.entries, key)
		metrics.RecordCacheEviction(m.name, "expired", 1)
		metrics.RecordCacheLookup(m.name, false)
		var zero V
		return zero, false
	}
	metrics.RecordCacheLookup(m.name, true)
	return e.Value, true
}

func (m *Memory[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	m.mu.Lock()
	m.entries[key] = Entry[V]{Value: value, ExpiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
}

func (m *Memory[V]) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

func (m *Memory[V]) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; !ok {
		return false
	}
	delete(m.entries, key)
	metrics.RecordCacheEviction(m.name, "deleted", 1)
	return true
}

func (m *Memory[V]) Clear() {
	m.mu.Lock()
	n := len(m.entries)
	clear(m.entries)
	m.mu.Unlock()
	metrics.RecordCacheEviction(m.name, "deleted", n)
}

func (m *Memory[V]) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, e := range m.entries {
		if e.Expired(now) {
			delete(m.entries, key)
			removed++
		}
	}
	metrics.RecordCacheEviction(m.name, "cleanup", removed)
	return removed
}

// Stats lists keys without touching expiry, so expired-but-unread entries
// are still counted.
func (m *Memory[V]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return Stats{Name: m.name, Size: len(m.entries), Keys: keys}
}
