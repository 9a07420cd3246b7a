package poller

import (
	"context"
	"time"

	"healthsense/cache"
	"healthsense/models"
)

// Source yields the raw record list for one user.
type Source interface {
	Fetch(ctx context.Context) ([]models.RawRecord, error)
	// Invalidate drops any cached copy so the next Fetch reaches the API.
	Invalidate()
}

// RecordsFetcher is the API call behind a CachedSource.
type RecordsFetcher interface {
	FetchRecords(ctx context.Context, limit int) ([]models.RawRecord, error)
}

// CachedSource fetches records through a TTL cache keyed by user and limit.
type CachedSource struct {
	store cache.Store[[]models.RawRecord]
	key   string
	limit int
	fetch func(context.Context, int) ([]models.RawRecord, error)
}

var _ Source = (*CachedSource)(nil)

func NewCachedSource(api RecordsFetcher, store cache.Store[[]models.RawRecord], uid string, limit int, ttl time.Duration) *CachedSource {
	return &CachedSource{
		store: store,
		key:   cache.RecordsKey(uid, limit),
		limit: limit,
		fetch: cache.Wrap(store,
			func(limit int) string { return cache.RecordsKey(uid, limit) },
			ttl,
			api.FetchRecords),
	}
}

func (s *CachedSource) Fetch(ctx context.Context) ([]models.RawRecord, error) {
	return s.fetch(ctx, s.limit)
}

func (s *CachedSource) Invalidate() {
	s.store.Delete(s.key)
}

// Key is the cache key this source reads and evicts.
func (s *CachedSource) Key() string { return s.key }
