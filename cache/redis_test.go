package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type cachedRecord struct {
	ID        string `json:"id"`
	HeartRate int    `json:"heart_rate"`
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedis_SetGetExpiry(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	store := NewRedis[[]cachedRecord](rdb, "healthsense", "api", time.Minute, zap.NewNop())

	want := []cachedRecord{{ID: "r1", HeartRate: 72}}
	store.Set("records_u1", want, 10*time.Second)

	got, ok := store.Get("records_u1")
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.True(t, mr.Exists("healthsense:api:records_u1"))

	mr.FastForward(10 * time.Second)
	_, ok = store.Get("records_u1")
	assert.False(t, ok)
	assert.False(t, store.Has("records_u1"))
}

func TestRedis_DeleteClearStats(t *testing.T) {
	_, rdb := setupTestRedis(t)
	api := NewRedis[string](rdb, "healthsense", "api", time.Minute, zap.NewNop())
	profile := NewRedis[string](rdb, "healthsense", "profile", time.Minute, zap.NewNop())

	api.Set("a", "1", 0)
	api.Set("b", "2", 0)
	profile.Set("a", "p", 0)

	stats := api.Stats()
	assert.Equal(t, "api", stats.Name)
	assert.Equal(t, []string{"a", "b"}, stats.Keys)

	assert.True(t, api.Delete("a"))
	assert.False(t, api.Delete("a"))

	api.Clear()
	assert.Zero(t, api.Stats().Size)
	assert.True(t, profile.Has("a"), "clear is scoped to one cache")
	assert.Zero(t, api.Cleanup())
}

func TestRedis_UnavailableIsAMiss(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	store := NewRedis[string](rdb, "healthsense", "api", time.Minute, zap.NewNop())
	store.Set("k", "v", 0)
	mr.Close()

	_, ok := store.Get("k")
	assert.False(t, ok)
	assert.False(t, store.Delete("k"))
}

func TestRedis_CorruptEntryIsDropped(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	store := NewRedis[int](rdb, "healthsense", "api", time.Minute, zap.NewNop())
	require.NoError(t, mr.Set("healthsense:api:k", "not-json"))

	_, ok := store.Get("k")
	assert.False(t, ok)
	assert.False(t, mr.Exists("healthsense:api:k"))
}

func TestRedis_WorksWithWrap(t *testing.T) {
	_, rdb := setupTestRedis(t)
	store := NewRedis[[]cachedRecord](rdb, "healthsense", "api", time.Minute, zap.NewNop())

	var calls atomic.Int32
	fetch := Wrap(store, func(uid string) string { return "records_" + uid }, time.Minute,
		func(context.Context, string) ([]cachedRecord, error) {
			calls.Add(1)
			return []cachedRecord{{ID: "r1", HeartRate: 60}}, nil
		})

	for i := 0; i < 3; i++ {
		got, err := fetch(context.Background(), "u1")
		require.NoError(t, err)
		assert.Len(t, got, 1)
	}
	assert.Equal(t, int32(1), calls.Load())
}
