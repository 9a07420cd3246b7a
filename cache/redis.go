package cache

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"healthsense/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisOpTimeout = 2 * time.Second

// Redis is a Store backed by Redis so several agents can share entries.
// Values are JSON encoded under "<prefix>:<name>:<key>" and expire natively.
type Redis[V any] struct {
	client     redis.UniversalClient
	name       string
	prefix     string
	defaultTTL time.Duration
	logger     *zap.Logger
}

var _ Store[int] = (*Redis[int])(nil)

// NewRedis creates a Redis-backed store. prefix namespaces every key.
func NewRedis[V any](client redis.UniversalClient, prefix, name string, defaultTTL time.Duration, logger *zap.Logger) *Redis[V] {
	if defaultTTL <= 0 {
		defaultTTL = APITTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis[V]{
		client:     client,
		name:       name,
		prefix:     prefix + ":" + name + ":",
		defaultTTL: defaultTTL,
		logger:     logger,
	}
}

func (r *Redis[V]) Name() string { return r.name }

func (r *Redis[V]) Get(key string) (V, bool) {
	var zero V
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("Redis cache read failed, treating as miss",
				zap.String("cache", r.name),
				zap.String("key", key),
				zap.Error(err))
		}
		metrics.RecordCacheLookup(r.name, false)
		return zero, false
	}

	var value V
	if err := json.Unmarshal(data, &value); err != nil {
		r.logger.Warn("Dropping undecodable cache entry",
			zap.String("cache", r.name),
			zap.String("key", key),
			zap.Error(err))
		r.client.Del(ctx, r.prefix+key)
		metrics.RecordCacheLookup(r.name, false)
		return zero, false
	}
	metrics.RecordCacheLookup(r.name, true)
	return value, true
}

func (r *Redis[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		r.logger.Error("Failed to encode cache entry",
			zap.String("cache", r.name),
			zap.String("key", key),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Set(ctx, r.prefix+key, data, ttl).Err(); err != nil {
		r.logger.Warn("Redis cache write failed",
			zap.String("cache", r.name),
			zap.String("key", key),
			zap.Error(err))
	}
}

func (r *Redis[V]) Has(key string) bool {
	_, ok := r.Get(key)
	return ok
}

func (r *Redis[V]) Delete(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	n, err := r.client.Del(ctx, r.prefix+key).Result()
	if err != nil {
		r.logger.Warn("Redis cache delete failed",
			zap.String("cache", r.name),
			zap.String("key", key),
			zap.Error(err))
		return false
	}
	metrics.RecordCacheEviction(r.name, "deleted", int(n))
	return n > 0
}

func (r *Redis[V]) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	keys, err := r.scan(ctx)
	if err != nil || len(keys) == 0 {
		return
	}
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		r.logger.Warn("Redis cache clear failed", zap.String("cache", r.name), zap.Error(err))
		return
	}
	metrics.RecordCacheEviction(r.name, "deleted", int(n))
}

// Cleanup is a no-op: Redis expires keys itself.
func (r *Redis[V]) Cleanup() int { return 0 }

func (r *Redis[V]) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	keys, err := r.scan(ctx)
	if err != nil {
		return Stats{Name: r.name, Keys: []string{}}
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, r.prefix))
	}
	slices.Sort(out)
	return Stats{Name: r.name, Size: len(out), Keys: out}
}

func (r *Redis[V]) scan(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		r.logger.Warn("Redis cache scan failed", zap.String("cache", r.name), zap.Error(err))
		return nil, err
	}
	return keys, nil
}
