package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// sharedFetchTimeout bounds a fetch that no caller can cancel.
const sharedFetchTimeout = 5 * time.Minute

// Wrap returns fetch memoized through store. The returned function checks
// the store first and calls fetch only on a miss, writing a successful
// result back with ttl before returning it. Concurrent misses on the same
// key share one fetch call. The shared fetch runs detached from any single
// caller's cancellation, and each caller stops waiting when its own ctx
// ends. Errors are returned as-is and never cached.
func Wrap[A, V any](store Store[V], key func(A) string, ttl time.Duration, fetch func(context.Context, A) (V, error)) func(context.Context, A) (V, error) {
	var group singleflight.Group

	return func(ctx context.Context, arg A) (V, error) {
		k := key(arg)
		if v, ok := store.Get(k); ok {
			return v, nil
		}

		ch := group.DoChan(k, func() (any, error) {
			// A caller that raced us into Do may already have filled it.
			if v, ok := store.Get(k); ok {
				return v, nil
			}
			// Values from ctx still reach fetch; its cancellation does not.
			fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedFetchTimeout)
			defer cancel()
			v, err := fetch(fetchCtx, arg)
			if err != nil {
				return nil, err
			}
			store.Set(k, v, ttl)
			return v, nil
		})

		var zero V
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return zero, res.Err
			}
			v, _ := res.Val.(V)
			return v, nil
		}
	}
}
