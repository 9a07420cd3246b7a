package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartJanitor sweeps every store on a fixed period until ctx is done,
// bounding growth from keys that are never read again. It returns
// immediately.
func StartJanitor(ctx context.Context, interval time.Duration, logger *zap.Logger, stores ...Sweeper) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		logger.Info("Cache janitor started", zap.Duration("interval", interval), zap.Int("stores", len(stores)))
		for {
			select {
			case <-ctx.Done():
				logger.Info("Cache janitor stopped")
				return
			case <-ticker.C:
				Sweep(logger, stores...)
			}
		}
	}()
}

// Sweep runs Cleanup once on every store.
func Sweep(logger *zap.Logger, stores ...Sweeper) int {
	total := 0
	for _, s := range stores {
		removed := s.Cleanup()
		total += removed
		if removed > 0 {
			logger.Debug("Evicted expired cache entries",
				zap.String("cache", s.Name()),
				zap.Int("removed", removed))
		}
	}
	return total
}
