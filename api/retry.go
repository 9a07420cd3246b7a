package api

import (
	"context"
	"errors"
	"time"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry runs op up to attempts times, waiting delay*attempt between tries.
// Client errors (4xx) are returned without another try; server errors and
// failures without a response are retried.
func Retry(ctx context.Context, attempts int, delay time.Duration, sleep Sleeper, op func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}

		var apiErr *Error
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return err
		}
		if attempt == attempts {
			break
		}
		if serr := sleep(ctx, delay*time.Duration(attempt)); serr != nil {
			return err
		}
	}
	return err
}
