package store

import (
	"context"
	"fmt"
	"time"
)

const (
	retryAttempts = 3
	retryBase     = 25 * time.Millisecond
)

// withRetry runs fn up to retryAttempts times, backing off
// exponentially between attempts when isTransient reports a retryable
// storage error. Exhausting the retries wraps the last error in
// ErrTransient so callers can recognize it.
func withRetry(ctx context.Context, isTransient func(error) bool, fn func() error) error {
	backoff := retryBase
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
