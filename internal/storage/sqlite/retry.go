package sqlite

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
)

// ErrUnavailable is returned once every retry attempt has been exhausted.
// Callers map it to their own store-unavailable error rather than panicking.
var ErrUnavailable = errors.New("task store unavailable")

// retryPolicy bounds the write retries used for transient SQLite contention
type retryPolicy struct {
	attempts int
	minDelay time.Duration
	maxDelay time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{attempts: 5, minDelay: 50 * time.Millisecond, maxDelay: 500 * time.Millisecond}
}

// isBusy matches the transient contention errors modernc.org/sqlite
// surfaces when the worker subprocess holds the write lock.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "busy")
}

// withRetry runs fn, retrying busy/locked failures with exponential backoff.
// Non-transient errors return immediately; exhaustion wraps ErrUnavailable.
func withRetry(ctx context.Context, logger arbor.ILogger, policy retryPolicy, op string, fn func() error) error {
	delay := policy.minDelay
	var err error

	for attempt := 1; attempt <= policy.attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		if attempt == policy.attempts {
			break
		}

		if logger != nil {
			logger.Debug().
				Str("op", op).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Store busy, retrying")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > policy.maxDelay {
			delay = policy.maxDelay
		}
	}

	if logger != nil {
		logger.Error().Err(err).Str("op", op).Int("attempts", policy.attempts).Msg("Store retries exhausted")
	}
	return errors.Join(ErrUnavailable, err)
}
