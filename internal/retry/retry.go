// Package retry runs short follow-up attempts with jittered exponential
// backoff. It is for bookkeeping writes, never for moving funds.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PermanentError wraps an error that should not be retried.
type PermanentError = backoff.PermanentError

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls fn up to maxAttempts times. The delay starts at baseDelay and
// doubles with ±25% jitter. It stops early when fn succeeds, returns a
// Permanent error (whose cause is returned) or ctx ends.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 50 * time.Millisecond
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.RandomizationFactor = 0.25
	b.Multiplier = 2
	b.MaxInterval = 64 * baseDelay
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx)
	return backoff.Retry(fn, policy)
}
