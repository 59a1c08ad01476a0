package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lazypower/chronicle/internal/store"
)

// RetryPolicy bounds optimistic-concurrency retries.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy retries a lost compare-and-swap up to five attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     250 * time.Millisecond,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialDelay
	exp.MaxInterval = p.MaxDelay
	exp.MaxElapsedTime = 0 // bounded by attempts, not wall time
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
}

// withRetry runs fn until it succeeds, fails with anything other than
// store.ErrConflict, or the attempt budget is spent. Exhaustion returns an
// error wrapping store.ErrConflict.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrConflict) {
			e.Log.DebugContext(ctx, "cas conflict, retrying", "op", op, "attempt", attempts)
			return err
		}
		return backoff.Permanent(err)
	}, e.Opts.Retry.backOff(ctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%s: gave up after %d attempts: %w", op, attempts, err)
	}
	return err
}
