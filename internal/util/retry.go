package util

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay. It returns nil on the first successful call, or the last error
// if all attempts fail. The function respects context cancellation between
// retries. maxAttempts <= 0 retries until ctx is done.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	b := &backoff.Backoff{Min: baseDelay, Max: 64 * baseDelay, Factor: 2}
	var err error
	for attempt := 0; maxAttempts <= 0 || attempt < maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if maxAttempts > 0 && attempt == maxAttempts-1 {
			break
		}
		delay := b.Duration()
		if baseDelay <= 0 {
			delay = 0
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
	return err
}

// Backoff computes the delay before retry attempt n (1-based) within
// [min, max], doubling each time.
func Backoff(n int, min, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	b := &backoff.Backoff{Min: min, Max: max, Factor: 2}
	return b.ForAttempt(float64(n - 1))
}

// CallWithContext runs a blocking call that takes no context and abandons
// it when ctx ends. The call itself keeps running in the background.
func CallWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
