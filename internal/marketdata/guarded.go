package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pyramid/internal/util"
)

// Guarded wraps a Service with the shared rate limiter, circuit breaker and
// a per-call timeout. Breaker trips surface as ErrUnavailable.
type Guarded struct {
	inner   Service
	limiter *util.RateLimiter
	breaker *util.CircuitBreaker
	timeout time.Duration
}

var _ Service = (*Guarded)(nil)

// NewGuarded wraps inner. limiter and breaker may be nil.
func NewGuarded(inner Service, limiter *util.RateLimiter, breaker *util.CircuitBreaker, timeout time.Duration) *Guarded {
	return &Guarded{inner: inner, limiter: limiter, breaker: breaker, timeout: timeout}
}

// Oscillator implements Service.
func (g *Guarded) Oscillator(ctx context.Context, symbol string, asOf *time.Time) (float64, error) {
	return g.do(ctx, func(ctx context.Context) (float64, error) { return g.inner.Oscillator(ctx, symbol, asOf) })
}

// MovingAverageTarget implements Service.
func (g *Guarded) MovingAverageTarget(ctx context.Context, symbol string) (float64, error) {
	return g.do(ctx, func(ctx context.Context) (float64, error) { return g.inner.MovingAverageTarget(ctx, symbol) })
}

// LastPrice implements Service.
func (g *Guarded) LastPrice(ctx context.Context, symbol string) (float64, error) {
	return g.do(ctx, func(ctx context.Context) (float64, error) { return g.inner.LastPrice(ctx, symbol) })
}

func (g *Guarded) do(ctx context.Context, fn func(context.Context) (float64, error)) (float64, error) {
	if err := g.breaker.Allow(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("%w: rate limiter: %w", ErrUnavailable, err)
		}
	}
	v, err := fn(ctx)
	switch {
	case err == nil:
		g.breaker.RecordSuccess()
	case errors.Is(err, context.DeadlineExceeded):
		g.breaker.RecordFailure()
		err = fmt.Errorf("%w: %w", ErrUnavailable, err)
	case errors.Is(err, ErrUnavailable):
		g.breaker.RecordFailure()
	}
	return v, err
}
