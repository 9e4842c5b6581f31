package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pyramid/internal/domain"
	"pyramid/internal/util"
)

// CallObserver receives one event per guarded broker call.
type CallObserver interface {
	ObserveBrokerCall(broker, op, kind string, d time.Duration)
}

// Guarded wraps a Broker with the process-wide rate limiter and circuit
// breaker plus a per-call timeout. The limiter and breaker may be shared by
// many Guarded instances.
type Guarded struct {
	inner    Broker
	limiter  *util.RateLimiter
	breaker  *util.CircuitBreaker
	timeout  time.Duration
	observer CallObserver
}

var _ Broker = (*Guarded)(nil)

// NewGuarded wraps inner. limiter, breaker and observer may be nil.
func NewGuarded(inner Broker, limiter *util.RateLimiter, breaker *util.CircuitBreaker, timeout time.Duration, observer CallObserver) *Guarded {
	return &Guarded{inner: inner, limiter: limiter, breaker: breaker, timeout: timeout, observer: observer}
}

// Name returns the wrapped broker's name.
func (g *Guarded) Name() string { return g.inner.Name() }

// PlaceOrder implements Broker.
func (g *Guarded) PlaceOrder(ctx context.Context, spec OrderSpec) (PlaceResult, error) {
	var res PlaceResult
	err := g.do(ctx, "PlaceOrder", func(ctx context.Context) (err error) {
		res, err = g.inner.PlaceOrder(ctx, spec)
		return err
	})
	return res, err
}

// ModifyOrder implements Broker.
func (g *Guarded) ModifyOrder(ctx context.Context, brokerOrderID string, spec OrderSpec) (PlaceResult, error) {
	var res PlaceResult
	err := g.do(ctx, "ModifyOrder", func(ctx context.Context) (err error) {
		res, err = g.inner.ModifyOrder(ctx, brokerOrderID, spec)
		return err
	})
	return res, err
}

// CancelOrder implements Broker.
func (g *Guarded) CancelOrder(ctx context.Context, brokerOrderID string) (domain.OrderStatus, error) {
	var st domain.OrderStatus
	err := g.do(ctx, "CancelOrder", func(ctx context.Context) (err error) {
		st, err = g.inner.CancelOrder(ctx, brokerOrderID)
		return err
	})
	return st, err
}

// GetOrders implements Broker.
func (g *Guarded) GetOrders(ctx context.Context, since time.Time) ([]BrokerOrder, error) {
	var out []BrokerOrder
	err := g.do(ctx, "GetOrders", func(ctx context.Context) (err error) {
		out, err = g.inner.GetOrders(ctx, since)
		return err
	})
	return out, err
}

// GetHoldings implements Broker.
func (g *Guarded) GetHoldings(ctx context.Context) ([]Holding, error) {
	var out []Holding
	err := g.do(ctx, "GetHoldings", func(ctx context.Context) (err error) {
		out, err = g.inner.GetHoldings(ctx)
		return err
	})
	return out, err
}

// GetFunds implements Broker.
func (g *Guarded) GetFunds(ctx context.Context) (Funds, error) {
	var out Funds
	err := g.do(ctx, "GetFunds", func(ctx context.Context) (err error) {
		out, err = g.inner.GetFunds(ctx)
		return err
	})
	return out, err
}

func (g *Guarded) do(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := g.call(ctx, op, fn)
	if g.observer != nil {
		g.observer.ObserveBrokerCall(g.inner.Name(), op, Classify(err).String(), time.Since(start))
	}
	return err
}

func (g *Guarded) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := g.breaker.Allow(); err != nil {
		return fmt.Errorf("%s failed: %w: %w", op, ErrCircuitOpen, err)
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s failed: %w: waiting for rate limiter: %w", op, ErrRateLimited, err)
		}
	}

	err := fn(ctx)
	if err != nil && !isTaxonomyError(err) {
		if ctxErr := contextError(err); ctxErr != nil {
			err = fmt.Errorf("%s failed: %w: %w", op, ctxErr, err)
		}
	}
	switch {
	case err == nil:
		g.breaker.RecordSuccess()
	case countsAsOutage(err):
		g.breaker.RecordFailure()
	default:
		g.breaker.RecordSuccess()
	}
	return err
}

func isTaxonomyError(err error) bool {
	for _, s := range []error{ErrRateLimited, ErrInsufficientFunds, ErrTimeout, ErrUnavailable,
		ErrCircuitOpen, ErrRejected, ErrModifyUnsupported, ErrOrderNotFound, ErrAuthentication} {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}
