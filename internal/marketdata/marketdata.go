// Package marketdata supplies the price and indicator readings the trading
// components act on: the oscillator, the moving-average exit target, and the
// last traded price.
package marketdata

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable means the reading could not be produced (no data, market
// data endpoint down). Callers fall back to cached values or skip.
var ErrUnavailable = errors.New("market data unavailable")

// Service is the market data capability consumed by the engines.
type Service interface {
	// Oscillator returns the oscillator reading for symbol as of the close of
	// the given day, or the latest reading when asOf is nil.
	Oscillator(ctx context.Context, symbol string, asOf *time.Time) (float64, error)

	// MovingAverageTarget returns the exit target price for symbol.
	MovingAverageTarget(ctx context.Context, symbol string) (float64, error)

	// LastPrice returns the most recent traded price.
	LastPrice(ctx context.Context, symbol string) (float64, error)
}
