package marketdata

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Static serves readings set by hand. Simulator sessions and tests use it.
// Symbols without a value report ErrUnavailable.
type Static struct {
	mu          sync.RWMutex
	oscillators map[string]float64
	history     map[string]float64 // symbol|date -> oscillator
	targets     map[string]float64
	prices      map[string]float64
	down        bool
}

var _ Service = (*Static)(nil)

// NewStatic returns an empty Static service.
func NewStatic() *Static {
	return &Static{
		oscillators: make(map[string]float64),
		history:     make(map[string]float64),
		targets:     make(map[string]float64),
		prices:      make(map[string]float64),
	}
}

// SetOscillator sets the live oscillator reading.
func (s *Static) SetOscillator(symbol string, v float64) {
	s.mu.Lock()
	s.oscillators[strings.ToUpper(symbol)] = v
	s.mu.Unlock()
}

// SetOscillatorAsOf sets the reading returned for a historical day.
func (s *Static) SetOscillatorAsOf(symbol string, day time.Time, v float64) {
	s.mu.Lock()
	s.history[strings.ToUpper(symbol)+"|"+day.Format("2006-01-02")] = v
	s.mu.Unlock()
}

// SetTarget sets the moving-average exit target.
func (s *Static) SetTarget(symbol string, v float64) {
	s.mu.Lock()
	s.targets[strings.ToUpper(symbol)] = v
	s.mu.Unlock()
}

// SetPrice sets the last price.
func (s *Static) SetPrice(symbol string, v float64) {
	s.mu.Lock()
	s.prices[strings.ToUpper(symbol)] = v
	s.mu.Unlock()
}

// SetDown makes every live call report ErrUnavailable.
func (s *Static) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// Oscillator implements Service.
func (s *Static) Oscillator(_ context.Context, symbol string, asOf *time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	symbol = strings.ToUpper(symbol)
	if asOf != nil {
		if v, ok := s.history[symbol+"|"+asOf.Format("2006-01-02")]; ok {
			return v, nil
		}
		return 0, fmt.Errorf("oscillator %s as of %s: %w", symbol, asOf.Format("2006-01-02"), ErrUnavailable)
	}
	return s.lookup(s.oscillators, "oscillator", symbol)
}

// MovingAverageTarget implements Service.
func (s *Static) MovingAverageTarget(_ context.Context, symbol string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(s.targets, "target", strings.ToUpper(symbol))
}

// LastPrice implements Service.
func (s *Static) LastPrice(_ context.Context, symbol string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(s.prices, "price", strings.ToUpper(symbol))
}

func (s *Static) lookup(m map[string]float64, what, symbol string) (float64, error) {
	if s.down {
		return 0, fmt.Errorf("%s %s: %w", what, symbol, ErrUnavailable)
	}
	v, ok := m[symbol]
	if !ok {
		return 0, fmt.Errorf("%s %s: %w", what, symbol, ErrUnavailable)
	}
	return v, nil
}
