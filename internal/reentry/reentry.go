// Package reentry decides when an open position gets an additional buy at
// a deeper oversold level, and tracks the reset hysteresis between cycles.
package reentry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"pyramid/internal/broker"
	"pyramid/internal/domain"
	"pyramid/internal/engine"
	"pyramid/internal/marketdata"
	"pyramid/internal/metrics"
	"pyramid/internal/store"
)

// Thresholds are the oscillator levels of the strategy. L1 > L2 > L3.
type Thresholds struct {
	L1, L2, L3 float64
	// ResetUpper arms the reset once exceeded; ResetLower completes it.
	ResetUpper float64
	ResetLower float64
	// MissingEntry is assumed when a position has no entry oscillator.
	MissingEntry float64
}

// DefaultThresholds returns the stock levels: 20/15/10, reset at 30.
func DefaultThresholds() Thresholds {
	return Thresholds{L1: 20, L2: 15, L3: 10, ResetUpper: 30, ResetLower: 30, MissingEntry: 30}
}

// For returns the threshold of level l.
func (t Thresholds) For(l domain.Level) float64 {
	switch l {
	case domain.L1:
		return t.L1
	case domain.L2:
		return t.L2
	default:
		return t.L3
	}
}

// PreTaken returns the levels an entry at osc already used: every level at
// or above the entry depth.
func (t Thresholds) PreTaken(osc float64) domain.LevelSet {
	var s domain.LevelSet
	for _, l := range domain.AllLevels {
		if t.For(l) >= osc {
			s = s.With(l)
		}
	}
	return s
}

// Action is what one evaluation did to a position.
type Action string

const (
	ActionNone        Action = "none"
	ActionClosed      Action = "closed"
	ActionArmReset    Action = "arm_reset"
	ActionReset       Action = "reset"
	ActionReentry     Action = "reentry"
	ActionZeroQty     Action = "zero_quantity"
	ActionNoData      Action = "no_data"
	ActionPlaceFailed Action = "place_failed"
)

// Result describes the outcome for one position.
type Result struct {
	Symbol     string
	Oscillator float64
	Actions    []Action
	Level      domain.Level
	Order      *domain.Order
	State      string // position's re-entry state after the evaluation
}

// Placer places re-entry orders.
type Placer interface {
	Place(ctx context.Context, req engine.PlaceRequest) (*domain.Order, error)
}

// FundsSource reports the spendable balance.
type FundsSource interface {
	GetFunds(ctx context.Context) (broker.Funds, error)
}

// Engine evaluates re-entries for one user.
type Engine struct {
	userID        string
	positions     store.PositionStore
	market        marketdata.Service
	placer        Placer
	funds         FundsSource
	risk          *engine.RiskManager
	thresholds    Thresholds
	extendedHours bool
	metrics       *metrics.Metrics
	log           *slog.Logger
	now           func() time.Time
}

// Config wires an Engine.
type Config struct {
	UserID        string
	Positions     store.PositionStore
	Market        marketdata.Service
	Placer        Placer
	Funds         FundsSource
	Risk          *engine.RiskManager
	Thresholds    Thresholds
	ExtendedHours bool
	Metrics       *metrics.Metrics
	Log           *slog.Logger
}

// New creates an Engine.
func New(cfg Config) *Engine {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		userID:        cfg.UserID,
		positions:     cfg.Positions,
		market:        cfg.Market,
		placer:        cfg.Placer,
		funds:         cfg.Funds,
		risk:          cfg.Risk,
		thresholds:    cfg.Thresholds,
		extendedHours: cfg.ExtendedHours,
		metrics:       cfg.Metrics,
		log:           log.With("component", "reentry", "user", cfg.UserID),
		now:           time.Now,
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Evaluate runs one evaluation over every open position. Failures on one
// symbol do not stop the others; they are joined into the returned error.
func (e *Engine) Evaluate(ctx context.Context) ([]Result, error) {
	open, err := e.positions.ListOpenPositions(ctx, e.userID)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	var (
		results []Result
		errs    []error
	)
	for _, p := range open {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		osc, err := e.market.Oscillator(ctx, p.Symbol, nil)
		if err != nil {
			e.log.Warn("oscillator unavailable, skipping", "symbol", p.Symbol, "error", err)
			results = append(results, Result{Symbol: p.Symbol, Actions: []Action{ActionNoData}})
			continue
		}
		res, err := e.EvaluatePosition(ctx, p.Symbol, osc)
		e.log.Debug("re-entry evaluated", "symbol", p.Symbol, "oscillator", osc, "actions", res.Actions,
			"state", res.State)
		results = append(results, res)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Symbol, err))
		}
	}
	return results, errors.Join(errs...)
}

// EvaluatePosition applies one oscillator reading to the open position for
// symbol. At most one re-entry order is placed per call.
func (e *Engine) EvaluatePosition(ctx context.Context, symbol string, osc float64) (Result, error) {
	res := Result{Symbol: symbol, Oscillator: osc}
	p, err := e.positions.GetOpenPosition(ctx, e.userID, symbol)
	if errors.Is(err, store.ErrNotFound) {
		res.Actions = append(res.Actions, ActionClosed)
		return res, nil
	}
	if err != nil {
		return res, err
	}
	if !p.IsOpen() {
		res.Actions = append(res.Actions, ActionClosed)
		return res, nil
	}
	log := e.log.With("symbol", p.Symbol, "oscillator", osc)
	t := e.thresholds

	if p.ResetReady && osc < t.ResetLower {
		if p, err = e.mutate(ctx, p.Symbol, func(p *domain.Position) {
			p.LevelsTaken = 0
			p.ResetReady = false
			p.ReentryCycle++
		}); err != nil {
			return res, err
		}
		log.Info("re-entry cycle reset", "cycle", p.ReentryCycle)
		res.Actions = append(res.Actions, ActionReset)
	}

	taken := e.effectiveLevels(p, log)
	if !p.ResetReady && !taken.Empty() && osc > t.ResetUpper {
		if p, err = e.mutate(ctx, p.Symbol, func(p *domain.Position) { p.ResetReady = true }); err != nil {
			return res, err
		}
		log.Info("re-entry reset armed", "levels", taken.String())
		res.Actions = append(res.Actions, ActionArmReset)
		return e.finish(res, p), nil
	}
	if p.ResetReady {
		return e.finish(res, p), nil
	}

	level, ok := nextLevel(taken)
	if !ok || osc >= t.For(level) {
		return e.finish(res, p), nil
	}

	price, err := e.market.LastPrice(ctx, p.Symbol)
	if err != nil {
		log.Warn("last price unavailable, re-entry skipped", "level", level, "error", err)
		res.Actions = append(res.Actions, ActionNoData)
		return res, nil
	}
	funds, err := e.funds.GetFunds(ctx)
	if err != nil {
		return res, fmt.Errorf("read funds: %w", err)
	}
	qty := e.risk.Size(price, funds.Available)
	if qty <= 0 {
		log.Warn("re-entry quantity is zero, level skipped", "level", level, "price", price,
			"available", funds.Available)
		res.Actions = append(res.Actions, ActionZeroQty)
		return res, nil
	}

	order, err := e.placer.Place(ctx, engine.PlaceRequest{
		Symbol:     p.Symbol,
		Side:       domain.OrderSideBuy,
		Type:       domain.OrderTypeLimit,
		Quantity:   qty,
		LimitPrice: math.Round(price*100) / 100,
		EntryType:  domain.EntryTypeReentry,
		Level:      level,
	})
	if errors.Is(err, engine.ErrDuplicateInFlight) {
		log.Info("buy already in flight, re-entry deferred", "level", level)
		res.Actions = append(res.Actions, ActionPlaceFailed)
		return res, nil
	}
	if err != nil || order == nil {
		log.Error("re-entry placement failed", "level", level, "qty", qty, "error", err)
		res.Actions = append(res.Actions, ActionPlaceFailed)
		return res, err
	}

	if p, err = e.mutate(ctx, p.Symbol, func(p *domain.Position) {
		p.LevelsTaken = p.LevelsTaken.With(level)
	}); err != nil {
		return res, fmt.Errorf("record level %s: %w", level, err)
	}
	e.metrics.ObserveReentry(string(level))
	log.Info("re-entry placed", "level", level, "qty", qty, "price", price, "order", order.ID,
		"status", order.Status)
	res.Actions = append(res.Actions, ActionReentry)
	res.Level = level
	res.Order = order
	return e.finish(res, p), nil
}

// effectiveLevels returns the taken levels including those pre-taken by the
// entry depth, which count only in the first cycle.
func (e *Engine) effectiveLevels(p *domain.Position, log *slog.Logger) domain.LevelSet {
	if p.ReentryCycle > 0 {
		return p.LevelsTaken
	}
	if p.EntryOscillator == nil {
		log.Warn("entry oscillator missing, using fallback", "fallback", e.thresholds.MissingEntry)
	}
	return p.LevelsTaken.Union(e.preTaken(p))
}

func (e *Engine) preTaken(p *domain.Position) domain.LevelSet {
	entry := e.thresholds.MissingEntry
	if p.EntryOscillator != nil {
		entry = *p.EntryOscillator
	}
	return e.thresholds.PreTaken(entry)
}

// mutate applies fn to the freshly loaded open position and stores it.
func (e *Engine) mutate(ctx context.Context, symbol string, fn func(*domain.Position)) (*domain.Position, error) {
	return e.positions.Mutate(ctx, e.userID, symbol, func(p *domain.Position) (*domain.Position, error) {
		if p == nil {
			return nil, fmt.Errorf("position %s: %w", symbol, domain.ErrPositionClosed)
		}
		fn(p)
		p.UpdatedAt = e.now()
		return p, nil
	})
}

func nextLevel(taken domain.LevelSet) (domain.Level, bool) {
	for _, l := range domain.AllLevels {
		if !taken.Has(l) {
			return l, true
		}
	}
	return "", false
}

func (e *Engine) finish(res Result, p *domain.Position) Result {
	if len(res.Actions) == 0 {
		res.Actions = append(res.Actions, ActionNone)
	}
	if p != nil {
		res.State = p.ReentryState(e.preTaken(p))
	}
	return res
}
