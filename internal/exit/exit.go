// Package exit places the daily limit exit for every open position and
// escalates it to a market order when the oscillator crosses the exit
// threshold.
package exit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"pyramid/internal/domain"
	"pyramid/internal/engine"
	"pyramid/internal/marketdata"
	"pyramid/internal/metrics"
	"pyramid/internal/notify"
	"pyramid/internal/store"
)

// OrderManager is the subset of the order lifecycle the monitor drives.
type OrderManager interface {
	Place(ctx context.Context, req engine.PlaceRequest) (*domain.Order, error)
	Modify(ctx context.Context, orderID string, ms engine.ModifySpec) (engine.ModifyResult, error)
}

// Calendar resolves the previous session for cache seeding.
type Calendar interface {
	Date(t time.Time) string
	PreviousTradingDay(ctx context.Context, t time.Time) time.Time
}

// Config wires a Monitor.
type Config struct {
	UserID    string
	Orders    store.OrderStore
	Positions store.PositionStore
	Market    marketdata.Service
	Manager   OrderManager
	Cache     *marketdata.OscillatorCache
	Calendar  Calendar
	Threshold float64
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Log       *slog.Logger

	// A cached reading at least CacheMargin below Threshold and stored less
	// than CacheTTL ago skips the live calculation. Zero TTL always
	// computes live.
	CacheMargin float64
	CacheTTL    time.Duration
}

// Monitor watches one user's exit orders.
type Monitor struct {
	userID    string
	orders    store.OrderStore
	positions store.PositionStore
	market    marketdata.Service
	manager   OrderManager
	cache     *marketdata.OscillatorCache
	calendar  Calendar
	threshold float64
	margin    float64
	ttl       time.Duration
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	day       string
	escalated map[string]bool
}

// New creates a Monitor.
func New(cfg Config) *Monitor {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.Cache == nil {
		cfg.Cache = marketdata.NewOscillatorCache()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	return &Monitor{
		userID:    cfg.UserID,
		orders:    cfg.Orders,
		positions: cfg.Positions,
		market:    cfg.Market,
		manager:   cfg.Manager,
		cache:     cfg.Cache,
		calendar:  cfg.Calendar,
		threshold: cfg.Threshold,
		margin:    cfg.CacheMargin,
		ttl:       cfg.CacheTTL,
		notifier:  cfg.Notifier,
		metrics:   cfg.Metrics,
		log:       log.With("component", "exit", "user", cfg.UserID),
		now:       time.Now,
		escalated: make(map[string]bool),
	}
}

// SetClock overrides the time source.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// InitSummary counts what InitializeForDay did.
type InitSummary struct {
	Placed   int
	Existing int
	Seeded   int
	Failed   int
}

// InitializeForDay starts a new trading day: it clears the escalated set,
// seeds the oscillator cache with the previous session's readings, and
// places a limit sell at the moving-average target for every open position
// that has no exit order yet.
func (m *Monitor) InitializeForDay(ctx context.Context) (InitSummary, error) {
	var sum InitSummary
	now := m.now()
	m.startDay(m.calendar.Date(now))

	positions, err := m.positions.ListOpenPositions(ctx, m.userID)
	if err != nil {
		return sum, fmt.Errorf("list open positions: %w", err)
	}
	open, err := m.orders.ListNonTerminalOrders(ctx, m.userID)
	if err != nil {
		return sum, fmt.Errorf("list open orders: %w", err)
	}
	hasExit := make(map[string]bool)
	for _, o := range open {
		if o.Side == domain.OrderSideSell {
			hasExit[o.Symbol] = true
		}
	}

	prev := m.calendar.PreviousTradingDay(ctx, now)
	var errs []error
	for _, p := range positions {
		if v, err := m.market.Oscillator(ctx, p.Symbol, &prev); err == nil {
			m.cache.Set(p.Symbol, v, prev, now)
			sum.Seeded++
		} else {
			m.log.Warn("cannot seed oscillator cache", "symbol", p.Symbol, "error", err)
		}

		if hasExit[p.Symbol] {
			sum.Existing++
			continue
		}
		target, err := m.market.MovingAverageTarget(ctx, p.Symbol)
		if err != nil {
			m.log.Warn("exit target unavailable, no exit placed", "symbol", p.Symbol, "error", err)
			sum.Failed++
			continue
		}
		o, err := m.manager.Place(ctx, engine.PlaceRequest{
			Symbol:     p.Symbol,
			Side:       domain.OrderSideSell,
			Type:       domain.OrderTypeLimit,
			Quantity:   p.Quantity,
			LimitPrice: roundPrice(target),
			EntryType:  domain.EntryTypeExit,
		})
		if err != nil {
			sum.Failed++
			errs = append(errs, fmt.Errorf("place exit %s: %w", p.Symbol, err))
			continue
		}
		m.log.Info("exit order placed", "symbol", p.Symbol, "order", o.ID, "limit", o.LimitPrice,
			"qty", o.Quantity, "status", o.Status)
		sum.Placed++
	}
	return sum, errors.Join(errs...)
}

// EvalSummary counts what Evaluate did.
type EvalSummary struct {
	Checked   int
	Escalated int
	Failed    int
	Ratcheted int
	NoData    int
}

// Evaluate checks every resting exit order once. Orders whose oscillator
// crossed the threshold are escalated to market, at most once per symbol per
// day whatever the outcome. Others have their limit lowered when the target
// dropped; the limit is never raised.
func (m *Monitor) Evaluate(ctx context.Context) (EvalSummary, error) {
	var sum EvalSummary
	m.startDay(m.calendar.Date(m.now()))

	ongoing, err := m.orders.ListOrdersByStatus(ctx, m.userID, domain.OrderStatusOngoing)
	if err != nil {
		return sum, fmt.Errorf("list ongoing orders: %w", err)
	}
	for _, o := range ongoing {
		if o.Side != domain.OrderSideSell || o.EntryType != domain.EntryTypeExit || o.Type != domain.OrderTypeLimit {
			continue
		}
		if o.OrigSource == domain.OrigSourceManual {
			continue
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if m.isEscalated(o.Symbol) {
			continue
		}
		sum.Checked++

		osc, ok := m.oscillator(ctx, o.Symbol)
		if !ok {
			sum.NoData++
			continue
		}
		if osc > m.threshold {
			if m.escalate(ctx, o, osc) {
				sum.Escalated++
			} else {
				sum.Failed++
			}
			continue
		}
		if m.ratchet(ctx, o) {
			sum.Ratcheted++
		}
	}
	return sum, nil
}

// Escalated reports whether symbol was escalated today.
func (m *Monitor) Escalated(symbol string) bool { return m.isEscalated(symbol) }

// oscillator returns the reading Evaluate acts on. A recent cached value
// well below the threshold is used as is; otherwise the live value is
// computed, with the cache as fallback.
func (m *Monitor) oscillator(ctx context.Context, symbol string) (float64, bool) {
	now := m.now()
	cached, hasCached := m.cache.Get(symbol)
	if hasCached && m.settles(cached, now) {
		return cached.Value, true
	}
	v, err := m.market.Oscillator(ctx, symbol, nil)
	if err == nil {
		m.cache.Set(symbol, v, now, now)
		return v, true
	}
	if hasCached {
		m.log.Debug("live oscillator unavailable, using cache", "symbol", symbol, "as_of", cached.AsOf, "error", err)
		return cached.Value, true
	}
	m.log.Warn("no oscillator reading", "symbol", symbol, "error", err)
	return 0, false
}

func (m *Monitor) settles(r marketdata.CachedReading, now time.Time) bool {
	return m.ttl > 0 && r.Value <= m.threshold-m.margin && now.Sub(r.CheckedAt) < m.ttl
}

func (m *Monitor) escalate(ctx context.Context, o *domain.Order, osc float64) bool {
	log := m.log.With("symbol", o.Symbol, "order", o.ID, "oscillator", osc)
	m.markEscalated(o.Symbol)

	res, err := m.manager.Modify(ctx, o.ID, engine.ModifySpec{Type: domain.OrderTypeMarket})
	m.metrics.ObserveEscalation(string(res.Path))
	if err != nil {
		log.Error("exit escalation failed, limit order left as is", "path", res.Path, "error", err)
		if nerr := m.notifier.Send(ctx, m.userID, notify.EventEscalationFailed, notify.Payload{
			"symbol":      o.Symbol,
			"order_id":    o.ID,
			"limit_price": o.LimitPrice,
			"quantity":    o.Quantity,
			"oscillator":  osc,
			"error":       err.Error(),
		}); nerr != nil {
			log.Error("notification failed", "error", nerr)
		}
		return false
	}
	log.Info("exit escalated to market", "path", res.Path, "order", res.Order.ID, "status", res.Order.Status)
	return true
}

func (m *Monitor) ratchet(ctx context.Context, o *domain.Order) bool {
	target, err := m.market.MovingAverageTarget(ctx, o.Symbol)
	if err != nil {
		return false
	}
	target = roundPrice(target)
	if target <= 0 || target >= o.LimitPrice {
		return false
	}
	res, err := m.manager.Modify(ctx, o.ID, engine.ModifySpec{LimitPrice: target})
	if err != nil {
		m.log.Warn("exit ratchet failed", "symbol", o.Symbol, "order", o.ID, "target", target, "error", err)
		return false
	}
	m.log.Info("exit limit lowered", "symbol", o.Symbol, "from", o.LimitPrice, "to", target, "path", res.Path)
	return true
}

func (m *Monitor) startDay(day string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.day == day {
		return
	}
	m.day = day
	m.escalated = make(map[string]bool)
	m.cache.Reset()
}

func (m *Monitor) isEscalated(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.escalated[symbol]
}

func (m *Monitor) markEscalated(symbol string) {
	m.mu.Lock()
	m.escalated[symbol] = true
	m.mu.Unlock()
}

func roundPrice(p float64) float64 {
	return math.Round(p*100) / 100
}
