// Package engine manages the order lifecycle for one user session:
// placement, the retry queue, status sync, modify and cancel, and applying
// fills to positions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pyramid/internal/broker"
	"pyramid/internal/domain"
	"pyramid/internal/lock"
	"pyramid/internal/marketdata"
	"pyramid/internal/metrics"
	"pyramid/internal/notify"
	"pyramid/internal/store"
	"pyramid/internal/util"
)

var (
	// ErrDuplicateInFlight is returned when another order for the same
	// (user, symbol, side) is being placed or is still open.
	ErrDuplicateInFlight = errors.New("order already in flight")

	// ErrNotModifiable is returned by Modify and Cancel for orders that are
	// not ONGOING.
	ErrNotModifiable = errors.New("order is not modifiable")
)

// Options tunes the manager.
type Options struct {
	MaxRetryAttempts int
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	PriceTolerance   float64
	ExtendedHours    bool
	StoreRetryDelay  time.Duration
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Broker    broker.Broker
	Orders    store.OrderStore
	Positions store.PositionStore
	Market    marketdata.Service
	Locker    lock.Locker
	Notifier  notify.Notifier
	Risk      *RiskManager
	Metrics   *metrics.Metrics
	Log       *slog.Logger
}

// PlaceRequest describes an order to place.
type PlaceRequest struct {
	Symbol     string
	Side       domain.OrderSide
	Type       domain.OrderType
	Quantity   float64
	LimitPrice float64
	EntryType  domain.EntryType
	Level      domain.Level // re-entry buys only
}

// Manager is the order lifecycle manager of one user.
type Manager struct {
	userID    string
	broker    broker.Broker
	orders    store.OrderStore
	positions store.PositionStore
	market    marketdata.Service
	locks     lock.Locker
	notifier  notify.Notifier
	risk      *RiskManager
	metrics   *metrics.Metrics
	log       *slog.Logger
	opts      Options
	now       func() time.Time
}

// NewManager creates a Manager for userID.
func NewManager(userID string, deps Deps, opts Options) *Manager {
	if opts.MaxRetryAttempts <= 0 {
		opts.MaxRetryAttempts = 3
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = time.Minute
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = opts.BackoffMin
	}
	if opts.StoreRetryDelay <= 0 {
		opts.StoreRetryDelay = 100 * time.Millisecond
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewMemory()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Risk == nil {
		deps.Risk = NewRiskManager(0)
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		userID:    userID,
		broker:    deps.Broker,
		orders:    deps.Orders,
		positions: deps.Positions,
		market:    deps.Market,
		locks:     deps.Locker,
		notifier:  deps.Notifier,
		risk:      deps.Risk,
		metrics:   deps.Metrics,
		log:       log.With("component", "orders", "user", userID),
		opts:      opts,
		now:       time.Now,
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) key(symbol string, side domain.OrderSide) string {
	return domain.OrderKey{UserID: m.userID, Symbol: symbol, Side: side}.String()
}

// ---------------------------------------------------------------------------
// Placement
// ---------------------------------------------------------------------------

// Place submits a new order. The returned order is ONGOING or EXECUTED when
// the broker accepted it, RETRY_PENDING when a transient failure queued it
// for a later attempt, and REJECTED (with an error wrapping the broker
// sentinel) when the broker declined it.
func (m *Manager) Place(ctx context.Context, req PlaceRequest) (*domain.Order, error) {
	release, ok, err := m.locks.TryLock(ctx, m.key(req.Symbol, req.Side))
	if err != nil {
		return nil, fmt.Errorf("lock order key: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicateInFlight, req.Side, req.Symbol)
	}
	defer release()
	return m.placeLocked(ctx, req)
}

// placeLocked runs placement with the order key already held.
func (m *Manager) placeLocked(ctx context.Context, req PlaceRequest) (*domain.Order, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("place %s: quantity must be positive", req.Symbol)
	}
	if req.Type == domain.OrderTypeLimit && req.LimitPrice <= 0 {
		return nil, fmt.Errorf("place %s: limit order needs a price", req.Symbol)
	}

	open, err := m.orders.ListNonTerminalOrders(ctx, m.userID)
	if err != nil {
		return nil, fmt.Errorf("place %s: %w", req.Symbol, err)
	}
	o := domain.NewOrder(m.userID, req.Symbol, req.Side, req.Type, req.Quantity, req.LimitPrice, req.EntryType, m.now())
	o.ReentryLevel = req.Level
	for _, existing := range open {
		if existing.OrigSource == domain.OrigSourceSystem && existing.Key() == o.Key() {
			return nil, fmt.Errorf("%w: order %s is %s", ErrDuplicateInFlight, existing.ID, existing.Status)
		}
	}

	o.RefPrice = req.LimitPrice
	if o.RefPrice == 0 && m.market != nil {
		if last, err := m.market.LastPrice(ctx, o.Symbol); err == nil {
			o.RefPrice = last
		}
	}

	if err := m.orders.CreateOrder(ctx, o); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %s %s", ErrDuplicateInFlight, req.Side, o.Symbol)
		}
		return nil, fmt.Errorf("place %s: %w", o.Symbol, err)
	}
	m.observe(o)

	res, err := m.broker.PlaceOrder(ctx, m.spec(o))
	o.RetryAttempts = 1
	if err != nil {
		return m.placeFailed(ctx, o, err)
	}
	return o, m.accepted(ctx, o, res)
}

// spec builds the broker request for o. Extended hours apply to limit
// orders only; a market order flagged for them is refused by the broker.
func (m *Manager) spec(o *domain.Order) broker.OrderSpec {
	return broker.OrderSpec{
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Quantity:      o.Quantity,
		LimitPrice:    o.LimitPrice,
		ClientOrderID: o.ClientOrderID,
		ExtendedHours: m.opts.ExtendedHours && o.Type == domain.OrderTypeLimit,
	}
}

// accepted records a broker acceptance. An immediate fill is recorded as
// PENDING -> ONGOING -> EXECUTED and applied to the position.
func (m *Manager) accepted(ctx context.Context, o *domain.Order, res broker.PlaceResult) error {
	now := m.now()
	o.BrokerOrderID = res.BrokerOrderID
	o.LastError = ""
	if err := o.Transition(domain.OrderStatusOngoing, now); err != nil {
		return err
	}
	m.observe(o)
	if res.Status == domain.OrderStatusExecuted {
		o.FilledQty = res.FilledQty
		o.AvgFillPrice = res.AvgFillPrice
		if err := o.Transition(domain.OrderStatusExecuted, now); err != nil {
			return err
		}
		m.observe(o)
	}
	m.persistDurable(ctx, o)
	m.log.Info("order placed", "order", o.ID, "broker_order", o.BrokerOrderID, "symbol", o.Symbol,
		"side", o.Side, "qty", o.Quantity, "status", o.Status)
	if o.Status == domain.OrderStatusExecuted {
		return m.ApplyFill(ctx, o)
	}
	return nil
}

// placeFailed routes a failed broker attempt: transient errors queue the
// order for retry until attempts run out, everything else rejects it.
func (m *Manager) placeFailed(ctx context.Context, o *domain.Order, cause error) (*domain.Order, error) {
	o.LastError = cause.Error()
	if !broker.IsRetryable(cause) {
		return o, m.reject(ctx, o, notify.EventOrderRejected, cause.Error(), cause)
	}
	if o.RetryAttempts >= m.opts.MaxRetryAttempts {
		reason := fmt.Sprintf("retry attempts exhausted after %d: %s", o.RetryAttempts, cause)
		return o, m.reject(ctx, o, notify.EventRetryExhausted, reason, cause)
	}
	return o, m.requeue(ctx, o, cause)
}

// requeue moves o back to RETRY_PENDING with its next eligible time.
func (m *Manager) requeue(ctx context.Context, o *domain.Order, cause error) error {
	now := m.now()
	if o.Status != domain.OrderStatusRetryPending {
		if err := o.Transition(domain.OrderStatusRetryPending, now); err != nil {
			return err
		}
		m.observe(o)
	}
	o.UpdatedAt = now
	o.LastError = cause.Error()
	o.NextAttemptAt = now.Add(util.Backoff(o.RetryAttempts, m.opts.BackoffMin, m.opts.BackoffMax))
	if err := m.orders.UpdateOrder(ctx, o); err != nil {
		return fmt.Errorf("queue retry for %s: %w", o.ID, err)
	}
	m.log.Warn("order queued for retry", "order", o.ID, "symbol", o.Symbol, "attempts", o.RetryAttempts,
		"next_attempt", o.NextAttemptAt, "error", cause)
	if errors.Is(cause, broker.ErrInsufficientFunds) {
		m.notify(ctx, notify.EventInsufficientFunds, o, notify.Payload{"error": cause.Error()})
	}
	return nil
}

// reject moves o to REJECTED, persists it and notifies. The returned error
// wraps cause so callers can tell rejections from queued retries.
func (m *Manager) reject(ctx context.Context, o *domain.Order, event, reason string, cause error) error {
	if err := o.Transition(domain.OrderStatusRejected, m.now()); err != nil {
		return err
	}
	m.observe(o)
	o.RejectReason = reason
	if err := m.orders.UpdateOrder(ctx, o); err != nil {
		m.log.Error("persist rejected order", "order", o.ID, "error", err)
	}
	m.log.Warn("order rejected", "order", o.ID, "symbol", o.Symbol, "side", o.Side, "reason", reason)
	m.notify(ctx, event, o, notify.Payload{"reason": reason})
	if cause == nil {
		return fmt.Errorf("order %s %s: %w", o.Side, o.Symbol, broker.ErrRejected)
	}
	return fmt.Errorf("order %s %s: %w", o.Side, o.Symbol, cause)
}

// persistDurable writes o after the broker already holds the order. The
// broker side cannot be undone, so the write is retried until it lands or
// ctx ends; in the latter case reconciliation recovers the order.
func (m *Manager) persistDurable(ctx context.Context, o *domain.Order) {
	attempt := 0
	err := util.Retry(ctx, 0, m.opts.StoreRetryDelay, func() error {
		attempt++
		err := m.orders.UpdateOrder(ctx, o)
		if err != nil {
			m.log.Error("store write after broker success failed", "order", o.ID,
				"broker_order", o.BrokerOrderID, "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		m.log.Error("order not durable, left for reconciliation", "order", o.ID,
			"broker_order", o.BrokerOrderID, "error", err)
	}
}

func (m *Manager) observe(o *domain.Order) {
	m.metrics.ObserveOrderTransition(string(o.Status), string(o.EntryType))
}

func (m *Manager) notify(ctx context.Context, event string, o *domain.Order, extra notify.Payload) {
	payload := notify.Payload{
		"order_id":   o.ID,
		"symbol":     o.Symbol,
		"side":       string(o.Side),
		"quantity":   o.Quantity,
		"notional":   o.Notional(),
		"entry_type": string(o.EntryType),
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := m.notifier.Send(ctx, m.userID, event, payload); err != nil {
		m.log.Error("notification failed", "event", event, "error", err)
	}
}
