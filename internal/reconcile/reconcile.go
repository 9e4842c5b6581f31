// Package reconcile aligns local order and position records with the
// broker's order book and holdings at the end of the trading day.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"pyramid/internal/broker"
	"pyramid/internal/domain"
	"pyramid/internal/metrics"
	"pyramid/internal/notify"
	"pyramid/internal/store"
)

// StatusApplier resolves local orders against broker state. *engine.Manager
// implements it.
type StatusApplier interface {
	ApplyBrokerStatus(ctx context.Context, o *domain.Order, bo broker.BrokerOrder) error
	AdoptBrokerOrder(ctx context.Context, o *domain.Order, bo broker.BrokerOrder) error
}

// Calendar resolves the market-local trading date.
type Calendar interface {
	Location() *time.Location
	Date(t time.Time) string
}

// Config wires an Engine.
type Config struct {
	UserID    string
	Broker    broker.Broker
	Orders    store.OrderStore
	Positions store.PositionStore
	Applier   StatusApplier
	Reports   *store.ReportStore // optional
	Calendar  Calendar
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Log       *slog.Logger
}

// Engine runs reconciliation for one user. It only reads from the broker.
type Engine struct {
	userID    string
	broker    broker.Broker
	orders    store.OrderStore
	positions store.PositionStore
	applier   StatusApplier
	reports   *store.ReportStore
	calendar  Calendar
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time
}

// New creates an Engine.
func New(cfg Config) *Engine {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	n := cfg.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	return &Engine{
		userID:    cfg.UserID,
		broker:    cfg.Broker,
		orders:    cfg.Orders,
		positions: cfg.Positions,
		applier:   cfg.Applier,
		reports:   cfg.Reports,
		calendar:  cfg.Calendar,
		notifier:  n,
		metrics:   cfg.Metrics,
		log:       log.With("component", "reconcile", "user", cfg.UserID),
		now:       time.Now,
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Summary is the outcome of one reconciliation pass.
type Summary struct {
	Date              string
	OrdersCreated     int
	OrdersAdopted     int
	OrdersResolved    int
	PositionsAdjusted int
	Unresolved        int
	RealizedPnL       decimal.Decimal
	UnrealizedPnL     decimal.Decimal
	ReportPath        string
}

// pass accumulates the report lines of one run.
type pass struct {
	sum     Summary
	records []store.ReportRecord
	errs    []error
}

func (p *pass) add(r store.ReportRecord) {
	p.records = append(p.records, r)
}

// Run reconciles the trading day containing the engine's current time.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	return e.RunDay(ctx, e.now())
}

// RunDay reconciles the trading day containing day. Broker orders with no
// local row are recorded as manual (or recovered, when they carry our client
// order prefix); local ONGOING orders take the broker's terminal status;
// positions are set to broker holdings. It never places or cancels.
func (e *Engine) RunDay(ctx context.Context, day time.Time) (Summary, error) {
	loc := e.calendar.Location()
	local := day.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	p := &pass{sum: Summary{Date: e.calendar.Date(day)}}

	ongoing, err := e.orders.ListOrdersByStatus(ctx, e.userID, domain.OrderStatusOngoing)
	if err != nil {
		return p.sum, fmt.Errorf("list ongoing orders: %w", err)
	}
	since := dayStart
	for _, o := range ongoing {
		if o.PlacedAt.Before(since) {
			since = o.PlacedAt
		}
	}

	var (
		book     []broker.BrokerOrder
		holdings []broker.Holding
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		book, err = e.broker.GetOrders(gctx, since.Add(-time.Minute))
		if err != nil {
			return fmt.Errorf("load broker orders: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		holdings, err = e.broker.GetHoldings(gctx)
		if err != nil {
			return fmt.Errorf("load broker holdings: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return p.sum, err
	}

	e.reconcileUnknown(ctx, book, p)
	e.resolveOngoing(ctx, ongoing, book, p)
	e.syncPositions(ctx, holdings, p)
	e.computePnL(ctx, dayStart, holdings, p)

	e.metrics.ObserveDrift("order_created", p.sum.OrdersCreated)
	e.metrics.ObserveDrift("order_resolved", p.sum.OrdersResolved+p.sum.OrdersAdopted)
	e.metrics.ObserveDrift("position_adjusted", p.sum.PositionsAdjusted)
	e.metrics.ObserveDrift("unresolved", p.sum.Unresolved)

	e.finish(ctx, p)
	e.log.Info("reconciliation complete", "date", p.sum.Date, "created", p.sum.OrdersCreated,
		"adopted", p.sum.OrdersAdopted, "resolved", p.sum.OrdersResolved,
		"adjusted", p.sum.PositionsAdjusted, "unresolved", p.sum.Unresolved,
		"realized_pnl", p.sum.RealizedPnL.StringFixed(2), "unrealized_pnl", p.sum.UnrealizedPnL.StringFixed(2))
	return p.sum, errors.Join(p.errs...)
}

// reconcileUnknown records broker orders that have no local row.
func (e *Engine) reconcileUnknown(ctx context.Context, book []broker.BrokerOrder, p *pass) {
	for _, bo := range book {
		if bo.ReplacedBy != "" {
			// Superseded by a replace; the successor is the tracked order.
			continue
		}
		if _, err := e.orders.GetOrderByBrokerID(ctx, e.userID, bo.BrokerOrderID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			p.errs = append(p.errs, fmt.Errorf("look up %s: %w", bo.BrokerOrderID, err))
			continue
		}

		if bo.ClientOrderID != "" {
			o, err := e.orders.GetOrderByClientID(ctx, bo.ClientOrderID)
			switch {
			case err == nil:
				// Our placement reached the broker but the local row never
				// learned the outcome.
				if err := e.applier.AdoptBrokerOrder(ctx, o, bo); err != nil {
					p.errs = append(p.errs, fmt.Errorf("adopt %s: %w", bo.BrokerOrderID, err))
					continue
				}
				p.sum.OrdersAdopted++
				p.add(e.record(store.ReportKindOrderResolved, o.Symbol, o.ID, bo.BrokerOrderID,
					"adopted as "+string(o.Status), bo.FilledQty, bo.AvgFillPrice))
				continue
			case !errors.Is(err, store.ErrNotFound):
				p.errs = append(p.errs, fmt.Errorf("look up client id %s: %w", bo.ClientOrderID, err))
				continue
			}
		}

		o := e.orderFromBroker(bo)
		if err := e.orders.CreateOrder(ctx, o); err != nil {
			p.errs = append(p.errs, fmt.Errorf("record %s: %w", bo.BrokerOrderID, err))
			continue
		}
		p.sum.OrdersCreated++
		e.log.Warn("broker order with no local record", "broker_order", bo.BrokerOrderID,
			"symbol", bo.Symbol, "side", bo.Side, "qty", bo.Quantity, "status", bo.Status, "source", o.OrigSource)
		p.add(e.record(store.ReportKindOrderCreated, o.Symbol, o.ID, bo.BrokerOrderID,
			string(o.OrigSource)+" "+string(o.Status), bo.Quantity, bo.AvgFillPrice))
	}
}

// orderFromBroker builds a local record mirroring bo.
func (e *Engine) orderFromBroker(bo broker.BrokerOrder) *domain.Order {
	now := e.now()
	source := domain.OrigSourceManual
	if strings.HasPrefix(bo.ClientOrderID, domain.ClientOrderPrefix) {
		source = domain.OrigSourceRecovered
	}
	entry := domain.EntryTypeInitial
	if bo.Side == domain.OrderSideSell {
		entry = domain.EntryTypeExit
	}
	clientID := bo.ClientOrderID
	if clientID == "" {
		clientID = "ext-" + bo.BrokerOrderID
	}
	placed := bo.SubmittedAt
	if placed.IsZero() {
		placed = now
	}
	o := &domain.Order{
		ID:            uuid.NewString(),
		Version:       domain.OrderVersion,
		UserID:        e.userID,
		Symbol:        strings.ToUpper(bo.Symbol),
		Side:          bo.Side,
		Type:          bo.Type,
		Quantity:      bo.Quantity,
		LimitPrice:    bo.LimitPrice,
		Status:        bo.Status,
		EntryType:     entry,
		OrigSource:    source,
		BrokerOrderID: bo.BrokerOrderID,
		ClientOrderID: clientID,
		FilledQty:     bo.FilledQty,
		AvgFillPrice:  bo.AvgFillPrice,
		PlacedAt:      placed,
		FilledAt:      bo.FilledAt,
		UpdatedAt:     now,
		RefPrice:      bo.LimitPrice,
	}
	if o.Status == "" {
		o.Status = domain.OrderStatusOngoing
	}
	if o.Status.IsTerminal() {
		closed := now
		if bo.FilledAt != nil {
			closed = *bo.FilledAt
		}
		o.ClosedAt = &closed
	}
	return o
}

// resolveOngoing applies broker terminal statuses to local ONGOING orders.
func (e *Engine) resolveOngoing(ctx context.Context, ongoing []*domain.Order, book []broker.BrokerOrder, p *pass) {
	byID := make(map[string]broker.BrokerOrder, len(book))
	for _, bo := range book {
		byID[bo.BrokerOrderID] = bo
	}
	for _, o := range ongoing {
		bo, ok := byID[o.BrokerOrderID]
		if !ok {
			p.sum.Unresolved++
			e.log.Warn("ongoing order missing from broker book", "order", o.ID, "broker_order", o.BrokerOrderID,
				"symbol", o.Symbol)
			p.add(e.record(store.ReportKindUnresolved, o.Symbol, o.ID, o.BrokerOrderID,
				"missing from broker book", o.Quantity, o.LimitPrice))
			continue
		}
		if !bo.Status.IsTerminal() {
			continue
		}
		if err := e.applier.ApplyBrokerStatus(ctx, o, bo); err != nil {
			p.errs = append(p.errs, fmt.Errorf("resolve %s: %w", o.ID, err))
			continue
		}
		p.sum.OrdersResolved++
		p.add(e.record(store.ReportKindOrderResolved, o.Symbol, o.ID, bo.BrokerOrderID,
			string(bo.Status), bo.FilledQty, bo.AvgFillPrice))
	}
}

// syncPositions sets every local position to the broker's holding.
func (e *Engine) syncPositions(ctx context.Context, holdings []broker.Holding, p *pass) {
	now := e.now()
	held := make(map[string]broker.Holding, len(holdings))
	for _, h := range holdings {
		held[strings.ToUpper(h.Symbol)] = h
	}

	open, err := e.positions.ListOpenPositions(ctx, e.userID)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("list open positions: %w", err))
		return
	}
	seen := make(map[string]bool, len(open))
	for _, pos := range open {
		seen[pos.Symbol] = true
		h := held[pos.Symbol]
		if h.Quantity == pos.Quantity {
			continue
		}
		e.adjust(ctx, pos.Symbol, pos.Quantity, h, now, p)
	}
	for _, h := range holdings {
		sym := strings.ToUpper(h.Symbol)
		if seen[sym] || h.Quantity <= 0 {
			continue
		}
		e.adjust(ctx, sym, 0, h, now, p)
	}
}

func (e *Engine) adjust(ctx context.Context, symbol string, from float64, h broker.Holding, now time.Time, p *pass) {
	_, err := e.positions.Mutate(ctx, e.userID, symbol, func(pos *domain.Position) (*domain.Position, error) {
		if pos == nil {
			if h.Quantity <= 0 {
				return nil, nil
			}
			// The entry oscillator of a position opened outside this
			// process is unknown.
			return domain.NewPosition(e.userID, symbol, h.Quantity, h.AvgCost, nil, now), nil
		}
		if h.Quantity > 0 && pos.AvgEntryPrice <= 0 {
			pos.AvgEntryPrice = h.AvgCost
		}
		pos.SetQuantity(h.Quantity, now)
		return pos, nil
	})
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("adjust position %s: %w", symbol, err))
		return
	}
	p.sum.PositionsAdjusted++
	e.log.Warn("position adjusted to broker holding", "symbol", symbol, "local_qty", from, "broker_qty", h.Quantity)
	p.add(e.record(store.ReportKindPositionAdjusted, symbol, "", "",
		fmt.Sprintf("%g -> %g", from, h.Quantity), h.Quantity, h.AvgCost))
}

// computePnL sums realized profit of positions closed since dayStart and the
// unrealized profit of current holdings.
func (e *Engine) computePnL(ctx context.Context, dayStart time.Time, holdings []broker.Holding, p *pass) {
	closed, err := e.positions.ListPositionsClosedSince(ctx, e.userID, dayStart)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("list closed positions: %w", err))
	}
	realized := decimal.Zero
	for _, pos := range closed {
		realized = realized.Add(decimal.NewFromFloat(pos.RealizedPnL))
	}
	unrealized := decimal.Zero
	for _, h := range holdings {
		if h.MarketPrice <= 0 {
			continue
		}
		diff := decimal.NewFromFloat(h.MarketPrice).Sub(decimal.NewFromFloat(h.AvgCost))
		unrealized = unrealized.Add(diff.Mul(decimal.NewFromFloat(h.Quantity)))
	}
	p.sum.RealizedPnL = realized.Round(2)
	p.sum.UnrealizedPnL = unrealized.Round(2)
}

// finish notifies the summary and archives the report.
func (e *Engine) finish(ctx context.Context, p *pass) {
	realized, _ := p.sum.RealizedPnL.Float64()
	unrealized, _ := p.sum.UnrealizedPnL.Float64()
	sumRec := e.record(store.ReportKindSummary, "", "", "",
		fmt.Sprintf("created=%d adopted=%d resolved=%d adjusted=%d unresolved=%d",
			p.sum.OrdersCreated, p.sum.OrdersAdopted, p.sum.OrdersResolved, p.sum.PositionsAdjusted, p.sum.Unresolved), 0, 0)
	sumRec.RealizedPnL = realized
	sumRec.UnrealizedPnL = unrealized
	p.add(sumRec)

	payload := notify.Payload{
		"date":               p.sum.Date,
		"orders_created":     p.sum.OrdersCreated,
		"orders_adopted":     p.sum.OrdersAdopted,
		"orders_resolved":    p.sum.OrdersResolved,
		"positions_adjusted": p.sum.PositionsAdjusted,
		"unresolved":         p.sum.Unresolved,
		"realized_pnl":       p.sum.RealizedPnL.StringFixed(2),
		"unrealized_pnl":     p.sum.UnrealizedPnL.StringFixed(2),
	}
	if err := e.notifier.Send(ctx, e.userID, notify.EventDailySummary, payload); err != nil {
		e.log.Warn("daily summary notification failed", "error", err)
	}

	if e.reports == nil {
		return
	}
	for i := range p.records {
		p.records[i].Date = p.sum.Date
	}
	path, err := e.reports.WriteReport(e.userID, p.sum.Date, p.records)
	if err != nil {
		p.errs = append(p.errs, err)
		return
	}
	p.sum.ReportPath = path
}

func (e *Engine) record(kind, symbol, orderID, brokerOrderID, detail string, qty, price float64) store.ReportRecord {
	return store.ReportRecord{
		UserID:        e.userID,
		Kind:          kind,
		Symbol:        symbol,
		OrderID:       orderID,
		BrokerOrderID: brokerOrderID,
		Detail:        detail,
		Quantity:      qty,
		Price:         price,
		Timestamp:     e.now().UnixMilli(),
	}
}
