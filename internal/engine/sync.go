package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pyramid/internal/broker"
	"pyramid/internal/domain"
	"pyramid/internal/notify"
)

// errFillAnomaly marks a fill that does not fit the local position state.
var errFillAnomaly = errors.New("fill does not match position state")

// SyncStatuses polls the broker for every local ONGOING order and applies
// terminal statuses. It returns how many orders changed.
func (m *Manager) SyncStatuses(ctx context.Context) (int, error) {
	ongoing, err := m.orders.ListOrdersByStatus(ctx, m.userID, domain.OrderStatusOngoing)
	if err != nil {
		return 0, fmt.Errorf("list ongoing orders: %w", err)
	}
	if len(ongoing) == 0 {
		return 0, nil
	}
	since := ongoing[0].PlacedAt
	for _, o := range ongoing {
		if o.PlacedAt.Before(since) {
			since = o.PlacedAt
		}
	}
	book, err := m.broker.GetOrders(ctx, since.Add(-time.Minute))
	if err != nil {
		return 0, fmt.Errorf("load broker orders: %w", err)
	}
	byID := make(map[string]broker.BrokerOrder, len(book))
	for _, bo := range book {
		byID[bo.BrokerOrderID] = bo
	}

	changed := 0
	for _, o := range ongoing {
		bo, ok := byID[o.BrokerOrderID]
		if !ok || !bo.Status.IsTerminal() {
			continue
		}
		release, ok, err := m.locks.TryLock(ctx, m.key(o.Symbol, o.Side))
		if err != nil {
			return changed, fmt.Errorf("lock order key: %w", err)
		}
		if !ok {
			continue
		}
		err = m.applyTerminal(ctx, o, bo)
		release()
		if err != nil {
			m.log.Error("apply broker status failed", "order", o.ID, "broker_order", bo.BrokerOrderID, "error", err)
			continue
		}
		changed++
	}
	return changed, nil
}

// ApplyBrokerStatus moves a local ONGOING order to the terminal status the
// broker reports. Reconciliation uses it outside the scheduled sync.
func (m *Manager) ApplyBrokerStatus(ctx context.Context, o *domain.Order, bo broker.BrokerOrder) error {
	release, err := m.locks.Lock(ctx, m.key(o.Symbol, o.Side))
	if err != nil {
		return fmt.Errorf("lock order key: %w", err)
	}
	defer release()
	return m.applyTerminal(ctx, o, bo)
}

// applyTerminal records the broker's terminal status on o. Executed orders
// then apply their fill to the position.
func (m *Manager) applyTerminal(ctx context.Context, o *domain.Order, bo broker.BrokerOrder) error {
	at := m.now()
	if bo.FilledAt != nil {
		at = *bo.FilledAt
	}
	switch bo.Status {
	case domain.OrderStatusExecuted:
		o.FilledQty = bo.FilledQty
		o.AvgFillPrice = bo.AvgFillPrice
		if err := o.Transition(domain.OrderStatusExecuted, at); err != nil {
			return err
		}
	case domain.OrderStatusCancelled:
		if err := o.Transition(domain.OrderStatusCancelled, m.now()); err != nil {
			return err
		}
	case domain.OrderStatusRejected:
		o.RejectReason = "rejected by broker: " + bo.RawStatus
		if err := o.Transition(domain.OrderStatusRejected, m.now()); err != nil {
			return err
		}
	default:
		return nil
	}
	m.observe(o)
	m.persistDurable(ctx, o)
	m.log.Info("order resolved", "order", o.ID, "broker_order", o.BrokerOrderID, "status", o.Status)

	switch o.Status {
	case domain.OrderStatusExecuted:
		return m.ApplyFill(ctx, o)
	case domain.OrderStatusRejected:
		m.notify(ctx, notify.EventOrderRejected, o, notify.Payload{"reason": o.RejectReason})
	}
	return nil
}

// ApplyFill folds an executed order into the position store. Buys open or
// add to the position; sells reduce or close it. A re-entry buy or a sell
// with no open position is an anomaly: it is logged and notified but not
// applied.
func (m *Manager) ApplyFill(ctx context.Context, o *domain.Order) error {
	if o.Status != domain.OrderStatusExecuted {
		return nil
	}
	qty := o.FilledQty
	if qty <= 0 {
		qty = o.Quantity
	}
	price := o.AvgFillPrice
	if price <= 0 {
		price = o.LimitPrice
	}
	at := m.now()
	if o.FilledAt != nil {
		at = *o.FilledAt
	}

	var entryOsc *float64
	if o.Side == domain.OrderSideBuy && o.EntryType != domain.EntryTypeReentry && m.market != nil {
		if v, err := m.market.Oscillator(ctx, o.Symbol, nil); err == nil {
			entryOsc = &v
		}
	}

	_, err := m.positions.Mutate(ctx, m.userID, o.Symbol, func(p *domain.Position) (*domain.Position, error) {
		switch o.Side {
		case domain.OrderSideBuy:
			if p == nil {
				if o.EntryType == domain.EntryTypeReentry {
					return nil, fmt.Errorf("%w: re-entry buy with no open position", errFillAnomaly)
				}
				return domain.NewPosition(m.userID, o.Symbol, qty, price, entryOsc, at), nil
			}
			return p, p.ApplyBuy(qty, price, o.ReentryLevel, at)
		case domain.OrderSideSell:
			if p == nil {
				return nil, fmt.Errorf("%w: sell with no open position", errFillAnomaly)
			}
			realized, err := p.ApplySell(qty, price, at)
			if err != nil {
				return nil, err
			}
			m.log.Info("position reduced", "symbol", o.Symbol, "qty", qty, "realized_pnl", realized,
				"remaining", p.Quantity)
			return p, nil
		}
		return nil, fmt.Errorf("unknown side %q", o.Side)
	})
	if errors.Is(err, errFillAnomaly) || errors.Is(err, domain.ErrPositionClosed) {
		m.log.Error("fill anomaly, not applied", "order", o.ID, "symbol", o.Symbol, "side", o.Side,
			"entry_type", o.EntryType, "qty", qty, "price", price, "error", err)
		m.notify(ctx, notify.EventFillAnomaly, o, notify.Payload{"error": err.Error()})
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply fill of %s: %w", o.ID, err)
	}
	return nil
}
