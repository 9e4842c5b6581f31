package engine

import (
	"context"
	"fmt"
	"time"

	"pyramid/internal/broker"
	"pyramid/internal/domain"
)

// ModifyPath names how a modification was carried out.
type ModifyPath string

const (
	PathModify        ModifyPath = "modify"
	PathCancelReplace ModifyPath = "cancel_replace"
	PathFailed        ModifyPath = "failed"
)

// ModifySpec is the new shape of an order. Zero fields keep the current
// value.
type ModifySpec struct {
	Type       domain.OrderType
	LimitPrice float64
	Quantity   float64
}

// ModifyResult reports the outcome of Modify. Order is the live order after
// the change: the original when modified in place, the replacement after a
// cancel-replace.
type ModifyResult struct {
	Path     ModifyPath
	Order    *domain.Order
	Original *domain.Order
}

// Modify changes an ONGOING order in place. When the broker refuses the
// modification the order is cancelled and a replacement placed. If the
// cancel fails the original is left resting; if the replacement fails the
// original stays CANCELLED. Neither case is retried.
func (m *Manager) Modify(ctx context.Context, orderID string, ms ModifySpec) (ModifyResult, error) {
	o, err := m.orders.GetOrder(ctx, orderID)
	if err != nil {
		return ModifyResult{Path: PathFailed}, fmt.Errorf("modify %s: %w", orderID, err)
	}
	release, err := m.locks.Lock(ctx, m.key(o.Symbol, o.Side))
	if err != nil {
		return ModifyResult{Path: PathFailed, Original: o}, fmt.Errorf("lock order key: %w", err)
	}
	defer release()

	// Reload under the lock.
	if o, err = m.orders.GetOrder(ctx, orderID); err != nil {
		return ModifyResult{Path: PathFailed}, fmt.Errorf("modify %s: %w", orderID, err)
	}
	res := ModifyResult{Path: PathFailed, Original: o}
	if o.Status != domain.OrderStatusOngoing {
		return res, fmt.Errorf("%w: %s is %s", ErrNotModifiable, o.ID, o.Status)
	}

	next := *o
	if ms.Type != "" {
		next.Type = ms.Type
	}
	if next.Type == domain.OrderTypeMarket {
		next.LimitPrice = 0
	} else if ms.LimitPrice > 0 {
		next.LimitPrice = ms.LimitPrice
	}
	if ms.Quantity > 0 {
		next.Quantity = ms.Quantity
	}
	next.ClientOrderID = domain.NewClientOrderID()

	mod, modErr := m.broker.ModifyOrder(ctx, o.BrokerOrderID, m.spec(&next))
	if modErr == nil {
		o.Type, o.LimitPrice, o.Quantity = next.Type, next.LimitPrice, next.Quantity
		o.ClientOrderID = next.ClientOrderID
		if mod.BrokerOrderID != "" && mod.BrokerOrderID != o.BrokerOrderID {
			m.log.Info("broker replaced order", "order", o.ID, "old_broker_order", o.BrokerOrderID,
				"broker_order", mod.BrokerOrderID)
			o.BrokerOrderID = mod.BrokerOrderID
		}
		o.UpdatedAt = m.now()
		m.persistDurable(ctx, o)
		m.log.Info("order modified", "order", o.ID, "type", o.Type, "limit", o.LimitPrice, "status", mod.Status)
		if mod.Status.IsTerminal() {
			if err := m.refreshLocked(ctx, o); err != nil {
				m.log.Error("refresh after modify failed", "order", o.ID, "error", err)
			}
		}
		res.Path = PathModify
		res.Order = o
		return res, nil
	}
	m.log.Warn("modify refused, falling back to cancel and replace", "order", o.ID, "error", modErr)

	if err := m.cancelLocked(ctx, o); err != nil {
		return res, fmt.Errorf("modify %s: %v; cancel: %w", o.ID, modErr, err)
	}
	if o.Status != domain.OrderStatusCancelled {
		// Filled before the cancel landed; there is nothing left to replace.
		return res, fmt.Errorf("modify %s: %v; order became %s before cancel", o.ID, modErr, o.Status)
	}

	replacement, err := m.placeLocked(ctx, PlaceRequest{
		Symbol:     o.Symbol,
		Side:       o.Side,
		Type:       next.Type,
		Quantity:   next.Quantity,
		LimitPrice: next.LimitPrice,
		EntryType:  o.EntryType,
		Level:      o.ReentryLevel,
	})
	if err != nil {
		return res, fmt.Errorf("replace %s after cancel: %w", o.ID, err)
	}
	res.Path = PathCancelReplace
	res.Order = replacement
	return res, nil
}

// Cancel cancels an ONGOING order.
func (m *Manager) Cancel(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := m.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("cancel %s: %w", orderID, err)
	}
	release, err := m.locks.Lock(ctx, m.key(o.Symbol, o.Side))
	if err != nil {
		return o, fmt.Errorf("lock order key: %w", err)
	}
	defer release()

	if o, err = m.orders.GetOrder(ctx, orderID); err != nil {
		return nil, fmt.Errorf("cancel %s: %w", orderID, err)
	}
	if o.Status != domain.OrderStatusOngoing {
		return o, fmt.Errorf("%w: %s is %s", ErrNotModifiable, o.ID, o.Status)
	}
	return o, m.cancelLocked(ctx, o)
}

// cancelLocked cancels o at the broker and records the outcome. On failure
// the local order is left as it was unless the broker reports it already
// finished.
func (m *Manager) cancelLocked(ctx context.Context, o *domain.Order) error {
	status, err := m.broker.CancelOrder(ctx, o.BrokerOrderID)
	if err != nil {
		if broker.Classify(err) == broker.KindRejected {
			// The order may have filled or expired in the meantime.
			if rerr := m.refreshLocked(ctx, o); rerr != nil {
				m.log.Warn("refresh after cancel failure", "order", o.ID, "error", rerr)
			}
		}
		m.log.Error("cancel failed", "order", o.ID, "broker_order", o.BrokerOrderID, "error", err)
		return err
	}
	if status == domain.OrderStatusCancelled {
		if err := o.Transition(domain.OrderStatusCancelled, m.now()); err != nil {
			return err
		}
		m.observe(o)
		m.persistDurable(ctx, o)
		m.log.Info("order cancelled", "order", o.ID, "broker_order", o.BrokerOrderID)
		return nil
	}
	return m.refreshLocked(ctx, o)
}

// refreshLocked reads o back from the broker and applies a terminal status.
func (m *Manager) refreshLocked(ctx context.Context, o *domain.Order) error {
	book, err := m.broker.GetOrders(ctx, o.PlacedAt.Add(-time.Minute))
	if err != nil {
		return err
	}
	for _, bo := range book {
		if bo.BrokerOrderID == o.BrokerOrderID {
			if bo.Status.IsTerminal() {
				return m.applyTerminal(ctx, o, bo)
			}
			return nil
		}
	}
	return fmt.Errorf("refresh %s: %w", o.BrokerOrderID, broker.ErrOrderNotFound)
}
