package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"pyramid/internal/broker"
	"pyramid/internal/domain"
	"pyramid/internal/notify"
)

// RetrySummary counts what one RetryPending pass did.
type RetrySummary struct {
	Due      int
	Placed   int
	Adopted  int
	Requeued int
	Rejected int
	Skipped  int
}

// RetryPending re-attempts every RETRY_PENDING order whose next attempt time
// has passed. Before placing again it looks for the order in the broker book
// by client order ID, since an earlier timeout may have reached the broker.
func (m *Manager) RetryPending(ctx context.Context) (RetrySummary, error) {
	var sum RetrySummary
	queued, err := m.orders.ListOrdersByStatus(ctx, m.userID, domain.OrderStatusRetryPending)
	if err != nil {
		return sum, fmt.Errorf("list retry queue: %w", err)
	}
	now := m.now()
	var due []*domain.Order
	since := now
	for _, o := range queued {
		if o.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, o)
		if o.PlacedAt.Before(since) {
			since = o.PlacedAt
		}
	}
	sum.Due = len(due)
	if len(due) == 0 {
		return sum, nil
	}

	book, err := m.broker.GetOrders(ctx, since.Add(-time.Minute))
	if err != nil {
		return sum, fmt.Errorf("load broker orders: %w", err)
	}

	for _, o := range due {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		release, ok, err := m.locks.TryLock(ctx, m.key(o.Symbol, o.Side))
		if err != nil {
			return sum, fmt.Errorf("lock order key: %w", err)
		}
		if !ok {
			sum.Skipped++
			continue
		}
		m.retryOne(ctx, o, book, &sum)
		release()
	}
	m.log.Info("retry pass complete", "due", sum.Due, "placed", sum.Placed, "adopted", sum.Adopted,
		"requeued", sum.Requeued, "rejected", sum.Rejected, "skipped", sum.Skipped)
	return sum, nil
}

func (m *Manager) retryOne(ctx context.Context, o *domain.Order, book []broker.BrokerOrder, sum *RetrySummary) {
	log := m.log.With("order", o.ID, "symbol", o.Symbol, "attempts", o.RetryAttempts)

	if bo, ok := broker.FindByClientID(book, o.ClientOrderID); ok {
		if err := m.adopt(ctx, o, bo); err != nil {
			log.Error("adopt broker order failed", "broker_order", bo.BrokerOrderID, "error", err)
			return
		}
		sum.Adopted++
		return
	}

	price := o.LimitPrice
	if m.market != nil {
		if last, err := m.market.LastPrice(ctx, o.Symbol); err == nil {
			if stale(o.RefPrice, last, m.opts.PriceTolerance) {
				reason := fmt.Sprintf("price moved from %.2f to %.2f beyond tolerance %.2f%%",
					o.RefPrice, last, m.opts.PriceTolerance*100)
				m.reject(ctx, o, notify.EventOrderStale, reason, nil)
				sum.Rejected++
				return
			}
			if o.Type == domain.OrderTypeMarket {
				price = last
			}
		} else {
			log.Warn("last price unavailable for retry re-validation", "error", err)
		}
	}
	if price <= 0 {
		price = o.RefPrice
	}

	if o.Side == domain.OrderSideBuy {
		funds, err := m.broker.GetFunds(ctx)
		if err != nil {
			// The endpoint is unhealthy; leave the attempt count alone.
			log.Warn("funds check failed, retry deferred", "error", err)
			sum.Skipped++
			return
		}
		if err := m.risk.CheckFunds(o.Side, o.Quantity, price, funds); err != nil {
			o.RetryAttempts++
			m.countOutcome(ctx, o, err, sum)
			return
		}
	}

	if err := o.Transition(domain.OrderStatusPending, m.now()); err != nil {
		log.Error("retry transition failed", "error", err)
		return
	}
	m.observe(o)
	o.RetryAttempts++
	res, err := m.broker.PlaceOrder(ctx, m.spec(o))
	if err != nil {
		m.countOutcome(ctx, o, err, sum)
		return
	}
	if err := m.accepted(ctx, o, res); err != nil {
		log.Error("apply placement failed", "error", err)
	}
	sum.Placed++
}

// countOutcome records a failed attempt and tallies where the order went.
func (m *Manager) countOutcome(ctx context.Context, o *domain.Order, cause error, sum *RetrySummary) {
	if _, err := m.placeFailed(ctx, o, cause); err != nil && o.Status != domain.OrderStatusRejected {
		m.log.Error("record failed attempt", "order", o.ID, "error", err)
	}
	if o.Status == domain.OrderStatusRejected {
		sum.Rejected++
		return
	}
	sum.Requeued++
}

// AdoptBrokerOrder binds a local PENDING or RETRY_PENDING order to the broker
// order carrying its client order ID. Reconciliation uses it for rows left
// behind when a placement succeeded but the local write did not.
func (m *Manager) AdoptBrokerOrder(ctx context.Context, o *domain.Order, bo broker.BrokerOrder) error {
	release, err := m.locks.Lock(ctx, m.key(o.Symbol, o.Side))
	if err != nil {
		return fmt.Errorf("lock order key: %w", err)
	}
	defer release()
	if o.Status != domain.OrderStatusPending && o.Status != domain.OrderStatusRetryPending {
		return fmt.Errorf("%w: adopt %s in status %s", domain.ErrInvalidTransition, o.ID, o.Status)
	}
	return m.adopt(ctx, o, bo)
}

// adopt binds o to an order the broker already has, then applies the
// broker's status.
func (m *Manager) adopt(ctx context.Context, o *domain.Order, bo broker.BrokerOrder) error {
	now := m.now()
	if o.Status == domain.OrderStatusRetryPending {
		if err := o.Transition(domain.OrderStatusPending, now); err != nil {
			return err
		}
	}
	o.LastError = ""
	m.log.Info("adopting broker order", "order", o.ID, "broker_order", bo.BrokerOrderID, "status", bo.Status)
	if bo.Status == domain.OrderStatusRejected {
		o.BrokerOrderID = bo.BrokerOrderID
		return m.reject(ctx, o, notify.EventOrderRejected, "rejected by broker: "+bo.RawStatus, nil)
	}
	if err := m.accepted(ctx, o, broker.PlaceResult{BrokerOrderID: bo.BrokerOrderID, Status: domain.OrderStatusOngoing}); err != nil {
		return err
	}
	if bo.Status.IsTerminal() {
		return m.applyTerminal(ctx, o, bo)
	}
	return nil
}

// stale reports whether last moved more than tolerance away from ref.
func stale(ref, last, tolerance float64) bool {
	if ref <= 0 || tolerance <= 0 {
		return false
	}
	return math.Abs(last-ref)/ref > tolerance
}
