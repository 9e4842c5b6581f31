// Package domain defines the records shared by every trading component:
// orders and their lifecycle, positions and their re-entry levels, task
// schedules, and the execution log.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTransition is returned when an order status change is not
	// permitted by the lifecycle table.
	ErrInvalidTransition = errors.New("invalid order status transition")

	// ErrPositionClosed is returned when a fill is applied to a closed position.
	ErrPositionClosed = errors.New("position is closed")
)

// OrderSide is buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is market or limit.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus is the local lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending      OrderStatus = "PENDING"
	OrderStatusOngoing      OrderStatus = "ONGOING"
	OrderStatusExecuted     OrderStatus = "EXECUTED"
	OrderStatusRejected     OrderStatus = "REJECTED"
	OrderStatusCancelled    OrderStatus = "CANCELLED"
	OrderStatusRetryPending OrderStatus = "RETRY_PENDING"
)

// EntryType records why an order was placed.
type EntryType string

const (
	EntryTypeInitial EntryType = "initial"
	EntryTypeReentry EntryType = "reentry"
	EntryTypeExit    EntryType = "exit"
)

// OrigSource records who originated an order.
type OrigSource string

const (
	OrigSourceSystem    OrigSource = "system"
	OrigSourceManual    OrigSource = "manual"
	OrigSourceRecovered OrigSource = "recovered"
)

// ClientOrderPrefix marks client order IDs generated by this system. Broker
// orders carrying it were placed by us even when no local row exists.
const ClientOrderPrefix = "pyr-"

// OrderVersion is the current encoding version of Order rows.
const OrderVersion = 1

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:      {OrderStatusOngoing, OrderStatusRejected, OrderStatusRetryPending},
	OrderStatusOngoing:      {OrderStatusExecuted, OrderStatusCancelled, OrderStatusRejected},
	OrderStatusRetryPending: {OrderStatusPending, OrderStatusRejected},
}

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusExecuted, OrderStatusRejected, OrderStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a permitted status change.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OrderKey identifies the (user, symbol, side) tuple that may hold at most
// one non-terminal order at a time.
type OrderKey struct {
	UserID string
	Symbol string
	Side   OrderSide
}

// String renders the key as "user|SYMBOL|side".
func (k OrderKey) String() string {
	return k.UserID + "|" + strings.ToUpper(k.Symbol) + "|" + string(k.Side)
}

// Order is a single order placed (or to be placed) with the broker.
type Order struct {
	ID            string
	Version       int
	UserID        string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      float64
	LimitPrice    float64 // zero for market orders
	Status        OrderStatus
	EntryType     EntryType
	OrigSource    OrigSource
	ReentryLevel  Level // set on reentry buys only
	BrokerOrderID string
	ClientOrderID string
	FilledQty     float64
	AvgFillPrice  float64
	PlacedAt      time.Time
	FilledAt      *time.Time
	ClosedAt      *time.Time
	UpdatedAt     time.Time

	// Retry queue metadata.
	RetryAttempts int
	NextAttemptAt time.Time
	RefPrice      float64
	LastError     string
	RejectReason  string
}

// NewOrder builds a PENDING order with fresh local and client order IDs.
func NewOrder(userID, symbol string, side OrderSide, typ OrderType, qty, limitPrice float64, entry EntryType, now time.Time) *Order {
	id := uuid.NewString()
	return &Order{
		ID:            id,
		Version:       OrderVersion,
		UserID:        userID,
		Symbol:        strings.ToUpper(symbol),
		Side:          side,
		Type:          typ,
		Quantity:      qty,
		LimitPrice:    limitPrice,
		Status:        OrderStatusPending,
		EntryType:     entry,
		OrigSource:    OrigSourceSystem,
		ClientOrderID: ClientOrderPrefix + id,
		PlacedAt:      now,
		UpdatedAt:     now,
	}
}

// NewClientOrderID returns a fresh client order ID. Brokers require these to
// be unique, so an order replaced in place takes a new one.
func NewClientOrderID() string {
	return ClientOrderPrefix + uuid.NewString()
}

// Key returns the order's serialization key.
func (o *Order) Key() OrderKey {
	return OrderKey{UserID: o.UserID, Symbol: o.Symbol, Side: o.Side}
}

// Transition moves the order to status to, stamping timestamps. It returns
// ErrInvalidTransition for changes the lifecycle does not allow.
func (o *Order) Transition(to OrderStatus, at time.Time) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s (order %s)", ErrInvalidTransition, o.Status, to, o.ID)
	}
	o.Status = to
	o.UpdatedAt = at
	if to.IsTerminal() {
		closed := at
		o.ClosedAt = &closed
	}
	if to == OrderStatusExecuted && o.FilledAt == nil {
		filled := at
		o.FilledAt = &filled
	}
	return nil
}

// Notional returns quantity times the best known price of the order.
func (o *Order) Notional() float64 {
	switch {
	case o.AvgFillPrice > 0:
		return o.Quantity * o.AvgFillPrice
	case o.LimitPrice > 0:
		return o.Quantity * o.LimitPrice
	default:
		return o.Quantity * o.RefPrice
	}
}
