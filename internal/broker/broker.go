// Package broker defines the Broker interface and provides implementations
// for placing orders and reading account state at a brokerage.
package broker

import (
	"context"
	"time"

	"pyramid/internal/domain"
)

// OrderSpec describes an order to place or a replacement for one.
type OrderSpec struct {
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	Quantity      float64
	LimitPrice    float64 // limit orders only
	ClientOrderID string
	ExtendedHours bool
}

// PlaceResult is the broker's answer to a placement or modification.
type PlaceResult struct {
	BrokerOrderID string
	Status        domain.OrderStatus // ONGOING or EXECUTED
	FilledQty     float64
	AvgFillPrice  float64
}

// BrokerOrder is an order as the broker sees it.
type BrokerOrder struct {
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	Quantity      float64
	LimitPrice    float64
	FilledQty     float64
	AvgFillPrice  float64
	Status        domain.OrderStatus
	RawStatus     string
	ReplacedBy    string // broker order ID of the successor after a replace
	SubmittedAt   time.Time
	FilledAt      *time.Time
}

// Holding is a broker-side position.
type Holding struct {
	Symbol      string
	Quantity    float64
	AvgCost     float64
	MarketPrice float64
}

// Funds is the account's spendable balance.
type Funds struct {
	Available float64
	Cash      float64
}

// Broker abstracts brokerage operations for one authenticated account. Every
// method returns errors wrapping one of the sentinels in errors.go.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// PlaceOrder submits a new order.
	PlaceOrder(ctx context.Context, spec OrderSpec) (PlaceResult, error)

	// ModifyOrder changes an open order in place. The result carries the
	// broker order ID of the live order, which differs from brokerOrderID
	// when the broker implements modification as a replacement.
	ModifyOrder(ctx context.Context, brokerOrderID string, spec OrderSpec) (PlaceResult, error)

	// CancelOrder requests cancellation of an open order.
	CancelOrder(ctx context.Context, brokerOrderID string) (domain.OrderStatus, error)

	// GetOrders returns orders submitted at or after since.
	GetOrders(ctx context.Context, since time.Time) ([]BrokerOrder, error)

	// GetHoldings returns all current positions.
	GetHoldings(ctx context.Context) ([]Holding, error)

	// GetFunds returns the spendable balance.
	GetFunds(ctx context.Context) (Funds, error)
}

// FindByClientID returns the order with the given client order ID.
func FindByClientID(orders []BrokerOrder, clientOrderID string) (BrokerOrder, bool) {
	for _, o := range orders {
		if clientOrderID != "" && o.ClientOrderID == clientOrderID {
			return o, true
		}
	}
	return BrokerOrder{}, false
}
