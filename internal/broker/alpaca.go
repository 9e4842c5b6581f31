package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"pyramid/internal/domain"
	"pyramid/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// alpacaClient is the subset of *alpaca.Client used here.
type alpacaClient interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	ReplaceOrder(orderID string, req alpaca.ReplaceOrderRequest) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	GetOrder(orderID string) (*alpaca.Order, error)
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
	GetPositions() ([]alpaca.Position, error)
	GetAccount() (*alpaca.Account, error)
}

// AlpacaBroker implements the Broker interface using the Alpaca trading API.
type AlpacaBroker struct {
	client alpacaClient
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string) *AlpacaBroker {
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
	}
}

func newAlpacaBrokerWithClient(c alpacaClient) *AlpacaBroker {
	return &AlpacaBroker{client: c}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// PlaceOrder submits an order via POST /v2/orders.
func (b *AlpacaBroker) PlaceOrder(ctx context.Context, spec OrderSpec) (PlaceResult, error) {
	const op = "PlaceOrder"
	qty := decimal.NewFromFloat(spec.Quantity)
	req := alpaca.PlaceOrderRequest{
		Symbol:        spec.Symbol,
		Qty:           &qty,
		Side:          alpacaSide(spec.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: spec.ClientOrderID,
	}
	if spec.Type == domain.OrderTypeLimit {
		lp := decimal.NewFromFloat(spec.LimitPrice).Round(2)
		req.Type = alpaca.Limit
		req.LimitPrice = &lp
		// Alpaca accepts extended hours only on DAY limit orders.
		req.ExtendedHours = spec.ExtendedHours
	}

	o, err := util.CallWithContext(ctx, func() (*alpaca.Order, error) { return b.client.PlaceOrder(req) })
	if err != nil {
		return PlaceResult{}, handleAlpacaError(err, op)
	}
	return placeResult(op, *o)
}

// ModifyOrder replaces quantity or limit price via PATCH /v2/orders/{id}.
// Alpaca answers with a new order under a new ID and marks the old one
// replaced. It cannot change an order's type, so limit-to-market returns
// ErrModifyUnsupported. spec.ClientOrderID must not repeat the original's.
func (b *AlpacaBroker) ModifyOrder(ctx context.Context, brokerOrderID string, spec OrderSpec) (PlaceResult, error) {
	const op = "ModifyOrder"
	if spec.Type == domain.OrderTypeMarket {
		return PlaceResult{}, fmt.Errorf("%s failed: %w: limit to market", op, ErrModifyUnsupported)
	}
	req := alpaca.ReplaceOrderRequest{ClientOrderID: spec.ClientOrderID}
	if spec.Quantity > 0 {
		qty := decimal.NewFromFloat(spec.Quantity)
		req.Qty = &qty
	}
	if spec.LimitPrice > 0 {
		lp := decimal.NewFromFloat(spec.LimitPrice).Round(2)
		req.LimitPrice = &lp
	}
	o, err := util.CallWithContext(ctx, func() (*alpaca.Order, error) { return b.client.ReplaceOrder(brokerOrderID, req) })
	if err != nil {
		return PlaceResult{}, handleAlpacaError(err, op)
	}
	return placeResult(op, *o)
}

func placeResult(op string, o alpaca.Order) (PlaceResult, error) {
	bo := fromAlpacaOrder(o)
	if bo.Status == domain.OrderStatusRejected {
		return PlaceResult{}, fmt.Errorf("%s failed: %w: status %s", op, ErrRejected, bo.RawStatus)
	}
	status := domain.OrderStatusOngoing
	if bo.Status == domain.OrderStatusExecuted {
		status = domain.OrderStatusExecuted
	}
	return PlaceResult{
		BrokerOrderID: bo.BrokerOrderID,
		Status:        status,
		FilledQty:     bo.FilledQty,
		AvgFillPrice:  bo.AvgFillPrice,
	}, nil
}

// CancelOrder requests cancellation via DELETE /v2/orders/{id} and reports
// the order's status afterwards.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, brokerOrderID string) (domain.OrderStatus, error) {
	const op = "CancelOrder"
	if _, err := util.CallWithContext(ctx, func() (struct{}, error) {
		return struct{}{}, b.client.CancelOrder(brokerOrderID)
	}); err != nil {
		return "", handleAlpacaError(err, op)
	}
	o, err := util.CallWithContext(ctx, func() (*alpaca.Order, error) { return b.client.GetOrder(brokerOrderID) })
	if err != nil {
		// The cancel was accepted; the follow-up read is informational.
		return domain.OrderStatusCancelled, nil
	}
	bo := fromAlpacaOrder(*o)
	if bo.RawStatus == "pending_cancel" {
		return domain.OrderStatusCancelled, nil
	}
	return bo.Status, nil
}

// GetOrders lists all orders submitted since the given time, oldest first.
func (b *AlpacaBroker) GetOrders(ctx context.Context, since time.Time) ([]BrokerOrder, error) {
	const op = "GetOrders"
	req := alpaca.GetOrdersRequest{
		Status:    "all",
		Limit:     500,
		After:     since,
		Direction: "asc",
	}
	orders, err := util.CallWithContext(ctx, func() ([]alpaca.Order, error) { return b.client.GetOrders(req) })
	if err != nil {
		return nil, handleAlpacaError(err, op)
	}
	out := make([]BrokerOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, fromAlpacaOrder(o))
	}
	return out, nil
}

// GetHoldings returns all open positions.
func (b *AlpacaBroker) GetHoldings(ctx context.Context) ([]Holding, error) {
	const op = "GetHoldings"
	positions, err := util.CallWithContext(ctx, b.client.GetPositions)
	if err != nil {
		return nil, handleAlpacaError(err, op)
	}
	out := make([]Holding, 0, len(positions))
	for _, p := range positions {
		h := Holding{
			Symbol:   strings.ToUpper(p.Symbol),
			Quantity: p.Qty.InexactFloat64(),
			AvgCost:  p.AvgEntryPrice.InexactFloat64(),
		}
		if p.CurrentPrice != nil {
			h.MarketPrice = p.CurrentPrice.InexactFloat64()
		}
		out = append(out, h)
	}
	return out, nil
}

// GetFunds returns buying power and cash. It doubles as the session's
// authentication check.
func (b *AlpacaBroker) GetFunds(ctx context.Context) (Funds, error) {
	const op = "GetFunds"
	acct, err := util.CallWithContext(ctx, b.client.GetAccount)
	if err != nil {
		return Funds{}, handleAlpacaError(err, op)
	}
	return Funds{
		Available: acct.BuyingPower.InexactFloat64(),
		Cash:      acct.Cash.InexactFloat64(),
	}, nil
}

// handleAlpacaError translates Alpaca API errors into the standard broker
// errors, keeping the original for context.
func handleAlpacaError(err error, op string) error {
	if err == nil {
		return nil
	}
	if ctxErr := contextError(err); ctxErr != nil {
		return fmt.Errorf("%s failed: %w: %w", op, ctxErr, err)
	}

	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		var mapped error
		msg := strings.ToLower(apiErr.Message)
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			mapped = ErrRateLimited
		case apiErr.StatusCode == http.StatusForbidden &&
			(strings.Contains(msg, "insufficient") || strings.Contains(msg, "buying power")):
			mapped = ErrInsufficientFunds
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			mapped = ErrAuthentication
		case apiErr.StatusCode == http.StatusNotFound:
			mapped = ErrOrderNotFound
		case apiErr.StatusCode == http.StatusUnprocessableEntity || apiErr.StatusCode == http.StatusBadRequest:
			mapped = ErrRejected
		case apiErr.StatusCode >= 500:
			mapped = ErrUnavailable
		default:
			mapped = ErrRejected
		}
		return fmt.Errorf("%s failed: %w: %w", op, mapped, err)
	}
	return fmt.Errorf("%s failed: %w: %w", op, ErrUnavailable, err)
}

func alpacaSide(s domain.OrderSide) alpaca.Side {
	if s == domain.OrderSideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func fromAlpacaOrder(o alpaca.Order) BrokerOrder {
	bo := BrokerOrder{
		BrokerOrderID: o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        strings.ToUpper(o.Symbol),
		Side:          domain.OrderSideBuy,
		Type:          domain.OrderTypeMarket,
		FilledQty:     o.FilledQty.InexactFloat64(),
		RawStatus:     o.Status,
		Status:        mapAlpacaStatus(o.Status),
		SubmittedAt:   o.SubmittedAt,
		FilledAt:      o.FilledAt,
	}
	if o.Side == alpaca.Sell {
		bo.Side = domain.OrderSideSell
	}
	if o.Type == alpaca.Limit {
		bo.Type = domain.OrderTypeLimit
	}
	if o.Qty != nil {
		bo.Quantity = o.Qty.InexactFloat64()
	}
	if o.LimitPrice != nil {
		bo.LimitPrice = o.LimitPrice.InexactFloat64()
	}
	if o.FilledAvgPrice != nil {
		bo.AvgFillPrice = o.FilledAvgPrice.InexactFloat64()
	}
	if o.ReplacedBy != nil {
		bo.ReplacedBy = *o.ReplacedBy
	}
	if bo.SubmittedAt.IsZero() {
		bo.SubmittedAt = o.CreatedAt
	}
	return bo
}

// mapAlpacaStatus folds Alpaca's order states onto the local lifecycle.
func mapAlpacaStatus(s string) domain.OrderStatus {
	switch s {
	case "filled":
		return domain.OrderStatusExecuted
	case "canceled", "expired", "replaced":
		return domain.OrderStatusCancelled
	case "rejected", "suspended":
		return domain.OrderStatusRejected
	default:
		// new, accepted, pending_new, partially_filled, pending_cancel,
		// pending_replace, held, calculated, done_for_day, stopped.
		return domain.OrderStatusOngoing
	}
}
