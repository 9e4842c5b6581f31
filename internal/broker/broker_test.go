package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pyramid/internal/domain"
	"pyramid/internal/util"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{fmt.Errorf("x: %w", ErrRateLimited), KindTransient},
		{fmt.Errorf("x: %w", ErrInsufficientFunds), KindTransient},
		{fmt.Errorf("x: %w", ErrCircuitOpen), KindTransient},
		{errors.New("connection reset"), KindTransient},
		{fmt.Errorf("x: %w", ErrRejected), KindRejected},
		{fmt.Errorf("x: %w", ErrModifyUnsupported), KindRejected},
		{fmt.Errorf("x: %w", ErrAuthentication), KindFatal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "Classify(%v)", tt.err)
		assert.Equal(t, tt.want == KindTransient, IsRetryable(tt.err), "IsRetryable(%v)", tt.err)
	}
}

// ---------------------------------------------------------------------------
// Alpaca adapter
// ---------------------------------------------------------------------------

type fakeAlpaca struct {
	placed    []alpaca.PlaceOrderRequest
	replaced  []alpaca.ReplaceOrderRequest
	cancelled []string
	placeErr  error
	order     *alpaca.Order
	replaceTo *alpaca.Order
	orders    []alpaca.Order
}

// PlaceOrder applies Alpaca's rule that extended hours are for DAY limit
// orders only.
func (f *fakeAlpaca) PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error) {
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	if req.ExtendedHours && (req.Type != alpaca.Limit || req.TimeInForce != alpaca.Day) {
		return nil, &alpaca.APIError{StatusCode: http.StatusUnprocessableEntity,
			Message: "extended hours order must be DAY limit orders"}
	}
	return f.order, nil
}

func (f *fakeAlpaca) ReplaceOrder(_ string, req alpaca.ReplaceOrderRequest) (*alpaca.Order, error) {
	f.replaced = append(f.replaced, req)
	for _, o := range f.placed {
		if req.ClientOrderID != "" && o.ClientOrderID == req.ClientOrderID {
			return nil, &alpaca.APIError{StatusCode: http.StatusUnprocessableEntity,
				Message: "client_order_id must be unique"}
		}
	}
	if f.replaceTo != nil {
		return f.replaceTo, nil
	}
	return f.order, nil
}
func (f *fakeAlpaca) CancelOrder(id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}
func (f *fakeAlpaca) GetOrder(string) (*alpaca.Order, error) { return f.order, nil }
func (f *fakeAlpaca) GetOrders(alpaca.GetOrdersRequest) ([]alpaca.Order, error) {
	return f.orders, nil
}
func (f *fakeAlpaca) GetPositions() ([]alpaca.Position, error) {
	return []alpaca.Position{{Symbol: "aapl", Qty: decimal.NewFromInt(10), AvgEntryPrice: decimal.NewFromFloat(150.5)}}, nil
}
func (f *fakeAlpaca) GetAccount() (*alpaca.Account, error) {
	return &alpaca.Account{Cash: decimal.NewFromInt(5000), BuyingPower: decimal.NewFromInt(10000)}, nil
}

func dec(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

func TestAlpacaPlaceLimitOrder(t *testing.T) {
	fake := &fakeAlpaca{order: &alpaca.Order{ID: "a1", Status: "new", Symbol: "X", Qty: dec(5)}}
	b := newAlpacaBrokerWithClient(fake)

	res, err := b.PlaceOrder(context.Background(), OrderSpec{
		Symbol: "X", Side: domain.OrderSideSell, Type: domain.OrderTypeLimit,
		Quantity: 5, LimitPrice: 102.504, ClientOrderID: "pyr-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "a1", res.BrokerOrderID)
	assert.Equal(t, domain.OrderStatusOngoing, res.Status)

	require.Len(t, fake.placed, 1)
	req := fake.placed[0]
	assert.Equal(t, alpaca.Limit, req.Type)
	assert.Equal(t, alpaca.Sell, req.Side)
	assert.Equal(t, "102.5", req.LimitPrice.String())
	assert.Equal(t, "pyr-1", req.ClientOrderID)
}

func TestAlpacaErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		msg    string
		want   error
	}{
		{http.StatusTooManyRequests, "rate limit exceeded", ErrRateLimited},
		{http.StatusForbidden, "insufficient buying power", ErrInsufficientFunds},
		{http.StatusUnauthorized, "unauthorized", ErrAuthentication},
		{http.StatusUnprocessableEntity, "qty must be > 0", ErrRejected},
		{http.StatusBadGateway, "bad gateway", ErrUnavailable},
	}
	for _, tt := range tests {
		fake := &fakeAlpaca{placeErr: &alpaca.APIError{StatusCode: tt.status, Message: tt.msg}}
		_, err := newAlpacaBrokerWithClient(fake).PlaceOrder(context.Background(),
			OrderSpec{Symbol: "X", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 1})
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
	}
}

func TestAlpacaModifyToMarketUnsupported(t *testing.T) {
	b := newAlpacaBrokerWithClient(&fakeAlpaca{})
	_, err := b.ModifyOrder(context.Background(), "a1", OrderSpec{Type: domain.OrderTypeMarket})
	assert.ErrorIs(t, err, ErrModifyUnsupported)
}

func TestAlpacaExtendedHoursOnlyOnLimitOrders(t *testing.T) {
	ctx := context.Background()
	fake := &fakeAlpaca{order: &alpaca.Order{ID: "a1", Status: "new", Symbol: "X", Qty: dec(5)}}
	b := newAlpacaBrokerWithClient(fake)

	_, err := b.PlaceOrder(ctx, OrderSpec{Symbol: "X", Side: domain.OrderSideSell, Type: domain.OrderTypeLimit,
		Quantity: 5, LimitPrice: 101, ClientOrderID: "pyr-1", ExtendedHours: true})
	require.NoError(t, err)
	assert.True(t, fake.placed[0].ExtendedHours)

	// Escalating the exit: the limit cannot become a market order in place,
	// so it is cancelled and a market order placed even with extended
	// hours enabled for the account.
	_, err = b.ModifyOrder(ctx, "a1", OrderSpec{Symbol: "X", Side: domain.OrderSideSell,
		Type: domain.OrderTypeMarket, Quantity: 5, ClientOrderID: "pyr-2", ExtendedHours: true})
	require.ErrorIs(t, err, ErrModifyUnsupported)
	_, err = b.CancelOrder(ctx, "a1")
	require.NoError(t, err)

	fake.order = &alpaca.Order{ID: "a2", Status: "filled", Symbol: "X", Type: alpaca.Market,
		Qty: dec(5), FilledQty: decimal.NewFromInt(5), FilledAvgPrice: dec(99)}
	res, err := b.PlaceOrder(ctx, OrderSpec{Symbol: "X", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket,
		Quantity: 5, ClientOrderID: "pyr-3", ExtendedHours: true})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusExecuted, res.Status)
	assert.False(t, fake.placed[1].ExtendedHours)
	assert.Equal(t, []string{"a1"}, fake.cancelled)
}

func TestAlpacaModifyReturnsReplacementID(t *testing.T) {
	ctx := context.Background()
	fake := &fakeAlpaca{order: &alpaca.Order{ID: "orig", Status: "new", Symbol: "X", Qty: dec(5)}}
	b := newAlpacaBrokerWithClient(fake)
	_, err := b.PlaceOrder(ctx, OrderSpec{Symbol: "X", Side: domain.OrderSideSell, Type: domain.OrderTypeLimit,
		Quantity: 5, LimitPrice: 101, ClientOrderID: "pyr-orig"})
	require.NoError(t, err)

	_, err = b.ModifyOrder(ctx, "orig", OrderSpec{Type: domain.OrderTypeLimit, LimitPrice: 102, ClientOrderID: "pyr-orig"})
	assert.ErrorIs(t, err, ErrRejected)

	fake.replaceTo = &alpaca.Order{ID: "new-id", ClientOrderID: "pyr-next", Status: "new", Symbol: "X",
		Type: alpaca.Limit, Qty: dec(5), LimitPrice: dec(102)}
	res, err := b.ModifyOrder(ctx, "orig", OrderSpec{Type: domain.OrderTypeLimit, LimitPrice: 102, ClientOrderID: "pyr-next"})
	require.NoError(t, err)
	assert.Equal(t, "new-id", res.BrokerOrderID)
	assert.Equal(t, domain.OrderStatusOngoing, res.Status)
	assert.Equal(t, "102", fake.replaced[1].LimitPrice.String())
}

func TestAlpacaReads(t *testing.T) {
	filled := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
	fake := &fakeAlpaca{orders: []alpaca.Order{
		{ID: "1", ClientOrderID: "manual-1", Symbol: "x", Side: alpaca.Buy, Type: alpaca.Market,
			Qty: dec(3), FilledQty: decimal.NewFromInt(3), FilledAvgPrice: dec(10), Status: "filled", FilledAt: &filled},
		{ID: "2", Symbol: "Y", Side: alpaca.Sell, Type: alpaca.Limit, LimitPrice: dec(20), Status: "expired"},
	}}
	b := newAlpacaBrokerWithClient(fake)
	ctx := context.Background()

	orders, err := b.GetOrders(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, domain.OrderStatusExecuted, orders[0].Status)
	assert.Equal(t, "X", orders[0].Symbol)
	assert.Equal(t, 10.0, orders[0].AvgFillPrice)
	assert.Equal(t, domain.OrderStatusCancelled, orders[1].Status)
	assert.Equal(t, domain.OrderTypeLimit, orders[1].Type)

	holdings, err := b.GetHoldings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Holding{{Symbol: "AAPL", Quantity: 10, AvgCost: 150.5}}, holdings)

	funds, err := b.GetFunds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10000.0, funds.Available)
}

// ---------------------------------------------------------------------------
// Simulator
// ---------------------------------------------------------------------------

func TestSimulatorFillsAndHoldings(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulatorBroker(1000)
	sim.SetPrice("X", 100)

	res, err := sim.PlaceOrder(ctx, OrderSpec{Symbol: "X", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 5, ClientOrderID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusExecuted, res.Status)
	assert.Equal(t, 100.0, res.AvgFillPrice)

	_, err = sim.PlaceOrder(ctx, OrderSpec{Symbol: "X", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 1, ClientOrderID: "c1"})
	assert.ErrorIs(t, err, ErrRejected, "duplicate client order id")

	_, err = sim.PlaceOrder(ctx, OrderSpec{Symbol: "X", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 10})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	exit, err := sim.PlaceOrder(ctx, OrderSpec{Symbol: "X", Side: domain.OrderSideSell, Type: domain.OrderTypeLimit, Quantity: 5, LimitPrice: 110})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOngoing, exit.Status)

	sim.SetPrice("X", 111)
	o, ok := sim.Order(exit.BrokerOrderID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusExecuted, o.Status)
	assert.Equal(t, 110.0, o.AvgFillPrice)

	holdings, err := sim.GetHoldings(ctx)
	require.NoError(t, err)
	assert.Empty(t, holdings)
	funds, err := sim.GetFunds(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1050.0, funds.Available, 1e-9)
}

func TestSimulatorFailNextAndCancel(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulatorBroker(1000)
	sim.SetHolding("X", 5, 90)
	sim.SetPrice("X", 100)

	res, err := sim.PlaceOrder(ctx, OrderSpec{Symbol: "X", Side: domain.OrderSideSell, Type: domain.OrderTypeLimit, Quantity: 5, LimitPrice: 120})
	require.NoError(t, err)

	sim.FailNext("ModifyOrder", ErrUnavailable)
	_, err = sim.ModifyOrder(ctx, res.BrokerOrderID, OrderSpec{Type: domain.OrderTypeMarket})
	assert.ErrorIs(t, err, ErrUnavailable)

	st, err := sim.CancelOrder(ctx, res.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, st)

	_, err = sim.CancelOrder(ctx, res.BrokerOrderID)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 2, sim.Calls("CancelOrder"))
}

// ---------------------------------------------------------------------------
// Guarded
// ---------------------------------------------------------------------------

type slowBroker struct {
	*SimulatorBroker
	delay time.Duration
}

func (s slowBroker) GetFunds(ctx context.Context) (Funds, error) {
	select {
	case <-time.After(s.delay):
		return Funds{}, nil
	case <-ctx.Done():
		return Funds{}, ctx.Err()
	}
}

type countingObserver struct{ n atomic.Int32 }

func (c *countingObserver) ObserveBrokerCall(string, string, string, time.Duration) { c.n.Add(1) }

func TestGuardedTimeoutAndBreaker(t *testing.T) {
	obs := &countingObserver{}
	breaker := util.NewCircuitBreaker(2, time.Hour)
	g := NewGuarded(slowBroker{NewSimulatorBroker(0), time.Second}, nil, breaker, 10*time.Millisecond, obs)
	ctx := context.Background()

	_, err := g.GetFunds(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, KindTransient, Classify(err))

	_, err = g.GetFunds(ctx)
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = g.GetFunds(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen, "breaker should open after two outages")
	assert.Equal(t, int32(3), obs.n.Load())
}

func TestGuardedRejectionDoesNotTripBreaker(t *testing.T) {
	sim := NewSimulatorBroker(0)
	breaker := util.NewCircuitBreaker(1, time.Hour)
	g := NewGuarded(sim, util.NewBurstRateLimiter(6000, 10), breaker, time.Second, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.PlaceOrder(ctx, OrderSpec{Symbol: "X", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 0})
		assert.ErrorIs(t, err, ErrRejected)
	}
	assert.Equal(t, "closed", breaker.State())
	assert.Equal(t, 3, sim.Calls("PlaceOrder"))
}
