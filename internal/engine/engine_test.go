package engine

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pyramid/internal/broker"
	"pyramid/internal/domain"
	"pyramid/internal/marketdata"
	"pyramid/internal/notify"
	"pyramid/internal/store"
)

var t0 = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

type noteRecorder struct {
	mu     sync.Mutex
	events []string
}

func (n *noteRecorder) Send(_ context.Context, _, eventType string, _ notify.Payload) error {
	n.mu.Lock()
	n.events = append(n.events, eventType)
	n.mu.Unlock()
	return nil
}

func (n *noteRecorder) has(event string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e == event {
			return true
		}
	}
	return false
}

type harness struct {
	mu     sync.Mutex
	clock  time.Time
	sim    *broker.SimulatorBroker
	db     *store.SQLiteStore
	orders store.OrderStore
	market *marketdata.Static
	notes  *noteRecorder
	mgr    *Manager
}

func (h *harness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.clock = h.clock.Add(d)
	h.mu.Unlock()
}

type harnessOption func(*harness, *Deps)

func withBroker(wrap func(broker.Broker) broker.Broker) harnessOption {
	return func(_ *harness, d *Deps) { d.Broker = wrap(d.Broker) }
}

func withOrders(wrap func(store.OrderStore) store.OrderStore) harnessOption {
	return func(h *harness, d *Deps) {
		d.Orders = wrap(d.Orders)
		h.orders = d.Orders
	}
}

func newHarness(t *testing.T, cash float64, opts Options, hopts ...harnessOption) *harness {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "pyramid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		clock:  t0,
		sim:    broker.NewSimulatorBroker(cash),
		db:     db,
		orders: db,
		market: marketdata.NewStatic(),
		notes:  &noteRecorder{},
	}
	h.sim.SetClock(h.now)

	deps := Deps{
		Broker:    h.sim,
		Orders:    db,
		Positions: db,
		Market:    h.market,
		Notifier:  h.notes,
		Risk:      NewRiskManager(1000),
		Log:       slog.New(slog.DiscardHandler),
	}
	for _, o := range hopts {
		o(h, &deps)
	}
	if opts.StoreRetryDelay == 0 {
		opts.StoreRetryDelay = time.Millisecond
	}
	h.mgr = NewManager("u1", deps, opts)
	h.mgr.SetClock(h.now)
	return h
}

func (h *harness) setPrice(symbol string, price float64) {
	h.sim.SetPrice(symbol, price)
	h.market.SetPrice(symbol, price)
}

func marketBuy(symbol string, qty float64) PlaceRequest {
	return PlaceRequest{Symbol: symbol, Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket,
		Quantity: qty, EntryType: domain.EntryTypeInitial}
}

func TestPlaceMarketFillOpensPosition(t *testing.T) {
	h := newHarness(t, 10000, Options{})
	h.setPrice("X", 100)
	h.market.SetOscillator("X", 25)
	ctx := context.Background()

	o, err := h.mgr.Place(ctx, marketBuy("X", 5))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusExecuted, o.Status)
	assert.NotEmpty(t, o.BrokerOrderID)
	assert.Equal(t, 100.0, o.RefPrice)

	stored, err := h.db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusExecuted, stored.Status)
	assert.Equal(t, 5.0, stored.FilledQty)

	p, err := h.db.GetOpenPosition(ctx, "u1", "X")
	require.NoError(t, err)
	assert.Equal(t, 5.0, p.Quantity)
	assert.Equal(t, 100.0, p.AvgEntryPrice)
	require.NotNil(t, p.EntryOscillator)
	assert.Equal(t, 25.0, *p.EntryOscillator)
}

func TestPlaceLimitRestsUntilSync(t *testing.T) {
	h := newHarness(t, 10000, Options{})
	h.setPrice("X", 100)
	ctx := context.Background()

	o, err := h.mgr.Place(ctx, PlaceRequest{Symbol: "X", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		Quantity: 3, LimitPrice: 95, EntryType: domain.EntryTypeInitial})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOngoing, o.Status)

	n, err := h.mgr.SyncStatuses(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.sim.SetPrice("X", 94)
	n, err = h.mgr.SyncStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := h.db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusExecuted, stored.Status)
	p, err := h.db.GetOpenPosition(ctx, "u1", "X")
	require.NoError(t, err)
	assert.Equal(t, 3.0, p.Quantity)
	assert.Equal(t, 95.0, p.AvgEntryPrice)
}

func TestPlaceRejectsSecondOpenOrder(t *testing.T) {
	h := newHarness(t, 10000, Options{})
	h.setPrice("X", 100)
	ctx := context.Background()

	limit := PlaceRequest{Symbol: "X", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		Quantity: 1, LimitPrice: 90, EntryType: domain.EntryTypeInitial}
	_, err := h.mgr.Place(ctx, limit)
	require.NoError(t, err)

	_, err = h.mgr.Place(ctx, limit)
	assert.ErrorIs(t, err, ErrDuplicateInFlight)
	assert.Equal(t, 1, h.sim.Calls("PlaceOrder"))
}

// gatedBroker blocks PlaceOrder until released.
type gatedBroker struct {
	broker.Broker
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedBroker) PlaceOrder(ctx context.Context, spec broker.OrderSpec) (broker.PlaceResult, error) {
	g.entered <- struct{}{}
	<-g.gate
	return g.Broker.PlaceOrder(ctx, spec)
}

func TestConcurrentPlaceSingleBrokerCall(t *testing.T) {
	gate := &gatedBroker{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	h := newHarness(t, 10000, Options{}, withBroker(func(b broker.Broker) broker.Broker {
		gate.Broker = b
		return gate
	}))
	h.setPrice("X", 100)
	ctx := context.Background()

	type result struct {
		o   *domain.Order
		err error
	}
	first := make(chan result, 1)
	go func() {
		o, err := h.mgr.Place(ctx, marketBuy("X", 1))
		first <- result{o, err}
	}()
	<-gate.entered

	_, err := h.mgr.Place(ctx, marketBuy("X", 1))
	assert.ErrorIs(t, err, ErrDuplicateInFlight)

	close(gate.gate)
	r := <-first
	require.NoError(t, r.err)
	assert.Equal(t, domain.OrderStatusExecuted, r.o.Status)
	assert.Equal(t, 1, h.sim.Calls("PlaceOrder"))
}

func TestPlaceInsufficientFundsQueues(t *testing.T) {
	h := newHarness(t, 100, Options{MaxRetryAttempts: 3, BackoffMin: time.Minute, BackoffMax: time.Hour})
	h.setPrice("X", 100)
	ctx := context.Background()

	o, err := h.mgr.Place(ctx, marketBuy("X", 5))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRetryPending, o.Status)
	assert.Equal(t, 1, o.RetryAttempts)
	assert.Equal(t, t0.Add(time.Minute), o.NextAttemptAt)
	assert.Contains(t, o.LastError, "insufficient")
	assert.True(t, h.notes.has(notify.EventInsufficientFunds))

	stored, err := h.db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRetryPending, stored.Status)
	assert.Equal(t, 100.0, stored.RefPrice)
}

func TestRetryBoundMakesExactlyMaxAttempts(t *testing.T) {
	h := newHarness(t, 10000, Options{MaxRetryAttempts: 3, BackoffMin: time.Minute, BackoffMax: time.Hour,
		PriceTolerance: 0.02})
	h.setPrice("X", 100)
	for i := 0; i < 5; i++ {
		h.sim.FailNext("PlaceOrder", broker.ErrUnavailable)
	}
	ctx := context.Background()

	o, err := h.mgr.Place(ctx, marketBuy("X", 1))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusRetryPending, o.Status)

	// Not yet due.
	sum, err := h.mgr.RetryPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Due)

	h.advance(time.Hour)
	sum, err = h.mgr.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Requeued)

	h.advance(time.Hour)
	sum, err = h.mgr.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Rejected)

	stored, err := h.db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, stored.Status)
	assert.Equal(t, 3, stored.RetryAttempts)
	assert.Contains(t, stored.RejectReason, "exhausted")
	assert.Equal(t, 3, h.sim.Calls("PlaceOrder"))
	assert.True(t, h.notes.has(notify.EventRetryExhausted))

	h.advance(time.Hour)
	sum, err = h.mgr.RetryPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Due)
	assert.Equal(t, 3, h.sim.Calls("PlaceOrder"))
}

func TestRetryAdoptsOrderFoundAtBroker(t *testing.T) {
	h := newHarness(t, 10000, Options{MaxRetryAttempts: 3, BackoffMin: time.Minute, BackoffMax: time.Hour})
	h.setPrice("X", 100)
	h.sim.FailNext("PlaceOrder", broker.ErrTimeout)
	ctx := context.Background()

	o, err := h.mgr.Place(ctx, marketBuy("X", 2))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusRetryPending, o.Status)

	// The timed-out request did reach the broker.
	h.sim.AddExternalOrder(broker.BrokerOrder{
		ClientOrderID: o.ClientOrderID,
		Symbol:        "X",
		Side:          domain.OrderSideBuy,
		Type:          domain.OrderTypeMarket,
		Quantity:      2,
		AvgFillPrice:  100,
		Status:        domain.OrderStatusExecuted,
	})

	h.advance(time.Hour)
	sum, err := h.mgr.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Adopted)
	assert.Equal(t, 1, h.sim.Calls("PlaceOrder"))

	stored, err := h.db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusExecuted, stored.Status)
	assert.NotEmpty(t, stored.BrokerOrderID)

	p, err := h.db.GetOpenPosition(ctx, "u1", "X")
	require.NoError(t, err)
	assert.Equal(t, 2.0, p.Quantity)
}

func TestRetryRejectsStalePrice(t *testing.T) {
	h := newHarness(t, 10000, Options{MaxRetryAttempts: 3, BackoffMin: time.Minute, BackoffMax: time.Hour,
		PriceTolerance: 0.02})
	h.setPrice("X", 100)
	h.sim.FailNext("PlaceOrder", broker.ErrRateLimited)
	ctx := context.Background()

	o, err := h.mgr.Place(ctx, marketBuy("X", 1))
	require.NoError(t, err)

	h.setPrice("X", 103)
	h.advance(time.Hour)
	sum, err := h.mgr.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Rejected)
	assert.Equal(t, 1, h.sim.Calls("PlaceOrder"))

	stored, err := h.db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, stored.Status)
	assert.Contains(t, stored.RejectReason, "tolerance")
	assert.True(t, h.notes.has(notify.EventOrderStale))
}

func TestRetryFundsCheckCountsAttempt(t *testing.T) {
	h := newHarness(t, 150, Options{MaxRetryAttempts: 3, BackoffMin: time.Minute, BackoffMax: time.Hour})
	h.setPrice("X", 100)
	ctx := context.Background()

	o, err := h.mgr.Place(ctx, marketBuy("X", 2))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusRetryPending, o.Status)

	h.advance(time.Hour)
	sum, err := h.mgr.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Requeued)

	h.advance(time.Hour)
	sum, err = h.mgr.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Rejected)

	// Only the original placement reached the broker.
	assert.Equal(t, 1, h.sim.Calls("PlaceOrder"))
}

func TestRejectionIsTerminalAndNotified(t *testing.T) {
	h := newHarness(t, 10000, Options{})
	h.setPrice("X", 100)
	h.sim.FailNext("PlaceOrder", broker.ErrRejected)
	ctx := context.Background()

	o, err := h.mgr.Place(ctx, marketBuy("X", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrRejected)
	require.NotNil(t, o)
	assert.Equal(t, domain.OrderStatusRejected, o.Status)
	assert.True(t, h.notes.has(notify.EventOrderRejected))

	queued, err := h.db.ListOrdersByStatus(ctx, "u1", domain.OrderStatusRetryPending)
	require.NoError(t, err)
	assert.Empty(t, queued)

	// A rejected order frees the key.
	_, err = h.mgr.Place(ctx, marketBuy("X", 1))
	assert.NoError(t, err)
}

// flakyOrders fails the first n UpdateOrder calls.
type flakyOrders struct {
	store.OrderStore
	mu   sync.Mutex
	left int
}

func (f *flakyOrders) UpdateOrder(ctx context.Context, o *domain.Order) error {
	f.mu.Lock()
	fail := f.left > 0
	if fail {
		f.left--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return f.OrderStore.UpdateOrder(ctx, o)
}

func TestStoreWriteRetriedAfterBrokerSuccess(t *testing.T) {
	flaky := &flakyOrders{left: 3}
	h := newHarness(t, 10000, Options{}, withOrders(func(s store.OrderStore) store.OrderStore {
		flaky.OrderStore = s
		return flaky
	}))
	h.setPrice("X", 100)
	ctx := context.Background()

	o, err := h.mgr.Place(ctx, marketBuy("X", 1))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusExecuted, o.Status)
	assert.Equal(t, 1, h.sim.Calls("PlaceOrder"))

	stored, err := h.db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusExecuted, stored.Status)
	assert.Equal(t, o.BrokerOrderID, stored.BrokerOrderID)
}

func seedHolding(t *testing.T, h *harness, symbol string, qty, price float64) {
	t.Helper()
	h.sim.SetHolding(symbol, qty, price)
	require.NoError(t, h.db.UpsertBySymbol(context.Background(), domain.NewPosition("u1", symbol, qty, price, nil, t0)))
}

func placeExit(t *testing.T, h *harness, symbol string, qty, limit float64) *domain.Order {
	t.Helper()
	o, err := h.mgr.Place(context.Background(), PlaceRequest{Symbol: symbol, Side: domain.OrderSideSell,
		Type: domain.OrderTypeLimit, Quantity: qty, LimitPrice: limit, EntryType: domain.EntryTypeExit})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusOngoing, o.Status)
	return o
}

func TestModifyLimitToMarket(t *testing.T) {
	h := newHarness(t, 0, Options{})
	h.setPrice("X", 100)
	seedHolding(t, h, "X", 10, 90)
	ctx := context.Background()
	o := placeExit(t, h, "X", 10, 120)

	res, err := h.mgr.Modify(ctx, o.ID, ModifySpec{Type: domain.OrderTypeMarket})
	require.NoError(t, err)
	assert.Equal(t, PathModify, res.Path)
	assert.Equal(t, o.ID, res.Order.ID)
	assert.Equal(t, domain.OrderStatusExecuted, res.Order.Status)

	_, err = h.db.GetOpenPosition(ctx, "u1", "X")
	assert.ErrorIs(t, err, store.ErrNotFound)
	closed, err := h.db.ListPositionsClosedSince(ctx, "u1", t0)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.InDelta(t, 100.0, closed[0].RealizedPnL, 1e-9)
}

func TestSpecExtendedHoursOnlyForLimitOrders(t *testing.T) {
	h := newHarness(t, 0, Options{ExtendedHours: true})
	assert.False(t, h.mgr.spec(&domain.Order{Type: domain.OrderTypeMarket}).ExtendedHours)
	assert.True(t, h.mgr.spec(&domain.Order{Type: domain.OrderTypeLimit, LimitPrice: 10}).ExtendedHours)

	h = newHarness(t, 0, Options{})
	assert.False(t, h.mgr.spec(&domain.Order{Type: domain.OrderTypeLimit, LimitPrice: 10}).ExtendedHours)
}

// replacingBroker modifies the way Alpaca does: the old order is closed out
// and a new one with a new broker ID takes its place.
type replacingBroker struct {
	*broker.SimulatorBroker
	clientIDs []string
}

func (r *replacingBroker) ModifyOrder(ctx context.Context, brokerOrderID string, spec broker.OrderSpec) (broker.PlaceResult, error) {
	r.clientIDs = append(r.clientIDs, spec.ClientOrderID)
	old, ok := r.Order(brokerOrderID)
	if !ok {
		return broker.PlaceResult{}, broker.ErrOrderNotFound
	}
	if spec.ClientOrderID == old.ClientOrderID {
		return broker.PlaceResult{}, broker.ErrRejected
	}
	if err := r.SetOrderStatus(brokerOrderID, domain.OrderStatusCancelled, 0); err != nil {
		return broker.PlaceResult{}, err
	}
	return r.PlaceOrder(ctx, spec)
}

func TestModifyTracksReplacementOrder(t *testing.T) {
	var rb *replacingBroker
	h := newHarness(t, 0, Options{}, withBroker(func(b broker.Broker) broker.Broker {
		rb = &replacingBroker{SimulatorBroker: b.(*broker.SimulatorBroker)}
		return rb
	}))
	h.setPrice("X", 100)
	seedHolding(t, h, "X", 10, 90)
	ctx := context.Background()
	o := placeExit(t, h, "X", 10, 120)

	res, err := h.mgr.Modify(ctx, o.ID, ModifySpec{LimitPrice: 115})
	require.NoError(t, err)
	assert.Equal(t, PathModify, res.Path)
	require.Len(t, rb.clientIDs, 1)
	assert.NotEqual(t, o.ClientOrderID, rb.clientIDs[0])

	stored, err := h.db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.NotEqual(t, o.BrokerOrderID, stored.BrokerOrderID)
	assert.Equal(t, rb.clientIDs[0], stored.ClientOrderID)
	assert.Equal(t, 115.0, stored.LimitPrice)

	_, err = h.mgr.SyncStatuses(ctx)
	require.NoError(t, err)
	stored, err = h.db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOngoing, stored.Status)

	h.setPrice("X", 116)
	_, err = h.mgr.SyncStatuses(ctx)
	require.NoError(t, err)
	stored, err = h.db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusExecuted, stored.Status)
}

func TestModifyFallsBackToCancelReplace(t *testing.T) {
	h := newHarness(t, 0, Options{})
	h.setPrice("X", 100)
	seedHolding(t, h, "X", 10, 90)
	h.sim.FailNext("ModifyOrder", broker.ErrModifyUnsupported)
	ctx := context.Background()
	o := placeExit(t, h, "X", 10, 120)

	res, err := h.mgr.Modify(ctx, o.ID, ModifySpec{Type: domain.OrderTypeMarket})
	require.NoError(t, err)
	assert.Equal(t, PathCancelReplace, res.Path)
	assert.NotEqual(t, o.ID, res.Order.ID)
	assert.Equal(t, domain.OrderStatusExecuted, res.Order.Status)
	assert.Equal(t, domain.EntryTypeExit, res.Order.EntryType)

	orig, err := h.db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, orig.Status)
}

func TestModifyCancelFailureLeavesOriginal(t *testing.T) {
	h := newHarness(t, 0, Options{})
	h.setPrice("X", 100)
	seedHolding(t, h, "X", 10, 90)
	h.sim.FailNext("ModifyOrder", broker.ErrModifyUnsupported)
	h.sim.FailNext("CancelOrder", broker.ErrUnavailable)
	ctx := context.Background()
	o := placeExit(t, h, "X", 10, 120)

	res, err := h.mgr.Modify(ctx, o.ID, ModifySpec{Type: domain.OrderTypeMarket})
	require.Error(t, err)
	assert.Equal(t, PathFailed, res.Path)
	assert.Equal(t, 1, h.sim.Calls("PlaceOrder"))

	orig, err := h.db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOngoing, orig.Status)
	assert.Equal(t, 120.0, orig.LimitPrice)
}

func TestModifyReplaceFailureLeavesCancelled(t *testing.T) {
	h := newHarness(t, 0, Options{})
	h.setPrice("X", 100)
	seedHolding(t, h, "X", 10, 90)
	h.sim.FailNext("ModifyOrder", broker.ErrModifyUnsupported)
	ctx := context.Background()
	o := placeExit(t, h, "X", 10, 120)
	h.sim.FailNext("PlaceOrder", broker.ErrRejected)

	res, err := h.mgr.Modify(ctx, o.ID, ModifySpec{Type: domain.OrderTypeMarket})
	require.Error(t, err)
	assert.Equal(t, PathFailed, res.Path)

	orig, err := h.db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, orig.Status)
}

func TestModifyAndCancelRequireOngoing(t *testing.T) {
	h := newHarness(t, 10000, Options{})
	h.setPrice("X", 100)
	ctx := context.Background()

	o, err := h.mgr.Place(ctx, marketBuy("X", 1))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusExecuted, o.Status)

	_, err = h.mgr.Modify(ctx, o.ID, ModifySpec{LimitPrice: 99})
	assert.ErrorIs(t, err, ErrNotModifiable)
	_, err = h.mgr.Cancel(ctx, o.ID)
	assert.ErrorIs(t, err, ErrNotModifiable)
}

func TestCancelOngoing(t *testing.T) {
	h := newHarness(t, 10000, Options{})
	h.setPrice("X", 100)
	ctx := context.Background()

	o, err := h.mgr.Place(ctx, PlaceRequest{Symbol: "X", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		Quantity: 1, LimitPrice: 90, EntryType: domain.EntryTypeInitial})
	require.NoError(t, err)

	got, err := h.mgr.Cancel(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)
	assert.NotNil(t, got.ClosedAt)
}

func TestFillAnomalyNotApplied(t *testing.T) {
	h := newHarness(t, 10000, Options{})
	ctx := context.Background()

	sell := domain.NewOrder("u1", "X", domain.OrderSideSell, domain.OrderTypeMarket, 5, 0, domain.EntryTypeExit, t0)
	require.NoError(t, sell.Transition(domain.OrderStatusOngoing, t0))
	sell.AvgFillPrice = 100
	require.NoError(t, sell.Transition(domain.OrderStatusExecuted, t0))
	require.NoError(t, h.mgr.ApplyFill(ctx, sell))

	reentry := domain.NewOrder("u1", "Y", domain.OrderSideBuy, domain.OrderTypeMarket, 5, 0, domain.EntryTypeReentry, t0)
	reentry.ReentryLevel = domain.L1
	require.NoError(t, reentry.Transition(domain.OrderStatusOngoing, t0))
	reentry.AvgFillPrice = 100
	require.NoError(t, reentry.Transition(domain.OrderStatusExecuted, t0))
	require.NoError(t, h.mgr.ApplyFill(ctx, reentry))

	open, err := h.db.ListOpenPositions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.True(t, h.notes.has(notify.EventFillAnomaly))
}

func TestRiskManagerSize(t *testing.T) {
	rm := NewRiskManager(1000)
	tests := []struct {
		name             string
		price, available float64
		want             float64
	}{
		{"capital bound", 102.5, 10000, 9},
		{"funds bound", 102.5, 500, 4},
		{"no funds", 102.5, 50, 0},
		{"no price", 0, 10000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rm.Size(tt.price, tt.available))
		})
	}

	err := rm.CheckFunds(domain.OrderSideBuy, 10, 100, broker.Funds{Available: 500})
	assert.ErrorIs(t, err, broker.ErrInsufficientFunds)
	assert.NoError(t, rm.CheckFunds(domain.OrderSideSell, 10, 100, broker.Funds{}))
}
