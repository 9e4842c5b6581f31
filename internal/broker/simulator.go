package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pyramid/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker is an in-memory brokerage used for paper sessions and
// tests. Market orders fill immediately at the last set price; limit orders
// rest until SetPrice crosses them.
type SimulatorBroker struct {
	mu       sync.Mutex
	cash     float64
	prices   map[string]float64
	holdings map[string]*Holding
	orders   map[string]*BrokerOrder
	seq      int
	failures map[string][]error
	calls    map[string]int
	now      func() time.Time
}

// NewSimulatorBroker creates a SimulatorBroker with the given cash balance.
func NewSimulatorBroker(cash float64) *SimulatorBroker {
	return &SimulatorBroker{
		cash:     cash,
		prices:   make(map[string]float64),
		holdings: make(map[string]*Holding),
		orders:   make(map[string]*BrokerOrder),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		now:      time.Now,
	}
}

// Name returns "simulator".
func (s *SimulatorBroker) Name() string {
	return "simulator"
}

// SetClock overrides the time source.
func (s *SimulatorBroker) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetPrice sets the last price of symbol and fills resting limit orders it
// crosses.
func (s *SimulatorBroker) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	s.prices[symbol] = price
	for _, o := range s.orders {
		if o.Symbol == symbol && o.Status == domain.OrderStatusOngoing && o.Type == domain.OrderTypeLimit && crosses(o, price) {
			s.fill(o, o.LimitPrice)
		}
	}
}

// SetFunds sets the cash balance.
func (s *SimulatorBroker) SetFunds(cash float64) {
	s.mu.Lock()
	s.cash = cash
	s.mu.Unlock()
}

// SetHolding overwrites the broker position for symbol.
func (s *SimulatorBroker) SetHolding(symbol string, qty, avgCost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	if qty <= 0 {
		delete(s.holdings, symbol)
		return
	}
	s.holdings[symbol] = &Holding{Symbol: symbol, Quantity: qty, AvgCost: avgCost}
}

// FailNext queues err to be returned by the next call to op ("PlaceOrder",
// "ModifyOrder", "CancelOrder", "GetOrders", "GetHoldings", "GetFunds").
func (s *SimulatorBroker) FailNext(op string, err error) {
	s.mu.Lock()
	s.failures[op] = append(s.failures[op], err)
	s.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (s *SimulatorBroker) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// AddExternalOrder records an order placed outside this process, such as a
// manual trade in the broker's UI. Executed orders move holdings and cash.
func (s *SimulatorBroker) AddExternalOrder(o BrokerOrder) BrokerOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.BrokerOrderID == "" {
		o.BrokerOrderID = s.nextID()
	}
	o.Symbol = strings.ToUpper(o.Symbol)
	if o.SubmittedAt.IsZero() {
		o.SubmittedAt = s.now()
	}
	stored := o
	if o.Status == domain.OrderStatusExecuted {
		stored.Status = domain.OrderStatusOngoing
		price := o.AvgFillPrice
		if price == 0 {
			price = o.LimitPrice
		}
		s.orders[stored.BrokerOrderID] = &stored
		s.fill(&stored, price)
	} else {
		s.orders[stored.BrokerOrderID] = &stored
	}
	return stored
}

// SetOrderStatus forces a broker-side status change. Executed applies the
// fill at price.
func (s *SimulatorBroker) SetOrderStatus(brokerOrderID string, status domain.OrderStatus, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("SetOrderStatus failed: %w: %s", ErrOrderNotFound, brokerOrderID)
	}
	if status == domain.OrderStatusExecuted {
		s.fill(o, price)
		return nil
	}
	o.Status = status
	o.RawStatus = strings.ToLower(string(status))
	return nil
}

// Order returns a copy of the broker order with the given ID.
func (s *SimulatorBroker) Order(brokerOrderID string) (BrokerOrder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[brokerOrderID]
	if !ok {
		return BrokerOrder{}, false
	}
	return *o, true
}

// PlaceOrder implements Broker.
func (s *SimulatorBroker) PlaceOrder(ctx context.Context, spec OrderSpec) (PlaceResult, error) {
	const op = "PlaceOrder"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, op); err != nil {
		return PlaceResult{}, err
	}
	if spec.Quantity <= 0 {
		return PlaceResult{}, fmt.Errorf("%s failed: %w: quantity %v", op, ErrRejected, spec.Quantity)
	}
	symbol := strings.ToUpper(spec.Symbol)
	for _, o := range s.orders {
		if spec.ClientOrderID != "" && o.ClientOrderID == spec.ClientOrderID {
			return PlaceResult{}, fmt.Errorf("%s failed: %w: client order id %s already used", op, ErrRejected, spec.ClientOrderID)
		}
	}
	price := s.prices[symbol]
	if spec.Type == domain.OrderTypeLimit {
		price = spec.LimitPrice
	}
	if price <= 0 {
		return PlaceResult{}, fmt.Errorf("%s failed: %w: no price for %s", op, ErrRejected, symbol)
	}
	switch spec.Side {
	case domain.OrderSideBuy:
		if spec.Quantity*price > s.cash {
			return PlaceResult{}, fmt.Errorf("%s failed: %w: need %.2f have %.2f", op, ErrInsufficientFunds, spec.Quantity*price, s.cash)
		}
	case domain.OrderSideSell:
		h := s.holdings[symbol]
		if h == nil || h.Quantity < spec.Quantity {
			return PlaceResult{}, fmt.Errorf("%s failed: %w: insufficient qty for %s", op, ErrRejected, symbol)
		}
	}

	o := &BrokerOrder{
		BrokerOrderID: s.nextID(),
		ClientOrderID: spec.ClientOrderID,
		Symbol:        symbol,
		Side:          spec.Side,
		Type:          spec.Type,
		Quantity:      spec.Quantity,
		LimitPrice:    spec.LimitPrice,
		Status:        domain.OrderStatusOngoing,
		RawStatus:     "new",
		SubmittedAt:   s.now(),
	}
	s.orders[o.BrokerOrderID] = o
	if last, ok := s.prices[symbol]; ok && (o.Type == domain.OrderTypeMarket || crosses(o, last)) {
		fillAt := last
		if o.Type == domain.OrderTypeLimit {
			fillAt = o.LimitPrice
		}
		s.fill(o, fillAt)
	}
	return resultOf(o), nil
}

// ModifyOrder implements Broker. Unlike Alpaca the simulator can convert a
// limit order to market, which fills it at the last price.
func (s *SimulatorBroker) ModifyOrder(ctx context.Context, brokerOrderID string, spec OrderSpec) (PlaceResult, error) {
	const op = "ModifyOrder"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, op); err != nil {
		return PlaceResult{}, err
	}
	o, ok := s.orders[brokerOrderID]
	if !ok {
		return PlaceResult{}, fmt.Errorf("%s failed: %w: %s", op, ErrOrderNotFound, brokerOrderID)
	}
	if o.Status != domain.OrderStatusOngoing {
		return PlaceResult{}, fmt.Errorf("%s failed: %w: order is %s", op, ErrRejected, o.Status)
	}
	if spec.Quantity > 0 {
		o.Quantity = spec.Quantity
	}
	if spec.ClientOrderID != "" {
		o.ClientOrderID = spec.ClientOrderID
	}
	last, hasLast := s.prices[o.Symbol]
	if spec.Type == domain.OrderTypeMarket {
		if !hasLast {
			return PlaceResult{}, fmt.Errorf("%s failed: %w: no price for %s", op, ErrRejected, o.Symbol)
		}
		o.Type = domain.OrderTypeMarket
		o.LimitPrice = 0
		s.fill(o, last)
		return resultOf(o), nil
	}
	if spec.LimitPrice > 0 {
		o.LimitPrice = spec.LimitPrice
	}
	if hasLast && crosses(o, last) {
		s.fill(o, o.LimitPrice)
	}
	return resultOf(o), nil
}

func resultOf(o *BrokerOrder) PlaceResult {
	return PlaceResult{
		BrokerOrderID: o.BrokerOrderID,
		Status:        o.Status,
		FilledQty:     o.FilledQty,
		AvgFillPrice:  o.AvgFillPrice,
	}
}

// CancelOrder implements Broker.
func (s *SimulatorBroker) CancelOrder(ctx context.Context, brokerOrderID string) (domain.OrderStatus, error) {
	const op = "CancelOrder"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, op); err != nil {
		return "", err
	}
	o, ok := s.orders[brokerOrderID]
	if !ok {
		return "", fmt.Errorf("%s failed: %w: %s", op, ErrOrderNotFound, brokerOrderID)
	}
	if o.Status != domain.OrderStatusOngoing {
		return o.Status, fmt.Errorf("%s failed: %w: order is %s", op, ErrRejected, o.Status)
	}
	o.Status = domain.OrderStatusCancelled
	o.RawStatus = "canceled"
	return o.Status, nil
}

// GetOrders implements Broker.
func (s *SimulatorBroker) GetOrders(ctx context.Context, since time.Time) ([]BrokerOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "GetOrders"); err != nil {
		return nil, err
	}
	out := make([]BrokerOrder, 0, len(s.orders))
	for _, o := range s.orders {
		if !since.IsZero() && o.SubmittedAt.Before(since) {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerOrderID < out[j].BrokerOrderID })
	return out, nil
}

// GetHoldings implements Broker.
func (s *SimulatorBroker) GetHoldings(ctx context.Context) ([]Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "GetHoldings"); err != nil {
		return nil, err
	}
	out := make([]Holding, 0, len(s.holdings))
	for _, h := range s.holdings {
		c := *h
		c.MarketPrice = s.prices[h.Symbol]
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetFunds implements Broker.
func (s *SimulatorBroker) GetFunds(ctx context.Context) (Funds, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "GetFunds"); err != nil {
		return Funds{}, err
	}
	return Funds{Available: s.cash, Cash: s.cash}, nil
}

// enter counts the call and pops an injected failure. Caller holds s.mu.
func (s *SimulatorBroker) enter(ctx context.Context, op string) error {
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s failed: %w: %w", op, ErrTimeout, err)
	}
	if q := s.failures[op]; len(q) > 0 {
		err := q[0]
		s.failures[op] = q[1:]
		return fmt.Errorf("%s failed: %w", op, err)
	}
	return nil
}

func (s *SimulatorBroker) nextID() string {
	s.seq++
	return fmt.Sprintf("sim-%06d", s.seq)
}

// fill executes o at price and moves holdings and cash. Caller holds s.mu.
func (s *SimulatorBroker) fill(o *BrokerOrder, price float64) {
	now := s.now()
	o.Status = domain.OrderStatusExecuted
	o.RawStatus = "filled"
	o.FilledQty = o.Quantity
	o.AvgFillPrice = price
	o.FilledAt = &now

	h := s.holdings[o.Symbol]
	switch o.Side {
	case domain.OrderSideBuy:
		if h == nil {
			h = &Holding{Symbol: o.Symbol}
			s.holdings[o.Symbol] = h
		}
		h.AvgCost = (h.Quantity*h.AvgCost + o.Quantity*price) / (h.Quantity + o.Quantity)
		h.Quantity += o.Quantity
		s.cash -= o.Quantity * price
	case domain.OrderSideSell:
		s.cash += o.Quantity * price
		if h != nil {
			h.Quantity -= o.Quantity
			if h.Quantity <= 0 {
				delete(s.holdings, o.Symbol)
			}
		}
	}
}

func crosses(o *BrokerOrder, price float64) bool {
	if o.Side == domain.OrderSideBuy {
		return price <= o.LimitPrice
	}
	return price >= o.LimitPrice
}
