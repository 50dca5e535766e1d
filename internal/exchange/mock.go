package exchange

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MockExchange is a controllable in-memory TradingClient for tests. State
// is mutated directly by test setup; all methods are goroutine-safe.
type MockExchange struct {
	mu sync.Mutex

	Balance decimal.Decimal
	Filters SymbolFilters
	Mark    decimal.Decimal

	nextID    int64
	Orders    map[int64]*Order
	Placed    []OrderRequest
	Cancelled []int64
	Leverage  map[string]int
	positions map[string]PositionInfo

	// FailPlace returns an error for order placements of the given type.
	FailPlace map[string]error
	// FailCancel makes cancelling a specific order fail.
	FailCancel map[int64]error
}

// NewMockExchange creates a mock with sane defaults: 10k balance and
// BTC-like filters.
func NewMockExchange() *MockExchange {
	return &MockExchange{
		Balance: decimal.NewFromInt(10_000),
		Filters: SymbolFilters{
			TickSize:    decimal.RequireFromString("0.1"),
			StepSize:    decimal.RequireFromString("0.001"),
			MinQty:      decimal.RequireFromString("0.001"),
			MaxQty:      decimal.NewFromInt(1000),
			MinNotional: decimal.NewFromInt(100),
		},
		nextID:     1000,
		Orders:     make(map[int64]*Order),
		Leverage:   make(map[string]int),
		positions:  make(map[string]PositionInfo),
		FailPlace:  make(map[string]error),
		FailCancel: make(map[int64]error),
	}
}

func (m *MockExchange) PlaceOrder(_ context.Context, req OrderRequest) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.FailPlace[req.Type]; ok {
		return Order{}, err
	}

	m.nextID++
	o := Order{
		OrderID:       m.nextID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        StatusNew,
		Price:         req.Price,
		ReduceOnly:    req.ReduceOnly,
	}
	m.Orders[o.OrderID] = &o
	m.Placed = append(m.Placed, req)
	return o, nil
}

func (m *MockExchange) GetOrder(_ context.Context, _ string, orderID int64) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.Orders[orderID]
	if !ok {
		return Order{}, &Error{Kind: KindOrderNotFound, Op: "get order", Code: -2013}
	}
	return *o, nil
}

func (m *MockExchange) CancelOrder(_ context.Context, _ string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.FailCancel[orderID]; ok {
		return err
	}
	o, ok := m.Orders[orderID]
	if !ok || o.Status != StatusNew {
		return &Error{Kind: KindOrderNotFound, Op: "cancel order", Code: -2011}
	}
	o.Status = StatusCanceled
	m.Cancelled = append(m.Cancelled, orderID)
	return nil
}

func (m *MockExchange) ListOpenOrders(_ context.Context, symbol string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.Orders {
		if o.Symbol == symbol && (o.Status == StatusNew || o.Status == StatusPartiallyFilled) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *MockExchange) AvailableBalance(context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Balance, nil
}

func (m *MockExchange) Positions(_ context.Context, symbol string) ([]PositionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[symbol]; ok && !p.Amt.IsZero() {
		return []PositionInfo{p}, nil
	}
	return nil, nil
}

func (m *MockExchange) SetLeverage(_ context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Leverage[symbol] = leverage
	return nil
}

func (m *MockExchange) SymbolFilters(context.Context, string) (SymbolFilters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Filters, nil
}

func (m *MockExchange) MarkPrice(context.Context, string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Mark, nil
}

// FillOrder marks an order filled with the given quantity and price.
func (m *MockExchange) FillOrder(orderID int64, qty, avg decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.Orders[orderID]; ok {
		o.Status = StatusFilled
		o.ExecutedQty = qty
		o.AvgPrice = avg
	}
}

// ExpireOrder marks an order expired with nothing executed.
func (m *MockExchange) ExpireOrder(orderID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.Orders[orderID]; ok {
		o.Status = StatusExpired
	}
}

// SetPosition sets the open position for a symbol; zero Amt clears it.
func (m *MockExchange) SetPosition(symbol string, amt, entry decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[symbol] = PositionInfo{Symbol: symbol, Amt: amt, EntryPrice: entry}
}

// OpenOrderIDs returns ids of orders still reported open, for assertions.
func (m *MockExchange) OpenOrderIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for id, o := range m.Orders {
		if o.Status == StatusNew {
			out = append(out, id)
		}
	}
	return out
}
