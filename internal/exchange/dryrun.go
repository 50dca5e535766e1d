package exchange

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// DryRun is a logging stand-in for the live adapter. Orders are accepted,
// assigned synthetic ids and remembered as open; nothing ever fills. Used
// when DRY_RUN_MODE is set so the whole pipeline can run against live
// market data without touching an account.
type DryRun struct {
	balance decimal.Decimal
	nextID  int64

	mu     sync.Mutex
	orders map[int64]Order
}

// NewDryRun creates a dry-run adapter with a fixed synthetic balance.
func NewDryRun(balance decimal.Decimal) *DryRun {
	return &DryRun{
		balance: balance,
		nextID:  1,
		orders:  make(map[int64]Order),
	}
}

func (d *DryRun) PlaceOrder(_ context.Context, req OrderRequest) (Order, error) {
	id := atomic.AddInt64(&d.nextID, 1)
	o := Order{
		OrderID:       id,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        StatusNew,
		Price:         req.Price,
		ReduceOnly:    req.ReduceOnly,
	}
	d.mu.Lock()
	d.orders[id] = o
	d.mu.Unlock()

	log.Printf("[dry-run] place %s %s %s qty=%s price=%s stop=%s reduceOnly=%v -> order %d",
		req.Symbol, req.Side, req.Type, req.Quantity, req.Price, req.StopPrice, req.ReduceOnly, id)
	return o, nil
}

func (d *DryRun) GetOrder(_ context.Context, symbol string, orderID int64) (Order, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.orders[orderID]
	if !ok {
		return Order{}, &Error{Kind: KindOrderNotFound, Op: "get order", Code: -2013}
	}
	return o, nil
}

func (d *DryRun) CancelOrder(_ context.Context, symbol string, orderID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.orders[orderID]
	if !ok {
		return &Error{Kind: KindOrderNotFound, Op: "cancel order", Code: -2011}
	}
	o.Status = StatusCanceled
	d.orders[orderID] = o
	log.Printf("[dry-run] cancel %s order %d", symbol, orderID)
	return nil
}

func (d *DryRun) ListOpenOrders(_ context.Context, symbol string) ([]Order, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Order
	for _, o := range d.orders {
		if o.Symbol == symbol && o.Status == StatusNew {
			out = append(out, o)
		}
	}
	return out, nil
}

func (d *DryRun) AvailableBalance(context.Context) (decimal.Decimal, error) {
	return d.balance, nil
}

func (d *DryRun) Positions(context.Context, string) ([]PositionInfo, error) {
	return nil, nil
}

func (d *DryRun) SetLeverage(_ context.Context, symbol string, leverage int) error {
	log.Printf("[dry-run] set leverage %s %dx", symbol, leverage)
	return nil
}

// SymbolFilters returns permissive defaults good enough for log output.
func (d *DryRun) SymbolFilters(context.Context, string) (SymbolFilters, error) {
	return SymbolFilters{
		TickSize: decimal.RequireFromString("0.01"),
		StepSize: decimal.RequireFromString("0.001"),
	}, nil
}

// MarkPrice is unavailable without a live connection; dry-run reports the
// requested price back via zero, which disables the drift gate.
func (d *DryRun) MarkPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
