// Package exchange wraps the futures REST API behind a narrow trading
// interface with decimal precision, an error taxonomy, retry with backoff,
// and a dry-run stand-in.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// Order sides and types on the wire.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TypeLimit            = "LIMIT"
	TypeMarket           = "MARKET"
	TypeStopMarket       = "STOP_MARKET"
	TypeTakeProfitMarket = "TAKE_PROFIT_MARKET"

	TimeInForceGTC = "GTC"
)

// Exchange-reported order statuses.
const (
	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCanceled        = "CANCELED"
	StatusRejected        = "REJECTED"
	StatusExpired         = "EXPIRED"
)

// OrderRequest describes one order to place. Quantity and prices are
// pre-quantized decimals; the adapter serializes them verbatim.
type OrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	TimeInForce   string
	Quantity      decimal.Decimal
	Price         decimal.Decimal // limit price, zero for market types
	StopPrice     decimal.Decimal // trigger for stop/TP types
	ReduceOnly    bool
	ClientOrderID string
}

// Order is the adapter's view of an exchange order.
type Order struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Status        string
	Price         decimal.Decimal
	ExecutedQty   decimal.Decimal
	AvgPrice      decimal.Decimal
	ReduceOnly    bool
}

// PositionInfo is one symbol's open position. Amt is signed: positive for
// long, negative for short, zero when flat.
type PositionInfo struct {
	Symbol     string
	Amt        decimal.Decimal
	EntryPrice decimal.Decimal
}

// TradingClient is everything the executor and monitor need from the
// exchange. Implemented by Binance (live), DryRun (logging no-op) and
// MockExchange (tests).
type TradingClient interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	ListOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	AvailableBalance(ctx context.Context) (decimal.Decimal, error)
	Positions(ctx context.Context, symbol string) ([]PositionInfo, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error)
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
