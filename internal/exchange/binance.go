package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const testnetBaseURL = "https://testnet.binancefuture.com"

// BinanceConfig configures one live adapter instance.
type BinanceConfig struct {
	APIKey    string
	Secret    string
	Testnet   bool
	BaseURL   string // overrides the env default when set
	Retry     RetryPolicy
	RateLimit rate.Limit // requests per second; 0 uses a safe default
}

// Binance is the live futures adapter. One instance per credential; safe
// for concurrent use. Symbol filters are cached for the process lifetime
// (exchange rules change rarely and a restart refetches).
type Binance struct {
	client  *futures.Client
	retry   RetryPolicy
	limiter *rate.Limiter

	mu      sync.Mutex
	filters map[string]SymbolFilters
}

// NewBinance creates a live adapter for one credential.
func NewBinance(cfg BinanceConfig) *Binance {
	client := futures.NewClient(cfg.APIKey, cfg.Secret)
	if cfg.Testnet {
		client.BaseURL = testnetBaseURL
	}
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}

	rl := cfg.RateLimit
	if rl == 0 {
		rl = 8 // stays well inside the per-key request weight budget
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy
	}

	return &Binance{
		client:  client,
		retry:   cfg.Retry,
		limiter: rate.NewLimiter(rl, int(rl)),
		filters: make(map[string]SymbolFilters),
	}
}

func (b *Binance) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return b.retry.Do(ctx, op, func() error {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		// Hard timeout above the SDK's own HTTP timeout.
		cctx, cancel := context.WithTimeout(ctx, 35*time.Second)
		defer cancel()
		if err := fn(cctx); err != nil {
			return Classify(op, err)
		}
		return nil
	})
}

func (b *Binance) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	var out Order
	err := b.call(ctx, "place order", func(ctx context.Context) error {
		svc := b.client.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(futures.SideType(req.Side)).
			Type(futures.OrderType(req.Type)).
			Quantity(req.Quantity.String())
		if req.TimeInForce != "" {
			svc = svc.TimeInForce(futures.TimeInForceType(req.TimeInForce))
		}
		if req.Price.IsPositive() {
			svc = svc.Price(req.Price.String())
		}
		if req.StopPrice.IsPositive() {
			svc = svc.StopPrice(req.StopPrice.String()).
				WorkingType(futures.WorkingTypeMarkPrice)
		}
		if req.ReduceOnly {
			svc = svc.ReduceOnly(true)
		}
		if req.ClientOrderID != "" {
			svc = svc.NewClientOrderID(req.ClientOrderID)
		}

		res, err := svc.Do(ctx)
		if err != nil {
			return err
		}
		out = Order{
			OrderID:       res.OrderID,
			ClientOrderID: res.ClientOrderID,
			Symbol:        res.Symbol,
			Side:          string(res.Side),
			Type:          string(res.Type),
			Status:        string(res.Status),
			ExecutedQty:   mustDecimal(res.ExecutedQuantity),
			AvgPrice:      mustDecimal(res.AvgPrice),
			ReduceOnly:    res.ReduceOnly,
		}
		return nil
	})
	return out, err
}

func (b *Binance) GetOrder(ctx context.Context, symbol string, orderID int64) (Order, error) {
	var out Order
	err := b.call(ctx, "get order", func(ctx context.Context) error {
		res, err := b.client.NewGetOrderService().
			Symbol(symbol).
			OrderID(orderID).
			Do(ctx)
		if err != nil {
			return err
		}
		out = orderFromSDK(res)
		return nil
	})
	return out, err
}

func (b *Binance) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return b.call(ctx, "cancel order", func(ctx context.Context) error {
		_, err := b.client.NewCancelOrderService().
			Symbol(symbol).
			OrderID(orderID).
			Do(ctx)
		return err
	})
}

func (b *Binance) ListOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	var out []Order
	err := b.call(ctx, "list open orders", func(ctx context.Context) error {
		res, err := b.client.NewListOpenOrdersService().
			Symbol(symbol).
			Do(ctx)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, o := range res {
			out = append(out, orderFromSDK(o))
		}
		return nil
	})
	return out, err
}

// AvailableBalance returns the available USDT balance.
func (b *Binance) AvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := b.call(ctx, "get balance", func(ctx context.Context) error {
		res, err := b.client.NewGetBalanceService().Do(ctx)
		if err != nil {
			return err
		}
		for _, bal := range res {
			if bal.Asset == "USDT" {
				out = mustDecimal(bal.AvailableBalance)
				return nil
			}
		}
		return fmt.Errorf("no USDT balance entry")
	})
	return out, err
}

func (b *Binance) Positions(ctx context.Context, symbol string) ([]PositionInfo, error) {
	var out []PositionInfo
	err := b.call(ctx, "get positions", func(ctx context.Context) error {
		res, err := b.client.NewGetPositionRiskService().
			Symbol(symbol).
			Do(ctx)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, p := range res {
			amt := mustDecimal(p.PositionAmt)
			if amt.IsZero() {
				continue
			}
			out = append(out, PositionInfo{
				Symbol:     p.Symbol,
				Amt:        amt,
				EntryPrice: mustDecimal(p.EntryPrice),
			})
		}
		return nil
	})
	return out, err
}

func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return b.call(ctx, "set leverage", func(ctx context.Context) error {
		_, err := b.client.NewChangeLeverageService().
			Symbol(symbol).
			Leverage(leverage).
			Do(ctx)
		return err
	})
}

func (b *Binance) SymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error) {
	b.mu.Lock()
	if f, ok := b.filters[symbol]; ok {
		b.mu.Unlock()
		return f, nil
	}
	b.mu.Unlock()

	var out SymbolFilters
	err := b.call(ctx, "exchange info", func(ctx context.Context) error {
		info, err := b.client.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return err
		}
		for _, s := range info.Symbols {
			if s.Symbol != symbol {
				continue
			}
			f, err := filtersFromSymbol(s)
			if err != nil {
				return err
			}
			out = f
			return nil
		}
		return fmt.Errorf("symbol %s not in exchange info", symbol)
	})
	if err != nil {
		return SymbolFilters{}, err
	}

	b.mu.Lock()
	b.filters[symbol] = out
	b.mu.Unlock()
	return out, nil
}

func (b *Binance) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := b.call(ctx, "mark price", func(ctx context.Context) error {
		res, err := b.client.NewPremiumIndexService().
			Symbol(symbol).
			Do(ctx)
		if err != nil {
			return err
		}
		if len(res) == 0 {
			return fmt.Errorf("no premium index for %s", symbol)
		}
		out = mustDecimal(res[0].MarkPrice)
		return nil
	})
	return out, err
}

func orderFromSDK(o *futures.Order) Order {
	return Order{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Type:          string(o.Type),
		Status:        string(o.Status),
		Price:         mustDecimal(o.Price),
		ExecutedQty:   mustDecimal(o.ExecutedQuantity),
		AvgPrice:      mustDecimal(o.AvgPrice),
		ReduceOnly:    o.ReduceOnly,
	}
}

// mustDecimal parses SDK decimal strings, tolerating the empty fields some
// responses carry.
func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
