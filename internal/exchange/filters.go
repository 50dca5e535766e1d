package exchange

import (
	"fmt"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

// SymbolFilters carries the exchange trading rules used for quantization.
// Zero-valued fields mean the exchange did not report that bound.
type SymbolFilters struct {
	TickSize    decimal.Decimal
	MinPrice    decimal.Decimal
	MaxPrice    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// FloorToStep rounds v down to a multiple of step. Returns v unchanged when
// step is not positive.
func FloorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// CeilToStep rounds v up to a multiple of step.
func CeilToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Ceil().Mul(step)
}

// QuantizeQty applies LOT_SIZE and MIN_NOTIONAL to a raw quantity at the
// given price: floor to step, cap at maxQty, lift to minQty and minNotional.
// An oversized raw quantity is capped silently; only a min-notional lift
// that re-exceeds maxQty is an error, since both bounds cannot hold at once.
func (f SymbolFilters) QuantizeQty(raw, price decimal.Decimal) (decimal.Decimal, error) {
	qty := FloorToStep(raw, f.StepSize)

	if f.MaxQty.IsPositive() && qty.GreaterThan(f.MaxQty) {
		qty = FloorToStep(f.MaxQty, f.StepSize)
	}
	if f.MinQty.IsPositive() && qty.LessThan(f.MinQty) {
		qty = CeilToStep(f.MinQty, f.StepSize)
	}
	if f.MinNotional.IsPositive() && qty.Mul(price).LessThan(f.MinNotional) {
		qty = CeilToStep(f.MinNotional.Div(price), f.StepSize)
	}
	if f.MaxQty.IsPositive() && qty.GreaterThan(f.MaxQty) {
		return decimal.Zero, fmt.Errorf("min-notional quantity %s exceeds maxQty %s", qty, f.MaxQty)
	}
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("quantity %s not positive after quantization", qty)
	}
	return qty, nil
}

// QuantizePrice floors a price to the tick grid and checks PRICE_FILTER
// bounds. Rejects prices that vanish under quantization.
func (f SymbolFilters) QuantizePrice(price decimal.Decimal) (decimal.Decimal, error) {
	p := FloorToStep(price, f.TickSize)
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("price %s not positive after tick quantization", price)
	}
	if f.MinPrice.IsPositive() && p.LessThan(f.MinPrice) {
		return decimal.Zero, fmt.Errorf("price %s below minPrice %s", p, f.MinPrice)
	}
	if f.MaxPrice.IsPositive() && p.GreaterThan(f.MaxPrice) {
		return decimal.Zero, fmt.Errorf("price %s above maxPrice %s", p, f.MaxPrice)
	}
	return p, nil
}

// filtersFromSymbol decodes the exchangeInfo filter maps for one symbol.
func filtersFromSymbol(s futures.Symbol) (SymbolFilters, error) {
	var f SymbolFilters
	for _, raw := range s.Filters {
		typ, _ := raw["filterType"].(string)
		switch typ {
		case "PRICE_FILTER":
			f.TickSize = filterDecimal(raw, "tickSize")
			f.MinPrice = filterDecimal(raw, "minPrice")
			f.MaxPrice = filterDecimal(raw, "maxPrice")
		case "LOT_SIZE":
			f.StepSize = filterDecimal(raw, "stepSize")
			f.MinQty = filterDecimal(raw, "minQty")
			f.MaxQty = filterDecimal(raw, "maxQty")
		case "MIN_NOTIONAL":
			f.MinNotional = filterDecimal(raw, "notional")
		}
	}
	if !f.TickSize.IsPositive() || !f.StepSize.IsPositive() {
		return f, fmt.Errorf("symbol %s: missing tickSize/stepSize filters", s.Symbol)
	}
	return f, nil
}

func filterDecimal(raw map[string]interface{}, key string) decimal.Decimal {
	s, ok := raw[key].(string)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
