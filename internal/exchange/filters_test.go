package exchange

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// assertDecimalEqual compares by value; String() keeps exponents so "0.02"
// and "0.020" would not compare equal as strings.
func assertDecimalEqual(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "got %s, want %s", got, want)
}

func btcFilters() SymbolFilters {
	return SymbolFilters{
		TickSize:    d("0.1"),
		MinPrice:    d("0.1"),
		MaxPrice:    d("1000000"),
		StepSize:    d("0.001"),
		MinQty:      d("0.001"),
		MaxQty:      d("1000"),
		MinNotional: d("100"),
	}
}

func TestFloorCeilToStep(t *testing.T) {
	step := d("0.001")
	assertDecimalEqual(t, "0.123", FloorToStep(d("0.12399"), step))
	assertDecimalEqual(t, "0.124", CeilToStep(d("0.12301"), step))
	// exact multiples pass through both ways
	assertDecimalEqual(t, "0.123", FloorToStep(d("0.123"), step))
	assertDecimalEqual(t, "0.123", CeilToStep(d("0.123"), step))
	// non-positive step is a no-op
	assertDecimalEqual(t, "0.12399", FloorToStep(d("0.12399"), decimal.Zero))
}

func TestQuantizeQty_FloorsToStep(t *testing.T) {
	f := btcFilters()
	qty, err := f.QuantizeQty(d("0.0205678"), d("50000"))
	require.NoError(t, err)
	assertDecimalEqual(t, "0.02", qty)
}

func TestQuantizeQty_LiftsToMinNotional(t *testing.T) {
	f := btcFilters()
	// 0.001 x 50000 = 50 < minNotional 100, lift to 0.002
	qty, err := f.QuantizeQty(d("0.001"), d("50000"))
	require.NoError(t, err)
	assertDecimalEqual(t, "0.002", qty)
	assert.True(t, qty.Mul(d("50000")).GreaterThanOrEqual(f.MinNotional))
}

func TestQuantizeQty_LiftsToMinQty(t *testing.T) {
	f := btcFilters()
	f.MinNotional = decimal.Zero
	qty, err := f.QuantizeQty(d("0.0004"), d("50000"))
	require.NoError(t, err)
	assertDecimalEqual(t, "0.001", qty)
}

func TestQuantizeQty_CapsAtMaxQty(t *testing.T) {
	f := btcFilters()
	qty, err := f.QuantizeQty(d("5000"), d("50000"))
	require.NoError(t, err)
	assertDecimalEqual(t, "1000", qty)
}

func TestQuantizeQty_MinNotionalLiftOverMaxRejected(t *testing.T) {
	f := btcFilters()
	// minNotional 100 at price 1 needs qty 100, but maxQty allows only 0.005
	f.MaxQty = d("0.005")
	_, err := f.QuantizeQty(d("0.001"), d("1"))
	assert.Error(t, err)
}

func TestQuantizeQty_RejectsZero(t *testing.T) {
	f := btcFilters()
	f.MinQty = decimal.Zero
	f.MinNotional = decimal.Zero
	_, err := f.QuantizeQty(d("0.0000001"), d("50000"))
	assert.Error(t, err)
}

func TestQuantizePrice(t *testing.T) {
	f := btcFilters()

	p, err := f.QuantizePrice(d("50123.4567"))
	require.NoError(t, err)
	assertDecimalEqual(t, "50123.4", p)

	_, err = f.QuantizePrice(d("0.04"))
	assert.Error(t, err, "price below one tick must be rejected")

	_, err = f.QuantizePrice(d("2000000"))
	assert.Error(t, err, "price above maxPrice must be rejected")
}
