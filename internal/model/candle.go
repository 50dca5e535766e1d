package model

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Timeframe identifiers used in stream keys and bot subscriptions.
const (
	TF1m = "1m"
	TF2m = "2m"
)

// Candle colors.
const (
	ColorGreen = "green"
	ColorRed   = "red"
)

// Candle is an immutable OHLCV bar. CloseTS is the bar *close* time in
// epoch milliseconds, normalized to the minute boundary: a 1m bar covering
// [12:00:00, 12:01:00) has CloseTS at 12:01:00. 2m bars close on odd UTC
// minutes, 1m bars on every minute.
// All prices are exact decimals; no float64 anywhere on the bar path.
type Candle struct {
	Symbol  string
	TF      string
	CloseTS int64
	Open    decimal.Decimal
	High    decimal.Decimal
	Low     decimal.Decimal
	Close   decimal.Decimal
	Volume  decimal.Decimal
	Trades  int64
}

// Color is green when the bar closed at or above its open.
func (c *Candle) Color() string {
	if c.Close.GreaterThanOrEqual(c.Open) {
		return ColorGreen
	}
	return ColorRed
}

// IsDoji reports whether close equals open exactly.
func (c *Candle) IsDoji() bool {
	return c.Close.Equal(c.Open)
}

// CloseMinute returns the UTC minute index of the close timestamp.
func (c *Candle) CloseMinute() int64 {
	return c.CloseTS / 60_000
}

// ClosesOnEvenMinute reports whether the bar closes on an even UTC minute.
// Even-minute 1m bars are the first half of a 2m bar.
func (c *Candle) ClosesOnEvenMinute() bool {
	return c.CloseMinute()%2 == 0
}

// Key returns "SYMBOL:TF", the per-instrument stream partition key.
func (c *Candle) Key() string {
	return c.Symbol + ":" + c.TF
}

// Fields encodes the candle as a flat field map for stream entries.
// Decimal values are serialized as strings.
func (c *Candle) Fields() map[string]interface{} {
	return map[string]interface{}{
		"sym":   c.Symbol,
		"tf":    c.TF,
		"ts":    strconv.FormatInt(c.CloseTS, 10),
		"o":     c.Open.String(),
		"h":     c.High.String(),
		"l":     c.Low.String(),
		"c":     c.Close.String(),
		"v":     c.Volume.String(),
		"n":     strconv.FormatInt(c.Trades, 10),
		"color": c.Color(),
	}
}

// CandleFromFields decodes a stream entry field map into a Candle.
// Missing or ill-typed fields are an error, never silently zeroed.
func CandleFromFields(values map[string]interface{}) (Candle, error) {
	var c Candle
	var err error
	if c.Symbol, err = fieldString(values, "sym"); err != nil {
		return c, err
	}
	if c.TF, err = fieldString(values, "tf"); err != nil {
		return c, err
	}
	if c.CloseTS, err = fieldInt(values, "ts"); err != nil {
		return c, err
	}
	if c.Open, err = fieldDecimal(values, "o"); err != nil {
		return c, err
	}
	if c.High, err = fieldDecimal(values, "h"); err != nil {
		return c, err
	}
	if c.Low, err = fieldDecimal(values, "l"); err != nil {
		return c, err
	}
	if c.Close, err = fieldDecimal(values, "c"); err != nil {
		return c, err
	}
	if c.Volume, err = fieldDecimal(values, "v"); err != nil {
		return c, err
	}
	if c.Trades, err = fieldInt(values, "n"); err != nil {
		return c, err
	}
	return c, nil
}

func fieldString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q is %T, want string", key, v)
	}
	return s, nil
}

func fieldInt(values map[string]interface{}, key string) (int64, error) {
	s, err := fieldString(values, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", key, err)
	}
	return n, nil
}

func fieldDecimal(values map[string]interface{}, key string) (decimal.Decimal, error) {
	s, err := fieldString(values, key)
	if err != nil {
		return decimal.Decimal{}, err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("field %q: %w", key, err)
	}
	return d, nil
}
