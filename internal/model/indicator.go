package model

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// Regime classification for one bar.
const (
	RegimeLong    = "long"
	RegimeShort   = "short"
	RegimeNeutral = "neutral"
)

// IndicatorState is the per-bar derived record published to the indicator
// stream. MA20/MA200 are nil until their windows fill. Ind* describe the
// indicator candle selected for the bar: the last red closed bar when
// ma20 > ma200, the last green when ma20 < ma200, otherwise the bar itself.
type IndicatorState struct {
	Symbol  string
	TF      string
	TS      int64
	Close   decimal.Decimal
	MA20    *decimal.Decimal
	MA200   *decimal.Decimal
	Regime  string
	IndTS   int64
	IndHigh decimal.Decimal
	IndLow  decimal.Decimal
}

// Fields encodes the snapshot as a flat field map. Absent MAs are encoded
// as empty strings so consumers can distinguish "not ready" from zero.
func (s *IndicatorState) Fields() map[string]interface{} {
	ma20, ma200 := "", ""
	if s.MA20 != nil {
		ma20 = s.MA20.String()
	}
	if s.MA200 != nil {
		ma200 = s.MA200.String()
	}
	return map[string]interface{}{
		"sym":      s.Symbol,
		"tf":       s.TF,
		"ts":       strconv.FormatInt(s.TS, 10),
		"c":        s.Close.String(),
		"ma20":     ma20,
		"ma200":    ma200,
		"regime":   s.Regime,
		"ind_ts":   strconv.FormatInt(s.IndTS, 10),
		"ind_high": s.IndHigh.String(),
		"ind_low":  s.IndLow.String(),
	}
}
