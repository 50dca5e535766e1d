// Package calc consumes closed 2m bars, maintains the SMA20/SMA200 regime
// model, and emits indicator snapshots plus ARM/DISARM signals.
package calc

import "github.com/shopspring/decimal"

// SMA calculates a Simple Moving Average over a rolling window.
// Uses a preallocated circular buffer; decimal arithmetic keeps the rolling
// sum exact across evictions.
type SMA struct {
	period  int
	buf     []decimal.Decimal // preallocated circular buffer
	idx     int               // current write position
	count   int               // total values received
	sum     decimal.Decimal
	current decimal.Decimal
}

// NewSMA creates a new SMA indicator with the given period.
func NewSMA(period int) *SMA {
	return &SMA{
		period: period,
		buf:    make([]decimal.Decimal, period),
	}
}

// Update pushes one close price, evicting the oldest on a full window.
func (s *SMA) Update(close decimal.Decimal) {
	if s.count >= s.period {
		s.sum = s.sum.Sub(s.buf[s.idx])
	}

	s.buf[s.idx] = close
	s.sum = s.sum.Add(close)
	s.idx = (s.idx + 1) % s.period
	s.count++

	if s.count >= s.period {
		s.current = s.sum.Div(decimal.NewFromInt(int64(s.period)))
	}
}

// Value returns the current average; only meaningful once Ready.
func (s *SMA) Value() decimal.Decimal { return s.current }

// Ready reports whether the window has filled.
func (s *SMA) Ready() bool { return s.count >= s.period }
