// Package ingest pulls closed 1m klines from the exchange (live websocket
// plus REST backfill), deduplicates them, and resamples them into the 2m
// bars the rest of the system trades on.
package ingest

import (
	"log"

	"perptrader/internal/model"
)

// TwoMinuteAggregator pairs consecutive 1m bars into 2m bars. A 2m bar is
// the merge of a first half closing on an even minute and a second half
// closing on the following odd minute; the 2m close timestamp is the second
// half's close. Single-consumer, not goroutine-safe.
type TwoMinuteAggregator struct {
	// pending first-half bar per symbol
	firstHalf map[string]model.Candle

	// Metrics hooks
	OnIncomplete func(symbol string) // second half arrived with no matching first half
	OnDropped    func(symbol string) // first half replaced before its pair arrived
}

// NewTwoMinuteAggregator returns an empty aggregator.
func NewTwoMinuteAggregator() *TwoMinuteAggregator {
	return &TwoMinuteAggregator{firstHalf: make(map[string]model.Candle)}
}

// Push feeds one closed, deduplicated 1m bar. Returns the completed 2m bar
// and true when the bar closes a pair.
func (a *TwoMinuteAggregator) Push(c model.Candle) (model.Candle, bool) {
	if c.ClosesOnEvenMinute() {
		if prev, ok := a.firstHalf[c.Symbol]; ok {
			log.Printf("[aggregator] %s: replacing unpaired first half ts=%d with ts=%d", c.Symbol, prev.CloseTS, c.CloseTS)
			if a.OnDropped != nil {
				a.OnDropped(c.Symbol)
			}
		}
		a.firstHalf[c.Symbol] = c
		return model.Candle{}, false
	}

	first, ok := a.firstHalf[c.Symbol]
	if !ok || first.CloseTS != c.CloseTS-60_000 {
		// A gap swallowed the first half. Skip the bar; backfill repairs it.
		if ok {
			log.Printf("[aggregator] %s: discarding stale first half ts=%d (second half ts=%d)", c.Symbol, first.CloseTS, c.CloseTS)
			delete(a.firstHalf, c.Symbol)
		}
		if a.OnIncomplete != nil {
			a.OnIncomplete(c.Symbol)
		}
		return model.Candle{}, false
	}
	delete(a.firstHalf, c.Symbol)

	return merge2m(first, c), true
}

func merge2m(first, second model.Candle) model.Candle {
	out := model.Candle{
		Symbol:  first.Symbol,
		TF:      model.TF2m,
		CloseTS: second.CloseTS,
		Open:    first.Open,
		High:    first.High,
		Low:     first.Low,
		Close:   second.Close,
		Volume:  first.Volume.Add(second.Volume),
		Trades:  first.Trades + second.Trades,
	}
	if second.High.GreaterThan(out.High) {
		out.High = second.High
	}
	if second.Low.LessThan(out.Low) {
		out.Low = second.Low
	}
	return out
}
