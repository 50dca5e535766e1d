package ingest

import (
	"testing"

	"github.com/shopspring/decimal"

	"perptrader/internal/model"
)

func c1m(ts int64, o, h, l, c, v string, n int64) model.Candle {
	return model.Candle{
		Symbol:  "BTCUSDT",
		TF:      model.TF1m,
		CloseTS: ts,
		Open:    decimal.RequireFromString(o),
		High:    decimal.RequireFromString(h),
		Low:     decimal.RequireFromString(l),
		Close:   decimal.RequireFromString(c),
		Volume:  decimal.RequireFromString(v),
		Trades:  n,
	}
}

func TestAggregator_PairsEvenThenOdd(t *testing.T) {
	a := NewTwoMinuteAggregator()

	if _, done := a.Push(c1m(120_000, "100", "101", "99", "100.5", "20", 10)); done {
		t.Fatal("even-minute bar must not complete a pair")
	}

	out, done := a.Push(c1m(180_000, "100.5", "102", "100.2", "101.8", "25", 12))
	if !done {
		t.Fatal("odd-minute bar with pending first half must complete a pair")
	}

	if out.CloseTS != 180_000 {
		t.Errorf("ts: got %d, want 180000", out.CloseTS)
	}
	if out.TF != model.TF2m {
		t.Errorf("tf: got %s, want 2m", out.TF)
	}
	if got := out.Open.String(); got != "100" {
		t.Errorf("open: got %s, want 100", got)
	}
	if got := out.High.String(); got != "102" {
		t.Errorf("high: got %s, want 102", got)
	}
	if got := out.Low.String(); got != "99" {
		t.Errorf("low: got %s, want 99", got)
	}
	if got := out.Close.String(); got != "101.8" {
		t.Errorf("close: got %s, want 101.8", got)
	}
	if got := out.Volume.String(); got != "45" {
		t.Errorf("volume: got %s, want 45", got)
	}
	if out.Trades != 22 {
		t.Errorf("trades: got %d, want 22", out.Trades)
	}
	if out.Color() != model.ColorGreen {
		t.Errorf("color: got %s, want green", out.Color())
	}
}

func TestAggregator_OddWithoutPending_Dropped(t *testing.T) {
	a := NewTwoMinuteAggregator()
	incomplete := 0
	a.OnIncomplete = func(string) { incomplete++ }

	if _, done := a.Push(c1m(180_000, "1", "1", "1", "1", "0", 0)); done {
		t.Fatal("odd-minute bar with no pending first half must be dropped")
	}
	if incomplete != 1 {
		t.Errorf("expected 1 incomplete callback, got %d", incomplete)
	}
}

func TestAggregator_GapDiscardsStaleFirstHalf(t *testing.T) {
	a := NewTwoMinuteAggregator()
	incomplete := 0
	a.OnIncomplete = func(string) { incomplete++ }

	a.Push(c1m(120_000, "1", "2", "1", "2", "5", 1))
	// Second half of a LATER pair arrives; the stored first half is stale.
	if _, done := a.Push(c1m(300_000, "3", "4", "3", "4", "5", 1)); done {
		t.Fatal("mismatched pair must not emit")
	}
	if incomplete != 1 {
		t.Errorf("expected 1 incomplete callback, got %d", incomplete)
	}

	// A fresh aligned pair still works afterwards.
	a.Push(c1m(360_000, "5", "6", "5", "6", "5", 1))
	out, done := a.Push(c1m(420_000, "6", "7", "6", "7", "5", 1))
	if !done {
		t.Fatal("expected completed pair after gap recovery")
	}
	if out.CloseTS != 420_000 {
		t.Errorf("ts: got %d, want 420000", out.CloseTS)
	}
}

func TestAggregator_ReplacedFirstHalf(t *testing.T) {
	a := NewTwoMinuteAggregator()
	dropped := 0
	a.OnDropped = func(string) { dropped++ }

	a.Push(c1m(120_000, "1", "2", "1", "2", "5", 1))
	a.Push(c1m(240_000, "3", "4", "3", "4", "5", 1)) // even again, replaces
	if dropped != 1 {
		t.Errorf("expected 1 dropped callback, got %d", dropped)
	}

	out, done := a.Push(c1m(300_000, "4", "5", "4", "5", "5", 1))
	if !done {
		t.Fatal("expected pair with replacement first half")
	}
	if got := out.Open.String(); got != "3" {
		t.Errorf("open: got %s, want 3 (from replacement)", got)
	}
}

func TestAggregator_PerSymbolState(t *testing.T) {
	a := NewTwoMinuteAggregator()

	btc := c1m(120_000, "100", "101", "99", "100.5", "20", 10)
	eth := c1m(120_000, "10", "11", "9", "10.5", "2", 1)
	eth.Symbol = "ETHUSDT"

	a.Push(btc)
	a.Push(eth)

	second := c1m(180_000, "10.5", "12", "10", "11", "2", 1)
	second.Symbol = "ETHUSDT"
	out, done := a.Push(second)
	if !done {
		t.Fatal("expected ETH pair to complete")
	}
	if out.Symbol != "ETHUSDT" {
		t.Errorf("symbol: got %s, want ETHUSDT", out.Symbol)
	}
	if got := out.Open.String(); got != "10" {
		t.Errorf("open: got %s, want 10", got)
	}
}
