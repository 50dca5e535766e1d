package ingest

import (
	"context"
	"strconv"
	"testing"
	"time"

	"perptrader/internal/model"
)

// fakeBus records publishes and simulates the dedup set.
type fakeBus struct {
	seen      map[string]bool
	published []model.Candle
	len2m     int64
}

func newFakeBus() *fakeBus {
	return &fakeBus{seen: make(map[string]bool)}
}

func (f *fakeBus) PublishCandle(_ context.Context, c model.Candle, _ int64) error {
	f.published = append(f.published, c)
	return nil
}

func (f *fakeBus) MarkCandleSeen(_ context.Context, symbol, tf string, closeTS int64, _ time.Duration) (bool, error) {
	k := symbol + ":" + tf + ":" + strconv.FormatInt(closeTS, 10)
	if f.seen[k] {
		return false, nil
	}
	f.seen[k] = true
	return true, nil
}

func (f *fakeBus) StreamLen(context.Context, string) (int64, error) { return f.len2m, nil }

func (f *fakeBus) Heartbeat(context.Context, string, time.Duration) error { return nil }

func (f *fakeBus) byTF(tf string) []model.Candle {
	var out []model.Candle
	for _, c := range f.published {
		if c.TF == tf {
			out = append(out, c)
		}
	}
	return out
}

func TestService_HandleCandle_DedupAndAggregate(t *testing.T) {
	bus := newFakeBus()
	svc := NewService(ServiceConfig{}, bus, nil, nil)
	ctx := context.Background()

	first := c1m(120_000, "100", "101", "99", "100.5", "20", 10)
	second := c1m(180_000, "100.5", "102", "100.2", "101.8", "25", 12)

	if err := svc.handleCandle(ctx, first); err != nil {
		t.Fatal(err)
	}
	// duplicate of the same bar is absorbed silently
	dupes := 0
	svc.OnDuplicate = func() { dupes++ }
	if err := svc.handleCandle(ctx, first); err != nil {
		t.Fatal(err)
	}
	if dupes != 1 {
		t.Errorf("expected 1 duplicate, got %d", dupes)
	}
	if err := svc.handleCandle(ctx, second); err != nil {
		t.Fatal(err)
	}

	if got := len(bus.byTF(model.TF1m)); got != 2 {
		t.Errorf("expected 2 published 1m bars, got %d", got)
	}
	bars2m := bus.byTF(model.TF2m)
	if len(bars2m) != 1 {
		t.Fatalf("expected 1 published 2m bar, got %d", len(bars2m))
	}
	if bars2m[0].CloseTS != 180_000 {
		t.Errorf("2m ts: got %d, want 180000", bars2m[0].CloseTS)
	}
	if got := bars2m[0].Close.String(); got != "101.8" {
		t.Errorf("2m close: got %s, want 101.8", got)
	}
}

// A restart between the two halves of a 2m bar replays the even half
// through backfill. The dedup set suppresses its re-publication but must
// not starve the aggregator, or the 2m bar would be lost.
func TestService_HandleCandle_SeenBarStillAggregates(t *testing.T) {
	bus := newFakeBus()
	ctx := context.Background()

	even := c1m(120_000, "100", "101", "99", "100.5", "20", 10)
	odd := c1m(180_000, "100.5", "102", "100.2", "101.8", "25", 12)

	// First run publishes the even half, then dies before the odd bar.
	first := NewService(ServiceConfig{}, bus, nil, nil)
	if err := first.handleCandle(ctx, even); err != nil {
		t.Fatal(err)
	}

	// Second run replays the even half (now a duplicate), then goes live.
	second := NewService(ServiceConfig{}, bus, nil, nil)
	if err := second.handleCandle(ctx, even); err != nil {
		t.Fatal(err)
	}
	if err := second.handleCandle(ctx, odd); err != nil {
		t.Fatal(err)
	}

	if got := len(bus.byTF(model.TF1m)); got != 2 {
		t.Errorf("expected 2 published 1m bars, got %d", got)
	}
	bars2m := bus.byTF(model.TF2m)
	if len(bars2m) != 1 {
		t.Fatalf("expected the 2m bar to survive the restart, got %d bars", len(bars2m))
	}
	if bars2m[0].CloseTS != 180_000 {
		t.Errorf("2m ts: got %d, want 180000", bars2m[0].CloseTS)
	}
}

// fakeFetcher serves a canned 1m history.
type fakeFetcher struct {
	candles []model.Candle
}

func (f *fakeFetcher) Klines1m(_ context.Context, symbol string, _ int) ([]model.Candle, error) {
	var out []model.Candle
	for _, c := range f.candles {
		if c.Symbol == symbol {
			out = append(out, c)
		}
	}
	return out, nil
}

func TestService_Backfill_FeedsAggregator(t *testing.T) {
	bus := newFakeBus()
	fetch := &fakeFetcher{candles: []model.Candle{
		c1m(120_000, "1", "2", "1", "2", "5", 1),
		c1m(180_000, "2", "3", "2", "3", "5", 1),
		c1m(240_000, "3", "4", "3", "4", "5", 1),
		c1m(300_000, "4", "5", "4", "5", "5", 1),
	}}
	svc := NewService(ServiceConfig{
		Symbols:         []string{"BTCUSDT"},
		BackfillOnStart: true,
		Backfill1mLimit: 100,
		BackfillMin2m:   1,
	}, bus, nil, fetch)

	if err := svc.backfill(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := len(bus.byTF(model.TF2m)); got != 2 {
		t.Errorf("expected 2 backfilled 2m bars, got %d", got)
	}
}

func TestService_Backfill_SkippedWhenStreamWarm(t *testing.T) {
	bus := newFakeBus()
	bus.len2m = 200
	fetch := &fakeFetcher{candles: []model.Candle{
		c1m(120_000, "1", "2", "1", "2", "5", 1),
	}}
	svc := NewService(ServiceConfig{
		Symbols:         []string{"BTCUSDT"},
		BackfillOnStart: true,
		Backfill1mLimit: 100,
		BackfillMin2m:   150,
	}, bus, nil, fetch)

	if err := svc.backfill(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(bus.published) != 0 {
		t.Errorf("expected no publishes when stream already warm, got %d", len(bus.published))
	}
}

func TestService_Backfill_SkipsAlreadySeen(t *testing.T) {
	bus := newFakeBus()
	fetch := &fakeFetcher{candles: []model.Candle{
		c1m(120_000, "1", "2", "1", "2", "5", 1),
		c1m(180_000, "2", "3", "2", "3", "5", 1),
	}}
	svc := NewService(ServiceConfig{
		Symbols:         []string{"BTCUSDT"},
		Backfill1mLimit: 100,
		BackfillMin2m:   10,
	}, bus, nil, fetch)
	ctx := context.Background()

	// Live feed already delivered the first bar.
	if err := svc.handleCandle(ctx, fetch.candles[0]); err != nil {
		t.Fatal(err)
	}
	if err := svc.backfill(ctx); err != nil {
		t.Fatal(err)
	}

	if got := len(bus.byTF(model.TF1m)); got != 2 {
		t.Errorf("expected 2 distinct 1m bars, got %d", got)
	}
}
