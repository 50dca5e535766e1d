package calc

import (
	"context"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"perptrader/internal/model"
	"perptrader/internal/stream"
)

type fakeCalcBus struct {
	indicators []model.IndicatorState
	signals    []model.Signal
}

func (f *fakeCalcBus) PublishIndicator(_ context.Context, s model.IndicatorState, _ int64) error {
	f.indicators = append(f.indicators, s)
	return nil
}

func (f *fakeCalcBus) PublishSignals(_ context.Context, _, _ string, sigs []model.Signal, _ int64) error {
	f.signals = append(f.signals, sigs...)
	return nil
}

func (f *fakeCalcBus) LastEntry(context.Context, string) (goredis.XMessage, bool, error) {
	return goredis.XMessage{}, false, nil
}

func (f *fakeCalcBus) Range(context.Context, string, string, func(goredis.XMessage) bool) error {
	return nil
}

func (f *fakeCalcBus) Tail(context.Context, string, string, time.Duration, stream.Handler) error {
	return nil
}

func (f *fakeCalcBus) SetWorkerOffset(context.Context, string, string) error { return nil }

func (f *fakeCalcBus) Heartbeat(context.Context, string, time.Duration) error { return nil }

func entryFor(c model.Candle) goredis.XMessage {
	return goredis.XMessage{
		ID:     stream.EntryID(c.CloseTS, 0),
		Values: c.Fields(),
	}
}

func newTestWorker(bus *fakeCalcBus, nowMS int64) *symbolWorker {
	svc := NewService(ServiceConfig{
		Symbols:          []string{"BTCUSDT"},
		Timeframe:        model.TF2m,
		DefaultTick:      tick,
		CatchupThreshold: 15 * time.Second,
	}, bus)
	svc.now = func() time.Time { return time.UnixMilli(nowMS) }
	return &symbolWorker{
		svc:     svc,
		symbol:  "BTCUSDT",
		engine:  NewEngine("BTCUSDT", model.TF2m, tick),
		catchUp: true,
	}
}

func TestWorker_CatchUp_BuffersThenFlushesLastCandidate(t *testing.T) {
	// 202 bars; the final bar's close lands exactly at "now", everything
	// before it is stale.
	nowMS := int64(1_700_000_000_000) + 201*120_000
	bus := &fakeCalcBus{}
	w := newTestWorker(bus, nowMS)
	ctx := context.Background()

	ts := int64(1_700_000_000_000)
	for i := 0; i < 200; i++ {
		if err := w.handleEntry(ctx, entryFor(bar(ts, "100", "100", "100", "100"))); err != nil {
			t.Fatal(err)
		}
		ts += 120_000
	}

	// Stale ARM bar: buffered, not published.
	if err := w.handleEntry(ctx, entryFor(bar(ts, "120", "121", "109", "110"))); err != nil {
		t.Fatal(err)
	}
	if len(bus.signals) != 0 {
		t.Fatalf("expected no signals during catch-up, got %d", len(bus.signals))
	}
	if len(w.buffered) != 1 {
		t.Fatalf("expected 1 buffered signal, got %d", len(w.buffered))
	}
	ts += 120_000

	// Fresh doji bar clears the flag and flushes the buffer.
	if err := w.handleEntry(ctx, entryFor(bar(ts, "110", "112", "109", "110"))); err != nil {
		t.Fatal(err)
	}
	if w.catchUp {
		t.Error("expected catch-up flag cleared on fresh bar")
	}
	if len(bus.signals) != 1 {
		t.Fatalf("expected 1 flushed signal, got %d", len(bus.signals))
	}
	if bus.signals[0].Type() != model.SignalArm {
		t.Errorf("expected flushed ARM, got %s", bus.signals[0].Type())
	}

	// Re-processing anything at or below the signal watermark emits nothing.
	if err := w.handleEntry(ctx, entryFor(bar(ts-120_000, "120", "121", "109", "110"))); err != nil {
		t.Fatal(err)
	}
	if len(bus.signals) != 1 {
		t.Errorf("watermark must suppress re-emission, got %d signals", len(bus.signals))
	}
}

func TestWorker_IndicatorWatermark_SuppressesReplayOutput(t *testing.T) {
	nowMS := int64(1_700_000_000_000) + 10*120_000
	bus := &fakeCalcBus{}
	w := newTestWorker(bus, nowMS)
	w.indWatermark = 1_700_000_000_000 + 4*120_000
	ctx := context.Background()

	ts := int64(1_700_000_000_000)
	for i := 0; i < 10; i++ {
		if err := w.handleEntry(ctx, entryFor(bar(ts, "100", "100", "100", "100"))); err != nil {
			t.Fatal(err)
		}
		ts += 120_000
	}

	// Bars 0..4 are at or below the watermark; 5..9 are published.
	if len(bus.indicators) != 5 {
		t.Fatalf("expected 5 indicator publishes, got %d", len(bus.indicators))
	}
	if got := bus.indicators[0].TS; got != 1_700_000_000_000+5*120_000 {
		t.Errorf("first published ts: got %d", got)
	}
}

func TestWorker_BadEntrySkipped(t *testing.T) {
	bus := &fakeCalcBus{}
	w := newTestWorker(bus, time.Now().UnixMilli())

	msg := goredis.XMessage{ID: "1-0", Values: map[string]interface{}{"garbage": "x"}}
	if err := w.handleEntry(context.Background(), msg); err != nil {
		t.Fatalf("malformed entries must be dropped, not fatal: %v", err)
	}
	if len(bus.indicators) != 0 {
		t.Errorf("expected no output for malformed entry")
	}
}
