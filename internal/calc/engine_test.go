package calc

import (
	"testing"

	"github.com/shopspring/decimal"

	"perptrader/internal/model"
)

var tick = decimal.RequireFromString("0.1")

func bar(ts int64, o, h, l, c string) model.Candle {
	return model.Candle{
		Symbol:  "BTCUSDT",
		TF:      model.TF2m,
		CloseTS: ts,
		Open:    decimal.RequireFromString(o),
		High:    decimal.RequireFromString(h),
		Low:     decimal.RequireFromString(l),
		Close:   decimal.RequireFromString(c),
	}
}

// feedFlat pushes n doji bars at price p, advancing ts by 2 minutes each.
// Returns the ts following the last bar.
func feedFlat(e *Engine, startTS int64, n int, p string) int64 {
	ts := startTS
	for i := 0; i < n; i++ {
		e.Process(bar(ts, p, p, p, p))
		ts += 120_000
	}
	return ts
}

func TestEngine_WarmupEmitsNoSignals(t *testing.T) {
	e := NewEngine("BTCUSDT", model.TF2m, tick)

	ts := int64(1_700_000_000_000)
	for i := 0; i < 199; i++ {
		state, sigs := e.Process(bar(ts, "100", "100", "100", "100"))
		if len(sigs) != 0 {
			t.Fatalf("bar %d: expected no signals during warmup, got %d", i, len(sigs))
		}
		if state.Regime != model.RegimeNeutral {
			t.Fatalf("bar %d: expected neutral regime during warmup, got %s", i, state.Regime)
		}
		if state.MA200 != nil {
			t.Fatalf("bar %d: ma200 must be absent before window fills", i)
		}
		ts += 120_000
	}

	state, sigs := e.Process(bar(ts, "100", "100", "100", "100"))
	if state.MA20 == nil || state.MA200 == nil {
		t.Fatal("expected both MAs present on bar 200")
	}
	if state.Regime != model.RegimeNeutral {
		t.Errorf("flat tape: expected neutral, got %s", state.Regime)
	}
	if len(sigs) != 0 {
		t.Errorf("flat tape: expected no signals, got %d", len(sigs))
	}
}

func TestEngine_NeutralToLong_EmitsArm(t *testing.T) {
	e := NewEngine("BTCUSDT", model.TF2m, tick)
	ts := feedFlat(e, 1_700_000_000_000, 200, "100")

	// Red bar above both MAs: ma20 rises over ma200, last red close > ma20.
	state, sigs := e.Process(bar(ts, "120", "121", "109", "110"))
	if state.Regime != model.RegimeLong {
		t.Fatalf("expected long regime, got %s", state.Regime)
	}
	if len(sigs) != 1 {
		t.Fatalf("expected 1 signal, got %d", len(sigs))
	}
	arm, ok := sigs[0].(model.ArmSignal)
	if !ok {
		t.Fatalf("expected ArmSignal, got %T", sigs[0])
	}
	if arm.Side != model.SideLong {
		t.Errorf("side: got %s, want long", arm.Side)
	}
	if arm.IndTS != ts {
		t.Errorf("ind_ts: got %d, want %d (the red bar)", arm.IndTS, ts)
	}
	if got := arm.Trigger.String(); got != "121.1" {
		t.Errorf("trigger: got %s, want 121.1 (ind_high + tick)", got)
	}
	if got := arm.Stop.String(); got != "108.9" {
		t.Errorf("stop: got %s, want 108.9 (ind_low - tick)", got)
	}
	if state.IndTS != ts {
		t.Errorf("snapshot ind_ts: got %d, want %d", state.IndTS, ts)
	}
}

func TestEngine_RegimeFlip_EmitsDisarmThenArm(t *testing.T) {
	e := NewEngine("BTCUSDT", model.TF2m, tick)
	ts := feedFlat(e, 1_700_000_000_000, 200, "100")

	// Establish long.
	_, sigs := e.Process(bar(ts, "120", "121", "109", "110"))
	if len(sigs) != 1 || sigs[0].Type() != model.SignalArm {
		t.Fatalf("setup: expected single ARM, got %v", sigs)
	}
	ts += 120_000

	// Collapse: green bar far below drags ma20 under ma200 with the last
	// green close below ma20.
	state, sigs := e.Process(bar(ts, "50", "56", "49", "55"))
	if state.Regime != model.RegimeShort {
		t.Fatalf("expected short regime, got %s", state.Regime)
	}
	if len(sigs) != 2 {
		t.Fatalf("expected DISARM+ARM, got %d signals", len(sigs))
	}

	disarm, ok := sigs[0].(model.DisarmSignal)
	if !ok {
		t.Fatalf("first signal: expected DisarmSignal, got %T", sigs[0])
	}
	if disarm.PrevSide != model.SideLong {
		t.Errorf("prev_side: got %s, want long", disarm.PrevSide)
	}
	if disarm.BarTS() != ts {
		t.Errorf("disarm ts: got %d, want %d", disarm.BarTS(), ts)
	}

	arm, ok := sigs[1].(model.ArmSignal)
	if !ok {
		t.Fatalf("second signal: expected ArmSignal, got %T", sigs[1])
	}
	if arm.Side != model.SideShort {
		t.Errorf("side: got %s, want short", arm.Side)
	}
	// Short entry breaks below the indicator candle low.
	if got := arm.Trigger.String(); got != "48.9" {
		t.Errorf("trigger: got %s, want 48.9 (ind_low - tick)", got)
	}
	if got := arm.Stop.String(); got != "56.1" {
		t.Errorf("stop: got %s, want 56.1 (ind_high + tick)", got)
	}
}

func TestEngine_LongToNeutral_EmitsDisarm(t *testing.T) {
	e := NewEngine("BTCUSDT", model.TF2m, tick)
	ts := feedFlat(e, 1_700_000_000_000, 200, "100")

	_, sigs := e.Process(bar(ts, "120", "121", "109", "110"))
	if len(sigs) != 1 {
		t.Fatalf("setup: expected ARM, got %d signals", len(sigs))
	}
	ts += 120_000

	// Red bar whose close drops back under ma20: ma20 still > ma200 but the
	// long condition fails and the short condition cannot hold.
	state, sigs := e.Process(bar(ts, "101", "102", "95", "96"))
	if state.Regime != model.RegimeNeutral {
		t.Fatalf("expected neutral regime, got %s", state.Regime)
	}
	if len(sigs) != 1 {
		t.Fatalf("expected single DISARM, got %d signals", len(sigs))
	}
	disarm, ok := sigs[0].(model.DisarmSignal)
	if !ok {
		t.Fatalf("expected DisarmSignal, got %T", sigs[0])
	}
	if disarm.PrevSide != model.SideLong {
		t.Errorf("prev_side: got %s, want long", disarm.PrevSide)
	}
}

func TestEngine_NewIndicatorCandle_ReissuesArm(t *testing.T) {
	e := NewEngine("BTCUSDT", model.TF2m, tick)
	ts := feedFlat(e, 1_700_000_000_000, 200, "100")

	_, sigs := e.Process(bar(ts, "120", "121", "109", "110"))
	if len(sigs) != 1 {
		t.Fatalf("setup: expected ARM, got %d signals", len(sigs))
	}
	ts += 120_000

	// Another red bar keeps the regime long but becomes the new indicator
	// candle, so pending orders must be re-placed at the new levels.
	state, sigs := e.Process(bar(ts, "115", "116", "107", "108"))
	if state.Regime != model.RegimeLong {
		t.Fatalf("expected long regime, got %s", state.Regime)
	}
	if len(sigs) != 2 {
		t.Fatalf("expected DISARM+ARM reissue, got %d signals", len(sigs))
	}
	disarm := sigs[0].(model.DisarmSignal)
	if disarm.Reason != "update_pending" {
		t.Errorf("reason: got %s, want update_pending", disarm.Reason)
	}
	arm := sigs[1].(model.ArmSignal)
	if arm.IndTS != ts {
		t.Errorf("ind_ts: got %d, want %d", arm.IndTS, ts)
	}
	if got := arm.Trigger.String(); got != "116.1" {
		t.Errorf("trigger: got %s, want 116.1", got)
	}

	// Unchanged indicator candle on the next bar: no reissue.
	ts += 120_000
	_, sigs = e.Process(bar(ts, "108", "109", "107.5", "108"))
	for _, s := range sigs {
		if s.Type() == model.SignalArm {
			t.Errorf("unexpected ARM without a new indicator candle")
		}
	}
}

func TestEngine_DojiLeavesTrackersUnchanged(t *testing.T) {
	e := NewEngine("BTCUSDT", model.TF2m, tick)
	ts := feedFlat(e, 1_700_000_000_000, 200, "100")

	_, sigs := e.Process(bar(ts, "120", "121", "109", "110"))
	if len(sigs) != 1 {
		t.Fatalf("setup: expected ARM, got %d signals", len(sigs))
	}
	redTS := ts
	ts += 120_000

	// Doji: last red stays at the prior bar, so no reissue happens even
	// though this bar would otherwise be a candidate.
	state, sigs := e.Process(bar(ts, "110", "112", "109", "110"))
	if state.IndTS != redTS {
		t.Errorf("ind_ts: got %d, want %d (doji must not replace last red)", state.IndTS, redTS)
	}
	if len(sigs) != 0 {
		t.Errorf("expected no signals on doji bar, got %d", len(sigs))
	}
}
