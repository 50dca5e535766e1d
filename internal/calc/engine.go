package calc

import (
	"github.com/shopspring/decimal"

	"perptrader/internal/model"
)

// Engine holds the per-symbol regime model: rolling SMA20/SMA200, last red
// and last green closed bars, and the previously signalled regime. Process
// is deterministic; stream plumbing, watermarks and catch-up live in the
// Service. Single-consumer, not goroutine-safe.
type Engine struct {
	symbol string
	tf     string
	tick   decimal.Decimal

	sma20  *SMA
	sma200 *SMA

	lastRed   *model.Candle
	lastGreen *model.Candle

	prevRegime string // "" until the first decided bar
	armedIndTS int64  // indicator candle ts of the last emitted ARM
}

// NewEngine creates an engine for one symbol. tick offsets trigger/stop one
// increment beyond the indicator candle extremes.
func NewEngine(symbol, tf string, tick decimal.Decimal) *Engine {
	return &Engine{
		symbol: symbol,
		tf:     tf,
		tick:   tick,
		sma20:  NewSMA(20),
		sma200: NewSMA(200),
	}
}

// Process feeds one closed 2m bar in ascending ts order and returns the
// indicator snapshot for the bar plus any ARM/DISARM signals it produces.
func (e *Engine) Process(c model.Candle) (model.IndicatorState, []model.Signal) {
	e.sma20.Update(c.Close)
	e.sma200.Update(c.Close)

	// Dojis (close == open) leave both trackers unchanged.
	switch {
	case c.Close.GreaterThan(c.Open):
		cc := c
		e.lastGreen = &cc
	case c.Close.LessThan(c.Open):
		cc := c
		e.lastRed = &cc
	}

	if !e.sma20.Ready() || !e.sma200.Ready() {
		return e.warmupState(c), nil
	}

	ma20 := e.sma20.Value()
	ma200 := e.sma200.Value()

	regime := e.decideRegime(c, ma20, ma200)
	ind := e.selectIndicatorCandle(c, ma20, ma200)

	state := model.IndicatorState{
		Symbol:  e.symbol,
		TF:      e.tf,
		TS:      c.CloseTS,
		Close:   c.Close,
		MA20:    &ma20,
		MA200:   &ma200,
		Regime:  regime,
		IndTS:   ind.CloseTS,
		IndHigh: ind.High,
		IndLow:  ind.Low,
	}

	signals := e.transition(c.CloseTS, regime, ind)
	e.prevRegime = regime
	return state, signals
}

func (e *Engine) warmupState(c model.Candle) model.IndicatorState {
	state := model.IndicatorState{
		Symbol:  e.symbol,
		TF:      e.tf,
		TS:      c.CloseTS,
		Close:   c.Close,
		Regime:  model.RegimeNeutral,
		IndTS:   c.CloseTS,
		IndHigh: c.High,
		IndLow:  c.Low,
	}
	if e.sma20.Ready() {
		v := e.sma20.Value()
		state.MA20 = &v
	}
	if e.sma200.Ready() {
		v := e.sma200.Value()
		state.MA200 = &v
	}
	e.prevRegime = model.RegimeNeutral
	return state
}

func (e *Engine) decideRegime(c model.Candle, ma20, ma200 decimal.Decimal) string {
	closeForLong := c.Close
	if e.lastRed != nil {
		closeForLong = e.lastRed.Close
	}
	closeForShort := c.Close
	if e.lastGreen != nil {
		closeForShort = e.lastGreen.Close
	}

	switch {
	case ma20.GreaterThan(ma200) && closeForLong.GreaterThan(ma20):
		return model.RegimeLong
	case ma20.LessThan(ma200) && closeForShort.LessThan(ma20):
		return model.RegimeShort
	default:
		return model.RegimeNeutral
	}
}

func (e *Engine) selectIndicatorCandle(c model.Candle, ma20, ma200 decimal.Decimal) model.Candle {
	switch {
	case ma20.GreaterThan(ma200) && e.lastRed != nil:
		return *e.lastRed
	case ma20.LessThan(ma200) && e.lastGreen != nil:
		return *e.lastGreen
	default:
		return c
	}
}

// transition compares the new regime against the previous one and produces
// the bar's signal batch. DISARM always precedes ARM within a batch.
func (e *Engine) transition(barTS int64, regime string, ind model.Candle) []model.Signal {
	prev := e.prevRegime
	if prev == "" {
		prev = model.RegimeNeutral
	}

	switch {
	case prev == model.RegimeNeutral && regime != model.RegimeNeutral:
		return []model.Signal{e.arm(barTS, regime, ind)}

	case prev != model.RegimeNeutral && regime == model.RegimeNeutral:
		return []model.Signal{e.disarm(barTS, prev, "regime_change")}

	case prev != regime: // long <-> short flip
		return []model.Signal{
			e.disarm(barTS, prev, "regime_change"),
			e.arm(barTS, regime, ind),
		}

	case regime != model.RegimeNeutral && ind.CloseTS != e.armedIndTS:
		// Same regime, new indicator candle: executors must cancel stale
		// pending orders and re-place at the new levels.
		return []model.Signal{
			e.disarm(barTS, regime, "update_pending"),
			e.arm(barTS, regime, ind),
		}
	}
	return nil
}

func (e *Engine) arm(barTS int64, regime string, ind model.Candle) model.Signal {
	e.armedIndTS = ind.CloseTS

	s := model.ArmSignal{
		Side:    regime,
		Symbol:  e.symbol,
		TF:      e.tf,
		TS:      barTS,
		IndTS:   ind.CloseTS,
		IndHigh: ind.High,
		IndLow:  ind.Low,
	}
	if regime == model.RegimeLong {
		s.Trigger = ind.High.Add(e.tick)
		s.Stop = ind.Low.Sub(e.tick)
	} else {
		s.Trigger = ind.Low.Sub(e.tick)
		s.Stop = ind.High.Add(e.tick)
	}
	return s
}

func (e *Engine) disarm(barTS int64, prevSide, reason string) model.Signal {
	return model.DisarmSignal{
		PrevSide: prevSide,
		Symbol:   e.symbol,
		TF:       e.tf,
		TS:       barTS,
		Reason:   reason,
	}
}
