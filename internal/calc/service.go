package calc

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"perptrader/internal/model"
	"perptrader/internal/stream"
)

// calcBus is the slice of the stream bus the calculator uses.
type calcBus interface {
	PublishIndicator(ctx context.Context, s model.IndicatorState, maxLen int64) error
	PublishSignals(ctx context.Context, symbol, tf string, signals []model.Signal, maxLen int64) error
	LastEntry(ctx context.Context, stream string) (goredis.XMessage, bool, error)
	Range(ctx context.Context, stream, after string, fn func(goredis.XMessage) bool) error
	Tail(ctx context.Context, stream, after string, block time.Duration, handle stream.Handler) error
	SetWorkerOffset(ctx context.Context, stream, entryID string) error
	Heartbeat(ctx context.Context, service string, ttl time.Duration) error
}

// ServiceConfig configures the calculator.
type ServiceConfig struct {
	Symbols           []string
	Timeframe         string
	TickSizes         map[string]decimal.Decimal // per-symbol; DefaultTick as fallback
	DefaultTick       decimal.Decimal
	CatchupThreshold  time.Duration // bar freshness window that ends catch-up
	StreamBlock       time.Duration
	MaxLenInd         int64
	MaxLenSignals     int64
	HeartbeatInterval time.Duration
}

// Service runs one calculator task per symbol: replay the 2m candle stream
// from the beginning to rebuild MA windows, then tail it live. Output below
// the recovered watermarks is suppressed so restarts never re-emit.
type Service struct {
	cfg ServiceConfig
	bus calcBus

	// Metrics hooks
	OnIndicator    func(symbol string)
	OnSignal       func(symbol, sigType string)
	OnCatchupFlush func(symbol string)

	now func() time.Time
}

// NewService wires the calculator.
func NewService(cfg ServiceConfig, bus calcBus) *Service {
	if cfg.CatchupThreshold <= 0 {
		cfg.CatchupThreshold = 15 * time.Second
	}
	return &Service{cfg: cfg, bus: bus, now: time.Now}
}

// Run starts one worker per symbol and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.HeartbeatInterval > 0 {
		go s.heartbeatLoop(ctx)
	}

	errCh := make(chan error, len(s.cfg.Symbols))
	for _, sym := range s.cfg.Symbols {
		sym := sym
		go func() {
			errCh <- s.runSymbol(ctx, sym)
		}()
	}

	for range s.cfg.Symbols {
		if err := <-errCh; err != nil && ctx.Err() == nil {
			return err
		}
	}
	return ctx.Err()
}

func (s *Service) tickFor(symbol string) decimal.Decimal {
	if t, ok := s.cfg.TickSizes[symbol]; ok && t.IsPositive() {
		return t
	}
	return s.cfg.DefaultTick
}

type symbolWorker struct {
	svc    *Service
	symbol string
	engine *Engine

	indWatermark int64 // last ts written to the indicator stream
	sigWatermark int64 // last ts written to the signal stream

	catchUp  bool
	buffered []model.Signal // most recent candidate batch while catching up
}

func (s *Service) runSymbol(ctx context.Context, symbol string) error {
	w := &symbolWorker{
		svc:     s,
		symbol:  symbol,
		engine:  NewEngine(symbol, s.cfg.Timeframe, s.tickFor(symbol)),
		catchUp: true,
	}

	if err := w.recoverWatermarks(ctx); err != nil {
		return fmt.Errorf("%s: recover watermarks: %w", symbol, err)
	}

	candleStream := stream.KeyCandles(symbol, s.cfg.Timeframe)
	lastID := "0"
	var replayErr error
	err := s.bus.Range(ctx, candleStream, "0", func(msg goredis.XMessage) bool {
		if err := w.handleEntry(ctx, msg); err != nil {
			replayErr = err
			return false
		}
		lastID = msg.ID
		return true
	})
	if err != nil {
		return fmt.Errorf("%s: replay: %w", symbol, err)
	}
	if replayErr != nil {
		return fmt.Errorf("%s: replay: %w", symbol, replayErr)
	}
	log.Printf("[calc] %s: replayed through %s (catch_up=%v)", symbol, lastID, w.catchUp)

	offsetKey := stream.KeySignals(symbol, s.cfg.Timeframe)
	return s.bus.Tail(ctx, candleStream, lastID, s.cfg.StreamBlock, func(ctx context.Context, _ string, msg goredis.XMessage) error {
		if err := w.handleEntry(ctx, msg); err != nil {
			return err
		}
		if err := s.bus.SetWorkerOffset(ctx, offsetKey, msg.ID); err != nil {
			log.Printf("[calc] %s: persist offset: %v", symbol, err)
		}
		return nil
	})
}

// recoverWatermarks tails the output streams to find the last emitted ts so
// replay never double-publishes.
func (w *symbolWorker) recoverWatermarks(ctx context.Context) error {
	indKey := stream.KeyIndicators(w.symbol, w.svc.cfg.Timeframe)
	if msg, ok, err := w.svc.bus.LastEntry(ctx, indKey); err != nil {
		return err
	} else if ok {
		w.indWatermark = entryTS(msg)
	}

	sigKey := stream.KeySignals(w.symbol, w.svc.cfg.Timeframe)
	if msg, ok, err := w.svc.bus.LastEntry(ctx, sigKey); err != nil {
		return err
	} else if ok {
		w.sigWatermark = entryTS(msg)
	}
	return nil
}

// handleEntry processes one 2m candle entry. Bars at or below the
// watermarks still feed the MAs; only output is suppressed.
func (w *symbolWorker) handleEntry(ctx context.Context, msg goredis.XMessage) error {
	c, err := model.CandleFromFields(msg.Values)
	if err != nil {
		log.Printf("[calc] %s: bad candle entry %s: %v", w.symbol, msg.ID, err)
		return nil
	}

	state, signals := w.engine.Process(c)
	cfg := &w.svc.cfg

	if c.CloseTS > w.indWatermark {
		if err := w.svc.bus.PublishIndicator(ctx, state, cfg.MaxLenInd); err != nil {
			return fmt.Errorf("publish indicator ts=%d: %w", c.CloseTS, err)
		}
		w.indWatermark = c.CloseTS
		if w.svc.OnIndicator != nil {
			w.svc.OnIndicator(w.symbol)
		}
	}

	if c.CloseTS <= w.sigWatermark {
		return nil
	}

	fresh := w.svc.now().UnixMilli()-c.CloseTS <= cfg.CatchupThreshold.Milliseconds()
	if w.catchUp && !fresh {
		if len(signals) > 0 {
			w.buffered = signals
		}
		return nil
	}

	if w.catchUp {
		w.catchUp = false
		if len(w.buffered) > 0 {
			log.Printf("[calc] %s: catch-up complete, flushing buffered batch ts=%d", w.symbol, w.buffered[0].BarTS())
			if err := w.publishSignals(ctx, w.buffered); err != nil {
				return err
			}
			w.buffered = nil
			if w.svc.OnCatchupFlush != nil {
				w.svc.OnCatchupFlush(w.symbol)
			}
		}
	}

	return w.publishSignals(ctx, signals)
}

func (w *symbolWorker) publishSignals(ctx context.Context, signals []model.Signal) error {
	if len(signals) == 0 {
		return nil
	}
	cfg := &w.svc.cfg
	if err := w.svc.bus.PublishSignals(ctx, w.symbol, cfg.Timeframe, signals, cfg.MaxLenSignals); err != nil {
		return fmt.Errorf("publish signals ts=%d: %w", signals[0].BarTS(), err)
	}
	w.sigWatermark = signals[len(signals)-1].BarTS()
	if w.svc.OnSignal != nil {
		for _, sig := range signals {
			w.svc.OnSignal(w.symbol, sig.Type())
		}
	}
	return nil
}

func entryTS(msg goredis.XMessage) int64 {
	if v, ok := msg.Values["ts"].(string); ok {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			return ts
		}
	}
	return 0
}

func (s *Service) heartbeatLoop(ctx context.Context) {
	ttl := 3 * s.cfg.HeartbeatInterval
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.bus.Heartbeat(ctx, "calculator", ttl); err != nil {
				log.Printf("[calc] heartbeat: %v", err)
			}
		}
	}
}
