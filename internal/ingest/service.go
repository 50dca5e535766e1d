package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"perptrader/internal/model"
	"perptrader/internal/stream"
)

// candleBus is the slice of the stream bus the ingestor uses.
type candleBus interface {
	PublishCandle(ctx context.Context, c model.Candle, maxLen int64) error
	MarkCandleSeen(ctx context.Context, symbol, tf string, closeTS int64, ttl time.Duration) (bool, error)
	StreamLen(ctx context.Context, stream string) (int64, error)
	Heartbeat(ctx context.Context, service string, ttl time.Duration) error
}

// ServiceConfig configures the ingestor.
type ServiceConfig struct {
	Symbols           []string
	BackfillOnStart   bool
	Backfill1mLimit   int
	BackfillMin2m     int
	MaxLen1m          int64
	MaxLen2m          int64
	DedupTTL          time.Duration
	HeartbeatInterval time.Duration
}

// Service runs the full 1m ingest pipeline: REST backfill on start, then the
// live websocket feed, with dedup and 2m aggregation on the way to the bus.
type Service struct {
	cfg   ServiceConfig
	bus   candleBus
	feed  *KlineStream
	fetch KlineFetcher
	agg   *TwoMinuteAggregator

	count2m int // 2m bars published since start

	// Metrics hooks
	OnCandle1m  func()
	OnCandle2m  func()
	OnDuplicate func()
}

// NewService wires the ingest pipeline.
func NewService(cfg ServiceConfig, bus candleBus, feed *KlineStream, fetch KlineFetcher) *Service {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 7 * 24 * time.Hour
	}
	return &Service{
		cfg:   cfg,
		bus:   bus,
		feed:  feed,
		fetch: fetch,
		agg:   NewTwoMinuteAggregator(),
	}
}

// Aggregator exposes the 2m aggregator for metrics hook wiring.
func (s *Service) Aggregator() *TwoMinuteAggregator { return s.agg }

// Run blocks until ctx is cancelled or the feed gives up reconnecting.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.BackfillOnStart {
		if err := s.backfill(ctx); err != nil {
			return fmt.Errorf("backfill: %w", err)
		}
	}

	if s.cfg.HeartbeatInterval > 0 {
		go s.heartbeatLoop(ctx)
	}

	candleCh := make(chan model.Candle, 1024)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.feed.Run(ctx, candleCh)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case c := <-candleCh:
			if err := s.handleCandle(ctx, c); err != nil {
				log.Printf("[ingest] %s ts=%d: %v", c.Symbol, c.CloseTS, err)
			}
		}
	}
}

// backfill replays recent REST klines through the same dedup+aggregation
// path as the live feed, so a restart repairs stream gaps. Symbols whose 2m
// stream already holds enough history are skipped.
func (s *Service) backfill(ctx context.Context) error {
	for _, sym := range s.cfg.Symbols {
		have, err := s.bus.StreamLen(ctx, stream.KeyCandles(sym, model.TF2m))
		if err != nil {
			return fmt.Errorf("%s stream length: %w", sym, err)
		}
		if have >= int64(s.cfg.BackfillMin2m) {
			log.Printf("[ingest] %s: 2m stream has %d entries, skipping backfill", sym, have)
			continue
		}

		candles, err := s.fetch.Klines1m(ctx, sym, s.cfg.Backfill1mLimit)
		if err != nil {
			return err
		}

		before := s.count2m
		for _, c := range candles {
			if err := s.handleCandle(ctx, c); err != nil {
				return fmt.Errorf("%s ts=%d: %w", c.Symbol, c.CloseTS, err)
			}
		}
		emitted := s.count2m - before

		log.Printf("[ingest] backfilled %s: %d 1m bars, %d new 2m bars", sym, len(candles), emitted)
		if emitted < s.cfg.BackfillMin2m {
			log.Printf("[ingest] %s: only %d fresh 2m bars (< %d); indicators warm up from stream history", sym, emitted, s.cfg.BackfillMin2m)
		}
	}
	return nil
}

func (s *Service) handleCandle(ctx context.Context, c model.Candle) error {
	fresh, err := s.bus.MarkCandleSeen(ctx, c.Symbol, model.TF1m, c.CloseTS, s.cfg.DedupTTL)
	if err != nil {
		return fmt.Errorf("dedup 1m: %w", err)
	}
	if fresh {
		if err := s.bus.PublishCandle(ctx, c, s.cfg.MaxLen1m); err != nil {
			return fmt.Errorf("publish 1m: %w", err)
		}
		if s.OnCandle1m != nil {
			s.OnCandle1m()
		}
	} else if s.OnDuplicate != nil {
		s.OnDuplicate()
	}

	// The aggregator is fed even for already-seen bars: dedup gates
	// publication only. A restart between the two halves of a 2m bar
	// replays the even half as seen, and the odd half still needs it.
	bar2m, done := s.agg.Push(c)
	if !done {
		return nil
	}
	fresh2m, err := s.bus.MarkCandleSeen(ctx, bar2m.Symbol, model.TF2m, bar2m.CloseTS, s.cfg.DedupTTL)
	if err != nil {
		return fmt.Errorf("dedup 2m: %w", err)
	}
	if !fresh2m {
		return nil
	}
	if err := s.bus.PublishCandle(ctx, bar2m, s.cfg.MaxLen2m); err != nil {
		return fmt.Errorf("publish 2m: %w", err)
	}
	s.count2m++
	if s.OnCandle2m != nil {
		s.OnCandle2m()
	}
	return nil
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
			if err := s.bus.Heartbeat(ctx, "ingestor", ttl); err != nil {
				log.Printf("[ingest] heartbeat: %v", err)
			}
		}
	}
}
