package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"perptrader/config"
	"perptrader/internal/calc"
	"perptrader/internal/ingest"
	"perptrader/internal/logger"
	"perptrader/internal/metrics"
	"perptrader/internal/model"
	"perptrader/internal/stream"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[mdengine] starting...")

	// ---- Load config from env ----
	_ = godotenv.Load()
	cfg := config.Load()
	symbols := cfg.ParseSymbols()
	if len(symbols) == 0 {
		log.Fatal("[mdengine] SYMBOLS is empty")
	}
	logger.Init("mdengine", slog.LevelInfo)
	log.Printf("[mdengine] symbols=%v timeframe=%s", symbols, cfg.Timeframe)

	// ---- Setup metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	health.SetSymbols(symbols)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Setup context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Connect the stream bus ----
	bus, err := stream.New(stream.BusConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		log.Fatalf("[mdengine] redis init failed: %v", err)
	}
	defer bus.Close()
	health.CheckRedis(ctx, bus.Client())
	log.Println("[mdengine] stream bus ready")

	heartbeat := time.Duration(cfg.HeartbeatSeconds) * time.Second
	health.StartLivenessChecker(ctx, bus.Client(), nil, heartbeat)

	// ---- Live kline feed ----
	feed := ingest.NewKlineStream(ingest.KlineStreamConfig{
		BaseURL:       cfg.BinanceWSBase,
		Symbols:       symbols,
		MaxReconnects: cfg.WSMaxReconnects,
	})
	feed.OnReconnect = func() {
		prom.WSReconnects.Inc()
		health.SetWSConnected(false)
	}
	feed.OnDroppedBar = prom.DroppedBars.Inc
	feed.OnParseError = prom.ParseErrors.Inc

	// ---- Ingestor (backfill + dedup + 2m aggregation) ----
	ing := ingest.NewService(ingest.ServiceConfig{
		Symbols:           symbols,
		BackfillOnStart:   cfg.BackfillOnStart,
		Backfill1mLimit:   cfg.Backfill1mLimit,
		BackfillMin2m:     cfg.BackfillMin2m,
		MaxLen1m:          cfg.StreamMaxLen1m,
		MaxLen2m:          cfg.StreamMaxLen2m,
		DedupTTL:          time.Duration(cfg.DedupTTLHours) * time.Hour,
		HeartbeatInterval: heartbeat,
	}, bus, feed, ingest.NewBinanceKlines(cfg.BinanceRESTBase))
	ing.OnCandle1m = func() {
		prom.Candles1mTotal.Inc()
		health.SetWSConnected(true)
		health.SetLastBarTime(time.Now())
	}
	ing.OnCandle2m = prom.Candles2mTotal.Inc
	ing.OnDuplicate = prom.DuplicateCandles.Inc

	// ---- Calculator (MA engine per symbol) ----
	tickSizes, err := loadTickSizes(cfg)
	if err != nil {
		log.Fatalf("[mdengine] symbol metadata: %v", err)
	}
	defaultTick, err := decimal.NewFromString(cfg.TickSizeDefault)
	if err != nil {
		log.Fatalf("[mdengine] invalid TICK_SIZE_DEFAULT %q: %v", cfg.TickSizeDefault, err)
	}
	calcSvc := calc.NewService(calc.ServiceConfig{
		Symbols:           symbols,
		Timeframe:         cfg.Timeframe,
		TickSizes:         tickSizes,
		DefaultTick:       defaultTick,
		CatchupThreshold:  time.Duration(cfg.CatchupThresholdMS) * time.Millisecond,
		StreamBlock:       time.Duration(cfg.StreamBlockMS) * time.Millisecond,
		MaxLenInd:         cfg.StreamMaxLenInd,
		MaxLenSignals:     cfg.StreamMaxLenSig,
		HeartbeatInterval: heartbeat,
	}, bus)
	calcSvc.OnIndicator = func(string) { prom.IndicatorsTotal.Inc() }
	calcSvc.OnSignal = func(_, sigType string) { prom.SignalsTotal.WithLabelValues(sigType).Inc() }
	calcSvc.OnCatchupFlush = func(string) { prom.CatchupFlushes.Inc() }

	// ---- Optional time-based stream retention ----
	if cfg.StreamRetentionMS > 0 {
		go retentionLoop(ctx, bus, symbols, cfg)
	}

	// ---- Run pipeline ----
	errCh := make(chan error, 2)
	go func() { errCh <- ing.Run(ctx) }()
	go func() { errCh <- calcSvc.Run(ctx) }()
	log.Println("[mdengine] pipeline ready")

	select {
	case <-sigCh:
		log.Println("[mdengine] shutdown signal received, cleaning up...")
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			log.Printf("[mdengine] pipeline error: %v", err)
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
	log.Println("[mdengine] shutdown complete.")
}

// loadTickSizes parses the optional per-symbol tick overrides from the
// symbols file.
func loadTickSizes(cfg *config.Config) (map[string]decimal.Decimal, error) {
	meta, err := cfg.LoadSymbolMeta()
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(meta))
	for sym, m := range meta {
		if m.TickSize == "" {
			continue
		}
		t, err := decimal.NewFromString(m.TickSize)
		if err != nil {
			return nil, err
		}
		out[sym] = t
	}
	return out, nil
}

// retentionLoop trims stream entries older than STREAM_RETENTION_MS. MAXLEN
// caps already bound memory; this additionally drops stale history so a
// long-idle symbol does not replay ancient bars after a restart.
func retentionLoop(ctx context.Context, bus *stream.Bus, symbols []string, cfg *config.Config) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			minID := strconv.FormatInt(time.Now().UnixMilli()-cfg.StreamRetentionMS, 10)
			var streams []string
			for _, sym := range symbols {
				streams = append(streams,
					stream.KeyCandles(sym, model.TF1m),
					stream.KeyCandles(sym, model.TF2m),
					stream.KeyIndicators(sym, cfg.Timeframe),
					stream.KeySignals(sym, cfg.Timeframe),
				)
			}
			if err := bus.TrimBefore(ctx, minID, streams...); err != nil {
				log.Printf("[mdengine] retention trim: %v", err)
			}
		}
	}
}
