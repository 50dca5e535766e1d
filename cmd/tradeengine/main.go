package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"perptrader/config"
	"perptrader/internal/exchange"
	"perptrader/internal/executor"
	"perptrader/internal/logger"
	"perptrader/internal/metrics"
	"perptrader/internal/model"
	"perptrader/internal/monitor"
	"perptrader/internal/notification"
	"perptrader/internal/router"
	"perptrader/internal/stream"
	sqlitestore "perptrader/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tradeengine] starting...")

	// ---- Load config from env ----
	_ = godotenv.Load()
	cfg := config.Load()
	symbols := cfg.ParseSymbols()
	if len(symbols) == 0 {
		log.Fatal("[tradeengine] SYMBOLS is empty")
	}
	slogger := logger.Init("tradeengine", slog.LevelInfo)
	if cfg.DryRun {
		log.Println("[tradeengine] *** DRY RUN MODE: orders are simulated, nothing reaches the exchange ***")
	}

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

	// ---- Open the order/bot store ----
	os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
	store, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath, MasterKey: cfg.MasterKey})
	if err != nil {
		log.Fatalf("[tradeengine] sqlite init failed: %v", err)
	}
	defer store.Close()
	log.Println("[tradeengine] sqlite store ready")

	// ---- Connect the stream bus ----
	bus, err := stream.New(stream.BusConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		log.Fatalf("[tradeengine] redis init failed: %v", err)
	}
	defer bus.Close()
	health.CheckRedis(ctx, bus.Client())
	log.Println("[tradeengine] stream bus ready")

	heartbeat := time.Duration(cfg.HeartbeatSeconds) * time.Second
	health.StartLivenessChecker(ctx, bus.Client(), store.DB(), heartbeat)

	// ---- Notifications ----
	var notifier notification.Notifier = notification.NewLogNotifier()
	if cfg.WebhookURL != "" {
		notifier = notification.NewWebhookNotifier(cfg.WebhookURL)
	}
	go watchUpstreamHeartbeats(ctx, bus, notifier, heartbeat)

	// ---- Exchange client factory ----
	factory := exchange.NewFactory(exchange.FactoryConfig{
		DryRun: cfg.DryRun,
		Retry: exchange.RetryPolicy{
			MaxAttempts: cfg.ExchangeMaxRetries,
			Factor:      cfg.ExchangeBackoffFactor,
			OnError: func(_ string, kind exchange.Kind) {
				prom.ExchangeErrors.WithLabelValues(string(kind)).Inc()
			},
		},
	}, store)

	// ---- Executor ----
	locks := executor.NewBotLocks()
	balances := executor.NewBalanceValidator(bus, time.Duration(cfg.BalanceTTLSeconds)*time.Second)
	exec := executor.New(factory, store, balances, locks, executor.Config{
		MaxSpreadBps:    cfg.MaxSpreadBps,
		MaxMarkDriftBps: cfg.MaxMarkDriftBps,
	}, slogger)
	exec.OnOutcome = func(status string) {
		prom.OrderOutcomes.WithLabelValues(status).Inc()
	}
	exec.OnPlacement = func(d time.Duration) {
		prom.PlacementDur.Observe(d.Seconds())
	}
	exec.OnAuthFailure = func(botID string, cause error) {
		credID := ""
		if b, err := store.GetBot(ctx, botID); err == nil && b != nil {
			credID = b.CredentialID
		}
		if err := notifier.Send(ctx, notification.AuthFailure(botID, credID, cause)); err != nil {
			log.Printf("[tradeengine] auth failure alert: %v", err)
		}
	}

	// ---- Order monitor ----
	mon := monitor.New(store, store, factory, locks, balances, bus, monitor.Config{
		Interval:          cfg.MonitorInterval(),
		HeartbeatInterval: heartbeat,
	}, slogger)
	mon.OnTransition = func(st *model.OrderState) {
		prom.StateTransitions.WithLabelValues(st.Status).Inc()
		prom.OpenPositions.Set(float64(mon.Book().Len()))
	}
	mon.OnForceClose = func(botID, symbol string) {
		if err := notifier.Send(ctx, notification.ForceClose(botID, symbol)); err != nil {
			log.Printf("[tradeengine] force-close alert: %v", err)
		}
	}
	go func() {
		if err := mon.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[tradeengine] monitor error: %v", err)
		}
	}()

	// ---- Signal router ----
	cache := router.NewBotCache(store, bus, slogger)
	if err := cache.Refresh(ctx); err != nil {
		log.Fatalf("[tradeengine] bot cache: %v", err)
	}
	go cache.Run(ctx, cfg.RouterRefresh())

	consumer, _ := os.Hostname()
	if consumer == "" {
		consumer = "tradeengine"
	}
	poller := router.NewPoller(bus, bus, cache, exec, router.Config{
		Symbols:           symbols,
		Timeframe:         cfg.Timeframe,
		Consumer:          consumer,
		Workers:           cfg.RouterWorkers,
		Block:             time.Duration(cfg.StreamBlockMS) * time.Millisecond,
		HeartbeatInterval: heartbeat,
	}, slogger)
	poller.OnDispatch = func(sigType, _ string) {
		prom.SignalsDispatched.WithLabelValues(sigType).Inc()
	}
	poller.OnDropped = func(reason string) {
		prom.SignalsDropped.WithLabelValues(reason).Inc()
	}
	poller.OnReclaimed = func(count int) {
		prom.PELReclaimed.Add(float64(count))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- poller.Run(ctx) }()
	log.Printf("[tradeengine] router consuming %d symbols as %q", len(symbols), consumer)

	// ---- Wait for shutdown signal ----
	select {
	case <-sigCh:
		log.Println("[tradeengine] shutdown signal received, cleaning up...")
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			log.Printf("[tradeengine] router error: %v", err)
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
	log.Println("[tradeengine] shutdown complete.")
}

// watchUpstreamHeartbeats alerts once when a market data service's liveness
// key expires, and again only after it has come back in between.
func watchUpstreamHeartbeats(ctx context.Context, bus *stream.Bus, notifier notification.Notifier, interval time.Duration) {
	services := []string{"ingestor", "calculator"}
	alerted := make(map[string]bool)

	ticker := time.NewTicker(3 * interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, svc := range services {
				n, err := bus.Client().Exists(ctx, stream.KeyHeartbeat(svc)).Result()
				if err != nil {
					continue
				}
				alive := n > 0
				if !alive && !alerted[svc] {
					alerted[svc] = true
					if err := notifier.Send(ctx, notification.HeartbeatGap(svc)); err != nil {
						log.Printf("[tradeengine] heartbeat alert for %s: %v", svc, err)
					}
				} else if alive {
					alerted[svc] = false
				}
			}
		}
	}
}
