// Package metrics exposes Prometheus metrics and the /healthz endpoint for
// both engines.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for the market data and trading
// engines. Each binary registers the full set; only its own series move.
type Metrics struct {
	// Ingestor
	Candles1mTotal   prometheus.Counter
	Candles2mTotal   prometheus.Counter
	DuplicateCandles prometheus.Counter
	WSReconnects     prometheus.Counter
	DroppedBars      prometheus.Counter
	ParseErrors      prometheus.Counter

	// Calculator
	IndicatorsTotal prometheus.Counter
	SignalsTotal    *prometheus.CounterVec // labels: type
	CatchupFlushes  prometheus.Counter
	PELReclaimed    prometheus.Counter

	// Router
	SignalsDispatched *prometheus.CounterVec // labels: type
	SignalsDropped    *prometheus.CounterVec // labels: reason

	// Executor and monitor
	OrderOutcomes    *prometheus.CounterVec // labels: status
	StateTransitions *prometheus.CounterVec // labels: status
	ExchangeErrors   *prometheus.CounterVec // labels: kind
	OpenPositions    prometheus.Gauge
	PlacementDur     prometheus.Histogram
}

// NewMetrics registers and returns all metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		Candles1mTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perptrader_candles_1m_total",
			Help: "Closed 1m candles accepted",
		}),
		Candles2mTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perptrader_candles_2m_total",
			Help: "Aggregated 2m candles published",
		}),
		DuplicateCandles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perptrader_duplicate_candles_total",
			Help: "1m candles discarded by the dedup set",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perptrader_ws_reconnects_total",
			Help: "WebSocket reconnection attempts",
		}),
		DroppedBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perptrader_dropped_bars_total",
			Help: "Bars dropped by the aggregator (gaps, stale halves)",
		}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perptrader_parse_errors_total",
			Help: "Malformed frames or stream entries skipped",
		}),

		IndicatorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perptrader_indicators_total",
			Help: "Indicator states published",
		}),
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perptrader_signals_total",
			Help: "Signals published (by type)",
		}, []string{"type"}),
		CatchupFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perptrader_catchup_flushes_total",
			Help: "Buffered catch-up signal batches flushed on the first fresh bar",
		}),
		PELReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perptrader_pel_reclaimed_total",
			Help: "Stream entries reclaimed from dead consumers via XCLAIM",
		}),

		SignalsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perptrader_signals_dispatched_total",
			Help: "Per-bot signal dispatches completed (by type)",
		}, []string{"type"}),
		SignalsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perptrader_signals_dropped_total",
			Help: "Signal entries acknowledged without dispatch (by reason)",
		}, []string{"reason"}),

		OrderOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perptrader_order_outcomes_total",
			Help: "Executor outcomes per ARM signal (by resulting status)",
		}, []string{"status"}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perptrader_state_transitions_total",
			Help: "Order state transitions persisted by the monitor (by new status)",
		}, []string{"status"}),
		ExchangeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perptrader_exchange_errors_total",
			Help: "Classified exchange failures (by kind)",
		}, []string{"kind"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "perptrader_open_positions",
			Help: "Positions currently tracked by the monitor",
		}),
		PlacementDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "perptrader_order_placement_duration_seconds",
			Help:    "End-to-end latency of one ARM execution (sizing through trio)",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}),
	}

	prometheus.MustRegister(
		m.Candles1mTotal,
		m.Candles2mTotal,
		m.DuplicateCandles,
		m.WSReconnects,
		m.DroppedBars,
		m.ParseErrors,
		m.IndicatorsTotal,
		m.SignalsTotal,
		m.CatchupFlushes,
		m.PELReclaimed,
		m.SignalsDispatched,
		m.SignalsDropped,
		m.OrderOutcomes,
		m.StateTransitions,
		m.ExchangeErrors,
		m.OpenPositions,
		m.PlacementDur,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool
	LastBarTime    time.Time
	RedisConnected bool
	SQLiteOK       bool
	Symbols        []string

	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now(), SQLiteOK: true}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastBarTime(t time.Time) {
	h.mu.Lock()
	h.LastBarTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetSymbols(symbols []string) {
	h.mu.Lock()
	h.Symbols = symbols
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency and connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency and health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. sqlDB may be nil for
// the market data engine.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.RedisConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	barAge := ""
	if !h.LastBarTime.IsZero() {
		barAge = time.Since(h.LastBarTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string   `json:"status"`
		Uptime          string   `json:"uptime"`
		WSConnected     bool     `json:"ws_connected"`
		LastBarTime     string   `json:"last_bar_time"`
		BarAge          string   `json:"bar_age"`
		RedisConnected  bool     `json:"redis_connected"`
		RedisLatencyMs  float64  `json:"redis_latency_ms"`
		SQLiteOK        bool     `json:"sqlite_ok"`
		SQLiteLatencyMs float64  `json:"sqlite_latency_ms"`
		Symbols         []string `json:"symbols"`
		LastCheckAt     string   `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:     h.WSConnected,
		LastBarTime:     h.LastBarTime.Format(time.RFC3339),
		BarAge:          barAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		Symbols:         h.Symbols,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
