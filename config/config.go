package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration loaded from environment variables.
// Both binaries (mdengine, tradeengine) share one Config; each reads the
// subset it needs.
type Config struct {
	// Infrastructure
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLitePath    string
	MetricsAddr   string

	// Market data
	Symbols         string
	Timeframe       string
	TickSizeDefault string
	BinanceWSBase   string
	BinanceRESTBase string
	WSMaxReconnects int

	// Backfill
	BackfillOnStart bool
	Backfill1mLimit int
	BackfillMin2m   int

	// Candle dedup marker lifetime. Must outlive the deepest backfill
	// window or replayed history gets re-published.
	DedupTTLHours int

	// Stream bus
	StreamBlockMS     int
	StreamMaxLen1m    int64
	StreamMaxLen2m    int64
	StreamMaxLenInd   int64
	StreamMaxLenSig   int64
	StreamRetentionMS int64

	// Router
	RouterRefreshSeconds int
	CatchupThresholdMS   int64
	RouterWorkers        int

	// Executor / exchange
	DryRun                bool
	Testnet               bool
	MasterKey             string
	ExchangeMaxRetries    int
	ExchangeBackoffFactor float64
	BalanceTTLSeconds     int
	MaxSpreadBps          int
	MaxMarkDriftBps       int

	// Monitor
	MonitorIntervalSeconds int

	// Liveness
	HeartbeatSeconds int

	// Notifications
	WebhookURL string

	// Optional symbol metadata overrides (YAML path)
	SymbolsFile string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		SQLitePath:    getEnv("SQLITE_PATH", "data/trading.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		Symbols:         getEnv("SYMBOLS", "BTCUSDT"),
		Timeframe:       getEnv("TIMEFRAME", "2m"),
		TickSizeDefault: getEnv("TICK_SIZE_DEFAULT", "0.1"),
		BinanceWSBase:   getEnv("BINANCE_WS_BASE", "wss://fstream.binance.com"),
		BinanceRESTBase: getEnv("BINANCE_REST_BASE", ""),
		WSMaxReconnects: getEnvInt("WS_MAX_RECONNECTS", 0),

		BackfillOnStart: getEnvBool("BACKFILL_ON_START", true),
		Backfill1mLimit: getEnvInt("BACKFILL_1M_LIMIT", 1000),
		BackfillMin2m:   getEnvInt("BACKFILL_MIN_2M", 200),

		DedupTTLHours: getEnvInt("DEDUP_TTL_HOURS", 7*24),

		StreamBlockMS:     getEnvInt("STREAM_BLOCK_MS", 5000),
		StreamMaxLen1m:    getEnvInt64("STREAM_MAXLEN_1M", 5000),
		StreamMaxLen2m:    getEnvInt64("STREAM_MAXLEN_2M", 5000),
		StreamMaxLenInd:   getEnvInt64("STREAM_MAXLEN_IND", 5000),
		StreamMaxLenSig:   getEnvInt64("STREAM_MAXLEN_SIGNAL", 10000),
		StreamRetentionMS: getEnvInt64("STREAM_RETENTION_MS", 0),

		RouterRefreshSeconds: getEnvInt("ROUTER_REFRESH_SECONDS", 60),
		CatchupThresholdMS:   getEnvInt64("CATCHUP_THRESHOLD_MS", 180_000),
		RouterWorkers:        getEnvInt("ROUTER_WORKERS", 16),

		DryRun:                getEnvBool("DRY_RUN_MODE", false),
		Testnet:               getEnvBool("TESTNET", true),
		MasterKey:             getEnv("MASTER_KEY", ""),
		ExchangeMaxRetries:    getEnvInt("EXCHANGE_MAX_RETRIES", 3),
		ExchangeBackoffFactor: getEnvFloat("EXCHANGE_BACKOFF_FACTOR", 0.5),
		BalanceTTLSeconds:     getEnvInt("BALANCE_TTL_SECONDS", 30),
		MaxSpreadBps:          getEnvInt("MAX_SPREAD_BPS", 5),
		MaxMarkDriftBps:       getEnvInt("MAX_MARK_DRIFT_BPS", 15),

		MonitorIntervalSeconds: getEnvInt("ORDER_MONITOR_INTERVAL_SECONDS", 5),

		HeartbeatSeconds: getEnvInt("HEARTBEAT_SECONDS", 10),

		WebhookURL: getEnv("WEBHOOK_URL", ""),

		SymbolsFile: getEnv("SYMBOLS_FILE", ""),
	}
}

// ParseSymbols splits the SYMBOLS list into upper-cased symbol names.
func (c *Config) ParseSymbols() []string {
	parts := strings.Split(c.Symbols, ",")
	syms := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		syms = append(syms, p)
	}
	return syms
}

// MonitorInterval returns the monitor poll period as a duration.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSeconds) * time.Second
}

// RouterRefresh returns the bot-cache refresh period as a duration.
func (c *Config) RouterRefresh() time.Duration {
	return time.Duration(c.RouterRefreshSeconds) * time.Second
}

// SymbolMeta carries optional per-symbol exchange filter overrides, used
// when operators want to pin tick/step sizes instead of trusting the
// exchangeInfo endpoint (useful on testnet, where filters drift).
type SymbolMeta struct {
	Symbol   string `yaml:"symbol"`
	TickSize string `yaml:"tick_size"`
	StepSize string `yaml:"step_size"`
	MinQty   string `yaml:"min_qty"`
}

type symbolsFile struct {
	Symbols []SymbolMeta `yaml:"symbols"`
}

// LoadSymbolMeta reads the optional SYMBOLS_FILE. A missing path returns an
// empty map; a present but unparsable file is an error.
func (c *Config) LoadSymbolMeta() (map[string]SymbolMeta, error) {
	out := make(map[string]SymbolMeta)
	if c.SymbolsFile == "" {
		return out, nil
	}
	raw, err := os.ReadFile(c.SymbolsFile)
	if err != nil {
		return nil, fmt.Errorf("read symbols file: %w", err)
	}
	var f symbolsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse symbols file %s: %w", c.SymbolsFile, err)
	}
	for _, m := range f.Symbols {
		out[strings.ToUpper(m.Symbol)] = m
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %g", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return b
}
