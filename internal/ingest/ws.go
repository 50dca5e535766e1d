package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"perptrader/internal/model"
)

const (
	wsDialTimeout   = 10 * time.Second
	wsReadDeadline  = 5 * time.Minute // server pings every ~3m
	wsBackoffFloor  = 1 * time.Second
	wsBackoffCeil   = 30 * time.Second
	wsStableUptime  = time.Minute // connection older than this resets backoff
	wsWriteDeadline = 5 * time.Second
)

// KlineStreamConfig configures the live 1m kline feed.
type KlineStreamConfig struct {
	BaseURL       string   // e.g. "wss://fstream.binance.com"
	Symbols       []string // upper-cased, e.g. BTCUSDT
	MaxReconnects int      // consecutive failed attempts before giving up; 0 = unlimited
}

// KlineStream maintains a combined-stream websocket subscription to the
// exchange's 1m klines and pushes each CLOSED bar into the output channel.
// Reconnects with exponential backoff on any failure.
type KlineStream struct {
	cfg KlineStreamConfig

	// Metrics hooks
	OnReconnect  func()
	OnDroppedBar func()
	OnParseError func()
}

// NewKlineStream creates a stream client for the given symbols.
func NewKlineStream(cfg KlineStreamConfig) *KlineStream {
	return &KlineStream{cfg: cfg}
}

// combined-stream envelope and kline payload
type wsEnvelope struct {
	Stream string      `json:"stream"`
	Data   wsKlineData `json:"data"`
}

type wsKlineData struct {
	Event string  `json:"e"`
	Kline wsKline `json:"k"`
}

type wsKline struct {
	StartTime int64  `json:"t"`
	Symbol    string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
	Trades    int64  `json:"n"`
	Closed    bool   `json:"x"`
}

func (s *KlineStream) url() string {
	parts := make([]string, len(s.cfg.Symbols))
	for i, sym := range s.cfg.Symbols {
		parts[i] = strings.ToLower(sym) + "@kline_1m"
	}
	return s.cfg.BaseURL + "/stream?streams=" + strings.Join(parts, "/")
}

// Run connects and streams closed 1m bars into out until ctx is cancelled
// or the reconnect budget is exhausted.
func (s *KlineStream) Run(ctx context.Context, out chan<- model.Candle) error {
	backoff := wsBackoffFloor
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		connectedAt := time.Now()
		err := s.streamOnce(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(connectedAt) >= wsStableUptime {
			backoff = wsBackoffFloor
			failures = 0
		}
		failures++
		if s.cfg.MaxReconnects > 0 && failures > s.cfg.MaxReconnects {
			return fmt.Errorf("kline stream: giving up after %d consecutive failures: %w", failures-1, err)
		}

		log.Printf("[ws] stream ended (%v), reconnecting in %s", err, backoff)
		if s.OnReconnect != nil {
			s.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > wsBackoffCeil {
			backoff = wsBackoffCeil
		}
	}
}

// streamOnce dials, then reads until the connection breaks.
func (s *KlineStream) streamOnce(ctx context.Context, out chan<- model.Candle) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	log.Printf("[ws] connected, %d kline subscriptions", len(s.cfg.Symbols))

	conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteDeadline))
	})

	// Unblock ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))

		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("[ws] unmarshal error: %v", err)
			if s.OnParseError != nil {
				s.OnParseError()
			}
			continue
		}
		if env.Data.Event != "kline" || !env.Data.Kline.Closed {
			continue
		}

		c, err := candleFromKline(env.Data.Kline)
		if err != nil {
			log.Printf("[ws] bad kline for %s: %v", env.Data.Kline.Symbol, err)
			if s.OnParseError != nil {
				s.OnParseError()
			}
			continue
		}

		select {
		case out <- c:
		case <-ctx.Done():
			return ctx.Err()
		default:
			log.Printf("[ws] candle channel full, dropping %s ts=%d", c.Symbol, c.CloseTS)
			if s.OnDroppedBar != nil {
				s.OnDroppedBar()
			}
		}
	}
}

// candleFromKline converts a closed exchange kline into the canonical 1m
// bar. The close timestamp is normalized to the minute boundary following
// the kline's open time.
func candleFromKline(k wsKline) (model.Candle, error) {
	o, err := decimal.NewFromString(k.Open)
	if err != nil {
		return model.Candle{}, fmt.Errorf("open %q: %w", k.Open, err)
	}
	h, err := decimal.NewFromString(k.High)
	if err != nil {
		return model.Candle{}, fmt.Errorf("high %q: %w", k.High, err)
	}
	l, err := decimal.NewFromString(k.Low)
	if err != nil {
		return model.Candle{}, fmt.Errorf("low %q: %w", k.Low, err)
	}
	c, err := decimal.NewFromString(k.Close)
	if err != nil {
		return model.Candle{}, fmt.Errorf("close %q: %w", k.Close, err)
	}
	v, err := decimal.NewFromString(k.Volume)
	if err != nil {
		return model.Candle{}, fmt.Errorf("volume %q: %w", k.Volume, err)
	}
	return model.Candle{
		Symbol:  k.Symbol,
		TF:      model.TF1m,
		CloseTS: k.StartTime + 60_000,
		Open:    o,
		High:    h,
		Low:     l,
		Close:   c,
		Volume:  v,
		Trades:  k.Trades,
	}, nil
}
