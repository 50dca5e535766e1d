package stream

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"perptrader/internal/model"
)

// BusConfig configures the Redis connection.
type BusConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Bus wraps the Redis client with the publish side of the stream protocol
// plus the small key/value helpers (dedup markers, ledger, balance cache,
// bot index, heartbeats) both engines share.
type Bus struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (b *Bus) Client() *goredis.Client { return b.client }

// New creates a new Bus and pings the server.
func New(cfg BusConfig) (*Bus, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[stream] connected to %s", cfg.Addr)
	return &Bus{client: client}, nil
}

// PublishCandle appends a closed candle to its stream under the explicit
// entry id "<closeTS>-0". Appending the same bar twice is rejected by Redis
// (ids must increase), which makes the append itself idempotent and keeps
// writes forward-only during backfill.
func (b *Bus) PublishCandle(ctx context.Context, c model.Candle, maxLen int64) error {
	err := b.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: KeyCandles(c.Symbol, c.TF),
		ID:     EntryID(c.CloseTS, 0),
		MaxLen: maxLen,
		Approx: true,
		Values: c.Fields(),
	}).Err()
	if err != nil && isOldEntryID(err) {
		return nil
	}
	return err
}

// PublishIndicator appends the per-bar indicator record and overwrites the
// latest-snapshot hash in one pipeline.
func (b *Bus) PublishIndicator(ctx context.Context, s model.IndicatorState, maxLen int64) error {
	fields := s.Fields()
	pipe := b.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: KeyIndicators(s.Symbol, s.TF),
		ID:     EntryID(s.TS, 0),
		MaxLen: maxLen,
		Approx: true,
		Values: fields,
	})
	pipe.HSet(ctx, KeySnapshot(s.Symbol, s.TF), fields)
	_, err := pipe.Exec(ctx)
	if err != nil && isOldEntryID(err) {
		return nil
	}
	return err
}

// PublishSignals appends one bar's signal batch in emit order, ids
// "<barTS>-1", "<barTS>-2", ... so a DISARM always precedes the ARM that
// replaces it within the same bar.
func (b *Bus) PublishSignals(ctx context.Context, symbol, tf string, signals []model.Signal, maxLen int64) error {
	if len(signals) == 0 {
		return nil
	}
	key := KeySignals(symbol, tf)
	pipe := b.client.Pipeline()
	for i, sig := range signals {
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: key,
			ID:     EntryID(sig.BarTS(), int64(i)+1),
			MaxLen: maxLen,
			Approx: true,
			Values: sig.Fields(),
		})
	}
	_, err := pipe.Exec(ctx)
	if err != nil && isOldEntryID(err) {
		return nil
	}
	return err
}

// isOldEntryID detects Redis rejecting an explicit id at or below the
// stream's last id. That only happens when the bar was already published, so
// callers treat it as success.
func isOldEntryID(err error) bool {
	return err != nil && strings.Contains(err.Error(), "equal or smaller than the target stream top item")
}

// MarkCandleSeen records a closed bar in the dedup set. Returns false if
// the bar was already seen.
func (b *Bus) MarkCandleSeen(ctx context.Context, symbol, tf string, closeTS int64, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, KeyCandleSeen(symbol, tf, closeTS), "1", ttl).Result()
}

// ClaimDispatch records a (bot, signal entry) dispatch in the ledger.
// Returns false if the pair was already claimed, i.e. this is a redelivery.
func (b *Bus) ClaimDispatch(ctx context.Context, botID, entryID string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, KeyDispatchLedger(botID, entryID), "1", ttl).Result()
}

// ReleaseDispatch removes a ledger claim so a failed dispatch can be retried
// on redelivery.
func (b *Bus) ReleaseDispatch(ctx context.Context, botID, entryID string) error {
	return b.client.Del(ctx, KeyDispatchLedger(botID, entryID)).Err()
}

// CachedBalance returns the cached available balance for a credential on an
// environment, or ok=false on a miss.
func (b *Bus) CachedBalance(ctx context.Context, credentialID, env string) (string, bool, error) {
	v, err := b.client.Get(ctx, KeyBalanceCache(credentialID, env)).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetCachedBalance stores the available balance for a credential with a TTL.
func (b *Bus) SetCachedBalance(ctx context.Context, credentialID, env, balance string, ttl time.Duration) error {
	return b.client.Set(ctx, KeyBalanceCache(credentialID, env), balance, ttl).Err()
}

// InvalidateBalance drops the cached balance, forcing the next sizing pass
// to re-query the exchange.
func (b *Bus) InvalidateBalance(ctx context.Context, credentialID, env string) error {
	return b.client.Del(ctx, KeyBalanceCache(credentialID, env)).Err()
}

// SyncBotIndex replaces the per-symbol bot index sets with the given
// membership. Called by the router after each config refresh.
func (b *Bus) SyncBotIndex(ctx context.Context, bySymbol map[string][]string) error {
	pipe := b.client.Pipeline()
	for sym, botIDs := range bySymbol {
		key := KeyBotIndex(sym)
		pipe.Del(ctx, key)
		if len(botIDs) > 0 {
			members := make([]interface{}, len(botIDs))
			for i, id := range botIDs {
				members[i] = id
			}
			pipe.SAdd(ctx, key, members...)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// BotIndex returns the bot ids subscribed to a symbol.
func (b *Bus) BotIndex(ctx context.Context, symbol string) ([]string, error) {
	return b.client.SMembers(ctx, KeyBotIndex(symbol)).Result()
}

// Heartbeat refreshes the service liveness key.
func (b *Bus) Heartbeat(ctx context.Context, service string, ttl time.Duration) error {
	return b.client.Set(ctx, KeyHeartbeat(service), strconv.FormatInt(time.Now().UnixMilli(), 10), ttl).Err()
}

// SetWorkerOffset records the last entry id a tailing worker processed.
func (b *Bus) SetWorkerOffset(ctx context.Context, stream, entryID string) error {
	return b.client.Set(ctx, KeyWorkerOffset(stream), entryID, 0).Err()
}

// WorkerOffset returns the recorded offset for a stream, or "0" when none.
func (b *Bus) WorkerOffset(ctx context.Context, stream string) (string, error) {
	v, err := b.client.Get(ctx, KeyWorkerOffset(stream)).Result()
	if err == goredis.Nil {
		return "0", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// LastEntry returns the newest entry of a stream, or ok=false when the
// stream is empty. Used to recover publish watermarks after a restart.
func (b *Bus) LastEntry(ctx context.Context, stream string) (goredis.XMessage, bool, error) {
	msgs, err := b.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return goredis.XMessage{}, false, err
	}
	if len(msgs) == 0 {
		return goredis.XMessage{}, false, nil
	}
	return msgs[0], true, nil
}

// StreamLen returns the number of entries in a stream (0 when missing).
func (b *Bus) StreamLen(ctx context.Context, stream string) (int64, error) {
	n, err := b.client.XLen(ctx, stream).Result()
	if err == goredis.Nil {
		return 0, nil
	}
	return n, err
}

// Range reads stream entries in (after, +] in batches. The callback returns
// false to stop early.
func (b *Bus) Range(ctx context.Context, stream, after string, fn func(goredis.XMessage) bool) error {
	last := after
	for {
		msgs, err := b.client.XRangeN(ctx, stream, "("+last, "+", 1000).Result()
		if err != nil {
			return fmt.Errorf("xrange %s from %s: %w", stream, last, err)
		}
		if len(msgs) == 0 {
			return nil
		}
		for _, m := range msgs {
			if !fn(m) {
				return nil
			}
			last = m.ID
		}
		if len(msgs) < 1000 {
			return nil
		}
	}
}

// TrimBefore drops entries older than minID from the given streams.
// Used by the retention sweep when a time-based horizon is configured.
func (b *Bus) TrimBefore(ctx context.Context, minID string, streams ...string) error {
	pipe := b.client.Pipeline()
	for _, s := range streams {
		pipe.XTrimMinIDApprox(ctx, s, minID, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis client.
func (b *Bus) Close() error {
	return b.client.Close()
}
