// Package router fans signal stream entries out to eligible bots. It owns
// the bot-config cache, the consumer-group poller over the per-symbol
// signal streams and the dispatch worker pool.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"perptrader/internal/model"
)

// indexSyncer mirrors the per-symbol bot membership into Redis for
// operational visibility.
type indexSyncer interface {
	SyncBotIndex(ctx context.Context, bySymbol map[string][]string) error
}

// BotCache holds the active bot configs, refreshed from the store on a
// fixed period. Reads hand out copies so dispatch never races a refresh.
type BotCache struct {
	store model.BotStore
	sync  indexSyncer // optional
	log   *slog.Logger

	mu       sync.RWMutex
	bySymbol map[string][]model.BotConfig
}

// NewBotCache creates an empty cache; call Refresh before first use.
func NewBotCache(store model.BotStore, sync indexSyncer, log *slog.Logger) *BotCache {
	if log == nil {
		log = slog.Default()
	}
	return &BotCache{
		store:    store,
		sync:     sync,
		log:      log,
		bySymbol: make(map[string][]model.BotConfig),
	}
}

// Refresh reloads active bots from the store and pushes the symbol index.
func (c *BotCache) Refresh(ctx context.Context) error {
	bots, err := c.store.ListActiveBots(ctx)
	if err != nil {
		return err
	}

	bySymbol := make(map[string][]model.BotConfig)
	index := make(map[string][]string)
	for _, b := range bots {
		bySymbol[b.Symbol] = append(bySymbol[b.Symbol], b)
		if b.Eligible() {
			index[b.Symbol] = append(index[b.Symbol], b.ID)
		}
	}

	c.mu.Lock()
	c.bySymbol = bySymbol
	c.mu.Unlock()

	if c.sync != nil {
		if err := c.sync.SyncBotIndex(ctx, index); err != nil {
			c.log.Warn("bot index sync failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Run refreshes the cache on the given period until ctx is cancelled.
func (c *BotCache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.log.Error("bot cache refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// BotsFor returns copies of the bots bound to (symbol, timeframe).
func (c *BotCache) BotsFor(symbol, timeframe string) []model.BotConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []model.BotConfig
	for _, b := range c.bySymbol[symbol] {
		if b.Timeframe == timeframe {
			out = append(out, b)
		}
	}
	return out
}
