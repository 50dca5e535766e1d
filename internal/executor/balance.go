// Package executor turns ARM signals into sized, quantized, gated order
// trios on the exchange, and unwinds pending work on DISARM.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"perptrader/internal/exchange"
)

// balanceCache is the slice of the stream bus used for balance caching.
// Entries are keyed per (credential, environment): one key traded on both
// testnet and mainnet holds two unrelated balances.
type balanceCache interface {
	CachedBalance(ctx context.Context, credentialID, env string) (string, bool, error)
	SetCachedBalance(ctx context.Context, credentialID, env, balance string, ttl time.Duration) error
	InvalidateBalance(ctx context.Context, credentialID, env string) error
}

// BalanceValidator serves available-balance lookups through a TTL cache so
// bursts of signals across many bots on one credential do not hammer the
// account endpoint.
type BalanceValidator struct {
	cache balanceCache
	ttl   time.Duration
}

// NewBalanceValidator creates a validator with the given cache TTL.
func NewBalanceValidator(cache balanceCache, ttl time.Duration) *BalanceValidator {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &BalanceValidator{cache: cache, ttl: ttl}
}

// Available returns the credential's available balance on one environment,
// consulting the cache first.
func (v *BalanceValidator) Available(ctx context.Context, credentialID, env string, client exchange.TradingClient) (decimal.Decimal, error) {
	if cached, ok, err := v.cache.CachedBalance(ctx, credentialID, env); err == nil && ok {
		if d, perr := decimal.NewFromString(cached); perr == nil {
			return d, nil
		}
	}

	bal, err := client.AvailableBalance(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("available balance: %w", err)
	}
	// A cache write failure only costs an extra lookup next time.
	_ = v.cache.SetCachedBalance(ctx, credentialID, env, bal.String(), v.ttl)
	return bal, nil
}

// Invalidate drops the cached balance after anything that changes margin.
func (v *BalanceValidator) Invalidate(ctx context.Context, credentialID, env string) {
	_ = v.cache.InvalidateBalance(ctx, credentialID, env)
}
