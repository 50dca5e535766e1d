package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"perptrader/internal/model"
)

// FactoryConfig configures adapter construction.
type FactoryConfig struct {
	DryRun         bool
	DryRunBalance  decimal.Decimal
	Retry          RetryPolicy
	TestnetBaseURL string // optional override
	ProdBaseURL    string // optional override
}

// Factory builds and caches one TradingClient per (credential, environment).
// Construction is serialized behind the mutex; lookups share the cache.
type Factory struct {
	cfg   FactoryConfig
	creds model.CredentialStore

	mu      sync.Mutex
	clients map[string]TradingClient
}

// NewFactory creates a client factory backed by the credential store.
func NewFactory(cfg FactoryConfig, creds model.CredentialStore) *Factory {
	if cfg.DryRunBalance.IsZero() {
		cfg.DryRunBalance = decimal.NewFromInt(10_000)
	}
	return &Factory{
		cfg:     cfg,
		creds:   creds,
		clients: make(map[string]TradingClient),
	}
}

// ClientFor returns the trading client for one bot, constructing and
// caching it on first use.
func (f *Factory) ClientFor(ctx context.Context, bot *model.BotConfig) (TradingClient, error) {
	key := bot.CredentialID + "|" + bot.Environment

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[key]; ok {
		return c, nil
	}

	if f.cfg.DryRun {
		c := NewDryRun(f.cfg.DryRunBalance)
		f.clients[key] = c
		return c, nil
	}

	cred, err := f.creds.GetDecrypted(ctx, bot.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("credential %s: %w", bot.CredentialID, err)
	}

	cfg := BinanceConfig{
		APIKey:  cred.APIKey,
		Secret:  cred.Secret,
		Testnet: bot.Environment == model.EnvTestnet,
		Retry:   f.cfg.Retry,
	}
	if cfg.Testnet && f.cfg.TestnetBaseURL != "" {
		cfg.BaseURL = f.cfg.TestnetBaseURL
	}
	if !cfg.Testnet && f.cfg.ProdBaseURL != "" {
		cfg.BaseURL = f.cfg.ProdBaseURL
	}

	c := NewBinance(cfg)
	f.clients[key] = c
	return c, nil
}
