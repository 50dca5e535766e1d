package model

import (
	"crypto/sha1"
	"encoding/hex"

	"github.com/shopspring/decimal"
)

// Trading environments.
const (
	EnvTestnet = "testnet"
	EnvProd    = "prod"
)

// Side whitelist values. "both" admits ARM signals of either side.
const (
	WhitelistLong  = "long"
	WhitelistShort = "short"
	WhitelistBoth  = "both"
)

// BotStatus values. Only active bots are dispatched to.
const (
	BotActive   = "active"
	BotDisabled = "disabled"
)

// BotConfig is one user-owned trading bot bound to a single (symbol,
// timeframe). It is a plain value keyed by identifier; credential material
// is referenced by CredentialID and joined at the repository layer.
// BotConfig is owned by the admin path and read-only to the trading core.
type BotConfig struct {
	ID           string
	UserID       string
	CredentialID string
	Symbol       string
	Timeframe    string
	Status       string
	Enabled      bool
	Environment  string

	// SideWhitelist gates ARM dispatch; DISARM is always delivered.
	SideWhitelist string

	Leverage int

	// Sizing: FixedNotional wins when positive, else BalancePct of the
	// available balance (clamped to [0,1]) when UseBalancePct is set.
	UseBalancePct bool
	BalancePct    decimal.Decimal
	FixedNotional decimal.Decimal

	// MaxPositionUSDT caps the target notional when positive.
	MaxPositionUSDT decimal.Decimal

	// TakeProfitR is the R-multiple applied to |trigger-stop| for the TP leg.
	TakeProfitR decimal.Decimal
}

// DefaultTakeProfitR is used when a bot config carries no explicit R.
var DefaultTakeProfitR = decimal.RequireFromString("1.5")

// Eligible reports whether the bot may receive any dispatch at all.
func (b *BotConfig) Eligible() bool {
	return b.Status == BotActive && b.Enabled
}

// AcceptsSide reports whether the whitelist admits an ARM of the given side.
func (b *BotConfig) AcceptsSide(side string) bool {
	return b.SideWhitelist == WhitelistBoth || b.SideWhitelist == side
}

// R returns the configured take-profit R-multiple, defaulting to 1.5.
func (b *BotConfig) R() decimal.Decimal {
	if b.TakeProfitR.IsPositive() {
		return b.TakeProfitR
	}
	return DefaultTakeProfitR
}

// ClientIDPrefix derives the compact exchange client-order-id prefix for
// this bot: "b" + first 20 hex chars of sha1(bot id). Every exit leg the
// executor places carries it, so the monitor can sweep orphans by prefix
// even when local state is lost.
func (b *BotConfig) ClientIDPrefix() string {
	return ClientIDPrefix(b.ID)
}

// ClientIDPrefix is the free-function form used where only the id is known.
func ClientIDPrefix(botID string) string {
	sum := sha1.Sum([]byte(botID))
	return "b" + hex.EncodeToString(sum[:])[:20]
}

// ApiCredential references encrypted exchange API secret material. The
// plaintext secret never leaves the repository layer; Secret is only
// populated on a decrypted copy handed to the exchange client factory.
type ApiCredential struct {
	ID          string
	UserID      string
	Environment string
	APIKey      string
	Secret      string
}
