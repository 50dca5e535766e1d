package model

import "context"

// ── Storage Port Interfaces ──
// These decouple the trading core from the concrete relational store.
// BotConfig rows are written by an external admin path; the core only reads
// them. OrderState rows are created by the executor and transitioned by the
// monitor; nothing else mutates them.

// BotStore reads bot configurations.
type BotStore interface {
	// ListActiveBots returns all bots with status=active (enabled or not;
	// the router filters on Enabled at dispatch time).
	ListActiveBots(ctx context.Context) ([]BotConfig, error)

	// GetBot returns one bot config by id.
	GetBot(ctx context.Context, id string) (*BotConfig, error)
}

// CredentialStore resolves decrypted API credentials.
type CredentialStore interface {
	// GetDecrypted returns the credential with plaintext Secret populated.
	GetDecrypted(ctx context.Context, id string) (*ApiCredential, error)
}

// OrderStateStore owns OrderState persistence.
type OrderStateStore interface {
	// CreateOrderState inserts a new row. A (bot_id, signal_id) uniqueness
	// violation returns ErrDuplicateOrderState.
	CreateOrderState(ctx context.Context, s *OrderState) error

	// UpdateOrderState persists status, fill and exchange-id mutations.
	UpdateOrderState(ctx context.Context, s *OrderState) error

	// ListOrderStatesByStatus returns rows in any of the given statuses.
	ListOrderStatesByStatus(ctx context.Context, statuses ...string) ([]OrderState, error)

	// ListActiveOrderStatesByBot returns the bot's rows in active statuses.
	ListActiveOrderStatesByBot(ctx context.Context, botID string) ([]OrderState, error)

	// ListTerminalOrderStatesWithExitIDs returns terminal rows still
	// referencing a protective exchange order. Settling zeroes the exit
	// ids, so a non-empty result means a settle was interrupted.
	ListTerminalOrderStatesWithExitIDs(ctx context.Context) ([]OrderState, error)

	// GetOrderState returns one row by (bot_id, signal_id), or nil.
	GetOrderState(ctx context.Context, botID, signalID string) (*OrderState, error)
}
