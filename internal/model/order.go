package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrDuplicateOrderState is returned by OrderStateStore.CreateOrderState when
// a row for the same (bot_id, signal_id) already exists.
var ErrDuplicateOrderState = errors.New("order state already exists for bot and signal")

// OrderState statuses. pending/filled/armed are "active" and serviced by
// the monitor; everything else is terminal.
//
//	pending ── entry filled ──▶ filled ── position opened ──▶ armed
//	pending ── entry gone, nothing executed ──▶ cancelled
//	armed   ── TP or SL leg filled ──▶ closed
//	armed   ── exchange position absent ──▶ cancelled
const (
	StatusPending           = "pending"
	StatusFilled            = "filled"
	StatusArmed             = "armed"
	StatusClosed            = "closed"
	StatusCancelled         = "cancelled"
	StatusFailed            = "failed"
	StatusSkippedLowBalance = "skipped_low_balance"
)

// ActiveStatuses are the statuses the monitor reconciles each poll.
var ActiveStatuses = []string{StatusPending, StatusFilled, StatusArmed}

// TerminalStatuses admit no further transitions.
var TerminalStatuses = []string{StatusClosed, StatusCancelled, StatusFailed, StatusSkippedLowBalance}

// IsTerminalStatus reports whether no further transitions are possible.
func IsTerminalStatus(s string) bool {
	switch s {
	case StatusClosed, StatusCancelled, StatusFailed, StatusSkippedLowBalance:
		return true
	}
	return false
}

// OrderState is the authoritative lifecycle record for one signal-per-bot
// order trio. (BotID, SignalID) is unique. Exchange order ids are zero when
// the corresponding leg was never placed (or was lost; see monitor recovery).
// Invariant: status in {pending, armed, filled} implies OrderID != 0.
type OrderState struct {
	ID       string
	BotID    string
	SignalID string
	Status   string
	Side     string
	Symbol   string

	TriggerPrice decimal.Decimal
	StopPrice    decimal.Decimal
	Quantity     decimal.Decimal

	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	ExitPrice      decimal.Decimal

	OrderID           int64
	StopOrderID       int64
	TakeProfitOrderID int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasExitLegs reports whether any protective-leg id is still recorded.
func (s *OrderState) HasExitLegs() bool {
	return s.StopOrderID != 0 || s.TakeProfitOrderID != 0
}

// TakeProfitPrice computes entry ± R x |entry-stop| for the given basis
// price (trigger before fill, avg fill price after).
func (s *OrderState) TakeProfitPrice(basis, r decimal.Decimal) decimal.Decimal {
	dist := basis.Sub(s.StopPrice).Abs().Mul(r)
	if s.Side == SideLong {
		return basis.Add(dist)
	}
	return basis.Sub(dist)
}

// Position is the in-memory record of an open exchange position derived
// from a filled entry. Owned exclusively by the monitor; destroyed when the
// position closes.
type Position struct {
	BotID      string
	Symbol     string
	Side       string
	EntryPrice decimal.Decimal
	Quantity   decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	OpenedAt   time.Time
}
