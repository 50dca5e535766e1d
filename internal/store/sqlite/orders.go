package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"perptrader/internal/model"
)

const orderColumns = `id, bot_id, signal_id, status, side, symbol,
	trigger_price, stop_price, quantity, filled_quantity, avg_fill_price,
	exit_price, order_id, stop_order_id, tp_order_id, created_at, updated_at`

// CreateOrderState inserts a new row, assigning an id when missing.
// Violating the (bot_id, signal_id) unique constraint returns
// model.ErrDuplicateOrderState.
func (s *Store) CreateOrderState(ctx context.Context, st *model.OrderState) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO order_states (`+orderColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.BotID, st.SignalID, st.Status, st.Side, st.Symbol,
		st.TriggerPrice.String(), st.StopPrice.String(), st.Quantity.String(),
		st.FilledQuantity.String(), st.AvgFillPrice.String(), st.ExitPrice.String(),
		st.OrderID, st.StopOrderID, st.TakeProfitOrderID,
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return model.ErrDuplicateOrderState
		}
		return fmt.Errorf("create order state: %w", err)
	}
	return nil
}

// UpdateOrderState persists the mutable fields of a row.
func (s *Store) UpdateOrderState(ctx context.Context, st *model.OrderState) error {
	st.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE order_states SET
			status = ?, quantity = ?, filled_quantity = ?, avg_fill_price = ?,
			exit_price = ?, order_id = ?, stop_order_id = ?, tp_order_id = ?,
			updated_at = ?
		 WHERE id = ?`,
		st.Status, st.Quantity.String(), st.FilledQuantity.String(),
		st.AvgFillPrice.String(), st.ExitPrice.String(),
		st.OrderID, st.StopOrderID, st.TakeProfitOrderID,
		st.UpdatedAt.UnixMilli(), st.ID)
	if err != nil {
		return fmt.Errorf("update order state %s: %w", st.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update order state %s: no such row", st.ID)
	}
	return nil
}

// ListOrderStatesByStatus returns rows in any of the given statuses.
func (s *Store) ListOrderStatesByStatus(ctx context.Context, statuses ...string) ([]model.OrderState, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM order_states
		 WHERE status IN (`+placeholders+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("list order states: %w", err)
	}
	defer rows.Close()
	return scanOrderStates(rows)
}

// ListActiveOrderStatesByBot returns a bot's rows in active statuses.
func (s *Store) ListActiveOrderStatesByBot(ctx context.Context, botID string) ([]model.OrderState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM order_states
		 WHERE bot_id = ? AND status IN (?, ?, ?) ORDER BY created_at`,
		botID, model.StatusPending, model.StatusFilled, model.StatusArmed)
	if err != nil {
		return nil, fmt.Errorf("list active order states for %s: %w", botID, err)
	}
	defer rows.Close()
	return scanOrderStates(rows)
}

// ListTerminalOrderStatesWithExitIDs returns terminal rows that still
// reference a protective exchange order.
func (s *Store) ListTerminalOrderStatesWithExitIDs(ctx context.Context) ([]model.OrderState, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(model.TerminalStatuses)), ",")
	args := make([]interface{}, len(model.TerminalStatuses))
	for i, st := range model.TerminalStatuses {
		args[i] = st
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM order_states
		 WHERE status IN (`+placeholders+`)
		   AND (stop_order_id != 0 OR tp_order_id != 0)
		 ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("list terminal order states: %w", err)
	}
	defer rows.Close()
	return scanOrderStates(rows)
}

// GetOrderState returns one row by (bot_id, signal_id), or nil.
func (s *Store) GetOrderState(ctx context.Context, botID, signalID string) (*model.OrderState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM order_states WHERE bot_id = ? AND signal_id = ?`,
		botID, signalID)
	st, err := scanOrderState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order state %s/%s: %w", botID, signalID, err)
	}
	return &st, nil
}

func scanOrderStates(rows *sql.Rows) ([]model.OrderState, error) {
	var out []model.OrderState
	for rows.Next() {
		st, err := scanOrderState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanOrderState(r rowScanner) (model.OrderState, error) {
	var (
		st                                  model.OrderState
		trigger, stop, qty, filled, avg, ex string
		createdAt, updatedAt                int64
	)
	err := r.Scan(&st.ID, &st.BotID, &st.SignalID, &st.Status, &st.Side, &st.Symbol,
		&trigger, &stop, &qty, &filled, &avg, &ex,
		&st.OrderID, &st.StopOrderID, &st.TakeProfitOrderID,
		&createdAt, &updatedAt)
	if err != nil {
		return st, err
	}

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&st.TriggerPrice, trigger}, {&st.StopPrice, stop}, {&st.Quantity, qty},
		{&st.FilledQuantity, filled}, {&st.AvgFillPrice, avg}, {&st.ExitPrice, ex},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return st, fmt.Errorf("order state %s: bad decimal %q: %w", st.ID, f.src, err)
		}
	}
	st.CreatedAt = time.UnixMilli(createdAt).UTC()
	st.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return st, nil
}
