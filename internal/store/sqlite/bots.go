package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"perptrader/internal/model"
)

const botColumns = `id, user_id, credential_id, symbol, timeframe, status, enabled,
	environment, side_whitelist, leverage, use_balance_pct, balance_pct,
	fixed_notional, max_position_usdt, take_profit_r`

// ListActiveBots returns all bots with status=active.
func (s *Store) ListActiveBots(ctx context.Context) ([]model.BotConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+botColumns+` FROM bot_configs WHERE status = ?`, model.BotActive)
	if err != nil {
		return nil, fmt.Errorf("list active bots: %w", err)
	}
	defer rows.Close()

	var out []model.BotConfig
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetBot returns one bot config, or nil when absent.
func (s *Store) GetBot(ctx context.Context, id string) (*model.BotConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+botColumns+` FROM bot_configs WHERE id = ?`, id)
	b, err := scanBot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get bot %s: %w", id, err)
	}
	return &b, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBot(r rowScanner) (model.BotConfig, error) {
	var (
		b                                                model.BotConfig
		enabled, usePct                                  int
		balancePct, fixedNotional, maxPosition, takeProR string
	)
	err := r.Scan(&b.ID, &b.UserID, &b.CredentialID, &b.Symbol, &b.Timeframe,
		&b.Status, &enabled, &b.Environment, &b.SideWhitelist, &b.Leverage,
		&usePct, &balancePct, &fixedNotional, &maxPosition, &takeProR)
	if err != nil {
		return b, err
	}
	b.Enabled = enabled != 0
	b.UseBalancePct = usePct != 0
	if b.BalancePct, err = decimal.NewFromString(balancePct); err != nil {
		return b, fmt.Errorf("bot %s: balance_pct: %w", b.ID, err)
	}
	if b.FixedNotional, err = decimal.NewFromString(fixedNotional); err != nil {
		return b, fmt.Errorf("bot %s: fixed_notional: %w", b.ID, err)
	}
	if b.MaxPositionUSDT, err = decimal.NewFromString(maxPosition); err != nil {
		return b, fmt.Errorf("bot %s: max_position_usdt: %w", b.ID, err)
	}
	if b.TakeProfitR, err = decimal.NewFromString(takeProR); err != nil {
		return b, fmt.Errorf("bot %s: take_profit_r: %w", b.ID, err)
	}
	return b, nil
}

// GetDecrypted returns the credential with its secret opened under the
// master key.
func (s *Store) GetDecrypted(ctx context.Context, id string) (*model.ApiCredential, error) {
	var (
		c         model.ApiCredential
		secretEnc string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, environment, api_key, secret_enc
		 FROM api_credentials WHERE id = ?`, id).
		Scan(&c.ID, &c.UserID, &c.Environment, &c.APIKey, &secretEnc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("credential %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %s: %w", id, err)
	}

	c.Secret, err = DecryptSecret(s.masterKey, secretEnc)
	if err != nil {
		return nil, fmt.Errorf("credential %s: %w", id, err)
	}
	return &c, nil
}
