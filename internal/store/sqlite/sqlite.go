// Package sqlite is the relational store for users, credentials, bot
// configs and order states. A single-writer WAL database is plenty for the
// write rates involved.
package sqlite

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the store.
type Config struct {
	DBPath    string // path to SQLite database file, e.g. "data/trading.db"
	MasterKey string // hex-encoded 32-byte key for credential secrets
}

// Store wraps the SQLite handle and the credential master key.
type Store struct {
	db        *sql.DB
	masterKey []byte
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database, enables WAL mode and applies the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	key, err := parseMasterKey(cfg.MasterKey)
	if err != nil {
		return nil, err
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Store{db: db, masterKey: key}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			email      TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS api_credentials (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL REFERENCES users(id),
			environment TEXT NOT NULL,
			api_key     TEXT NOT NULL,
			secret_enc  TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS bot_configs (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL REFERENCES users(id),
			credential_id     TEXT NOT NULL REFERENCES api_credentials(id),
			symbol            TEXT NOT NULL,
			timeframe         TEXT NOT NULL,
			status            TEXT NOT NULL,
			enabled           INTEGER NOT NULL DEFAULT 0,
			environment       TEXT NOT NULL,
			side_whitelist    TEXT NOT NULL DEFAULT 'both',
			leverage          INTEGER NOT NULL DEFAULT 1,
			use_balance_pct   INTEGER NOT NULL DEFAULT 0,
			balance_pct       TEXT NOT NULL DEFAULT '0',
			fixed_notional    TEXT NOT NULL DEFAULT '0',
			max_position_usdt TEXT NOT NULL DEFAULT '0',
			take_profit_r     TEXT NOT NULL DEFAULT '0',
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_bot_configs_symbol ON bot_configs(symbol);

		CREATE TABLE IF NOT EXISTS order_states (
			id              TEXT PRIMARY KEY,
			bot_id          TEXT NOT NULL REFERENCES bot_configs(id),
			signal_id       TEXT NOT NULL,
			status          TEXT NOT NULL,
			side            TEXT NOT NULL,
			symbol          TEXT NOT NULL,
			trigger_price   TEXT NOT NULL DEFAULT '0',
			stop_price      TEXT NOT NULL DEFAULT '0',
			quantity        TEXT NOT NULL DEFAULT '0',
			filled_quantity TEXT NOT NULL DEFAULT '0',
			avg_fill_price  TEXT NOT NULL DEFAULT '0',
			exit_price      TEXT NOT NULL DEFAULT '0',
			order_id        INTEGER NOT NULL DEFAULT 0,
			stop_order_id   INTEGER NOT NULL DEFAULT 0,
			tp_order_id     INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL,
			UNIQUE (bot_id, signal_id)
		);

		CREATE INDEX IF NOT EXISTS idx_order_states_status ON order_states(status);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
