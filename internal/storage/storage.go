// Package storage provides persistent storage using SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBFile is the database file name inside the data directory.
const DBFile = "swapengine.db"

// Storage is the SQLite store of the swap engine. It implements swap.Store
// and keyseed.SettingsStore.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFile)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Settings (sealed master seed and other opaque values)
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value BLOB,
		updated_at INTEGER
	);

	-- Offers, ours and the counterparties'
	CREATE TABLE IF NOT EXISTS offers (
		id TEXT PRIMARY KEY,
		coin_from TEXT NOT NULL,
		coin_to TEXT NOT NULL,
		variant TEXT NOT NULL,
		amount INTEGER NOT NULL,
		rate INTEGER NOT NULL,
		lock_type TEXT NOT NULL,
		lock_value INTEGER NOT NULL,

		-- Whether this is our offer or a remote one
		is_local INTEGER NOT NULL DEFAULT 0,

		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_offers_pair ON offers(coin_from, coin_to);

	-- Bids, one row per bid with its variant data as JSON
	CREATE TABLE IF NOT EXISTS bids (
		id TEXT PRIMARY KEY,
		offer_id TEXT NOT NULL,
		variant TEXT NOT NULL,
		role TEXT NOT NULL,
		coin_from TEXT NOT NULL,
		coin_to TEXT NOT NULL,

		-- State and the data valid for it
		state TEXT NOT NULL,
		state_data BLOB,

		amount INTEGER NOT NULL,
		rate INTEGER NOT NULL,
		lock_type TEXT NOT NULL,
		lock_value INTEGER NOT NULL,
		contract_count INTEGER NOT NULL,

		-- Transaction slots keyed by role (JSON object)
		slots TEXT,
		htlc_data TEXT,
		scriptless_data TEXT,

		untrusted INTEGER NOT NULL DEFAULT 0,
		halted INTEGER NOT NULL DEFAULT 0,
		reclaiming INTEGER NOT NULL DEFAULT 0,
		note TEXT,

		created_at INTEGER NOT NULL,
		expire_at INTEGER,
		updated_at INTEGER NOT NULL,

		FOREIGN KEY (offer_id) REFERENCES offers(id)
	);

	CREATE INDEX IF NOT EXISTS idx_bids_state ON bids(state);
	CREATE INDEX IF NOT EXISTS idx_bids_offer ON bids(offer_id);

	-- State history, append only
	CREATE TABLE IF NOT EXISTS bid_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bid_id TEXT NOT NULL,
		state TEXT NOT NULL,
		note TEXT,
		created_at INTEGER NOT NULL,

		FOREIGN KEY (bid_id) REFERENCES bids(id)
	);

	CREATE INDEX IF NOT EXISTS idx_bid_history_bid ON bid_history(bid_id, id);

	-- Monotonic counters
	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	-- =========================================================================
	-- Message Queue (at-least-once delivery, idempotent receipt)
	-- =========================================================================

	-- Outbound messages, written with the bid update that produced them
	CREATE TABLE IF NOT EXISTS message_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,      -- UUID for deduplication
		kind TEXT NOT NULL,
		offer_id TEXT NOT NULL,
		bid_id TEXT,
		payload BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		sent_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_status ON message_outbox(status, id);
	CREATE INDEX IF NOT EXISTS idx_outbox_bid ON message_outbox(bid_id);

	-- Inbound message IDs already applied
	CREATE TABLE IF NOT EXISTS message_inbox (
		message_id TEXT PRIMARY KEY,
		received_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn in a transaction, committing if it returns nil.
func (s *Storage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rerr)
		}
		return err
	}
	return tx.Commit()
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0)
}
