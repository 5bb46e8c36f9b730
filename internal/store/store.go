// Package store provides SQLite-backed persistence for agentplane.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"
)

// ErrVendorNotFound is returned when an operation references an unknown vendor.
var ErrVendorNotFound = errors.New("vendor not found")

// Store provides access to the agentplane SQLite database.
type Store struct {
	db      *sql.DB
	builder squirrel.StatementBuilderType
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:      db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vendors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		vendor_name TEXT NOT NULL,
		order_id TEXT NOT NULL,
		product_name TEXT,
		commission REAL NOT NULL DEFAULT 0,
		price REAL NOT NULL DEFAULT 0,
		status TEXT,
		tracking_code TEXT,
		order_date DATETIME,
		extra TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (vendor_name, order_id),
		FOREIGN KEY (vendor_name) REFERENCES vendors(name)
	);

	CREATE TABLE IF NOT EXISTS daily_stats (
		vendor_name TEXT NOT NULL,
		date TEXT NOT NULL,
		total_orders INTEGER NOT NULL DEFAULT 0,
		total_revenue REAL NOT NULL DEFAULT 0,
		balance REAL NOT NULL DEFAULT 0,
		pending_orders INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		UNIQUE (vendor_name, date)
	);

	CREATE TABLE IF NOT EXISTS sync_logs (
		id TEXT PRIMARY KEY,
		vendor_name TEXT NOT NULL,
		status TEXT NOT NULL,
		orders_synced INTEGER NOT NULL DEFAULT 0,
		new_orders INTEGER NOT NULL DEFAULT 0,
		updated_orders INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		subject TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		source TEXT NOT NULL,
		data TEXT,
		priority INTEGER NOT NULL,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_vendor ON orders(vendor_name);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_sync_logs_vendor ON sync_logs(vendor_name);
	CREATE INDEX IF NOT EXISTS idx_pdr_subject ON pdr(subject);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	`

	_, err := s.db.Exec(schema)
	return err
}
