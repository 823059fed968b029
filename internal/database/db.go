package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// DB wraps the database connection.
type DB struct {
	conn *sql.DB
	path string
}

// New creates a new database connection.
func New(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)

	return &DB{
		conn: conn,
		path: dbPath,
	}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Migrate creates the ledger schema if it does not already exist.
func (db *DB) Migrate() error {
	for _, stmt := range schemaStatements {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
	}
	return nil
}

// Begin starts a new transaction.
func (db *DB) Begin() (*sql.Tx, error) {
	return db.conn.Begin()
}

// Exec executes a query without returning rows.
func (db *DB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRow(query, args...)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		step TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT,
		occurred_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_audit_user ON sessions_audit(user_id, occurred_at)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		broker_order_id TEXT,
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		order_type TEXT NOT NULL,
		limit_price REAL,
		parent_id INTEGER,
		status TEXT NOT NULL,
		submitted_at DATETIME NOT NULL,
		filled_at DATETIME,
		fill_price REAL,
		paper_trade_id INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, submitted_at)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_broker_id ON orders(broker_order_id)`,

	`CREATE TABLE IF NOT EXISTS paper_trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		strategy TEXT NOT NULL,
		bias TEXT,
		contracts INTEGER NOT NULL,
		legs_json TEXT NOT NULL,
		entry_premium REAL NOT NULL,
		expiration DATE NOT NULL,
		status TEXT NOT NULL,
		exit_price REAL,
		exit_reason TEXT,
		realized_pnl REAL,
		assignment_json TEXT,
		source TEXT,
		created_at DATETIME NOT NULL,
		closed_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_paper_trades_user_status ON paper_trades(user_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_paper_trades_expiration ON paper_trades(expiration)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		schedule TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		description TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS job_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT,
		data_json TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_runs_job ON job_runs(job_id, started_at)`,

	`CREATE TABLE IF NOT EXISTS nav_snapshots (
		date TEXT NOT NULL,
		snapshot_type TEXT NOT NULL,
		user_id TEXT NOT NULL,
		nav REAL NOT NULL,
		recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (date, snapshot_type, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS latest_prices (
		symbol TEXT PRIMARY KEY,
		conid INTEGER,
		last REAL,
		bid REAL,
		ask REAL,
		updated_at DATETIME NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS continuous_job_status (
		job_id TEXT PRIMARY KEY,
		last_success_at DATETIME,
		last_failure_at DATETIME,
		consecutive_failures INTEGER NOT NULL DEFAULT 0
	)`,
}
