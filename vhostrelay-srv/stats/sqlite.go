package stats

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_uuid TEXT NOT NULL,
		client_ip TEXT,
		listener TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		bytes_sent INTEGER NOT NULL DEFAULT 0,
		bytes_received INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER,
		close_reason TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS http_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER REFERENCES connections(id),
		request_id TEXT NOT NULL,
		method TEXT NOT NULL,
		target TEXT NOT NULL,
		host TEXT NOT NULL,
		upstream TEXT NOT NULL,
		header_size INTEGER NOT NULL,
		framing TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS http_responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER REFERENCES connections(id),
		request_id TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		header_size INTEGER NOT NULL,
		framing TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER REFERENCES connections(id),
		error_type TEXT NOT NULL,
		error_message TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS routing_failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_ip TEXT,
		host TEXT NOT NULL,
		path TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS certificates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain TEXT NOT NULL,
		issue_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_http_requests_host ON http_requests(host)`,
	`CREATE INDEX IF NOT EXISTS idx_errors_type ON errors(error_type)`,
}

// NewSQLiteCollector opens (or creates) the SQLite database at dbPath.
func NewSQLiteCollector(dbPath string) (Collector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// One writer at a time keeps "database is locked" out of the relay path.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	c := &sqlCollector{db: db, d: dialect{name: "sqlite", schema: sqliteSchema}}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}
