package stats

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id BIGSERIAL PRIMARY KEY,
		connection_uuid TEXT NOT NULL,
		client_ip TEXT,
		listener TEXT NOT NULL,
		started_at BIGINT NOT NULL,
		ended_at BIGINT,
		bytes_sent BIGINT NOT NULL DEFAULT 0,
		bytes_received BIGINT NOT NULL DEFAULT 0,
		duration_ms BIGINT,
		close_reason TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS http_requests (
		id BIGSERIAL PRIMARY KEY,
		connection_id BIGINT REFERENCES connections(id),
		request_id TEXT NOT NULL,
		method TEXT NOT NULL,
		target TEXT NOT NULL,
		host TEXT NOT NULL,
		upstream TEXT NOT NULL,
		header_size BIGINT NOT NULL,
		framing TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS http_responses (
		id BIGSERIAL PRIMARY KEY,
		connection_id BIGINT REFERENCES connections(id),
		request_id TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		header_size BIGINT NOT NULL,
		framing TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS errors (
		id BIGSERIAL PRIMARY KEY,
		connection_id BIGINT REFERENCES connections(id),
		error_type TEXT NOT NULL,
		error_message TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS routing_failures (
		id BIGSERIAL PRIMARY KEY,
		client_ip TEXT,
		host TEXT NOT NULL,
		path TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS certificates (
		id BIGSERIAL PRIMARY KEY,
		domain TEXT NOT NULL,
		issue_ms BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_http_requests_host ON http_requests(host)`,
	`CREATE INDEX IF NOT EXISTS idx_errors_type ON errors(error_type)`,
}

// NewPostgreSQLCollector connects to PostgreSQL using dsn.
func NewPostgreSQLCollector(dsn string) (Collector, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL database: %w", err)
	}

	c := &sqlCollector{db: db, d: dialect{name: "postgres", schema: postgresSchema, returning: true, numbered: true}}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}
