package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name      string
	schema    []string
	returning bool // INSERT ... RETURNING id instead of LastInsertId
	numbered  bool // $1 placeholders instead of ?
}

// sqlCollector implements Collector on top of database/sql.
type sqlCollector struct {
	db *sql.DB
	d  dialect
}

func (c *sqlCollector) q(query string) string {
	if !c.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *sqlCollector) initSchema() error {
	for _, stmt := range c.d.schema {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (c *sqlCollector) insert(ctx context.Context, query string, args ...any) (int64, error) {
	if c.d.returning {
		var id int64
		err := c.db.QueryRowContext(ctx, c.q(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	result, err := c.db.ExecContext(ctx, c.q(query), args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (c *sqlCollector) exec(ctx context.Context, query string, args ...any) error {
	_, err := c.db.ExecContext(ctx, c.q(query), args...)
	return err
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (c *sqlCollector) StartConnection(ctx context.Context, connectionUUID, clientIP, listener string) (int64, error) {
	id, err := c.insert(ctx,
		`INSERT INTO connections (connection_uuid, client_ip, listener, started_at) VALUES (?, ?, ?, ?)`,
		connectionUUID, nullable(clientIP), listener, nowMillis())
	if err != nil {
		return 0, fmt.Errorf("failed to start connection: %w", err)
	}
	return id, nil
}

func (c *sqlCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	err := c.exec(ctx,
		`UPDATE connections SET ended_at = ?, bytes_sent = ?, bytes_received = ?, duration_ms = ?, close_reason = ? WHERE id = ?`,
		nowMillis(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to end connection: %w", err)
	}
	return nil
}

func (c *sqlCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	err := c.exec(ctx,
		`UPDATE connections SET bytes_sent = bytes_sent + ?, bytes_received = bytes_received + ? WHERE id = ?`,
		bytesSent, bytesReceived, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record data transfer: %w", err)
	}
	return nil
}

func (c *sqlCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, req RequestRecord) error {
	err := c.exec(ctx,
		`INSERT INTO http_requests (connection_id, request_id, method, target, host, upstream, header_size, framing, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		connectionID, req.RequestID, req.Method, req.Target, strings.ToLower(req.Host), req.Upstream, req.HeaderSize, req.Framing, nowMillis())
	if err != nil {
		return fmt.Errorf("failed to record HTTP request: %w", err)
	}
	return nil
}

func (c *sqlCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, resp ResponseRecord) error {
	err := c.exec(ctx,
		`INSERT INTO http_responses (connection_id, request_id, status_code, header_size, framing, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		connectionID, resp.RequestID, resp.StatusCode, resp.HeaderSize, resp.Framing, nowMillis())
	if err != nil {
		return fmt.Errorf("failed to record HTTP response: %w", err)
	}
	return nil
}

func (c *sqlCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	var connID any
	if connectionID > 0 {
		connID = connectionID
	}
	err := c.exec(ctx,
		`INSERT INTO errors (connection_id, error_type, error_message, created_at) VALUES (?, ?, ?, ?)`,
		connID, errorType, errorMessage, nowMillis())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

func (c *sqlCollector) RecordRoutingFailure(ctx context.Context, clientIP, host, path, reason string) error {
	err := c.exec(ctx,
		`INSERT INTO routing_failures (client_ip, host, path, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		nullable(clientIP), strings.ToLower(host), path, reason, nowMillis())
	if err != nil {
		return fmt.Errorf("failed to record routing failure: %w", err)
	}
	return nil
}

func (c *sqlCollector) RecordCertificateIssued(ctx context.Context, domain string, elapsed time.Duration) error {
	err := c.exec(ctx,
		`INSERT INTO certificates (domain, issue_ms, created_at) VALUES (?, ?, ?)`,
		strings.ToLower(domain), elapsed.Milliseconds(), nowMillis())
	if err != nil {
		return fmt.Errorf("failed to record certificate: %w", err)
	}
	return nil
}

func (c *sqlCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	s := &OverviewStats{}
	queries := []struct {
		query string
		dst   *int64
	}{
		{`SELECT COUNT(*) FROM connections`, &s.TotalConnections},
		{`SELECT COUNT(*) FROM connections WHERE ended_at IS NULL`, &s.ActiveConnections},
		{`SELECT COUNT(*) FROM http_requests`, &s.TotalRequests},
		{`SELECT COUNT(*) FROM errors`, &s.TotalErrors},
		{`SELECT COUNT(*) FROM routing_failures`, &s.RoutingFailures},
		{`SELECT COUNT(*) FROM certificates`, &s.CertificatesIssued},
		{`SELECT COALESCE(SUM(bytes_received), 0) FROM connections`, &s.TotalBytesIn},
		{`SELECT COALESCE(SUM(bytes_sent), 0) FROM connections`, &s.TotalBytesOut},
	}
	for _, q := range queries {
		if err := c.db.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("failed to get overview stats: %w", err)
		}
	}
	return s, nil
}

func (c *sqlCollector) GetTopHosts(ctx context.Context, limit int) (hosts []HostStats, err error) {
	rows, err := c.db.QueryContext(ctx, c.q(`
		SELECT host, COUNT(*) AS request_count, MAX(created_at) AS last_access
		FROM http_requests
		GROUP BY host
		ORDER BY request_count DESC, host ASC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get top hosts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	hosts = []HostStats{}
	for rows.Next() {
		var h HostStats
		var last int64
		if err = rows.Scan(&h.Host, &h.RequestCount, &last); err != nil {
			return nil, fmt.Errorf("failed to scan host stats: %w", err)
		}
		h.LastAccess = time.UnixMilli(last)
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

func (c *sqlCollector) GetRecentErrors(ctx context.Context, limit int) (summaries []ErrorSummary, err error) {
	rows, err := c.db.QueryContext(ctx, c.q(`
		SELECT e.error_type, COUNT(*), MAX(e.created_at),
			(SELECT l.error_message FROM errors l WHERE l.error_type = e.error_type ORDER BY l.created_at DESC, l.id DESC LIMIT 1)
		FROM errors e
		GROUP BY e.error_type
		ORDER BY MAX(e.created_at) DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent errors: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	summaries = []ErrorSummary{}
	for rows.Next() {
		var s ErrorSummary
		var last int64
		if err = rows.Scan(&s.ErrorType, &s.Count, &last, &s.LastMessage); err != nil {
			return nil, fmt.Errorf("failed to scan error summary: %w", err)
		}
		s.LastOccurred = time.UnixMilli(last)
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func (c *sqlCollector) HealthCheck(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *sqlCollector) Close() error {
	return c.db.Close()
}
