package stats

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) Collector {
	t.Helper()
	c, err := NewSQLiteCollector(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSQLiteCollectorConnectionLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestSQLite(t)

	id, err := c.StartConnection(ctx, "uuid-1", "10.0.0.1", "http")
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	overview, err := c.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), overview.TotalConnections)
	assert.Equal(t, int64(1), overview.ActiveConnections)

	require.NoError(t, c.RecordDataTransfer(ctx, id, 100, 40))
	require.NoError(t, c.EndConnection(ctx, id, 200, 50, time.Second, "client closed"))

	overview, err = c.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), overview.ActiveConnections)
	assert.Equal(t, int64(200), overview.TotalBytesOut)
	assert.Equal(t, int64(50), overview.TotalBytesIn)
}

func TestSQLiteCollectorTopHosts(t *testing.T) {
	ctx := context.Background()
	c := newTestSQLite(t)

	id, err := c.StartConnection(ctx, "uuid-1", "", "https")
	require.NoError(t, err)

	for i, host := range []string{"a.example", "B.example", "b.example", "b.example", "a.example", "c.example"} {
		require.NoError(t, c.RecordHTTPRequest(ctx, id, RequestRecord{
			RequestID:  "req",
			Method:     "GET",
			Target:     "/",
			Host:       host,
			Upstream:   "127.0.0.1:80",
			HeaderSize: int64(20 + i),
			Framing:    "none",
		}))
	}
	require.NoError(t, c.RecordHTTPResponse(ctx, id, ResponseRecord{RequestID: "req", StatusCode: 200, HeaderSize: 40, Framing: "content-length"}))

	hosts, err := c.GetTopHosts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, "b.example", hosts[0].Host)
	assert.Equal(t, int64(3), hosts[0].RequestCount)
	assert.Equal(t, "a.example", hosts[1].Host)
	assert.Equal(t, int64(2), hosts[1].RequestCount)
	assert.False(t, hosts[0].LastAccess.IsZero())

	overview, err := c.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), overview.TotalRequests)
}

func TestSQLiteCollectorErrorsAndFailures(t *testing.T) {
	ctx := context.Background()
	c := newTestSQLite(t)

	id, err := c.StartConnection(ctx, "uuid-1", "10.0.0.2", "http")
	require.NoError(t, err)

	require.NoError(t, c.RecordError(ctx, id, "upstream_dial", "first"))
	require.NoError(t, c.RecordError(ctx, 0, "upstream_dial", "second"))
	require.NoError(t, c.RecordError(ctx, id, "malformed_request", "bad line"))
	require.NoError(t, c.RecordRoutingFailure(ctx, "10.0.0.2", "Unknown.Example", "/", "undefined virtual host"))
	require.NoError(t, c.RecordCertificateIssued(ctx, "a.example", 15*time.Millisecond))

	summaries, err := c.GetRecentErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	byType := map[string]ErrorSummary{}
	for _, s := range summaries {
		byType[s.ErrorType] = s
	}
	assert.Equal(t, int64(2), byType["upstream_dial"].Count)
	assert.Equal(t, "second", byType["upstream_dial"].LastMessage)
	assert.Equal(t, int64(1), byType["malformed_request"].Count)

	overview, err := c.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), overview.TotalErrors)
	assert.Equal(t, int64(1), overview.RoutingFailures)
	assert.Equal(t, int64(1), overview.CertificatesIssued)
}

func TestSQLiteCollectorReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stats.db")

	c, err := NewSQLiteCollector(path)
	require.NoError(t, err)
	_, err = c.StartConnection(ctx, "uuid-1", "", "http")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = NewSQLiteCollector(path)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.HealthCheck(ctx))

	overview, err := c.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), overview.TotalConnections)
}

func TestNumberedPlaceholders(t *testing.T) {
	c := &sqlCollector{d: dialect{numbered: true}}
	assert.Equal(t, "UPDATE t SET a = $1, b = $2 WHERE id = $3", c.q("UPDATE t SET a = ?, b = ? WHERE id = ?"))

	c = &sqlCollector{}
	assert.Equal(t, "SELECT ?", c.q("SELECT ?"))
}
