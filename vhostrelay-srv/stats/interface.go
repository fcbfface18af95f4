package stats

import (
	"context"
	"time"
)

// Collector defines the interface for collecting relay statistics.
type Collector interface {
	// Connection tracking
	StartConnection(ctx context.Context, connectionUUID, clientIP, listener string) (int64, error)
	EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error
	RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error

	// Request/Response tracking
	RecordHTTPRequest(ctx context.Context, connectionID int64, req RequestRecord) error
	RecordHTTPResponse(ctx context.Context, connectionID int64, resp ResponseRecord) error

	// Failures
	RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error
	RecordRoutingFailure(ctx context.Context, clientIP, host, path, reason string) error

	// Certificate authority
	RecordCertificateIssued(ctx context.Context, domain string, elapsed time.Duration) error

	// Console queries
	GetOverviewStats(ctx context.Context) (*OverviewStats, error)
	GetTopHosts(ctx context.Context, limit int) ([]HostStats, error)
	GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// RequestRecord describes one relayed request.
type RequestRecord struct {
	RequestID  string
	Method     string
	Target     string
	Host       string
	Upstream   string
	HeaderSize int64
	Framing    string
}

// ResponseRecord describes one relayed response.
type ResponseRecord struct {
	RequestID  string
	StatusCode int
	HeaderSize int64
	Framing    string
}

// OverviewStats provides high-level statistics
type OverviewStats struct {
	TotalConnections   int64 `json:"total_connections"`
	ActiveConnections  int64 `json:"active_connections"`
	TotalRequests      int64 `json:"total_requests"`
	TotalErrors        int64 `json:"total_errors"`
	RoutingFailures    int64 `json:"routing_failures"`
	CertificatesIssued int64 `json:"certificates_issued"`
	TotalBytesIn       int64 `json:"total_bytes_in"`
	TotalBytesOut      int64 `json:"total_bytes_out"`
}

// HostStats represents request counts for one virtual host
type HostStats struct {
	Host         string    `json:"host"`
	RequestCount int64     `json:"request_count"`
	LastAccess   time.Time `json:"last_access"`
}

// ErrorSummary represents error statistics
type ErrorSummary struct {
	ErrorType    string    `json:"error_type"`
	Count        int64     `json:"count"`
	LastMessage  string    `json:"last_message"`
	LastOccurred time.Time `json:"last_occurred"`
}
