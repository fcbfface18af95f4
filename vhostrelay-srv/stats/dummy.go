package stats

import (
	"context"
	"time"
)

// DummyCollector is a no-op implementation of Collector
// It does nothing and is used when statistics collection is disabled
type DummyCollector struct{}

// NewDummyCollector creates a new dummy collector
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

func (d *DummyCollector) StartConnection(ctx context.Context, connectionUUID, clientIP, listener string) (int64, error) {
	return 0, nil
}

func (d *DummyCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	return nil
}

func (d *DummyCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	return nil
}

func (d *DummyCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, req RequestRecord) error {
	return nil
}

func (d *DummyCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, resp ResponseRecord) error {
	return nil
}

func (d *DummyCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	return nil
}

func (d *DummyCollector) RecordRoutingFailure(ctx context.Context, clientIP, host, path, reason string) error {
	return nil
}

func (d *DummyCollector) RecordCertificateIssued(ctx context.Context, domain string, elapsed time.Duration) error {
	return nil
}

// GetOverviewStats returns empty stats for dummy collector
func (d *DummyCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return &OverviewStats{}, nil
}

func (d *DummyCollector) GetTopHosts(ctx context.Context, limit int) ([]HostStats, error) {
	return []HostStats{}, nil
}

func (d *DummyCollector) GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error) {
	return []ErrorSummary{}, nil
}

// HealthCheck always returns healthy for dummy collector
func (d *DummyCollector) HealthCheck(ctx context.Context) error {
	return nil
}

func (d *DummyCollector) Close() error {
	return nil
}
