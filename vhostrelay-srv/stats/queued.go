package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/vhostrelay/vhostrelay-srv/logger"
)

// DefaultQueueSize is the number of pending writes a QueuedCollector holds
// before it starts dropping them.
const DefaultQueueSize = 1024

// QueuedCollector hands write calls to a background worker so relay
// goroutines never wait on the database. StartConnection stays synchronous
// because callers need the generated id. Queries go straight through.
type QueuedCollector struct {
	underlying Collector
	queue      chan func(context.Context) error

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64

	wg sync.WaitGroup
}

// NewQueuedCollector starts the background writer for underlying.
func NewQueuedCollector(underlying Collector, size int) *QueuedCollector {
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &QueuedCollector{
		underlying: underlying,
		queue:      make(chan func(context.Context) error, size),
	}
	q.wg.Add(1)
	go q.writer()
	return q
}

func (q *QueuedCollector) writer() {
	defer q.wg.Done()
	for op := range q.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := op(ctx); err != nil {
			logger.Warn("Failed to write statistics: %v", err)
		}
		cancel()
	}
}

func (q *QueuedCollector) enqueue(op func(context.Context) error) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil
	}
	select {
	case q.queue <- op:
	default:
		if n := q.dropped.Add(1); n == 1 || n%1000 == 0 {
			logger.Warn("Statistics queue full, %d writes dropped", n)
		}
	}
	return nil
}

// Dropped returns the number of writes discarded because the queue was full.
func (q *QueuedCollector) Dropped() int64 {
	return q.dropped.Load()
}

// Flush blocks until every write queued before the call has been applied.
func (q *QueuedCollector) Flush() {
	done := make(chan struct{})
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return
	}
	q.queue <- func(context.Context) error {
		close(done)
		return nil
	}
	q.mu.RUnlock()
	<-done
}

func (q *QueuedCollector) StartConnection(ctx context.Context, connectionUUID, clientIP, listener string) (int64, error) {
	return q.underlying.StartConnection(ctx, connectionUUID, clientIP, listener)
}

func (q *QueuedCollector) EndConnection(_ context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	return q.enqueue(func(ctx context.Context) error {
		return q.underlying.EndConnection(ctx, connectionID, bytesSent, bytesReceived, duration, closeReason)
	})
}

func (q *QueuedCollector) RecordDataTransfer(_ context.Context, connectionID, bytesSent, bytesReceived int64) error {
	return q.enqueue(func(ctx context.Context) error {
		return q.underlying.RecordDataTransfer(ctx, connectionID, bytesSent, bytesReceived)
	})
}

func (q *QueuedCollector) RecordHTTPRequest(_ context.Context, connectionID int64, req RequestRecord) error {
	return q.enqueue(func(ctx context.Context) error {
		return q.underlying.RecordHTTPRequest(ctx, connectionID, req)
	})
}

func (q *QueuedCollector) RecordHTTPResponse(_ context.Context, connectionID int64, resp ResponseRecord) error {
	return q.enqueue(func(ctx context.Context) error {
		return q.underlying.RecordHTTPResponse(ctx, connectionID, resp)
	})
}

func (q *QueuedCollector) RecordError(_ context.Context, connectionID int64, errorType, errorMessage string) error {
	return q.enqueue(func(ctx context.Context) error {
		return q.underlying.RecordError(ctx, connectionID, errorType, errorMessage)
	})
}

func (q *QueuedCollector) RecordRoutingFailure(_ context.Context, clientIP, host, path, reason string) error {
	return q.enqueue(func(ctx context.Context) error {
		return q.underlying.RecordRoutingFailure(ctx, clientIP, host, path, reason)
	})
}

func (q *QueuedCollector) RecordCertificateIssued(_ context.Context, domain string, elapsed time.Duration) error {
	return q.enqueue(func(ctx context.Context) error {
		return q.underlying.RecordCertificateIssued(ctx, domain, elapsed)
	})
}

func (q *QueuedCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return q.underlying.GetOverviewStats(ctx)
}

func (q *QueuedCollector) GetTopHosts(ctx context.Context, limit int) ([]HostStats, error) {
	return q.underlying.GetTopHosts(ctx, limit)
}

func (q *QueuedCollector) GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error) {
	return q.underlying.GetRecentErrors(ctx, limit)
}

func (q *QueuedCollector) HealthCheck(ctx context.Context) error {
	return q.underlying.HealthCheck(ctx)
}

// Close drains pending writes and closes the underlying collector.
func (q *QueuedCollector) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.queue)
	q.mu.Unlock()

	q.wg.Wait()
	return q.underlying.Close()
}
