package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/vhostrelay/vhostrelay-srv/stats"
)

// transferReportBytes is how much traffic accumulates before an interim
// RecordDataTransfer call is made for a long lived connection.
const transferReportBytes = 64 * 1024

// trackedConn wraps the client side of a session and reports its traffic to
// the statistics collector. Sent means relay to client, received means client
// to relay.
type trackedConn struct {
	net.Conn
	ctx          context.Context
	collector    stats.Collector
	connectionID int64
	startTime    time.Time

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	flushed       atomic.Int64 // sent+received already reported

	reportMu         sync.Mutex
	reportedSent     int64
	reportedReceived int64

	closeReason atomic.Value // string
	endOnce     sync.Once
}

func newTrackedConn(ctx context.Context, conn net.Conn, collector stats.Collector, connectionID int64) *trackedConn {
	return &trackedConn{
		Conn:         conn,
		ctx:          ctx,
		collector:    collector,
		connectionID: connectionID,
		startTime:    time.Now(),
	}
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.bytesReceived.Add(int64(n))
		c.maybeReport()
	}
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.bytesSent.Add(int64(n))
		c.maybeReport()
	}
	return n, err
}

func (c *trackedConn) maybeReport() {
	total := c.bytesSent.Load() + c.bytesReceived.Load()
	if total-c.flushed.Load() < transferReportBytes {
		return
	}
	c.report()
}

// report sends the traffic accumulated since the previous report as deltas.
func (c *trackedConn) report() {
	c.reportMu.Lock()
	defer c.reportMu.Unlock()

	sent, received := c.bytesSent.Load(), c.bytesReceived.Load()
	deltaSent, deltaReceived := sent-c.reportedSent, received-c.reportedReceived
	if deltaSent == 0 && deltaReceived == 0 {
		return
	}
	c.reportedSent, c.reportedReceived = sent, received
	c.flushed.Store(sent + received)
	_ = c.collector.RecordDataTransfer(c.ctx, c.connectionID, deltaSent, deltaReceived)
}

// SetCloseReason records why the session ended; the first reason wins.
func (c *trackedConn) SetCloseReason(reason string) {
	c.closeReason.CompareAndSwap(nil, reason)
}

// BytesSent returns the number of bytes written to the client so far.
func (c *trackedConn) BytesSent() int64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the number of bytes read from the client so far.
func (c *trackedConn) BytesReceived() int64 {
	return c.bytesReceived.Load()
}

// Close closes the connection and records the final statistics once.
func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.endOnce.Do(func() {
		reason, _ := c.closeReason.Load().(string)
		if reason == "" {
			reason = "normal"
		}
		_ = c.collector.EndConnection(c.ctx, c.connectionID, c.bytesSent.Load(), c.bytesReceived.Load(), time.Since(c.startTime), reason)
	})
	return err
}
