package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codefionn/vhostrelay/vhostrelay-srv/ca"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/config"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/metrics"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/router"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/stats"
)

// recordingCollector keeps the calls the relay makes for assertions.
type recordingCollector struct {
	stats.DummyCollector

	mu     sync.Mutex
	nextID int64
	log    callLog
}

type callLog struct {
	requests  []stats.RequestRecord
	responses []stats.ResponseRecord
	errors    []string
	routing   []string
	ended     []string
	transfers int64
}

func (c *recordingCollector) StartConnection(ctx context.Context, connectionUUID, clientIP, listener string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID, nil
}

func (c *recordingCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.ended = append(c.log.ended, closeReason)
	return nil
}

func (c *recordingCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.transfers += bytesSent + bytesReceived
	return nil
}

func (c *recordingCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, req stats.RequestRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.requests = append(c.log.requests, req)
	return nil
}

func (c *recordingCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, resp stats.ResponseRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.responses = append(c.log.responses, resp)
	return nil
}

func (c *recordingCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.errors = append(c.log.errors, errorType)
	return nil
}

func (c *recordingCollector) RecordRoutingFailure(ctx context.Context, clientIP, host, path, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.routing = append(c.log.routing, host+path)
	return nil
}

func (c *recordingCollector) snapshot() callLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return callLog{
		requests:  append([]stats.RequestRecord(nil), c.log.requests...),
		responses: append([]stats.ResponseRecord(nil), c.log.responses...),
		errors:    append([]string(nil), c.log.errors...),
		routing:   append([]string(nil), c.log.routing...),
		ended:     append([]string(nil), c.log.ended...),
		transfers: c.log.transfers,
	}
}

// upstream is a scripted TCP server that counts accepted connections.
type upstream struct {
	ln      net.Listener
	accepts atomic.Int32
}

func (u *upstream) Addr() string {
	return u.ln.Addr().String()
}

func (u *upstream) URL() string {
	return "http://" + u.Addr()
}

func startUpstream(t *testing.T, handle func(conn net.Conn)) *upstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	u := &upstream{ln: ln}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			u.accepts.Add(1)
			go func() {
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	return u
}

// readHead reads one header block from r and returns it with CRLFs.
func readHead(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		b.WriteString(line)
		if err != nil {
			return b.String(), err
		}
		if line == "\r\n" {
			return b.String(), nil
		}
	}
}

// replyEach answers every request head on conn with response.
func replyEach(response string, seen chan<- string) func(net.Conn) {
	return func(conn net.Conn) {
		r := bufio.NewReader(conn)
		for {
			head, err := readHead(r)
			if err != nil {
				return
			}
			if seen != nil {
				seen <- head
			}
			if _, err := io.WriteString(conn, response); err != nil {
				return
			}
		}
	}
}

type relayOption func(*config.Config, *Deps)

func withCA(authority *ca.CertificateAuthority) relayOption {
	return func(_ *config.Config, d *Deps) { d.CA = authority }
}

func withCollector(c stats.Collector) relayOption {
	return func(_ *config.Config, d *Deps) { d.Collector = c }
}

func withConfig(f func(*config.Config)) relayOption {
	return func(c *config.Config, _ *Deps) { f(c) }
}

// startRelay serves a relay for hosts on a loopback listener and returns its address.
func startRelay(t *testing.T, mode Mode, hosts map[string][]config.VirtualPathConfig, opts ...relayOption) (string, *Proxy) {
	t.Helper()

	cfg := config.Default()
	cfg.TimeoutSeconds = 5
	cfg.ConnectTimeoutSeconds = 2
	cfg.VirtualHosts = hosts
	serverType := config.ServerTypeHTTP
	if mode == ModeTLS {
		serverType = config.ServerTypeHTTPS
	}
	cfg.Servers = []config.ServerConfig{{Type: serverType, ListenAddress: "127.0.0.1:0", Enabled: true}}

	rt, err := router.New(hosts, nil)
	require.NoError(t, err)
	deps := Deps{Router: rt, Metrics: metrics.New()}
	for _, opt := range opts {
		opt(cfg, &deps)
	}

	p, err := NewProxy(cfg, deps)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- p.ServeListener(ln, mode) }()
	t.Cleanup(func() {
		_ = p.Stop()
		select {
		case <-served:
		case <-time.After(5 * time.Second):
			t.Error("accept loop did not return after Stop")
		}
	})
	return ln.Addr().String(), p
}

func newEmptyRouter(t *testing.T) *router.Router {
	t.Helper()
	rt, err := router.New(nil, nil)
	require.NoError(t, err)
	return rt
}

func target(u string) map[string][]config.VirtualPathConfig {
	return map[string][]config.VirtualPathConfig{
		"a.test": {{Target: u, Path: config.DefaultVirtualPath, Glob: true}},
	}
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
