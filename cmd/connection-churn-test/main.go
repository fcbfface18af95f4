package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/codefionn/vhostrelay/vhostrelay-srv/config"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/logger"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/proxy"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/router"
)

const churnHost = "churn.test"

var (
	connections        = flag.Int("connections", 512, "Number of concurrent connections to maintain")
	requestsPerConn    = flag.Int("requests", 100, "Number of requests per client")
	timeout            = flag.Duration("timeout", 2*time.Minute, "Overall test timeout")
	reopenProbability  = flag.Float64("reopenProbability", 0.05, "Probability of reopening the relay connection before a request")
	largePayloadSize   = flag.Int("largePayloadSize", 512*1024, "Size of large request bodies in bytes")
	largePayloadChance = flag.Float64("largePayloadChance", 0.1, "Probability a request carries a large body")
	writeDeadline      = flag.Duration("writeDeadline", 10*time.Second, "Write deadline per request")
	readDeadline       = flag.Duration("readDeadline", 10*time.Second, "Read deadline per request")
)

type latencyRecorder struct {
	mu     sync.Mutex
	values []time.Duration
}

type categoryStats struct {
	rec   latencyRecorder
	count atomic.Int64
}

func (cs *categoryStats) add(d time.Duration) {
	cs.count.Add(1)
	cs.rec.add(d)
}

func (lr *latencyRecorder) add(d time.Duration) {
	lr.mu.Lock()
	lr.values = append(lr.values, d)
	lr.mu.Unlock()
}

func (lr *latencyRecorder) percentile(p float64) time.Duration {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if len(lr.values) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(lr.values))
	copy(sorted, lr.values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func (lr *latencyRecorder) count() int {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return len(lr.values)
}

func main() {
	flag.Parse()

	if *connections < 1 {
		*connections = 1
	}
	if *requestsPerConn < 1 {
		*requestsPerConn = 1
	}
	*reopenProbability = clampProbability(*reopenProbability)
	*largePayloadChance = clampProbability(*largePayloadChance)

	log.SetOutput(io.Discard)
	logger.SetLevel(logger.ERROR)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "test failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := setupContext()
	defer cancel()

	serverLn, relayLn, err := prepareListeners()
	if err != nil {
		return err
	}
	defer serverLn.Close()
	defer relayLn.Close()

	go runEchoServer(ctx, serverLn)

	p, relayErr, err := startRelay(relayLn, serverLn.Addr().String())
	if err != nil {
		return err
	}
	defer func() { _ = p.Stop() }()

	if err := waitForRelayStart(relayErr); err != nil {
		return err
	}

	results := latencyRecorder{}
	var reopenCount atomic.Int64
	categories := initCategories()

	smallPayload := []byte("ping")
	largePayload := buildPayload(*largePayloadSize)

	start := time.Now()
	errCh := runClients(ctx, cancel, relayLn.Addr().String(), smallPayload, largePayload, &results, &reopenCount, categories)
	if err := waitForFirstError(errCh); err != nil {
		return err
	}
	elapsed := time.Since(start)

	printReport(&results, reopenCount.Load(), elapsed, categories, p.ActiveSessions())
	return nil
}

func setupContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stop := func() {
		signal.Stop(sigCh)
		cancel()
	}

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, stop
}

func prepareListeners() (serverLn, relayLn net.Listener, err error) {
	serverLn, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, fmt.Errorf("start server: %w", err)
	}

	relayLn, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		_ = serverLn.Close()
		return nil, nil, fmt.Errorf("start relay listener: %w", err)
	}

	return serverLn, relayLn, nil
}

func relayConfig(relayAddr, targetAddr string) *config.Config {
	cfg := config.Default()
	cfg.Servers = []config.ServerConfig{{Type: config.ServerTypeHTTP, ListenAddress: relayAddr, Enabled: true}}
	cfg.TimeoutSeconds = timeoutSeconds(*timeout)
	cfg.VirtualHosts = map[string][]config.VirtualPathConfig{
		churnHost: {{Target: "http://" + targetAddr, Path: config.DefaultVirtualPath, Glob: true}},
	}
	return cfg
}

func startRelay(ln net.Listener, targetAddr string) (p *proxy.Proxy, relayErrCh <-chan error, err error) {
	cfg := relayConfig(ln.Addr().String(), targetAddr)
	rt, err := router.New(cfg.VirtualHosts, nil)
	if err != nil {
		return nil, nil, err
	}
	p, err = proxy.NewProxy(cfg, proxy.Deps{Router: rt})
	if err != nil {
		return nil, nil, err
	}
	relayErr := make(chan error, 1)
	go func() {
		if err := p.StartWithListener(ln); err != nil {
			relayErr <- err
		}
		close(relayErr)
	}()
	return p, relayErr, nil
}

func waitForRelayStart(relayErr <-chan error) error {
	select {
	case err := <-relayErr:
		if err != nil {
			return fmt.Errorf("relay start failed: %w", err)
		}
	case <-time.After(200 * time.Millisecond):
	}
	return nil
}

func initCategories() map[string]*categoryStats {
	return map[string]*categoryStats{
		"small/reused": {},
		"small/reopen": {},
		"large/reused": {},
		"large/reopen": {},
	}
}

func runClients(ctx context.Context, cancel context.CancelFunc, relayAddr string, smallPayload, largePayload []byte, lr *latencyRecorder, reopenCount *atomic.Int64, categories map[string]*categoryStats) <-chan error {
	errCh := make(chan error, *connections)
	var wg sync.WaitGroup

	for i := 0; i < *connections; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := newTestRand()
			if err := runClient(ctx, relayAddr, smallPayload, largePayload, rng, lr, reopenCount, categories); err != nil {
				select {
				case errCh <- err:
				default:
				}
				cancel()
			}
		}()
	}

	go func() {
		wg.Wait()
		close(errCh)
	}()

	return errCh
}

func waitForFirstError(errCh <-chan error) error {
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func printReport(results *latencyRecorder, reopenCount int64, elapsed time.Duration, categories map[string]*categoryStats, openSessions int) {
	totalRequests := int64(*connections * *requestsPerConn)
	p999 := results.percentile(0.999)
	p9999 := results.percentile(0.9999)

	fmt.Printf("Clients: %d, Requests per client: %d (total %d)\n", *connections, *requestsPerConn, totalRequests)
	fmt.Printf("Reopened relay connections: %d, sessions still open: %d\n", reopenCount, openSessions)
	fmt.Printf("Duration: %s, Samples: %d\n", elapsed, results.count())
	fmt.Printf("Latency p99.9: %s\n", p999)
	fmt.Printf("Latency p99.99: %s\n", p9999)

	fmt.Println("Category breakdown (count, p99.9, p99.99):")
	for _, name := range []string{"small/reused", "small/reopen", "large/reused", "large/reopen"} {
		cs := categories[name]
		if cs == nil {
			continue
		}
		if c := cs.count.Load(); c > 0 {
			fmt.Printf("  %-13s count=%d p99.9=%s p99.99=%s\n",
				name, c, cs.rec.percentile(0.999), cs.rec.percentile(0.9999))
		}
	}
}

func runClient(ctx context.Context, relayAddr string, smallPayload, largePayload []byte, rng *rand.Rand, lr *latencyRecorder, reopenCount *atomic.Int64, categories map[string]*categoryStats) error {
	conn, rw, err := dialRelay(relayAddr)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	for i := 0; i < *requestsPerConn; i++ {
		if ctx.Err() != nil {
			return nil
		}

		var reopened bool
		conn, rw, reopened, err = maybeReconnect(conn, rw, rng, relayAddr, reopenCount)
		if err != nil {
			return err
		}

		payload, isLarge := selectPayload(rng, smallPayload, largePayload)
		elapsed, err := measureRoundTrip(conn, rw, payload)
		if err != nil {
			return err
		}
		lr.add(elapsed)
		recordCategory(isLarge, reopened, elapsed, categories)
	}

	return nil
}

func dialRelay(relayAddr string) (net.Conn, *bufio.ReadWriter, error) {
	conn, err := net.Dial("tcp", relayAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial relay: %w", err)
	}
	return conn, bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)), nil
}

// writeRequest sends payload as the Content-Length body of a POST to churnHost.
func writeRequest(conn net.Conn, rw *bufio.ReadWriter, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(*writeDeadline)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(rw, "POST /echo HTTP/1.1\r\nHost: %s\r\nContent-Length: %d\r\n\r\n", churnHost, len(payload)); err != nil {
		return err
	}
	if _, err := rw.Write(payload); err != nil {
		return err
	}
	return rw.Flush()
}

func readEcho(conn net.Conn, reader *bufio.Reader, want int) error {
	if err := conn.SetReadDeadline(time.Now().Add(*readDeadline)); err != nil {
		return err
	}
	resp, err := http.ReadResponse(reader, &http.Request{Method: http.MethodPost})
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if n != int64(want) {
		return fmt.Errorf("echoed %d bytes, want %d", n, want)
	}
	return nil
}

func maybeReconnect(conn net.Conn, rw *bufio.ReadWriter, rng *rand.Rand, relayAddr string, reopenCount *atomic.Int64) (net.Conn, *bufio.ReadWriter, bool, error) {
	if rng.Float64() >= *reopenProbability {
		return conn, rw, false, nil
	}

	_ = conn.Close()
	newConn, newRW, err := dialRelay(relayAddr)
	if err != nil {
		return nil, nil, false, fmt.Errorf("reconnect: %w", err)
	}

	reopenCount.Add(1)
	return newConn, newRW, true, nil
}

func selectPayload(rng *rand.Rand, smallPayload, largePayload []byte) ([]byte, bool) {
	if rng.Float64() < *largePayloadChance {
		return largePayload, true
	}
	return smallPayload, false
}

func measureRoundTrip(conn net.Conn, rw *bufio.ReadWriter, payload []byte) (time.Duration, error) {
	start := time.Now()
	if err := writeRequest(conn, rw, payload); err != nil {
		return 0, err
	}
	if err := readEcho(conn, rw.Reader, len(payload)); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func recordCategory(isLarge, reopened bool, elapsed time.Duration, categories map[string]*categoryStats) {
	switch {
	case isLarge && reopened:
		categories["large/reopen"].add(elapsed)
	case isLarge && !reopened:
		categories["large/reused"].add(elapsed)
	case !isLarge && reopened:
		categories["small/reopen"].add(elapsed)
	default:
		categories["small/reused"].add(elapsed)
	}
}

func newTestRand() *rand.Rand {
	//nolint:gosec // G404: traffic shaping only
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

func runEchoServer(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			fmt.Fprintf(os.Stderr, "server accept error: %v\n", err)
			return
		}
		go handleEchoConn(ctx, conn)
	}
}

// handleEchoConn answers every request on a keep-alive connection with its
// own body.
func handleEchoConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		if ctx.Err() != nil {
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(30 * time.Second)); err != nil {
			fmt.Fprintf(os.Stderr, "server set read deadline: %v\n", err)
			return
		}
		req, err := http.ReadRequest(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			fmt.Fprintf(os.Stderr, "server read error: %v\n", err)
			return
		}
		body, err := io.ReadAll(req.Body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "server body error: %v\n", err)
			return
		}
		if err := conn.SetWriteDeadline(time.Now().Add(30 * time.Second)); err != nil {
			fmt.Fprintf(os.Stderr, "server set write deadline: %v\n", err)
			return
		}
		if _, err := fmt.Fprintf(writer, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n", len(body)); err != nil {
			fmt.Fprintf(os.Stderr, "server write error: %v\n", err)
			return
		}
		if _, err := writer.Write(body); err != nil {
			fmt.Fprintf(os.Stderr, "server write error: %v\n", err)
			return
		}
		if err := writer.Flush(); err != nil {
			fmt.Fprintf(os.Stderr, "server flush error: %v\n", err)
			return
		}
	}
}

func buildPayload(size int) []byte {
	if size < 1 {
		size = 1
	}
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = 'x'
	}
	return payload
}

func timeoutSeconds(d time.Duration) int {
	secs := int(d.Seconds())
	if secs < 1 {
		return 1
	}
	return secs
}

func clampProbability(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
