package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/codefionn/vhostrelay/vhostrelay-srv/config"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/logger"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/proxy"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/router"
)

const benchHost = "bench.test"

var (
	numRequests = flag.Int("numRequests", 100, "Total number of requests to send")
	concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
	testTimeout = flag.Duration("timeout", 30*time.Second, "Overall test timeout")
	dataSize    = flag.Int("dataSize", 1024*1024, "Size of payload in bytes per request")
	chunked     = flag.Bool("chunked", false, "Send response bodies with chunked transfer encoding")
)

type result struct {
	bytes int64
	err   error
}

func dataHandler(buf []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data" {
			http.NotFound(w, r)
			return
		}
		if !*chunked {
			w.Header().Set("Content-Length", fmt.Sprint(len(buf)))
		}
		if _, err := w.Write(buf); err != nil {
			logger.Error("failed to write data: %v", err)
		}
	}
}

func sendRequest(ctx context.Context, client *http.Client, targetURL string, results chan<- result) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, http.NoBody)
	if err != nil {
		results <- result{0, fmt.Errorf("new request: %w", err)}
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		results <- result{0, fmt.Errorf("do request: %w", err)}
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		results <- result{0, fmt.Errorf("status %d", resp.StatusCode)}
		return
	}
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		results <- result{n, fmt.Errorf("read body: %w", err)}
		return
	}
	if n != int64(*dataSize) {
		results <- result{n, fmt.Errorf("read %d bytes, want %d", n, *dataSize)}
		return
	}
	results <- result{n, nil}
}

// startRelay serves a relay on relayLn that routes benchHost to targetAddr.
func startRelay(relayLn net.Listener, targetAddr string) (*proxy.Proxy, error) {
	cfg := config.Default()
	cfg.Servers = []config.ServerConfig{{Type: config.ServerTypeHTTP, ListenAddress: relayLn.Addr().String(), Enabled: true}}
	cfg.TimeoutSeconds = 5
	cfg.VirtualHosts = map[string][]config.VirtualPathConfig{
		benchHost: {{Target: "http://" + targetAddr, Path: config.DefaultVirtualPath, Glob: true}},
	}
	rt, err := router.New(cfg.VirtualHosts, nil)
	if err != nil {
		return nil, err
	}
	p, err := proxy.NewProxy(cfg, proxy.Deps{Router: rt})
	if err != nil {
		return nil, err
	}
	go func() {
		if err := p.StartWithListener(relayLn); err != nil {
			log.Printf("Relay server error: %v", err)
		}
	}()
	return p, nil
}

func main() {
	flag.Parse()

	log.SetOutput(io.Discard)
	logger.SetLevel(logger.ERROR)

	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	buf := make([]byte, *dataSize)
	for i := range buf {
		buf[i] = 'a'
	}

	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
	go func() {
		if err := http.Serve(targetLn, dataHandler(buf)); err != nil {
			log.Printf("Data server error: %v", err)
		}
	}()

	relayLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
	p, err := startRelay(relayLn, targetLn.Addr().String())
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = p.Stop() }()

	// every connection goes to the relay; the URL only carries the Host
	relayAddr := relayLn.Addr().String()
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, relayAddr)
		},
		MaxIdleConnsPerHost: *concurrency,
	}
	client := &http.Client{Transport: transport, Timeout: 10 * time.Second}
	targetURL := "http://" + benchHost + "/data"

	var wg sync.WaitGroup
	results := make(chan result, *numRequests)
	jobs := make(chan struct{})
	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				sendRequest(ctx, client, targetURL, results)
			}
		}()
	}
	for i := 0; i < *numRequests; i++ {
		jobs <- struct{}{}
	}
	close(jobs)
	wg.Wait()
	close(results)

	success, failures, total := 0, 0, int64(0)
	var firstErr error
	for res := range results {
		if res.err != nil {
			failures++
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		success++
		total += res.bytes
	}
	dur := time.Since(start)
	rps := float64(success) / dur.Seconds()
	mbps := float64(total) / dur.Seconds() / 1024 / 1024

	fmt.Printf("Duration: %.2f s, Success: %d, Errors: %d\n", dur.Seconds(), success, failures)
	fmt.Printf("RPS: %.2f, Throughput: %.2f MB/s, Sessions still open: %d\n", rps, mbps, p.ActiveSessions())

	if failures > 0 || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		fmt.Fprintf(os.Stderr, "Test failed: timeout or errors (first: %v)\n", firstErr)
		os.Exit(1)
	}
}
