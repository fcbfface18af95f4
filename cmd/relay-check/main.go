// relay-check sends requests through a running relay listener with a chosen
// Host and reports status, size and latency of each one.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/vhostrelay/vhostrelay-srv/logger"
)

// CheckResult is the outcome of one request.
type CheckResult struct {
	Name     string        `json:"name"`
	URL      string        `json:"url"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Status   int           `json:"status"`
	Bytes    int64         `json:"bytes"`
	Error    string        `json:"error,omitempty"`
}

type checker struct {
	relayAddr string
	host      string
	useTLS    bool
	tlsConfig *tls.Config
	client    *http.Client
	results   []CheckResult
}

func main() {
	relayAddr := flag.String("relay", "127.0.0.1:8080", "Relay listener address (host:port)")
	host := flag.String("host", "localhost", "Virtual host sent as Host and SNI")
	paths := flag.String("paths", "/", "Comma separated request paths")
	count := flag.Int("count", 1, "Requests per path over the same connection")
	useTLS := flag.Bool("tls", false, "Connect with TLS (https listener)")
	caFile := flag.String("ca", "", "PEM file of the relay root CA used to verify the listener")
	insecure := flag.Bool("insecure", false, "Skip certificate verification")
	wsPath := flag.String("ws", "", "Path of a WebSocket echo endpoint to check")
	timeout := flag.Int("timeout", 10, "Request timeout in seconds")
	jsonOut := flag.Bool("json", false, "Print results as JSON")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	flag.Parse()

	logger.SetLevel(logger.INFO)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	c := &checker{relayAddr: *relayAddr, host: *host, useTLS: *useTLS}
	if *useTLS {
		cfg, err := clientTLSConfig(*host, *caFile, *insecure)
		if err != nil {
			logger.Fatal("Invalid TLS settings: %v", err)
		}
		c.tlsConfig = cfg
	}

	transport := &http.Transport{
		DialContext:         c.dial,
		TLSClientConfig:     c.tlsConfig,
		MaxIdleConnsPerHost: 1,
		ForceAttemptHTTP2:   false,
	}
	c.client = &http.Client{Timeout: time.Duration(*timeout) * time.Second, Transport: transport}

	logger.Info("Checking relay %s with host %s", c.relayAddr, c.host)
	for _, p := range strings.Split(*paths, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		for i := 0; i < *count; i++ {
			c.results = append(c.results, c.checkGet(fmt.Sprintf("get-%s-%d", p, i+1), p))
		}
	}
	if *wsPath != "" {
		c.results = append(c.results, c.checkWebSocket(*wsPath, time.Duration(*timeout)*time.Second))
	}

	failed := c.report(*jsonOut)
	if failed > 0 {
		os.Exit(1)
	}
}

func clientTLSConfig(host, caFile string, insecure bool) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: insecure, // #nosec G402 -- opt-in for manual checks
		NextProtos:         []string{"http/1.1"},
	}
	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("no certificates in %s", caFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// dial ignores the request address; every connection goes to the relay.
func (c *checker) dial(ctx context.Context, network, _ string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, c.relayAddr)
}

func (c *checker) url(scheme, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return scheme + "://" + c.host + path
}

func (c *checker) checkGet(name, path string) CheckResult {
	scheme := "http"
	if c.useTLS {
		scheme = "https"
	}
	res := CheckResult{Name: name, URL: c.url(scheme, path)}
	start := time.Now()

	resp, err := c.client.Get(res.URL)
	if err != nil {
		res.Duration = time.Since(start)
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	res.Duration = time.Since(start)
	res.Status = resp.StatusCode
	res.Bytes = n
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = resp.StatusCode < 500
	if !res.Success {
		res.Error = resp.Status
	}
	logger.Debug("%s: %d, %d bytes in %v", name, res.Status, n, res.Duration)
	return res
}

func (c *checker) checkWebSocket(path string, timeout time.Duration) (res CheckResult) {
	scheme := "ws"
	if c.useTLS {
		scheme = "wss"
	}
	res = CheckResult{Name: "websocket-echo", URL: c.url(scheme, path)}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	dialer := websocket.Dialer{
		NetDialContext:   c.dial,
		TLSClientConfig:  c.tlsConfig,
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.Dial(res.URL, nil)
	if resp != nil {
		res.Status = resp.StatusCode
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))

	const payload = "relay-check"
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		res.Error = err.Error()
		return res
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Bytes = int64(len(msg))
	if string(msg) != payload {
		res.Error = fmt.Sprintf("echo mismatch: %q", msg)
		return res
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	res.Success = true
	return res
}

func (c *checker) report(asJSON bool) int {
	failed := 0
	for _, r := range c.results {
		if !r.Success {
			failed++
		}
	}
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(c.results); err != nil {
			logger.Error("Failed to encode results: %v", err)
		}
		return failed
	}

	for _, r := range c.results {
		status := "PASS"
		if !r.Success {
			status = "FAIL"
		}
		fmt.Printf("%-4s %-24s %3d %8d bytes %10v  %s", status, r.Name, r.Status, r.Bytes, r.Duration.Round(time.Millisecond), r.URL)
		if r.Error != "" {
			fmt.Printf("  (%s)", r.Error)
		}
		fmt.Println()
	}
	fmt.Printf("\n%d checks, %d failed\n", len(c.results), failed)
	return failed
}
