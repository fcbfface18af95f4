// Package resolver builds the name resolver used for upstream dials. It
// speaks plain DNS over UDP or TCP, or DNS over TLS, to configured servers
// in round-robin order.
package resolver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/codefionn/vhostrelay/vhostrelay-srv/config"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/logger"
)

// Resolver dials the configured DNS servers.
type Resolver struct {
	servers []config.DNSServerConfig

	mu   sync.Mutex
	next int
}

// New returns a net.Resolver backed by the configured servers, or nil when
// custom DNS is disabled and the system resolver applies.
func New(cfg config.DNSConfig) *net.Resolver {
	if !cfg.Enabled || len(cfg.Servers) == 0 {
		return nil
	}
	r := &Resolver{servers: append([]config.DNSServerConfig(nil), cfg.Servers...)}
	for i, server := range r.servers {
		logger.Info("DNS server %d: %s (%s)", i, server.Address, server.Type)
	}
	return &net.Resolver{PreferGo: true, Dial: r.Dial}
}

func (r *Resolver) pick() (int, config.DNSServerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.next
	r.next = (r.next + 1) % len(r.servers)
	return idx, r.servers[idx]
}

// Dial ignores the address chosen by the Go resolver and connects to the next
// configured server instead.
func (r *Resolver) Dial(ctx context.Context, network, _ string) (net.Conn, error) {
	idx, server := r.pick()
	logger.Debug("Using DNS server %d: %s (%s)", idx, server.Address, server.Type)
	dialer := &net.Dialer{Timeout: server.Timeout()}

	switch server.Type {
	case config.DNSTypeUDP, config.DNSTypeTCP:
		return dialer.DialContext(ctx, string(server.Type), server.Address)
	case config.DNSTypeDoT:
		return dialTLS(ctx, dialer, server)
	default:
		return nil, fmt.Errorf("unsupported DNS server type: %s (network %s)", server.Type, network)
	}
}

func dialTLS(ctx context.Context, dialer *net.Dialer, server config.DNSServerConfig) (net.Conn, error) {
	tcpConn, err := dialer.DialContext(ctx, "tcp", server.Address)
	if err != nil {
		return nil, fmt.Errorf("DoT connection to %s failed: %w", server.Address, err)
	}

	serverName := server.TLSHost
	if serverName == "" {
		if host, _, err := net.SplitHostPort(server.Address); err == nil {
			serverName = host
		}
	}
	tlsConn := tls.Client(tcpConn, &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"dot"},
	})
	hsCtx, cancel := context.WithTimeout(ctx, server.Timeout())
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("DoT handshake with %s failed: %w", server.Address, err)
	}
	return tlsConn, nil
}
