package proxy

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/codefionn/vhostrelay/vhostrelay-srv/config"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/hostlist"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/httpwire"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/logger"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/router"
)

// compiledForward is a forward rule with its domain list prepared for matching.
type compiledForward struct {
	fwd     config.Forward
	domains *hostlist.List // nil matches every host
}

func compileForwards(forwards []config.Forward) []compiledForward {
	compiled := make([]compiledForward, 0, len(forwards))
	for _, fwd := range forwards {
		cf := compiledForward{fwd: fwd}
		if len(fwd.Domains) > 0 {
			cf.domains = hostlist.New(fwd.Domains)
		}
		compiled = append(compiled, cf)
	}
	return compiled
}

func (cf compiledForward) matches(host string) bool {
	return cf.domains == nil || cf.domains.Match(host)
}

// selectForward returns the first forward rule applying to host.
func (p *Proxy) selectForward(host string) *config.Forward {
	for i := range p.forwards {
		if p.forwards[i].matches(host) {
			return &p.forwards[i].fwd
		}
	}
	return nil
}

func (p *Proxy) connectTimeout() time.Duration {
	if p.config.ConnectTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(p.config.ConnectTimeoutSeconds) * time.Second
}

// dialUpstream opens the upstream connection of a virtual path, through a
// forward rule when one matches, and wraps it in TLS for https targets.
// Upstream certificates are not verified.
func (p *Proxy) dialUpstream(ctx context.Context, vp *router.VirtualPath) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.connectTimeout())
	defer cancel()

	addr := vp.Address()
	host := vp.Target.Hostname()
	dialer := &net.Dialer{Timeout: p.connectTimeout(), KeepAlive: 30 * time.Second, Resolver: p.resolver}

	var conn net.Conn
	var err error
	fwd := p.selectForward(host)
	if fwd == nil {
		logger.Debug("No matching forward rule, using direct connection for %s", addr)
		conn, err = dialDirect(ctx, dialer, addr)
	} else {
		switch fwd.Type {
		case config.ForwardTypeDefaultNetwork:
			logger.Debug("Using default network forward for %s", addr)
			conn, err = dialDirect(ctx, dialer, addr)
		case config.ForwardTypeSocks5:
			logger.Debug("Using SOCKS5 forward (%s) for %s", fwd.Address, addr)
			conn, err = dialSocks5(ctx, dialer, fwd, addr)
		case config.ForwardTypeProxy:
			logger.Debug("Using proxy forward (%s) for %s", fwd.Address, addr)
			conn, err = dialHTTPProxy(ctx, dialer, fwd, addr)
		default:
			err = NewProxyError(ErrCodeUnknownForwardType, fmt.Sprintf("unknown forward type %s for %s", fwd.Type, addr), nil)
		}
	}
	if err != nil {
		return nil, err
	}

	if !vp.TLS() {
		return conn, nil
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true, // #nosec G402 -- upstreams are relayed, not authenticated
		NextProtos:         []string{"http/1.1"},
		MinVersion:         tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, newError(ErrCodeTLSUpstreamFailed, fmt.Errorf("%s: %w", addr, err))
	}
	return tlsConn, nil
}

func dialDirect(ctx context.Context, dialer *net.Dialer, addr string) (net.Conn, error) {
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newError(ErrCodeDialFailed, fmt.Errorf("direct dial to %s: %w", addr, err))
	}
	return conn, nil
}

// dialSocks5 establishes a connection to the target via a SOCKS5 proxy
func dialSocks5(ctx context.Context, dialer *net.Dialer, fwd *config.Forward, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if fwd.Username != nil {
		auth = &proxy.Auth{User: *fwd.Username}
		if fwd.Password != nil {
			auth.Password = *fwd.Password
		}
	}

	socksDialer, err := proxy.SOCKS5("tcp", fwd.Address, auth, dialer)
	if err != nil {
		return nil, newError(ErrCodeSOCKS5DialerFailed, fmt.Errorf("proxy %s: %w", fwd.Address, err))
	}

	var conn net.Conn
	if ctxDialer, ok := socksDialer.(proxy.ContextDialer); ok {
		conn, err = ctxDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = socksDialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, newError(ErrCodeSOCKS5ConnectFailed, fmt.Errorf("target %s via SOCKS5 proxy %s: %w", addr, fwd.Address, err))
	}
	return conn, nil
}

// dialHTTPProxy establishes a tunnel to the target through an HTTP proxy
// using CONNECT.
func dialHTTPProxy(ctx context.Context, dialer *net.Dialer, fwd *config.Forward, addr string) (net.Conn, error) {
	proxyConn, err := dialer.DialContext(ctx, "tcp", fwd.Address)
	if err != nil {
		return nil, newError(ErrCodeHTTPProxyDialFailed, fmt.Errorf("proxy server %s: %w", fwd.Address, err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = proxyConn.SetDeadline(deadline)
	}

	fields := []string{"Host: " + addr, "Proxy-Connection: keep-alive"}
	if fwd.Username != nil && fwd.Password != nil {
		creds := base64.StdEncoding.EncodeToString([]byte(*fwd.Username + ":" + *fwd.Password))
		fields = append(fields, "Proxy-Authorization: Basic "+creds)
	} else if fwd.Username != nil {
		logger.Warn("Proxy username provided without password for %s", fwd.Address)
	}

	framer := httpwire.NewFramer(proxyConn)
	if err := framer.WriteHeaderBlock(httpwire.NewHeaderBlock("CONNECT "+addr+" HTTP/1.1", fields...)); err != nil {
		_ = proxyConn.Close()
		return nil, newError(ErrCodeCONNECTRequestFailed, fmt.Errorf("sending to proxy %s: %w", fwd.Address, err))
	}

	block, err := framer.ReadHeaderBlock(httpwire.DefaultMaxHeaderBytes)
	if err != nil {
		_ = proxyConn.Close()
		return nil, newError(ErrCodeCONNECTResponseFailed, fmt.Errorf("reading from proxy %s: %w", fwd.Address, err))
	}
	resp, err := httpwire.ParseResponse(block, "CONNECT")
	if err != nil {
		_ = proxyConn.Close()
		return nil, newError(ErrCodeCONNECTResponseFailed, fmt.Errorf("parsing response of proxy %s: %w", fwd.Address, err))
	}
	if resp.Status != 200 {
		_ = proxyConn.Close()
		return nil, newError(ErrCodeProxyDenied, fmt.Errorf("proxy %s denied CONNECT to %s with status %d %s", fwd.Address, addr, resp.Status, resp.Reason))
	}

	_ = proxyConn.SetDeadline(time.Time{})
	logger.Debug("CONNECT tunnel established via proxy %s to %s", fwd.Address, addr)

	if n := framer.Buffered(); n > 0 {
		// bytes the proxy sent after its response belong to the tunnel
		early := make([]byte, n)
		_, _ = framer.Read(early)
		return &bufferConn{Conn: proxyConn, buf: early}, nil
	}
	return proxyConn, nil
}

// bufferConn replays bytes read ahead of the caller before reading from Conn.
type bufferConn struct {
	net.Conn
	buf []byte
}

func (bc *bufferConn) Read(b []byte) (int, error) {
	if len(bc.buf) > 0 {
		n := copy(b, bc.buf)
		bc.buf = bc.buf[n:]
		return n, nil
	}
	return bc.Conn.Read(b)
}
