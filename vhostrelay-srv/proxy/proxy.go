// Package proxy accepts client connections and relays HTTP/1.1 exchanges to
// the upstream chosen by the virtual host router.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/codefionn/vhostrelay/vhostrelay-srv/ca"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/config"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/logger"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/metrics"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/resolver"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/router"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/stats"
)

type contextKey struct {
	name string
}

var clientIPKey = &contextKey{name: "client-ip"}

func WithClientIP(ctx context.Context, clientIP string) context.Context {
	return context.WithValue(ctx, clientIPKey, clientIP)
}

func ClientIPFromContext(ctx context.Context) (string, bool) {
	clientIP, ok := ctx.Value(clientIPKey).(string)
	return clientIP, ok
}

// Mode selects how accepted connections are wrapped before the session starts.
type Mode int

const (
	ModePlain Mode = iota
	ModeTLS
)

func (m Mode) String() string {
	if m == ModeTLS {
		return "https"
	}
	return "http"
}

// Deps are the collaborators shared by every session.
type Deps struct {
	CA        *ca.CertificateAuthority
	Router    *router.Router
	Collector stats.Collector
	Metrics   *metrics.Metrics
}

// Server is one configured listener.
type Server struct {
	config config.ServerConfig
	mode   Mode
}

// Proxy owns the relay listeners and the sessions they accept.
type Proxy struct {
	config   *config.Config
	deps     Deps
	forwards []compiledForward
	resolver *net.Resolver // nil uses the system resolver
	servers  []*Server

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners []net.Listener
	sessions  map[*session]struct{}
	wg        sync.WaitGroup
}

// NewProxy wires a relay from configuration and its dependencies. Console
// servers are ignored here; they are served by the console package.
func NewProxy(cfg *config.Config, deps Deps) (*Proxy, error) {
	if deps.Router == nil {
		return nil, newError(ErrCodeMissingRouter, nil)
	}
	if deps.Collector == nil {
		deps.Collector = stats.NewDummyCollector()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Proxy{
		config:   cfg,
		deps:     deps,
		forwards: compileForwards(cfg.Forwards),
		resolver: resolver.New(cfg.DNS),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[*session]struct{}),
	}

	for _, serverCfg := range cfg.Servers {
		if !serverCfg.Enabled {
			logger.Info("Skipping disabled server on %s", serverCfg.ListenAddress)
			continue
		}
		switch serverCfg.Type {
		case config.ServerTypeHTTP:
			p.servers = append(p.servers, &Server{config: serverCfg, mode: ModePlain})
		case config.ServerTypeHTTPS:
			if deps.CA == nil {
				cancel()
				return nil, NewProxyError(ErrCodeMissingCA, GetErrorDescription(ErrCodeMissingCA), fmt.Errorf("server %s", serverCfg.ListenAddress))
			}
			p.servers = append(p.servers, &Server{config: serverCfg, mode: ModeTLS})
		case config.ServerTypeConsole:
		default:
			cancel()
			return nil, NewProxyError(ErrCodeUnknownServerType, fmt.Sprintf("unknown server type %q", serverCfg.Type), nil)
		}
	}

	if len(p.servers) == 0 {
		logger.Warn("No enabled relay servers configured")
	}
	return p, nil
}

// Servers returns the relay listeners this proxy will open.
func (p *Proxy) Servers() []config.ServerConfig {
	out := make([]config.ServerConfig, 0, len(p.servers))
	for _, s := range p.servers {
		out = append(out, s.config)
	}
	return out
}

// Start binds every configured listener and serves them until Stop. A bind
// failure is returned before anything is served.
func (p *Proxy) Start() error {
	if len(p.servers) == 0 {
		return newError(ErrCodeNoEnabledServers, nil)
	}

	listeners := make([]net.Listener, 0, len(p.servers))
	for _, s := range p.servers {
		l, err := net.Listen("tcp", s.config.ListenAddress)
		if err != nil {
			for _, opened := range listeners {
				_ = opened.Close()
			}
			return newError(ErrCodeListenerCreateFailed, fmt.Errorf("%s: %w", s.config.ListenAddress, err))
		}
		listeners = append(listeners, l)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(p.servers))
	for i, s := range p.servers {
		wg.Add(1)
		go func(i int, s *Server) {
			defer wg.Done()
			errs[i] = p.ServeListener(listeners[i], s.mode)
		}(i, s)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// StartWithListener serves the first configured server on an existing listener.
func (p *Proxy) StartWithListener(listener net.Listener) error {
	if len(p.servers) == 0 {
		return newError(ErrCodeNoEnabledServers, nil)
	}
	return p.ServeListener(listener, p.servers[0].mode)
}

func (p *Proxy) track(l net.Listener) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return false
	}
	p.listeners = append(p.listeners, l)
	return true
}

// ServeListener runs the accept loop on listener. It returns nil after Stop.
func (p *Proxy) ServeListener(listener net.Listener, mode Mode) error {
	if mode == ModeTLS && p.deps.CA == nil {
		return newError(ErrCodeMissingCA, nil)
	}
	if !p.track(listener) {
		_ = listener.Close()
		return nil
	}

	logger.Info("Starting %s relay on %s", mode, listener.Addr())

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if p.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			logger.Error("Failed to accept connection on %s: %v; retrying in %s", listener.Addr(), err, backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handleConn(conn, mode)
		}()
	}
}

// handleConn completes the TLS handshake when needed and runs one session.
func (p *Proxy) handleConn(conn net.Conn, mode Mode) {
	if mode == ModeTLS {
		tlsConn := tls.Server(conn, p.deps.CA.TLSConfig())
		ctx, cancel := context.WithTimeout(p.ctx, p.readTimeout())
		err := tlsConn.HandshakeContext(ctx)
		cancel()
		if err != nil {
			herr := newError(ErrCodeTLSHandshakeFailed, err)
			logger.Debug("TLS handshake from %s failed: %v", conn.RemoteAddr(), herr)
			p.deps.Metrics.RelayErrors.WithLabelValues(herr.Code).Inc()
			_ = conn.Close()
			return
		}
		conn = tlsConn
	}

	s := newSession(p, conn, mode)
	if !p.register(s) {
		_ = conn.Close()
		return
	}
	defer p.unregister(s)
	s.run()
}

func (p *Proxy) register(s *session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return false
	}
	p.sessions[s] = struct{}{}
	return true
}

func (p *Proxy) unregister(s *session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, s)
}

// ActiveSessions returns the number of sessions currently running.
func (p *Proxy) ActiveSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Proxy) readTimeout() time.Duration {
	if p.config.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.config.TimeoutSeconds) * time.Second
}

// Stop closes every listener and aborts running sessions, waiting up to five
// seconds for them to finish.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	p.cancel()
	var errs []error
	for _, l := range p.listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	p.listeners = nil
	for s := range p.sessions {
		s.abort("relay stopped")
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("Timed out waiting for sessions to finish")
	}
	return errors.Join(errs...)
}
