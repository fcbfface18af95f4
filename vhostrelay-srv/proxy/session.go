package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/codefionn/vhostrelay/vhostrelay-srv/httpwire"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/logger"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/metrics"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/relay"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/router"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/stats"
)

// exchange is handed from the request task to the response task once a
// request has been forwarded completely.
type exchange struct {
	id      string
	req     *httpwire.Request
	started time.Time
	// closeAfter is set when the request side already knows the connection
	// cannot carry another request.
	closeAfter bool
}

// session relays the exchanges of one client connection. The request task
// (run) is the only reader of the client and the only writer of the
// upstream; the response task is the only reader of the upstream and the
// only writer of the client, except after a WebSocket upgrade where it owns
// both directions.
type session struct {
	p    *Proxy
	id   string
	mode Mode
	log  logger.Scoped
	ctx  context.Context

	client       *trackedConn
	clientFramer *httpwire.Framer
	clientIP     string
	connectionID int64

	connMu         sync.Mutex // guards upstream against halt from other goroutines
	upstream       net.Conn
	upstreamFramer *httpwire.Framer
	bound          *router.VirtualPath

	counter  uint64
	stop     atomic.Bool
	upgraded atomic.Bool

	requestReady  chan *exchange
	responseReady chan struct{}
	done          chan struct{}
	haltOnce      sync.Once
	responseDone  sync.WaitGroup

	errOnce sync.Once
	err     error
}

func newSession(p *Proxy, conn net.Conn, mode Mode) *session {
	id := uuid.NewString()
	clientIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	ctx := WithClientIP(p.ctx, clientIP)

	connectionID, err := p.deps.Collector.StartConnection(ctx, id, clientIP, mode.String())
	if err != nil {
		logger.Error("Failed to start connection tracking: %v", err)
	}

	client := newTrackedConn(ctx, conn, p.deps.Collector, connectionID)
	s := &session{
		p:             p,
		id:            id,
		mode:          mode,
		log:           logger.For(id[:8]),
		ctx:           ctx,
		client:        client,
		clientFramer:  httpwire.NewFramer(client),
		clientIP:      clientIP,
		connectionID:  connectionID,
		requestReady:  make(chan *exchange, 1),
		responseReady: make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	s.clientFramer.SetReadTimeout(p.readTimeout())
	return s
}

func (s *session) relayOptions(direction string) relay.Options {
	counter := s.p.deps.Metrics.BytesRelayed.WithLabelValues(direction)
	return relay.Options{
		BufferSize: s.p.config.BodyBufferBytes,
		Observer:   func(n int) { counter.Add(float64(n)) },
	}
}

func (s *session) maxHeaderBytes() int {
	if s.p.config.MaxHeaderBytes <= 0 {
		return httpwire.DefaultMaxHeaderBytes
	}
	return s.p.config.MaxHeaderBytes
}

// halt wakes both tasks: blocked channel waits see done, blocked socket
// operations hit an expired deadline.
func (s *session) halt() {
	s.haltOnce.Do(func() {
		s.stop.Store(true)
		close(s.done)
		now := time.Now()
		_ = s.client.SetDeadline(now)
		s.connMu.Lock()
		if s.upstream != nil {
			_ = s.upstream.SetDeadline(now)
		}
		s.connMu.Unlock()
	})
}

// fail records the first fatal error of the session and halts it.
func (s *session) fail(err error) {
	s.errOnce.Do(func() {
		s.err = err
		code := CodeOf(err)
		s.client.SetCloseReason(err.Error())
		s.p.deps.Metrics.RelayErrors.WithLabelValues(code).Inc()
		_ = s.p.deps.Collector.RecordError(s.ctx, s.connectionID, code, err.Error())
		if severity(err) == logger.WARN {
			s.log.Warn("Session aborted: %v", err)
		} else {
			s.log.Error("Session aborted: %v", err)
		}
	})
	s.halt()
}

// abort stops the session from outside, for example on shutdown.
func (s *session) abort(reason string) {
	s.client.SetCloseReason(reason)
	s.halt()
}

func (s *session) stopped() bool {
	return s.stop.Load()
}

// severity picks the log level of a session failure. Failures caused by a
// peer or by the request itself are warnings.
func severity(err error) logger.LogLevel {
	switch {
	case IsTLSError(err), IsProxyChainError(err):
		return logger.ERROR
	case IsRoutingError(err), IsHTTPError(err), IsWebSocketError(err):
		return logger.WARN
	case IsConnectionError(err):
		switch CodeOf(err) {
		case ErrCodeDialFailed, ErrCodeUpstreamConnectFailed:
			return logger.ERROR
		}
		return logger.WARN
	}
	return logger.ERROR
}

// closedEarly reports a peer that went away in the middle of a message.
func closedEarly(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// readFailure maps a header read error to a session error. A clean end of
// stream before any byte is not an error.
func readFailure(err error, code string) error {
	switch {
	case errors.Is(err, io.EOF):
		return nil
	case errors.Is(err, httpwire.ErrHeaderTooLarge), errors.Is(err, httpwire.ErrLineTooLong):
		return newError(ErrCodeHeaderTooLarge, err)
	}
	return bodyFailure(err, code)
}

// bodyFailure maps a relay error to a session error.
func bodyFailure(err error, code string) error {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return newError(ErrCodeConnectionTimeout, err)
	case closedEarly(err):
		return newError(ErrCodeConnectionClosed, err)
	}
	return newError(code, err)
}

func routingFailure(err error) error {
	switch {
	case errors.Is(err, router.ErrUndefinedVirtualHost):
		return newError(ErrCodeUndefinedVirtualHost, err)
	case errors.Is(err, router.ErrNoMatchingPath):
		return newError(ErrCodeNoMatchingPath, err)
	case errors.Is(err, router.ErrHostExcluded):
		return newError(ErrCodeHostExcluded, err)
	}
	return newError(ErrCodeNoMatchingPath, err)
}

// run is the request task. It returns after teardown.
func (s *session) run() {
	m := s.p.deps.Metrics
	m.Sessions.WithLabelValues(s.mode.String()).Inc()
	active := m.ActiveSessions.WithLabelValues(s.mode.String())
	active.Inc()
	defer active.Dec()

	s.log.Debug("Session from %s on %s listener", s.client.RemoteAddr(), s.mode)
	defer s.teardown()

	for !s.stopped() {
		ex, ok := s.forwardRequest()
		if !ok {
			return
		}

		select {
		case s.requestReady <- ex:
		case <-s.done:
			return
		}
		select {
		case <-s.responseReady:
		case <-s.done:
			return
		}
	}
}

// forwardRequest covers READ_REQUEST and FORWARD_REQUEST for one request.
func (s *session) forwardRequest() (*exchange, bool) {
	block, err := s.clientFramer.ReadHeaderBlock(s.maxHeaderBytes())
	if err != nil {
		if s.stopped() {
			return nil, false
		}
		ferr := readFailure(err, ErrCodeHTTPRequestReadFailed)
		switch {
		case ferr == nil:
			s.log.Debug("Client closed the connection")
		case s.counter > 0 && CodeOf(ferr) == ErrCodeConnectionTimeout && s.clientFramer.Buffered() == 0:
			s.client.SetCloseReason("idle timeout")
			s.log.Debug("Keep-alive connection idle, closing")
		default:
			s.fail(ferr)
		}
		return nil, false
	}
	started := time.Now()

	req, err := httpwire.ParseRequest(block)
	if err != nil {
		s.fail(newError(ErrCodeMalformedRequest, err))
		return nil, false
	}

	vp, err := s.p.deps.Router.Resolve(req.Host(), req.Target)
	if err != nil {
		rerr := routingFailure(err)
		s.p.deps.Metrics.RoutingFailures.WithLabelValues(CodeOf(rerr)).Inc()
		_ = s.p.deps.Collector.RecordRoutingFailure(s.ctx, s.clientIP, req.Host(), router.RequestPath(req.Target), err.Error())
		s.fail(rerr)
		return nil, false
	}

	if s.upstream == nil {
		if err := s.connect(vp); err != nil {
			s.fail(err)
			return nil, false
		}
	} else if vp.Address() != s.bound.Address() || vp.TLS() != s.bound.TLS() {
		s.fail(NewProxyError(ErrCodeUpstreamMismatch, GetErrorDescription(ErrCodeUpstreamMismatch),
			fmt.Errorf("session bound to %s, request routed to %s", s.bound.Target, vp.Target)))
		return nil, false
	}

	s.counter++
	ex := &exchange{
		id:         fmt.Sprintf("%s-%d", s.id[:8], s.counter),
		req:        req,
		started:    started,
		closeAfter: !req.KeepAlive(),
	}
	s.log.Debug("%s %s %s -> %s (%s)", ex.id, req.Method, req.Target, vp.Target, req.Framing)

	vp.Apply(block)
	if err := s.upstreamFramer.WriteHeaderBlock(block); err != nil {
		s.fail(newError(ErrCodeHTTPRequestWriteFailed, err))
		return nil, false
	}

	s.p.deps.Metrics.Requests.WithLabelValues(req.Framing.String()).Inc()
	_ = s.p.deps.Collector.RecordHTTPRequest(s.ctx, s.connectionID, stats.RequestRecord{
		RequestID:  ex.id,
		Method:     req.Method,
		Target:     req.Target,
		Host:       req.Host(),
		Upstream:   vp.Target.String(),
		HeaderSize: int64(block.Size()),
		Framing:    req.Framing.String(),
	})

	// An upgrade request's frames only flow after the upstream answers 101.
	if req.Framing != httpwire.FramingWebSocket {
		opts := s.relayOptions("request")
		opts.ContentLength = req.ContentLength
		outcome, err := relay.Body(req.Framing, s.clientFramer, s.upstreamFramer, opts)
		switch {
		case errors.Is(err, relay.ErrShortBody):
			// the client stream is exhausted and the upstream will never
			// see a complete request
			s.log.Warn("%s request body: %v", ex.id, err)
			s.client.SetCloseReason("short request body")
			s.halt()
			return nil, false
		case err != nil:
			if !s.stopped() {
				s.fail(bodyFailure(err, ErrCodeHTTPRequestBodyFailed))
			}
			return nil, false
		}
		if outcome == relay.Close {
			ex.closeAfter = true
		}
	}
	return ex, true
}

// connect opens the upstream of the first request and starts the response task.
func (s *session) connect(vp *router.VirtualPath) error {
	conn, err := s.p.dialUpstream(s.ctx, vp)
	if err != nil {
		if CodeOf(err) == "" {
			err = newError(ErrCodeUpstreamConnectFailed, err)
		}
		return err
	}
	s.bound = vp
	s.upstreamFramer = httpwire.NewFramer(conn)
	s.upstreamFramer.SetReadTimeout(s.p.readTimeout())

	s.connMu.Lock()
	s.upstream = conn
	// halt may have run before the upstream existed
	if s.stopped() {
		_ = conn.SetDeadline(time.Now())
	}
	s.connMu.Unlock()
	s.log.Debug("Connected to upstream %s", vp.Address())

	s.responseDone.Add(1)
	go s.respond()
	return nil
}

// respond is the response task: AWAIT_RESPONSE and RELAY_RESPONSE.
func (s *session) respond() {
	defer s.responseDone.Done()
	for {
		var ex *exchange
		select {
		case ex = <-s.requestReady:
		case <-s.done:
			return
		}

		if !s.relayResponse(ex) {
			return
		}
		if s.upgraded.Load() {
			return
		}

		select {
		case s.responseReady <- struct{}{}:
		case <-s.done:
			return
		}
		if s.stopped() {
			return
		}
	}
}

// readResponse reads the response to ex, forwarding interim 1xx responses
// other than 101 to the client.
func (s *session) readResponse(ex *exchange) (*httpwire.Response, bool) {
	for {
		block, err := s.upstreamFramer.ReadHeaderBlock(s.maxHeaderBytes())
		if err != nil {
			if s.stopped() {
				return nil, false
			}
			ferr := readFailure(err, ErrCodeHTTPResponseReadFailed)
			if ferr == nil {
				ferr = newError(ErrCodeUpstreamClosed, fmt.Errorf("waiting for response to %s", ex.id))
			}
			s.fail(ferr)
			return nil, false
		}
		resp, err := httpwire.ParseResponse(block, ex.req.Method)
		if err != nil {
			s.fail(newError(ErrCodeMalformedResponse, err))
			return nil, false
		}
		if resp.Status >= 100 && resp.Status < 200 && resp.Status != 101 {
			if err := s.clientFramer.WriteHeaderBlock(block); err != nil {
				s.fail(newError(ErrCodeHTTPResponseWriteFailed, err))
				return nil, false
			}
			continue
		}
		return resp, true
	}
}

func (s *session) relayResponse(ex *exchange) bool {
	resp, ok := s.readResponse(ex)
	if !ok {
		return false
	}

	if resp.Framing == httpwire.FramingWebSocket && !ex.req.IsWebSocketUpgrade() {
		s.fail(newError(ErrCodeWebSocketUnexpectedUpgrade, fmt.Errorf("%s answered %d", ex.id, resp.Status)))
		return false
	}

	if err := s.clientFramer.WriteHeaderBlock(resp.Block); err != nil {
		s.fail(newError(ErrCodeHTTPResponseWriteFailed, err))
		return false
	}

	s.p.deps.Metrics.Responses.WithLabelValues(metrics.StatusClass(resp.Status), resp.Framing.String()).Inc()
	_ = s.p.deps.Collector.RecordHTTPResponse(s.ctx, s.connectionID, stats.ResponseRecord{
		RequestID:  ex.id,
		StatusCode: resp.Status,
		HeaderSize: int64(resp.Block.Size()),
		Framing:    resp.Framing.String(),
	})

	if resp.Framing == httpwire.FramingWebSocket {
		s.relayWebSocket(ex)
		return true
	}

	opts := s.relayOptions("response")
	opts.ContentLength = resp.ContentLength
	outcome, err := relay.Body(resp.Framing, s.upstreamFramer, s.clientFramer, opts)
	switch {
	case errors.Is(err, relay.ErrShortBody):
		// the upstream stream is exhausted; no further response can follow
		s.log.Warn("%s response body: %v", ex.id, err)
		outcome = relay.Close
	case err != nil:
		if !s.stopped() {
			s.fail(bodyFailure(err, ErrCodeHTTPResponseBodyFailed))
		}
		return false
	}

	s.log.Debug("%s %d %s in %s", ex.id, resp.Status, resp.Framing, time.Since(ex.started))

	if outcome == relay.Close || ex.closeAfter || !resp.KeepAlive() {
		s.client.SetCloseReason("connection close")
		s.stop.Store(true)
	}
	return true
}

// relayWebSocket degrades the session to raw frame relay in both directions
// until either side closes.
func (s *session) relayWebSocket(ex *exchange) {
	s.upgraded.Store(true)
	s.log.Debug("%s upgraded to WebSocket", ex.id)

	// frames are not bounded by the request read timeout
	s.clientFramer.SetReadTimeout(0)
	s.upstreamFramer.SetReadTimeout(0)
	_ = s.client.SetReadDeadline(time.Time{})
	_ = s.upstream.SetReadDeadline(time.Time{})
	if s.stopped() {
		return
	}

	res := relay.Bidirectional(s.clientFramer, s.clientFramer, s.upstreamFramer, s.upstreamFramer, s.relayOptions("websocket"))
	if res.Err != nil && !s.stopped() {
		s.fail(newError(ErrCodeWebSocketRelayFailed, res.Err))
		return
	}
	s.client.SetCloseReason("websocket closed")
	s.halt()
}

// teardown releases both sockets and framers once both tasks are done.
func (s *session) teardown() {
	s.halt()
	s.responseDone.Wait()

	var err error
	if s.upstream != nil {
		err = multierr.Append(err, ignoreClosed(s.upstream.Close()))
	}
	err = multierr.Append(err, ignoreClosed(s.client.Close()))
	if err != nil {
		s.log.Debug("Teardown: %v", err)
	}

	// after an upgrade the second frame direction may still be unwinding
	if !s.upgraded.Load() {
		s.clientFramer.Release()
		if s.upstreamFramer != nil {
			s.upstreamFramer.Release()
		}
	}
	s.log.Debug("Session closed after %d requests", s.counter)
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
