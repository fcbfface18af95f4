package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	socks5 "github.com/armon/go-socks5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/vhostrelay/vhostrelay-srv/config"
)

func strPtr(s string) *string {
	return &s
}

func TestSocks5ForwardWithGoSocks5(t *testing.T) {
	var dials atomic.Int32
	socksServer, err := socks5.New(&socks5.Config{
		Credentials: socks5.StaticCredentials{"relay": "secret"},
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dials.Add(1)
			return (&net.Dialer{}).DialContext(ctx, network, addr)
		},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() { _ = socksServer.Serve(ln) }()

	const response = "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nsocks"
	up := startUpstream(t, replyEach(response, nil))
	addr, _ := startRelay(t, ModePlain, target(up.URL()), withConfig(func(c *config.Config) {
		c.Forwards = []config.Forward{{
			Type:     config.ForwardTypeSocks5,
			Address:  ln.Addr().String(),
			Username: strPtr("relay"),
			Password: strPtr("secret"),
		}}
	}))

	conn := dial(t, addr)
	_, err = io.WriteString(conn, "GET / HTTP/1.1\r\nHost: a.test\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, response, readExactly(t, conn, len(response)))
	assert.Equal(t, int32(1), dials.Load())
}

func TestSocks5ForwardWrongCredentials(t *testing.T) {
	socksServer, err := socks5.New(&socks5.Config{
		Credentials: socks5.StaticCredentials{"relay": "secret"},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() { _ = socksServer.Serve(ln) }()

	up := startUpstream(t, replyEach("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n", nil))
	collector := &recordingCollector{}
	addr, _ := startRelay(t, ModePlain, target(up.URL()), withCollector(collector), withConfig(func(c *config.Config) {
		c.Forwards = []config.Forward{{
			Type:     config.ForwardTypeSocks5,
			Address:  ln.Addr().String(),
			Username: strPtr("relay"),
			Password: strPtr("wrong"),
		}}
	}))

	conn := dial(t, addr)
	_, err = io.WriteString(conn, "GET / HTTP/1.1\r\nHost: a.test\r\n\r\n")
	require.NoError(t, err)
	assertClosed(t, conn)
	assert.Equal(t, int32(0), up.accepts.Load())
	assert.Equal(t, []string{ErrCodeSOCKS5ConnectFailed}, collector.snapshot().errors)
}

// startConnectProxy runs a minimal CONNECT proxy. status is sent back to
// every CONNECT; 200 opens a tunnel to the requested address.
func startConnectProxy(t *testing.T, status string, authSeen chan<- string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				head, err := readHead(r)
				if err != nil {
					return
				}
				if authSeen != nil {
					for _, line := range strings.Split(head, "\r\n") {
						if strings.HasPrefix(line, "Proxy-Authorization: ") {
							authSeen <- strings.TrimPrefix(line, "Proxy-Authorization: ")
						}
					}
				}
				if !strings.HasPrefix(status, "200") {
					_, _ = io.WriteString(conn, "HTTP/1.1 "+status+"\r\nContent-Length: 0\r\n\r\n")
					return
				}
				targetAddr := strings.Fields(head)[1]
				upstreamConn, err := net.Dial("tcp", targetAddr)
				if err != nil {
					_, _ = io.WriteString(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
					return
				}
				defer upstreamConn.Close()
				_, _ = io.WriteString(conn, "HTTP/1.1 "+status+"\r\n\r\n")
				go func() { _, _ = io.Copy(upstreamConn, r) }()
				_, _ = io.Copy(conn, upstreamConn)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestHTTPProxyForward(t *testing.T) {
	authSeen := make(chan string, 1)
	proxyAddr := startConnectProxy(t, "200 Connection established", authSeen)

	const response = "HTTP/1.1 200 OK\r\nContent-Length: 6\r\n\r\ntunnel"
	up := startUpstream(t, replyEach(response, nil))
	addr, _ := startRelay(t, ModePlain, target(up.URL()), withConfig(func(c *config.Config) {
		c.Forwards = []config.Forward{{
			Type:     config.ForwardTypeProxy,
			Address:  proxyAddr,
			Username: strPtr("user"),
			Password: strPtr("pass"),
		}}
	}))

	conn := dial(t, addr)
	_, err := io.WriteString(conn, "GET / HTTP/1.1\r\nHost: a.test\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, response, readExactly(t, conn, len(response)))
	select {
	case auth := <-authSeen:
		assert.Equal(t, "Basic dXNlcjpwYXNz", auth)
	case <-time.After(2 * time.Second):
		t.Fatal("proxy saw no Proxy-Authorization header")
	}
}

func TestHTTPProxyForwardDenied(t *testing.T) {
	proxyAddr := startConnectProxy(t, "407 Proxy Authentication Required", nil)
	up := startUpstream(t, replyEach("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n", nil))
	collector := &recordingCollector{}
	addr, _ := startRelay(t, ModePlain, target(up.URL()), withCollector(collector), withConfig(func(c *config.Config) {
		c.Forwards = []config.Forward{{Type: config.ForwardTypeProxy, Address: proxyAddr}}
	}))

	conn := dial(t, addr)
	_, err := io.WriteString(conn, "GET / HTTP/1.1\r\nHost: a.test\r\n\r\n")
	require.NoError(t, err)
	assertClosed(t, conn)
	assert.Equal(t, int32(0), up.accepts.Load())
	assert.Equal(t, []string{ErrCodeProxyDenied}, collector.snapshot().errors)
}

func TestSelectForwardByDomain(t *testing.T) {
	p := &Proxy{forwards: compileForwards([]config.Forward{
		{Type: config.ForwardTypeSocks5, Address: "socks:1080", Domains: []string{"internal.example"}},
		{Type: config.ForwardTypeProxy, Address: "proxy:3128", Domains: []string{"*.corp.example"}},
		{Type: config.ForwardTypeDefaultNetwork},
	})}

	fwd := p.selectForward("api.internal.example")
	require.NotNil(t, fwd)
	assert.Equal(t, config.ForwardTypeSocks5, fwd.Type)

	fwd = p.selectForward("build.corp.example")
	require.NotNil(t, fwd)
	assert.Equal(t, config.ForwardTypeProxy, fwd.Type)

	fwd = p.selectForward("example.org")
	require.NotNil(t, fwd)
	assert.Equal(t, config.ForwardTypeDefaultNetwork, fwd.Type)

	assert.Nil(t, (&Proxy{}).selectForward("example.org"))
}

func TestBufferConnReplaysEarlyBytes(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	bc := &bufferConn{Conn: client, buf: []byte("early")}
	go func() { _, _ = server.Write([]byte(" late")) }()

	got := make([]byte, 10)
	n, err := io.ReadFull(bc, got)
	require.NoError(t, err)
	assert.Equal(t, "early late", string(got[:n]))
}
