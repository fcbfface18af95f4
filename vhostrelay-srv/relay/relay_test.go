package relay

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/vhostrelay/vhostrelay-srv/httpwire"
)

type readOnly struct{ io.Reader }

func (readOnly) Write(p []byte) (int, error) { return len(p), nil }

func source(input string) *httpwire.Framer {
	return httpwire.NewFramer(readOnly{strings.NewReader(input)})
}

type sink struct {
	bytes.Buffer
	flushes int
}

func (s *sink) Flush() error {
	s.flushes++
	return nil
}

func TestBodyNone(t *testing.T) {
	dst := &sink{}
	out, err := Body(httpwire.FramingNone, source("leftover"), dst, Options{})
	require.NoError(t, err)
	assert.Equal(t, KeepAlive, out)
	assert.Zero(t, dst.Len())
}

func TestContentLength(t *testing.T) {
	src := source("helloNEXT")
	dst := &sink{}

	var observed int
	out, err := Body(httpwire.FramingContentLength, src, dst, Options{
		ContentLength: 5,
		Observer:      func(n int) { observed += n },
	})
	require.NoError(t, err)
	assert.Equal(t, KeepAlive, out)
	assert.Equal(t, "hello", dst.String())
	assert.Equal(t, 5, observed)

	rest, err := io.ReadAll(src)
	require.NoError(t, err)
	assert.Equal(t, "NEXT", string(rest))
}

func TestContentLengthBoundedSteps(t *testing.T) {
	payload := strings.Repeat("z", 10*64+3)
	dst := &sink{}
	out, err := ContentLength(source(payload), dst, Options{ContentLength: int64(len(payload)), BufferSize: 64})
	require.NoError(t, err)
	assert.Equal(t, KeepAlive, out)
	assert.Equal(t, payload, dst.String())
	assert.GreaterOrEqual(t, dst.flushes, 11)
}

func TestContentLengthShort(t *testing.T) {
	dst := &sink{}
	out, err := ContentLength(source("abc"), dst, Options{ContentLength: 10})
	assert.ErrorIs(t, err, ErrShortBody)
	assert.Equal(t, KeepAlive, out)
	assert.Equal(t, "abc", dst.String())
}

func encodeChunked(payload string, chunkSize int, trailers ...string) string {
	var b strings.Builder
	for len(payload) > 0 {
		n := chunkSize
		if n > len(payload) {
			n = len(payload)
		}
		fmt.Fprintf(&b, "%x\r\n%s\r\n", n, payload[:n])
		payload = payload[n:]
	}
	b.WriteString("0\r\n")
	for _, t := range trailers {
		b.WriteString(t + "\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

func decodeChunked(t *testing.T, wire string) string {
	t.Helper()
	f := source(wire)
	var out bytes.Buffer
	for {
		line, err := f.ReadLine(1024)
		require.NoError(t, err)
		size, err := parseChunkSize(line)
		require.NoError(t, err)
		if size == 0 {
			return out.String()
		}
		_, err = io.CopyN(&out, f, size)
		require.NoError(t, err)
		_, err = f.ReadLine(2)
		require.NoError(t, err)
	}
}

func TestChunkedRoundTrip(t *testing.T) {
	payload := strings.Repeat("The quick brown fox. ", 300)
	wire := encodeChunked(payload, 1000, "X-Checksum: abc")

	src := source(wire + "GET / HTTP/1.1\r\n")
	dst := &sink{}
	out, err := Chunked(src, dst, Options{})
	require.NoError(t, err)
	assert.Equal(t, KeepAlive, out)

	assert.Equal(t, wire, dst.String())
	assert.Equal(t, payload, decodeChunked(t, dst.String()))
	assert.Contains(t, dst.String(), "0\r\nX-Checksum: abc\r\n\r\n")

	// the terminator is consumed, the next message is untouched
	line, err := src.ReadLine(100)
	require.NoError(t, err)
	assert.Equal(t, "GET / HTTP/1.1", string(line))
}

func TestChunkedEchoesExtensions(t *testing.T) {
	wire := "5;name=value\r\nhello\r\n0\r\n\r\n"
	dst := &sink{}
	_, err := Chunked(source(wire), dst, Options{})
	require.NoError(t, err)
	assert.Equal(t, wire, dst.String())
}

func TestChunkedWritesCRLFTerminators(t *testing.T) {
	dst := &sink{}
	out, err := Chunked(source("5;ext\nhello\n0\nX-Trailer: yes\n\n"), dst, Options{})
	require.NoError(t, err)
	assert.Equal(t, KeepAlive, out)
	assert.Equal(t, "5;ext\r\nhello\r\n0\r\nX-Trailer: yes\r\n\r\n", dst.String())
}

func TestChunkedErrors(t *testing.T) {
	tests := map[string]struct {
		wire string
		err  error
	}{
		"invalid hex":        {"zz\r\nhello\r\n0\r\n\r\n", ErrInvalidChunkSize},
		"missing terminator": {"5\r\nhelloXX\r\n0\r\n\r\n", ErrMalformedChunk},
		"truncated":          {"5\r\nhel", io.ErrUnexpectedEOF},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			out, err := Chunked(source(tt.wire), &sink{}, Options{})
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, Close, out)
		})
	}
}

func TestUntilClose(t *testing.T) {
	payload := strings.Repeat("x", 3*DefaultBufferSize+7)
	dst := &sink{}
	out, err := Body(httpwire.FramingUntilClose, source(payload), dst, Options{})
	require.NoError(t, err)
	assert.Equal(t, Close, out)
	assert.Equal(t, payload, dst.String())
}

func frame(opcode byte, payload []byte, mask []byte) []byte {
	var b bytes.Buffer
	b.WriteByte(0x80 | opcode)
	maskBit := byte(0)
	if mask != nil {
		maskBit = 0x80
	}
	switch {
	case len(payload) < 126:
		b.WriteByte(maskBit | byte(len(payload)))
	case len(payload) <= 0xffff:
		b.WriteByte(maskBit | 126)
		_ = binary.Write(&b, binary.BigEndian, uint16(len(payload)))
	default:
		b.WriteByte(maskBit | 127)
		_ = binary.Write(&b, binary.BigEndian, uint64(len(payload)))
	}
	if mask != nil {
		b.Write(mask)
		masked := make([]byte, len(payload))
		for i := range payload {
			masked[i] = payload[i] ^ mask[i%4]
		}
		payload = masked
	}
	b.Write(payload)
	return b.Bytes()
}

func TestWebSocketFramesPreserveMasking(t *testing.T) {
	key := []byte{1, 2, 3, 4}
	var wire bytes.Buffer
	wire.Write(frame(0x1, []byte("hi"), key))
	wire.Write(frame(0x2, bytes.Repeat([]byte{7}, 300), nil))
	wire.Write(frame(0x2, bytes.Repeat([]byte{9}, 70000), key))
	wire.Write(frame(0x9, nil, nil))
	wire.Write(frame(opClose, []byte{0x03, 0xe8}, key))
	sent := wire.String()
	wire.WriteString("not relayed")

	dst := &sink{}
	out, err := Body(httpwire.FramingWebSocket, source(wire.String()), dst, Options{})
	require.NoError(t, err)
	assert.Equal(t, Close, out)
	assert.Equal(t, sent, dst.String())
}

func TestWebSocketFramesEOF(t *testing.T) {
	out, err := WebSocketFrames(source(string(frame(0x1, []byte("a"), nil))), &sink{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, Close, out)

	_, err = WebSocketFrames(source("\x81"), &sink{}, Options{})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestBidirectional(t *testing.T) {
	clientSide, clientPeer := net.Pipe()
	upstreamSide, upstreamPeer := net.Pipe()
	defer clientSide.Close()
	defer upstreamSide.Close()

	clientFramer := httpwire.NewFramer(clientSide)
	upstreamFramer := httpwire.NewFramer(upstreamSide)

	done := make(chan Result, 1)
	go func() {
		done <- Bidirectional(clientFramer, clientFramer, upstreamFramer, upstreamFramer, Options{})
	}()

	key := []byte{9, 8, 7, 6}
	ping := frame(0x1, []byte("ping"), key)
	go func() { _, _ = clientPeer.Write(ping) }()
	got := make([]byte, len(ping))
	_, err := io.ReadFull(upstreamPeer, got)
	require.NoError(t, err)
	assert.Equal(t, ping, got)

	pong := frame(0x1, []byte("pong"), nil)
	go func() { _, _ = upstreamPeer.Write(pong) }()
	got = make([]byte, len(pong))
	_, err = io.ReadFull(clientPeer, got)
	require.NoError(t, err)
	assert.Equal(t, pong, got)

	closing := frame(opClose, nil, nil)
	go func() { _, _ = upstreamPeer.Write(closing) }()
	got = make([]byte, len(closing))
	_, err = io.ReadFull(clientPeer, got)
	require.NoError(t, err)

	select {
	case res := <-done:
		require.NoError(t, res.Err)
		assert.Equal(t, Close, res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("bidirectional relay did not finish after close frame")
	}
	_ = clientPeer.Close()
	_ = upstreamPeer.Close()
}

func TestBufferPool(t *testing.T) {
	buf := getBuffer(0)
	require.NotNil(t, buf)
	assert.Len(t, *buf, DefaultBufferSize)
	putBuffer(buf)

	small := getBuffer(64)
	assert.Len(t, *small, 64)
	putBuffer(small)
	putBuffer(nil)
}
