// Package relay moves HTTP message bodies from one framed stream to another
// without interpreting them.
package relay

import (
	"errors"
	"fmt"
	"io"

	"github.com/codefionn/vhostrelay/vhostrelay-srv/httpwire"
)

// Outcome tells the session whether the connection may carry another message.
type Outcome int

const (
	KeepAlive Outcome = iota
	Close
)

func (o Outcome) String() string {
	if o == Close {
		return "close"
	}
	return "keep-alive"
}

var (
	// ErrShortBody is returned when the stream ends before the declared
	// Content-Length was relayed.
	ErrShortBody = errors.New("body ended before declared length")
	// ErrInvalidChunkSize is returned for a chunk-size line that is not hex.
	ErrInvalidChunkSize = errors.New("invalid chunk size")
	// ErrMalformedChunk is returned when chunk data is not followed by CRLF.
	ErrMalformedChunk = errors.New("chunk data not terminated by CRLF")
)

// Source is the reading side of a relay. *httpwire.Framer implements it.
type Source interface {
	io.Reader
	ReadLine(maxLen int) ([]byte, error)
}

// Sink is the writing side of a relay. *httpwire.Framer implements it.
type Sink interface {
	io.Writer
	Flush() error
}

// Options tune a single body relay.
type Options struct {
	// ContentLength is the byte count for FramingContentLength.
	ContentLength int64
	// BufferSize bounds each copy step; DefaultBufferSize when zero.
	BufferSize int
	// MaxLineBytes bounds chunk-size and trailer lines; 4096 when zero.
	MaxLineBytes int
	// Observer, when set, is called with the size of every relayed unit.
	Observer func(n int)
}

func (o Options) maxLine() int {
	if o.MaxLineBytes <= 0 {
		return 4096
	}
	return o.MaxLineBytes
}

func (o Options) observe(n int) {
	if o.Observer != nil && n > 0 {
		o.Observer(n)
	}
}

// Body relays one message body framed as framing from src to dst.
func Body(framing httpwire.Framing, src Source, dst Sink, opts Options) (Outcome, error) {
	switch framing {
	case httpwire.FramingNone:
		return KeepAlive, nil
	case httpwire.FramingContentLength:
		return ContentLength(src, dst, opts)
	case httpwire.FramingChunked:
		return Chunked(src, dst, opts)
	case httpwire.FramingWebSocket:
		return WebSocketFrames(src, dst, opts)
	case httpwire.FramingUntilClose:
		return UntilClose(src, dst, opts)
	default:
		return Close, fmt.Errorf("unknown body framing %d", framing)
	}
}

// copyN copies exactly n bytes in bounded steps, flushing after each step.
func copyN(src io.Reader, dst Sink, n int64, opts Options) (int64, error) {
	buf := getBuffer(opts.BufferSize)
	defer putBuffer(buf)

	var written int64
	for written < n {
		step := *buf
		if remaining := n - written; remaining < int64(len(step)) {
			step = step[:remaining]
		}
		nr, rerr := src.Read(step)
		if nr > 0 {
			if _, werr := dst.Write(step[:nr]); werr != nil {
				return written, werr
			}
			if ferr := dst.Flush(); ferr != nil {
				return written, ferr
			}
			written += int64(nr)
			opts.observe(nr)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) && written < n {
				return written, io.ErrUnexpectedEOF
			}
			if written < n {
				return written, rerr
			}
		}
	}
	return written, nil
}

// ContentLength relays exactly opts.ContentLength bytes. A stream that ends
// early yields ErrShortBody but still a KeepAlive outcome; the next header
// read on the exhausted stream ends the session.
func ContentLength(src Source, dst Sink, opts Options) (Outcome, error) {
	if opts.ContentLength <= 0 {
		return KeepAlive, nil
	}
	written, err := copyN(src, dst, opts.ContentLength, opts)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return KeepAlive, fmt.Errorf("%w: %d of %d bytes", ErrShortBody, written, opts.ContentLength)
	}
	if err != nil {
		return Close, err
	}
	return KeepAlive, nil
}

// UntilClose copies until end of stream. The connection always closes afterwards.
func UntilClose(src Source, dst Sink, opts Options) (Outcome, error) {
	buf := getBuffer(opts.BufferSize)
	defer putBuffer(buf)

	for {
		nr, rerr := src.Read(*buf)
		if nr > 0 {
			if _, werr := dst.Write((*buf)[:nr]); werr != nil {
				return Close, werr
			}
			if ferr := dst.Flush(); ferr != nil {
				return Close, ferr
			}
			opts.observe(nr)
		}
		if errors.Is(rerr, io.EOF) {
			return Close, nil
		}
		if rerr != nil {
			return Close, rerr
		}
	}
}
