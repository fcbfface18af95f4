package httpwire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"time"
)

const (
	// InitialBufferSize is the starting size of the framer read buffer.
	InitialBufferSize = 4 * 1024
	// DefaultMaxHeaderBytes bounds a header block when no limit is configured.
	DefaultMaxHeaderBytes = 8 * 1024
	// DefaultWriteBufferSize is the size of the buffered writer on the sink side.
	DefaultWriteBufferSize = 16 * 1024
)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Framer adapts one byte stream for line oriented reading and raw reads and
// writes. Bytes pulled from the stream while looking for a line terminator
// stay buffered and are handed out by the next ReadLine or Read call, so a
// header read never loses the first bytes of a body.
type Framer struct {
	rd          io.Reader
	wr          *bufio.Writer
	buf         []byte
	r, w        int
	readTimeout time.Duration
}

// NewFramer returns a framer reading from and writing to rw. If rw supports
// read deadlines, SetReadTimeout arms one before every read.
func NewFramer(rw io.ReadWriter) *Framer {
	return &Framer{
		rd:  rw,
		wr:  bufio.NewWriterSize(rw, DefaultWriteBufferSize),
		buf: make([]byte, InitialBufferSize),
	}
}

// SetReadTimeout sets the idle read timeout applied before every read from the
// underlying stream. Zero disables it.
func (f *Framer) SetReadTimeout(d time.Duration) {
	f.readTimeout = d
}

// Buffered returns the number of bytes read from the stream but not consumed.
func (f *Framer) Buffered() int {
	return f.w - f.r
}

func (f *Framer) armDeadline() {
	if f.readTimeout <= 0 {
		return
	}
	if d, ok := f.rd.(readDeadliner); ok {
		_ = d.SetReadDeadline(time.Now().Add(f.readTimeout))
	}
}

// fill reads more data, compacting and growing the buffer as needed. The
// buffer never grows beyond limit bytes.
func (f *Framer) fill(limit int) error {
	if f.r > 0 {
		copy(f.buf, f.buf[f.r:f.w])
		f.w -= f.r
		f.r = 0
	}
	if f.w == len(f.buf) {
		if len(f.buf) >= limit {
			return ErrLineTooLong
		}
		size := len(f.buf) * 2
		if size > limit {
			size = limit
		}
		grown := make([]byte, size)
		copy(grown, f.buf[:f.w])
		f.buf = grown
	}
	for i := 0; i < 100; i++ {
		f.armDeadline()
		n, err := f.rd.Read(f.buf[f.w:])
		f.w += n
		if n > 0 {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return io.ErrNoProgress
}

// ReadLine returns the next line with its CRLF or bare LF removed. The
// returned slice aliases the internal buffer and is only valid until the next
// call on the framer. A clean end of stream before any byte returns io.EOF;
// an end of stream in the middle of a line returns io.ErrUnexpectedEOF.
func (f *Framer) ReadLine(maxLen int) ([]byte, error) {
	// room for the terminator on top of the content bound
	limit := maxLen + 2
	scanned := 0
	for {
		if i := bytes.IndexByte(f.buf[f.r+scanned:f.w], '\n'); i >= 0 {
			end := f.r + scanned + i
			line := f.buf[f.r:end]
			f.r = end + 1
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			if len(line) > maxLen {
				return nil, ErrLineTooLong
			}
			return line, nil
		}
		scanned = f.w - f.r
		if scanned >= limit {
			return nil, ErrLineTooLong
		}
		if err := f.fill(limit); err != nil {
			if errors.Is(err, io.EOF) {
				if f.w > f.r {
					return nil, io.ErrUnexpectedEOF
				}
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

// ReadHeaderBlock reads lines until an empty line and returns them as a block.
// Empty lines before the start line are skipped. The whole block, terminators
// included, must fit in maxBytes.
func (f *Framer) ReadHeaderBlock(maxBytes int) (*HeaderBlock, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxHeaderBytes
	}
	block := &HeaderBlock{}
	total := 0
	for {
		remaining := maxBytes - total - 2
		if remaining < 0 {
			return nil, ErrHeaderTooLarge
		}
		line, err := f.ReadLine(remaining)
		switch {
		case err == nil:
		case errors.Is(err, ErrLineTooLong):
			return nil, ErrHeaderTooLarge
		case errors.Is(err, io.EOF) && len(block.lines) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
		total += len(line) + 2
		if len(line) == 0 {
			if len(block.lines) == 0 {
				continue
			}
			return block, nil
		}
		block.lines = append(block.lines, RawLine(bytes.Clone(line)))
	}
}

// Read serves buffered bytes first and then reads straight from the stream.
func (f *Framer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if f.r < f.w {
		n := copy(p, f.buf[f.r:f.w])
		f.r += n
		return n, nil
	}
	f.armDeadline()
	return f.rd.Read(p)
}

// Write queues raw bytes on the sink side. Call Flush to push them out.
func (f *Framer) Write(p []byte) (int, error) {
	return f.wr.Write(p)
}

// WriteHeaderBlock writes every line followed by CRLF, then the blank line,
// and flushes.
func (f *Framer) WriteHeaderBlock(b *HeaderBlock) error {
	for _, l := range b.lines {
		if _, err := f.wr.Write(l); err != nil {
			return err
		}
		if _, err := f.wr.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if _, err := f.wr.WriteString("\r\n"); err != nil {
		return err
	}
	return f.wr.Flush()
}

// Flush writes any queued bytes to the stream.
func (f *Framer) Flush() error {
	return f.wr.Flush()
}

// Release drops the framer's buffers. The framer must not be used afterwards.
func (f *Framer) Release() {
	f.buf = nil
	f.r, f.w = 0, 0
	f.wr.Reset(io.Discard)
}
