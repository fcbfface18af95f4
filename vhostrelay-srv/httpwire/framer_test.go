package httpwire

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rwBuffer struct {
	io.Reader
	out bytes.Buffer
}

func (b *rwBuffer) Write(p []byte) (int, error) { return b.out.Write(p) }

func newTestFramer(input string) (*Framer, *rwBuffer) {
	rw := &rwBuffer{Reader: strings.NewReader(input)}
	return NewFramer(rw), rw
}

// oneByteReader hands out a single byte per Read to exercise buffer refills.
type oneByteReader struct{ r io.Reader }

func (o *oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func TestReadLineTerminators(t *testing.T) {
	f, _ := newTestFramer("first\r\nsecond\nthird")

	line, err := f.ReadLine(100)
	require.NoError(t, err)
	assert.Equal(t, "first", string(line))

	line, err = f.ReadLine(100)
	require.NoError(t, err)
	assert.Equal(t, "second", string(line))

	_, err = f.ReadLine(100)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadLineCleanEOF(t *testing.T) {
	f, _ := newTestFramer("")
	_, err := f.ReadLine(100)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadLineTooLong(t *testing.T) {
	f, _ := newTestFramer(strings.Repeat("a", 64) + "\r\n")
	_, err := f.ReadLine(16)
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestReadLineGrowsBuffer(t *testing.T) {
	long := strings.Repeat("x", 3*InitialBufferSize)
	f := NewFramer(&rwBuffer{Reader: &oneByteReader{r: strings.NewReader(long + "\r\ntail\r\n")}})

	line, err := f.ReadLine(4 * InitialBufferSize)
	require.NoError(t, err)
	assert.Equal(t, long, string(line))

	line, err = f.ReadLine(100)
	require.NoError(t, err)
	assert.Equal(t, "tail", string(line))
}

func TestReadHeaderBlock(t *testing.T) {
	f, _ := newTestFramer("\r\nGET / HTTP/1.1\r\nHost: a.test\r\nAccept: */*\r\n\r\nbody")

	block, err := f.ReadHeaderBlock(0)
	require.NoError(t, err)
	require.Equal(t, 3, block.Len())
	assert.Equal(t, "GET / HTTP/1.1", string(block.StartLine()))
	assert.Equal(t, "Host: a.test", string(block.Line(1)))

	// body bytes pulled in with the header stay readable
	rest, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "body", string(rest))
}

func TestReadHeaderBlockErrors(t *testing.T) {
	t.Run("immediate EOF", func(t *testing.T) {
		f, _ := newTestFramer("")
		_, err := f.ReadHeaderBlock(0)
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("truncated block", func(t *testing.T) {
		f, _ := newTestFramer("GET / HTTP/1.1\r\nHost: a.test\r\n")
		_, err := f.ReadHeaderBlock(0)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("too large", func(t *testing.T) {
		input := "GET / HTTP/1.1\r\n" + strings.Repeat("X-Fill: 0123456789\r\n", 20) + "\r\n"
		f, _ := newTestFramer(input)
		_, err := f.ReadHeaderBlock(128)
		assert.ErrorIs(t, err, ErrHeaderTooLarge)
	})
}

func TestWriteHeaderBlockRoundTrip(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nX-A:  spaced \r\n\r\n"
	f, rw := newTestFramer(raw)

	block, err := f.ReadHeaderBlock(0)
	require.NoError(t, err)
	require.NoError(t, f.WriteHeaderBlock(block))

	assert.Equal(t, raw, rw.out.String())
	assert.Equal(t, len(raw), block.Size())
}

func TestWriteRequiresFlush(t *testing.T) {
	f, rw := newTestFramer("")
	_, err := f.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 0, rw.out.Len())
	require.NoError(t, f.Flush())
	assert.Equal(t, "abc", rw.out.String())
}

func TestHeaderBlockMutation(t *testing.T) {
	b := NewHeaderBlock("GET / HTTP/1.1", "Host: a.test", "Cookie: a=1", "cookie: b=2", "Accept: */*")

	assert.Equal(t, 2, b.Remove("COOKIE"))
	b.Add("X-Forwarded-Proto", "https")

	assert.Equal(t,
		"GET / HTTP/1.1\r\nHost: a.test\r\nAccept: */*\r\nX-Forwarded-Proto: https\r\n\r\n",
		b.String())
}
