package relay

import (
	"bytes"
	"fmt"
	"strconv"
)

var crlf = []byte("\r\n")

func parseChunkSize(line []byte) (int64, error) {
	tok := line
	if i := bytes.IndexByte(tok, ';'); i >= 0 {
		tok = tok[:i]
	}
	tok = bytes.Trim(tok, " \t")
	size, err := strconv.ParseInt(string(tok), 16, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChunkSize, line)
	}
	return size, nil
}

// writeLine writes line followed by CRLF. A line read with a bare LF leaves
// with CRLF, the same as header lines.
func writeLine(dst Sink, line []byte) error {
	if _, err := dst.Write(line); err != nil {
		return err
	}
	_, err := dst.Write(crlf)
	return err
}

// Chunked relays a chunked body. Every size line is echoed as received, chunk
// data is copied exactly, and trailer lines after the zero chunk are relayed
// until the terminating blank line. Line terminators are always written as
// CRLF.
func Chunked(src Source, dst Sink, opts Options) (Outcome, error) {
	maxLine := opts.maxLine()
	for {
		line, err := src.ReadLine(maxLine)
		if err != nil {
			return Close, fmt.Errorf("reading chunk size: %w", err)
		}
		size, err := parseChunkSize(line)
		if err != nil {
			return Close, err
		}
		if err := writeLine(dst, line); err != nil {
			return Close, err
		}
		if size == 0 {
			break
		}
		if _, err := copyN(src, dst, size, opts); err != nil {
			return Close, fmt.Errorf("copying chunk data: %w", err)
		}
		end, err := src.ReadLine(maxLine)
		if err != nil {
			return Close, fmt.Errorf("reading chunk terminator: %w", err)
		}
		if len(end) != 0 {
			return Close, ErrMalformedChunk
		}
		if _, err := dst.Write(crlf); err != nil {
			return Close, err
		}
		if err := dst.Flush(); err != nil {
			return Close, err
		}
	}

	for {
		line, err := src.ReadLine(maxLine)
		if err != nil {
			return Close, fmt.Errorf("reading trailer: %w", err)
		}
		if err := writeLine(dst, line); err != nil {
			return Close, err
		}
		if len(line) == 0 {
			break
		}
	}
	if err := dst.Flush(); err != nil {
		return Close, err
	}
	return KeepAlive, nil
}
