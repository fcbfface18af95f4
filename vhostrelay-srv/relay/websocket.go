package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const opClose = 0x8

// frameHeader reads the base header, extended length and masking key of one
// frame into hdr and returns the header bytes, opcode and payload length.
func frameHeader(src io.Reader, hdr []byte) ([]byte, byte, uint64, error) {
	if _, err := io.ReadFull(src, hdr[:2]); err != nil {
		return nil, 0, 0, err
	}
	opcode := hdr[0] & 0x0f
	masked := hdr[1]&0x80 != 0
	length := uint64(hdr[1] & 0x7f)
	n := 2

	switch length {
	case 126:
		if _, err := io.ReadFull(src, hdr[n:n+2]); err != nil {
			return nil, 0, 0, err
		}
		length = uint64(binary.BigEndian.Uint16(hdr[n : n+2]))
		n += 2
	case 127:
		if _, err := io.ReadFull(src, hdr[n:n+8]); err != nil {
			return nil, 0, 0, err
		}
		length = binary.BigEndian.Uint64(hdr[n : n+8])
		if length>>63 != 0 {
			return nil, 0, 0, fmt.Errorf("websocket frame length %d out of range", length)
		}
		n += 8
	}
	if masked {
		if _, err := io.ReadFull(src, hdr[n:n+4]); err != nil {
			return nil, 0, 0, err
		}
		n += 4
	}
	return hdr[:n], opcode, length, nil
}

// WebSocketFrames relays whole frames one at a time. Header bytes, mask bit
// and masking key are forwarded as received and payloads stay masked. A close
// frame is relayed and then ends the relay with Close.
func WebSocketFrames(src Source, dst Sink, opts Options) (Outcome, error) {
	var hdr [14]byte
	for {
		header, opcode, length, err := frameHeader(src, hdr[:])
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Close, nil
			}
			return Close, fmt.Errorf("reading websocket frame header: %w", err)
		}
		if _, err := dst.Write(header); err != nil {
			return Close, err
		}
		if length == 0 {
			if err := dst.Flush(); err != nil {
				return Close, err
			}
		} else if _, err := copyN(src, dst, int64(length), opts); err != nil {
			return Close, fmt.Errorf("copying websocket payload: %w", err)
		}
		if opcode == opClose {
			return Close, nil
		}
	}
}

// Result is the outcome of one direction of a bidirectional relay.
type Result struct {
	Outcome Outcome
	Err     error
}

// Bidirectional relays frames a→b and b→a concurrently and returns the result
// of whichever direction finishes first. The other direction keeps running
// until the caller closes the underlying connections.
func Bidirectional(aSrc Source, aDst Sink, bSrc Source, bDst Sink, opts Options) Result {
	done := make(chan Result, 2)
	go func() {
		out, err := WebSocketFrames(aSrc, bDst, opts)
		done <- Result{Outcome: out, Err: err}
	}()
	go func() {
		out, err := WebSocketFrames(bSrc, aDst, opts)
		done <- Result{Outcome: out, Err: err}
	}()
	return <-done
}
