package httpwire

import (
	"bytes"
	"strings"
)

// RawLine is one line of a header block without its terminator.
// It is never modified once handed to the parser.
type RawLine []byte

// Name returns the field name of a header line, or nil for lines without a colon.
func (l RawLine) Name() []byte {
	i := bytes.IndexByte(l, ':')
	if i < 0 {
		return nil
	}
	return l[:i]
}

// HeaderBlock is the ordered list of lines of one message head. Line 0 is the
// request or status line; the remaining lines are header fields in wire order,
// duplicates included.
type HeaderBlock struct {
	lines []RawLine
}

// NewHeaderBlock builds a block from a start line and raw "Name: value" lines.
func NewHeaderBlock(startLine string, fieldLines ...string) *HeaderBlock {
	b := &HeaderBlock{lines: make([]RawLine, 0, len(fieldLines)+1)}
	b.lines = append(b.lines, RawLine(startLine))
	for _, l := range fieldLines {
		b.lines = append(b.lines, RawLine(l))
	}
	return b
}

// Len returns the number of lines including the start line.
func (b *HeaderBlock) Len() int {
	return len(b.lines)
}

// Line returns line i.
func (b *HeaderBlock) Line(i int) RawLine {
	return b.lines[i]
}

// StartLine returns line 0, or nil for an empty block.
func (b *HeaderBlock) StartLine() RawLine {
	if len(b.lines) == 0 {
		return nil
	}
	return b.lines[0]
}

// FieldLines returns the header field lines (everything after the start line).
func (b *HeaderBlock) FieldLines() []RawLine {
	if len(b.lines) < 2 {
		return nil
	}
	return b.lines[1:]
}

// Size returns the number of bytes the block occupies on the wire,
// including every CRLF and the terminating blank line.
func (b *HeaderBlock) Size() int {
	n := 2
	for _, l := range b.lines {
		n += len(l) + 2
	}
	return n
}

// Add appends a "name: value" line after the existing fields.
func (b *HeaderBlock) Add(name, value string) {
	line := make([]byte, 0, len(name)+len(value)+2)
	line = append(line, name...)
	line = append(line, ':', ' ')
	line = append(line, value...)
	b.lines = append(b.lines, line)
}

// Remove deletes every field line whose name matches name case-insensitively
// and returns how many lines were removed. The start line is never touched.
func (b *HeaderBlock) Remove(name string) int {
	if len(b.lines) == 0 {
		return 0
	}
	kept := b.lines[:1]
	removed := 0
	for _, l := range b.lines[1:] {
		if n := l.Name(); n != nil && strings.EqualFold(string(n), name) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	b.lines = kept
	return removed
}

// Bytes renders the block as it is written on the wire.
func (b *HeaderBlock) Bytes() []byte {
	out := make([]byte, 0, b.Size())
	for _, l := range b.lines {
		out = append(out, l...)
		out = append(out, '\r', '\n')
	}
	return append(out, '\r', '\n')
}

func (b *HeaderBlock) String() string {
	return string(b.Bytes())
}
