package httpwire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Framing is the body delimitation strategy of a message.
type Framing int

const (
	FramingNone Framing = iota
	FramingContentLength
	FramingChunked
	FramingWebSocket
	FramingUntilClose
)

func (f Framing) String() string {
	switch f {
	case FramingNone:
		return "none"
	case FramingContentLength:
		return "content-length"
	case FramingChunked:
		return "chunked"
	case FramingWebSocket:
		return "websocket"
	case FramingUntilClose:
		return "until-close"
	default:
		return "unknown"
	}
}

// Field is one parsed header field. The value has surrounding spaces and tabs
// removed; the name is kept as sent.
type Field struct {
	Name  string
	Value string
}

// Message holds the fields shared by requests and responses.
type Message struct {
	Block   *HeaderBlock
	Version string
	Fields  []Field

	// ContentLength is -1 when absent or unparseable.
	ContentLength int64
	Framing       Framing
}

// Get returns the first value of the named field.
func (m *Message) Get(name string) (string, bool) {
	for _, f := range m.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Values returns every value of the named field in wire order.
func (m *Message) Values(name string) []string {
	var out []string
	for _, f := range m.Fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// HasToken reports whether any value of the named comma separated field
// contains token, compared case-insensitively.
func (m *Message) HasToken(name, token string) bool {
	for _, v := range m.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// Host returns the Host field value.
func (m *Message) Host() string {
	v, _ := m.Get("Host")
	return v
}

// KeepAlive reports whether the sender intends the connection to persist.
// HTTP/1.1 persists unless "Connection: close" is present; older versions
// persist only with "Connection: keep-alive".
func (m *Message) KeepAlive() bool {
	if m.HasToken("Connection", "close") {
		return false
	}
	if m.Version == "HTTP/1.1" {
		return true
	}
	return m.HasToken("Connection", "keep-alive")
}

// IsWebSocketUpgrade reports a "Connection: upgrade" plus "Upgrade: websocket" pair.
func (m *Message) IsWebSocketUpgrade() bool {
	if !m.HasToken("Connection", "upgrade") {
		return false
	}
	for _, v := range m.Values("Upgrade") {
		if strings.Contains(strings.ToLower(v), "websocket") {
			return true
		}
	}
	return false
}

func (m *Message) chunked() bool {
	for _, v := range m.Values("Transfer-Encoding") {
		if strings.Contains(strings.ToLower(v), "chunked") {
			return true
		}
	}
	return false
}

// Request is a parsed view over a request header block.
type Request struct {
	Message
	Method string
	Target string
}

// Response is a parsed view over a response header block.
type Response struct {
	Message
	Status    int
	Reason    string
	HasReason bool
}

// ParseRequestLine splits a request line at its first two spaces. Everything
// after the second space is the version.
func ParseRequestLine(line []byte) (method, target, version string, err error) {
	i := bytes.IndexByte(line, ' ')
	if i <= 0 {
		return "", "", "", fmt.Errorf("%w: request line %q", ErrMalformedMessage, line)
	}
	j := bytes.IndexByte(line[i+1:], ' ')
	if j < 0 {
		return "", "", "", fmt.Errorf("%w: request line %q", ErrMalformedMessage, line)
	}
	j += i + 1
	return string(line[:i]), string(line[i+1 : j]), string(line[j+1:]), nil
}

// ParseStatusLine splits a status line into version, numeric status and the
// optional reason phrase.
func ParseStatusLine(line []byte) (version string, status int, reason string, hasReason bool, err error) {
	i := bytes.IndexByte(line, ' ')
	if i <= 0 {
		return "", 0, "", false, fmt.Errorf("%w: status line %q", ErrMalformedMessage, line)
	}
	rest := line[i+1:]
	code := rest
	if j := bytes.IndexByte(rest, ' '); j >= 0 {
		code = rest[:j]
		reason = string(rest[j+1:])
		hasReason = true
	}
	if len(code) == 0 {
		return "", 0, "", false, fmt.Errorf("%w: status line %q", ErrMalformedMessage, line)
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return "", 0, "", false, fmt.Errorf("%w: status code %q", ErrMalformedMessage, code)
		}
	}
	status, err = strconv.Atoi(string(code))
	if err != nil {
		return "", 0, "", false, fmt.Errorf("%w: status code %q", ErrMalformedMessage, code)
	}
	return string(line[:i]), status, reason, hasReason, nil
}

// ParseFields splits each line at its first colon.
func ParseFields(lines []RawLine) ([]Field, error) {
	fields := make([]Field, 0, len(lines))
	for _, l := range lines {
		i := bytes.IndexByte(l, ':')
		if i < 0 {
			return nil, fmt.Errorf("%w: %q", ErrMalformedHeader, l)
		}
		fields = append(fields, Field{
			Name:  string(l[:i]),
			Value: string(bytes.Trim(l[i+1:], " \t")),
		})
	}
	return fields, nil
}

func parseContentLength(m *Message) int64 {
	v, ok := m.Get("Content-Length")
	if !ok {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// ParseRequest parses a request block and classifies its body framing.
func ParseRequest(b *HeaderBlock) (*Request, error) {
	if b == nil || b.Len() == 0 {
		return nil, fmt.Errorf("%w: empty header block", ErrMalformedMessage)
	}
	method, target, version, err := ParseRequestLine(b.StartLine())
	if err != nil {
		return nil, err
	}
	fields, err := ParseFields(b.FieldLines())
	if err != nil {
		return nil, err
	}
	req := &Request{
		Message: Message{Block: b, Version: version, Fields: fields},
		Method:  method,
		Target:  target,
	}
	req.ContentLength = parseContentLength(&req.Message)
	req.Framing = ClassifyRequest(req)
	return req, nil
}

// ParseResponse parses a response block. requestMethod is the method of the
// request being answered; responses to HEAD never carry a body.
func ParseResponse(b *HeaderBlock, requestMethod string) (*Response, error) {
	if b == nil || b.Len() == 0 {
		return nil, fmt.Errorf("%w: empty header block", ErrMalformedMessage)
	}
	version, status, reason, hasReason, err := ParseStatusLine(b.StartLine())
	if err != nil {
		return nil, err
	}
	fields, err := ParseFields(b.FieldLines())
	if err != nil {
		return nil, err
	}
	resp := &Response{
		Message:   Message{Block: b, Version: version, Fields: fields},
		Status:    status,
		Reason:    reason,
		HasReason: hasReason,
	}
	resp.ContentLength = parseContentLength(&resp.Message)
	resp.Framing = ClassifyResponse(resp, requestMethod)
	return resp, nil
}

// ClassifyRequest picks the body framing of a request. A WebSocket upgrade
// request is tagged FramingWebSocket; its frames only flow once the upstream
// answers 101.
func ClassifyRequest(r *Request) Framing {
	switch {
	case r.IsWebSocketUpgrade():
		return FramingWebSocket
	case r.chunked():
		return FramingChunked
	case r.ContentLength >= 0:
		return FramingContentLength
	}
	return FramingNone
}

// ClassifyResponse picks the body framing of a response. Any 101 switches
// the connection to frames, whatever its Connection field says.
func ClassifyResponse(r *Response, requestMethod string) Framing {
	switch {
	case r.Status == 101:
		return FramingWebSocket
	case r.Status >= 100 && r.Status < 200, r.Status == 204, r.Status == 304:
		return FramingNone
	case strings.EqualFold(requestMethod, "HEAD"):
		return FramingNone
	case r.chunked():
		return FramingChunked
	case r.ContentLength >= 0:
		return FramingContentLength
	case r.KeepAlive():
		return FramingNone
	}
	return FramingUntilClose
}
