package proxy

import (
	"errors"
	"fmt"
	"strings"
)

// Error represents a relay error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// newError creates an Error carrying the registered description of code.
func newError(code string, cause error) *Error {
	return NewProxyError(code, GetErrorDescription(code), cause)
}

// Relay Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeNoEnabledServers     = "E1001"
	ErrCodeMissingCA            = "E1002"
	ErrCodeUnknownServerType    = "E1003"
	ErrCodeListenerCreateFailed = "E1004"
	ErrCodeMissingRouter        = "E1005"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeConnectionTimeout     = "E2001"
	ErrCodeConnectionClosed      = "E2002"
	ErrCodeDialFailed            = "E2003"
	ErrCodeUpstreamConnectFailed = "E2004"
	ErrCodeUpstreamClosed        = "E2005"

	// TLS and Certificate Errors (E3000-E3999)
	ErrCodeTLSHandshakeFailed = "E3001"
	ErrCodeTLSUpstreamFailed  = "E3002"

	// HTTP Framing Errors (E4000-E4999)
	ErrCodeHTTPRequestReadFailed   = "E4001"
	ErrCodeHTTPResponseReadFailed  = "E4002"
	ErrCodeHTTPRequestWriteFailed  = "E4003"
	ErrCodeHTTPResponseWriteFailed = "E4004"
	ErrCodeHTTPRequestBodyFailed   = "E4005"
	ErrCodeHTTPResponseBodyFailed  = "E4006"
	ErrCodeMalformedRequest        = "E4007"
	ErrCodeMalformedResponse       = "E4008"
	ErrCodeHeaderTooLarge          = "E4009"

	// WebSocket Errors (E5000-E5999)
	ErrCodeWebSocketUnexpectedUpgrade = "E5001"
	ErrCodeWebSocketRelayFailed       = "E5002"

	// Forward Chain Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed    = "E6001"
	ErrCodeSOCKS5ConnectFailed   = "E6002"
	ErrCodeHTTPProxyDialFailed   = "E6003"
	ErrCodeCONNECTRequestFailed  = "E6004"
	ErrCodeCONNECTResponseFailed = "E6005"
	ErrCodeProxyDenied           = "E6006"
	ErrCodeUnknownForwardType    = "E6007"

	// Routing Errors (E7000-E7999)
	ErrCodeUndefinedVirtualHost = "E7001"
	ErrCodeNoMatchingPath       = "E7002"
	ErrCodeHostExcluded         = "E7003"
	ErrCodeUpstreamMismatch     = "E7004"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeNoEnabledServers:     "No enabled relay servers configured",
	ErrCodeMissingCA:            "TLS listener configured without a certificate authority",
	ErrCodeUnknownServerType:    "Unknown or unsupported server type",
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeMissingRouter:        "No virtual host router configured",

	ErrCodeConnectionTimeout:     "Read timed out",
	ErrCodeConnectionClosed:      "Connection closed unexpectedly",
	ErrCodeDialFailed:            "Failed to dial target address",
	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream server",
	ErrCodeUpstreamClosed:        "Upstream closed the connection before responding",

	ErrCodeTLSHandshakeFailed: "TLS handshake with client failed",
	ErrCodeTLSUpstreamFailed:  "TLS handshake with upstream server failed",

	ErrCodeHTTPRequestReadFailed:   "Failed to read HTTP request",
	ErrCodeHTTPResponseReadFailed:  "Failed to read HTTP response",
	ErrCodeHTTPRequestWriteFailed:  "Failed to write HTTP request",
	ErrCodeHTTPResponseWriteFailed: "Failed to write HTTP response",
	ErrCodeHTTPRequestBodyFailed:   "Failed to relay HTTP request body",
	ErrCodeHTTPResponseBodyFailed:  "Failed to relay HTTP response body",
	ErrCodeMalformedRequest:        "Malformed HTTP request",
	ErrCodeMalformedResponse:       "Malformed HTTP response",
	ErrCodeHeaderTooLarge:          "Header block or line exceeds limit",

	ErrCodeWebSocketUnexpectedUpgrade: "Upstream switched to WebSocket without an upgrade request",
	ErrCodeWebSocketRelayFailed:       "WebSocket frame relay failed",

	ErrCodeSOCKS5DialerFailed:    "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed:   "SOCKS5 connection failed",
	ErrCodeHTTPProxyDialFailed:   "Failed to dial HTTP proxy server",
	ErrCodeCONNECTRequestFailed:  "Failed to send CONNECT request",
	ErrCodeCONNECTResponseFailed: "Failed to read CONNECT response",
	ErrCodeProxyDenied:           "Proxy request denied",
	ErrCodeUnknownForwardType:    "Unknown forward type",

	ErrCodeUndefinedVirtualHost: "No virtual host defined for request host",
	ErrCodeNoMatchingPath:       "No virtual path matches request path",
	ErrCodeHostExcluded:         "Host excluded from relaying",
	ErrCodeUpstreamMismatch:     "Request routed to a different upstream than the session's",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code
	}
	return ""
}

func hasFamily(err error, family string) bool {
	return strings.HasPrefix(CodeOf(err), family)
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	return hasFamily(err, "E2")
}

// IsTLSError checks if the error is TLS-related
func IsTLSError(err error) bool {
	return hasFamily(err, "E3")
}

// IsHTTPError checks if the error is HTTP framing related
func IsHTTPError(err error) bool {
	return hasFamily(err, "E4")
}

// IsWebSocketError checks if the error is WebSocket-related
func IsWebSocketError(err error) bool {
	return hasFamily(err, "E5")
}

// IsProxyChainError checks if the error is forward chain related
func IsProxyChainError(err error) bool {
	return hasFamily(err, "E6")
}

// IsRoutingError checks if the error is a routing failure
func IsRoutingError(err error) bool {
	return hasFamily(err, "E7")
}
