package httpwire

import "errors"

var (
	// ErrMalformedMessage is returned for start lines that cannot be split into
	// their tokens or carry a non-numeric status code.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrMalformedHeader is returned for a header field line without a colon.
	ErrMalformedHeader = errors.New("malformed header field")
	// ErrLineTooLong is returned when no line terminator is found within the
	// requested bound.
	ErrLineTooLong = errors.New("line too long")
	// ErrHeaderTooLarge is returned when a header block exceeds its size bound.
	ErrHeaderTooLarge = errors.New("header block too large")
)
