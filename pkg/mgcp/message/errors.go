package message

import "errors"

var (
	// Parser errors
	ErrInvalidMessage     = errors.New("invalid MGCP message")
	ErrInvalidRequestLine = errors.New("invalid request line")
	ErrInvalidStatusLine  = errors.New("invalid response line")
	ErrMissingIdentifier  = errors.New("missing or invalid transaction identifier")
	ErrMissingEndpoint    = errors.New("missing endpoint name")
	ErrInvalidVersion     = errors.New("invalid MGCP version")
	ErrInvalidStatusCode  = errors.New("invalid result code")

	// Size errors
	ErrMessageTooLarge = errors.New("message too large")
	ErrTooManyHeaders  = errors.New("too many headers")
)
