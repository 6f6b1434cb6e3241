package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportClosed is returned when operation is attempted on closed transport
	ErrTransportClosed = errors.New("transport closed")

	// ErrAlreadyListening is returned by a second Listen call
	ErrAlreadyListening = errors.New("already listening")

	// ErrNoAddress is returned when sending without a destination
	ErrNoAddress = errors.New("no destination address")
)

// TransportError ошибка транспортного уровня
type TransportError struct {
	Operation string
	Err       error
	Temporary bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("udp %s: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// isTemporary checks if error is temporary and operation can be retried
func isTemporary(err error) bool {
	if err == nil {
		return false
	}
	if netErr, ok := err.(interface{ Timeout() bool }); ok {
		return netErr.Timeout()
	}
	return false
}
