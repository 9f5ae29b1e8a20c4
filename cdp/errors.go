package cdp

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed is returned for every command and wait that was
// outstanding when the connection to the browser went away.
var ErrConnectionClosed = errors.New("connection closed")

// ErrSessionClosed is returned for commands outstanding on a session that
// got detached. It also matches ErrConnectionClosed.
var ErrSessionClosed = fmt.Errorf("%w: session detached", ErrConnectionClosed)

// ProtocolError is an error response returned by the browser for a command.
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Method, e.Message, e.Code)
}
