package transport

import (
	"errors"
	"fmt"
)

var ErrUnknownChannel = errors.New("transport: unknown channel")

// TransportError is a socket-level failure on one channel. Whether it is
// retried depends on the wrapped cause.
type TransportError struct {
	ChannelID string
	Op        string // dial, read, write
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.ChannelID, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
