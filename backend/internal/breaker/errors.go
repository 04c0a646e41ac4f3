package breaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// CircuitOpenError is returned while the guard rejects calls. Callers should
// defer the work instead of retrying immediately.
type CircuitOpenError struct {
	EndpointID string
	RetryAfter time.Duration
	LastErr    error
}

func (e *CircuitOpenError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("breaker: circuit open for %s (retry after %s): %v", e.EndpointID, e.RetryAfter, e.LastErr)
	}
	return fmt.Sprintf("breaker: circuit open for %s (retry after %s)", e.EndpointID, e.RetryAfter)
}

func (e *CircuitOpenError) Unwrap() error { return e.LastErr }

// StatusError carries an HTTP-equivalent status from a failed call, e.g. a
// rejected WebSocket handshake.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("status %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("status %d", e.Code)
}

func (e *StatusError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is transient: network failures, timeouts,
// 5xx and 429. Everything else propagates without retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	var open *CircuitOpenError
	if errors.As(err, &open) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= http.StatusInternalServerError || se.Code == http.StatusTooManyRequests
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
