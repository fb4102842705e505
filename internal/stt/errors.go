package stt

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosedConnection is returned by writes on a connection that is not open.
var ErrClosedConnection = errors.New("stt: connection is not open")

// InvalidConfigError rejects a session configuration before any network I/O.
type InvalidConfigError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("stt: invalid config: %s %s", e.Field, e.Reason)
}

// HandshakeTimeoutError means the service did not send session.created in time.
type HandshakeTimeoutError struct {
	Timeout time.Duration
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("stt: no session.created within %v", e.Timeout)
}

// ApplicationError is an error event reported by the service.
type ApplicationError struct {
	Code    int
	Message string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("stt: service error %d: %s", e.Code, e.Message)
}

// TransportError wraps a socket-level failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stt: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError describes why a known message type failed validation.
type DecodeError struct {
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return "stt: decode: " + e.Reason
	}
	return fmt.Sprintf("stt: decode: %s %s", e.Field, e.Reason)
}
