package omni

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a delivery failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransientSink is a failed write or connect; a retry may succeed.
	KindTransientSink
	// KindCapacityExceeded means a queue or buffer bound was hit and the
	// message was dropped and counted.
	KindCapacityExceeded
	// KindRotation is a failed rotation step. Writes continue on the
	// current or reopened file.
	KindRotation
	// KindFormatter means the formatter failed and the record was rendered
	// with the fallback formatter instead.
	KindFormatter
	// KindFatalConfiguration is returned from constructors only.
	KindFatalConfiguration
	// KindCircuitOpen means a circuit breaker rejected the call.
	KindCircuitOpen
)

// String returns the kind name used in reports and metrics.
func (k Kind) String() string {
	switch k {
	case KindTransientSink:
		return "transient_sink"
	case KindCapacityExceeded:
		return "capacity_exceeded"
	case KindRotation:
		return "rotation"
	case KindFormatter:
		return "formatter"
	case KindFatalConfiguration:
		return "fatal_configuration"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Common errors that can be compared with errors.Is()
var (
	// ErrClosed is returned when emitting to a closed handler
	ErrClosed = errors.New("handler is closed")

	// ErrQueueFull is returned when the async queue has no room for a message
	ErrQueueFull = errors.New("queue is full")

	// ErrInvalidConfig is wrapped by every construction error
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrShutdownTimeout is returned when workers did not stop in time
	ErrShutdownTimeout = errors.New("shutdown timeout")

	// ErrFlushTimeout is returned when an async flush was not serviced in time
	ErrFlushTimeout = errors.New("flush timeout")

	// ErrSinkFailing is returned by async Emit while the last write failed.
	// The record stays queued and is still counted as processed or dropped.
	ErrSinkFailing = errors.New("sink is failing")
)

// Error is a classified failure returned from Emit, Flush and the constructors.
type Error struct {
	Kind      Kind
	Op        string // operation that failed, e.g. "emit", "flush", "config"
	Component string // handler or route name
	Err       error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s: %s %s: %v", e.Component, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so callers can test
// errors.Is(err, &omni.Error{Kind: omni.KindCapacityExceeded}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewError creates a classified error.
func NewError(kind Kind, op, component string, err error) *Error {
	return &Error{Kind: kind, Op: op, Component: component, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func configError(format string, args ...interface{}) error {
	return NewError(KindFatalConfiguration, "config", "", errors.Wrapf(ErrInvalidConfig, format, args...))
}
