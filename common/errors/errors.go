// Package errors defines the error kinds raised by the winder driver.
//
// Callers branch on the kind rather than on message text: bounds errors are
// recoverable (the step was rejected before touching hardware), protocol and
// transport errors are fatal for the running sequence, and state errors mark
// misuse of the connection lifecycle.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind is the category of a winder error.
type Kind string

const (
	KindBounds    Kind = "BOUNDS"
	KindProtocol  Kind = "PROTOCOL"
	KindTransport Kind = "TRANSPORT"
	KindState     Kind = "STATE"
)

var (
	// ErrNotAcknowledged is wrapped by every protocol error raised when the
	// acknowledgment budget runs out.
	ErrNotAcknowledged = stderrors.New("operation not acknowledged")

	// ErrAlreadyOpen is wrapped when a port is opened twice.
	ErrAlreadyOpen = stderrors.New("device connection already open")

	// ErrClosed is wrapped when I/O is attempted on a closed channel.
	ErrClosed = stderrors.New("device connection closed")
)

// Error is the error type for the winder.
type Error struct {
	// Kind is the error category
	Kind Kind

	// Op names the operation that failed, e.g. "move_to" or "send"
	Op string

	// Msg is a human-readable description
	Msg string

	// Err wraps the underlying error
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("[%s:%s] %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Bounds reports a position, rotation, feed rate or derived distance outside
// the configured machine limits.
func Bounds(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindBounds, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Protocol reports a command that was never acknowledged.
func Protocol(op, command string) *Error {
	return &Error{Kind: KindProtocol, Op: op, Msg: fmt.Sprintf("command %q", command), Err: ErrNotAcknowledged}
}

// Transport wraps an I/O failure on the underlying connection.
func Transport(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// State reports misuse of the connection or controller lifecycle.
func State(op string, err error) *Error {
	return &Error{Kind: KindState, Op: op, Err: err}
}

// Statef is State with a formatted message instead of a wrapped error.
func Statef(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindState, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsBounds(err error) bool    { return KindOf(err) == KindBounds }
func IsProtocol(err error) bool  { return KindOf(err) == KindProtocol }
func IsTransport(err error) bool { return KindOf(err) == KindTransport }
func IsState(err error) bool     { return KindOf(err) == KindState }

// Fatal reports whether err leaves the physical machine position uncertain
// or the connection unusable.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindProtocol, KindTransport:
		return true
	}
	return false
}
