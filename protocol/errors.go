package protocol

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// Error kinds. Every error produced by this module is a *Error whose Kind is
// one of these, so callers can branch with errors.Is(err, protocol.ErrTransport).
var (
	ErrTransport         = errors.New("transport failure")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrArgument          = errors.New("invalid argument")
	ErrLength            = errors.New("length out of range")
	ErrLoginRefused      = errors.New("login refused")
	ErrUnexpectedValue   = errors.New("unexpected value")
)

// Error carries the structured details of a failure.
type Error struct {
	// Kind is one of the Err* sentinels above.
	Kind error

	// Op names the operation that failed, e.g. "read word".
	Op string

	// Transferred is the number of bytes of a word, or of a queued sentence
	// when a Communicator writes one out, that were read or written before the
	// failure. Zero means nothing made it across.
	Transferred int64

	// Fragment holds the transferred bytes when they were buffered. Words sent
	// from a stream only report Transferred.
	Fragment []byte

	// Value is the offending value, e.g. the unsupported control byte.
	Value interface{}

	// Err is the underlying cause, if any.
	Err error
}

func newError(kind error, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.Error()

	if e.Value != nil {
		msg += fmt.Sprintf(" (%v)", e.Value)
	}

	if e.Transferred > 0 {
		msg += fmt.Sprintf(" after %d bytes", e.Transferred)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err was caused by an expired read or write deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// NewArgumentError returns an ErrArgument error for op.
func NewArgumentError(op string, value interface{}, cause error) error {
	return &Error{Kind: ErrArgument, Op: op, Value: value, Err: cause}
}

// NewTransportError returns an ErrTransport error for op.
func NewTransportError(op string, cause error) error {
	return newError(ErrTransport, op, cause)
}
