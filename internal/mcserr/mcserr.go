// Package mcserr defines the neutral error taxonomy shared by both engine
// cores so that command handlers, the workflow engine and the resource
// manager all surface failures the same way.
package mcserr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure independently of which subsystem raised it.
type Kind string

const (
	InvalidArgument   Kind = "InvalidArgument"
	NotFound          Kind = "NotFound"
	Conflict          Kind = "Conflict"
	Timeout           Kind = "Timeout"
	Cancelled         Kind = "Cancelled"
	CapacityExceeded  Kind = "CapacityExceeded"
	PersistenceFailed Kind = "PersistenceFailed"
	ProtocolError     Kind = "ProtocolError"
	Internal          Kind = "Internal"
)

// Error wraps an underlying cause with a Kind, so callers can branch on
// classification without string-matching messages.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a bare *Error carrying only a kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds a bare *Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err is an *Error of the given kind, unwrapping as
// errors.As would.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Internal for plain errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return Internal
}
