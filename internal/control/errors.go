package control

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package wraps exactly one of
// these, so callers can branch with errors.Is.
var (
	ErrConnectionInvalid = errors.New("connection is not valid")
	ErrDomainInvalid     = errors.New("domain handle is not valid")
	ErrArgument          = errors.New("invalid argument")
	ErrCommand           = errors.New("command failed")
	ErrRegistration      = errors.New("event registration failed")
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrNoAgentResponse is returned when the guest agent produced no result
	// before the timeout expired. It is always reported as an ErrCommand.
	ErrNoAgentResponse = errors.New("no response from guest agent")
)

// Error describes a failed operation.
type Error struct {
	// Op is the operation that failed, e.g. "monitor-command".
	Op string
	// Domain is the domain name the operation targeted, if any.
	Domain string
	// Kind is one of the Err* sentinels above.
	Kind error
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Domain != "" {
		msg += " " + e.Domain
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op, domain string, kind, err error) *Error {
	return &Error{Op: op, Domain: domain, Kind: kind, Err: err}
}

func argumentErrorf(op, domain, format string, args ...any) *Error {
	return newError(op, domain, ErrArgument, fmt.Errorf(format, args...))
}
