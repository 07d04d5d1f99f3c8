// Package errkind defines the error taxonomy shared by every federation
// component. Callers classify failures by kind, not by transport code.
package errkind

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind string

const (
	InvalidInput      Kind = "invalid_input"
	InvalidID         Kind = "invalid_id"
	Forbidden         Kind = "forbidden"
	IllegalTransition Kind = "illegal_transition"
	Conflict          Kind = "conflict"
	StaleReviews      Kind = "stale_reviews"
	ServerUnavailable Kind = "server_unavailable"
	Duplicate         Kind = "duplicate"
	NotFound          Kind = "not_found"
	Transient         Kind = "transient"
	Fatal             Kind = "fatal"
)

// Error is a kinded error. Wrap preserves the underlying cause for errors.Is.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error with a formatted message.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error. Returns nil if err is nil.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors report
// Fatal: an error that escaped classification is an invariant violation.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fatal
}

// Is reports whether any error in the chain carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Kind == kind {
			return true
		}
		err = e.Err
		if err == nil {
			break
		}
	}
	return false
}

// Retryable reports whether the caller may retry the operation with backoff.
func Retryable(err error) bool {
	return Is(err, Transient)
}
