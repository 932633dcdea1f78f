package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for surfacing decisions: what gets acked to
// the sender, what gets retried, and what closes the connection.
type Kind int

const (
	KindInternal Kind = iota // programmer error; logged, generic message surfaced
	KindValidation           // malformed or missing fields
	KindForbidden            // non-participant or non-owner action
	KindNotFound             // target entity missing
	KindTransient            // database timeout or serialization retry
	KindAuthFailed           // bad or expired token
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindAuthFailed:
		return "auth_failed"
	default:
		return "internal"
	}
}

// Error is a classified application error.
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

// E creates a new classified error.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Validation creates a validation error.
func Validation(msg string) *Error { return E(KindValidation, msg) }

// Forbidden creates a forbidden error.
func Forbidden(msg string) *Error { return E(KindForbidden, msg) }

// NotFound creates a not-found error.
func NotFound(msg string) *Error { return E(KindNotFound, msg) }

// Transient creates a retriable error.
func Transient(msg string, err error) *Error { return Wrap(KindTransient, msg, err) }

// AuthFailed creates an authentication error.
func AuthFailed(msg string) *Error { return E(KindAuthFailed, msg) }

// Internal wraps a programmer error.
func Internal(msg string, err error) *Error { return Wrap(KindInternal, msg, err) }

// KindOf extracts the Kind from an error chain.
// Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the client-safe message for an error.
// Internal errors are masked with a generic message.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Msg
	}
	return "internal server error"
}
