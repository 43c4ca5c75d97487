package relay

import (
	"errors"
	"fmt"
)

// Kind classifies a relay failure. Kinds are stable strings surfaced in the
// command result envelope and mapped to HTTP status codes at the API layer.
type Kind string

const (
	KindUnknownAction        Kind = "UNKNOWN_ACTION"
	KindInvalidArgument      Kind = "INVALID_ARGUMENT"
	KindSessionNotFound      Kind = "SESSION_NOT_FOUND"
	KindSessionAlreadyExists Kind = "SESSION_ALREADY_EXISTS"
	KindElementNotFound      Kind = "ELEMENT_NOT_FOUND"
	KindTimeout              Kind = "TIMEOUT"
	KindNavigationFailed     Kind = "NAVIGATION_FAILED"
	KindSessionClosed        Kind = "SESSION_CLOSED"
	KindSurfaceFailure       Kind = "EXECUTION_SURFACE_ERROR"
)

// Error carries a failure kind alongside the usual wrapped error chain.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a relay error with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the failure kind from an error chain. Errors that carry no
// relay kind classify as execution surface failures: the only unclassified
// errors reaching the router boundary come from the underlying binding.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindSurfaceFailure
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == kind
}
