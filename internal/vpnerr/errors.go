// Package vpnerr defines the closed set of error kinds the control plane
// distinguishes, so handlers can branch on kind rather than sniffing
// strings. Each error may carry an underlying cause, which is included in
// its message text; errors.Is/errors.As match against the kind's sentinel,
// not against the cause (Unwrap returns the kind).
package vpnerr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Compare with errors.Is, or use As with *Error to recover
// the message/violation list.
var (
	ErrValidation          = errors.New("validation")
	ErrConflict            = errors.New("conflict")
	ErrNotFound            = errors.New("not found")
	ErrSubnetExhausted     = errors.New("subnet exhausted")
	ErrExternalToolMissing = errors.New("external tool missing")
	ErrExternalToolFailed  = errors.New("external tool failed")
	ErrPermission          = errors.New("permission")
)

// Error carries a kind, a human message, and an optional set of discrete
// violations (used by validation errors that must report every offending
// field, not just the first).
type Error struct {
	Kind       error
	Message    string
	Violations []string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Kind }

func (e *Error) Is(target error) bool { return errors.Is(e.Kind, target) }

func Validation(message string, violations ...string) *Error {
	return &Error{Kind: ErrValidation, Message: message, Violations: violations}
}

func Conflict(message string) *Error {
	return &Error{Kind: ErrConflict, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: ErrNotFound, Message: message}
}

func SubnetExhausted(message string) *Error {
	return &Error{Kind: ErrSubnetExhausted, Message: message}
}

func ExternalToolMissing(message string, cause error) *Error {
	return &Error{Kind: ErrExternalToolMissing, Message: message, Cause: cause}
}

func ExternalToolFailed(message string, cause error) *Error {
	return &Error{Kind: ErrExternalToolFailed, Message: message, Cause: cause}
}

func Permission(message string, cause error) *Error {
	return &Error{Kind: ErrPermission, Message: message, Cause: cause}
}

// HTTPStatus maps a kind to the status code handlers should respond with.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return 500
	}
	switch {
	case errors.Is(e.Kind, ErrValidation):
		return 400
	case errors.Is(e.Kind, ErrConflict):
		return 409
	case errors.Is(e.Kind, ErrNotFound):
		return 404
	case errors.Is(e.Kind, ErrSubnetExhausted):
		return 409
	case errors.Is(e.Kind, ErrExternalToolMissing), errors.Is(e.Kind, ErrExternalToolFailed):
		return 502
	case errors.Is(e.Kind, ErrPermission):
		return 403
	default:
		return 500
	}
}
