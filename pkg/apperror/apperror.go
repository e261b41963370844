// Package apperror provides the error taxonomy shared by the workflow engines and the HTTP layer.
package apperror

import (
	"errors"
	"fmt"
)

// Kind categorises an error for transport mapping
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindValidation     Kind = "validation"
	KindConflict       Kind = "conflict"
	KindInternal       Kind = "internal"
)

// Error is a classified workflow error
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error { return e.Cause }

// Is matches errors of the same kind and code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Authentication reports a missing, invalid or expired credential
func Authentication(code, message string) *Error {
	return newError(KindAuthentication, code, message)
}

// Authorization reports a role or ownership mismatch
func Authorization(code, message string) *Error {
	return newError(KindAuthorization, code, message)
}

// NotFound reports a missing referenced record
func NotFound(code, message string) *Error {
	return newError(KindNotFound, code, message)
}

// Validation reports malformed input
func Validation(code, message string) *Error {
	return newError(KindValidation, code, message)
}

// Conflict reports a uniqueness or state conflict
func Conflict(code, message string) *Error {
	return newError(KindConflict, code, message)
}

// Internal wraps an unexpected failure
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Code: "internal", Message: message, Cause: cause}
}

// KindOf returns the kind of err, KindInternal for unclassified errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the client-safe message for err
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal server error"
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
