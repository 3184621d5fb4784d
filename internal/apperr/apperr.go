// Package apperr defines the coded error taxonomy shared by the workflow
// services and the transport layer.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers and for HTTP status mapping.
type Code string

const (
	// CodeConfiguration means no approval chain is configured for the request;
	// fatal to request creation and surfaced to the caller.
	CodeConfiguration Code = "configuration"
	// CodeNotFound means an unknown request, step or department was referenced.
	CodeNotFound Code = "not_found"
	// CodeInvalidInput means the caller supplied a malformed or out-of-range value.
	CodeInvalidInput Code = "invalid_input"
	// CodeInvalidState means an action was attempted on a step or request that
	// is not in a state that permits it. Not retryable.
	CodeInvalidState Code = "invalid_state"
	// CodeConflict means a concurrent actor won the race on the same state.
	// Retryable against refreshed state.
	CodeConflict Code = "conflict"
	// CodeUnauthorized means the actor is not permitted to act.
	CodeUnauthorized Code = "unauthorized"
	// CodeInternal is the fallback for infrastructure failures.
	CodeInternal Code = "internal"
)

// Error is a coded error, optionally wrapping a cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error with no cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error from a format string.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code Code, message string) error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource by type and identifier.
func NotFound(resource, id string) error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, message string) error {
	return &Error{Code: CodeInvalidInput, Message: fmt.Sprintf("%s: %s", field, message)}
}

// CodeOf extracts the code from an error chain, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
