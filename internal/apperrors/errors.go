// Package apperrors provides structured errors for task validation and
// backend bookkeeping. Resource manager failures are classified separately
// by package drm; an *Error wrapping one still answers to drm's sentinels.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")
)

// Error is an adapter error with the context needed to log or report it.
type Error struct {
	Sentinel error  // One of the Err* values above
	Message  string // Human-readable message
	Field    string // Validation errors: the offending task field ("uid", "scriptPath")
	Resource string // Conflicts: what collided ("job", "container")
	ID       string // Conflicts: the colliding identifier
	Op       string // Internal errors: the failed call ("docker.containerCreate")
	Cause    error  // Underlying error, if any
}

func (e *Error) Error() string {
	if e.Field != "" {
		return e.Field + ": " + e.Message
	}
	return e.Message
}

// Unwrap exposes both the sentinel and the cause, so errors.Is matches the
// sentinel and errors.As can still reach a typed cause.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation reports an invalid task field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// Conflict reports an identifier that is already in use.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  fmt.Sprintf("%s %s: %s", resource, id, reason),
		Resource: resource,
		ID:       id,
	}
}

// Internal wraps a failed call to an external system.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
