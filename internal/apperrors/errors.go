// Package apperrors provides structured application errors with HTTP status
// mapping. Denials carry a numeric code that clients may switch on. The
// remaining fields are for operators.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("permission denied")
	ErrTooLarge   = errors.New("request too large")
	ErrInternal   = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "path", "job_key")
	Resource string // For not found/conflict (e.g., "job", "dataset")
	Code     int    // Stable machine-readable code returned to clients (e.g., 403002)
	Op       string // Operation that failed (e.g., "jobstore.getJob")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// TooLarge reports a request body over limit bytes.
func TooLarge(limit int64) error {
	return &Error{
		Sentinel: ErrTooLarge,
		Message:  fmt.Sprintf("request body exceeds %d bytes", limit),
		Field:    "body",
	}
}

// Forbidden creates a permission error carrying a client-facing code. The
// message is the same for every code.
func Forbidden(code int) error {
	return &Error{
		Sentinel: ErrForbidden,
		Message:  "permission denied",
		Code:     code,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Code returns the client-facing code attached to err, or 0 if none.
func Code(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return 0
}
