package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrRateLimited        = "RATE_LIMITED"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Resolution-specific error codes.
const (
	ErrFetchFailed      = "FETCH_FAILED"
	ErrStageNotFound    = "STAGE_NOT_FOUND"
	ErrRequestCancelled = "REQUEST_CANCELLED"
)

// ErrorEnvelope is the standard error type returned by every layer of the
// service. It implements the error interface and optionally wraps a cause.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details ...FieldError) *ErrorEnvelope {
	msg := "One or more fields are invalid"
	if len(details) == 1 {
		msg = details[0].Message
	}
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: msg,
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError(cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The platform is temporarily unavailable",
		cause:   cause,
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The platform did not respond in time",
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRateLimited,
		Message: "Rate limit exceeded. Please try again later.",
	}
}

// NewFetchFailedError returns a FETCH_FAILED error wrapping the underlying cause.
func NewFetchFailedError(msg string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrFetchFailed, Message: msg, cause: cause}
}

// NewStageNotFoundError returns a STAGE_NOT_FOUND error for the given BPF entity.
func NewStageNotFoundError(entityName string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStageNotFound,
		Message: fmt.Sprintf("stages for %q could not be resolved", entityName),
		cause:   cause,
	}
}

// NewCancelledError returns a REQUEST_CANCELLED error.
func NewCancelledError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrRequestCancelled, Message: "request cancelled"}
}

// CodeOf returns the code of the first ErrorEnvelope in err's chain, or
// ErrInternalError when there is none.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrInternalError
}

// IsCancelled reports whether err signals a cooperative abort.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == ErrRequestCancelled
	}
	return false
}
