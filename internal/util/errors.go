// Package util provides shared error types and context helpers.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrNotFound.
//   - One structured type, Error, for request-facing failures. It carries
//     an HTTP status, an optional machine-readable code, optional warnings,
//     and optional metadata, and implements Error(), Unwrap(), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
package util

import (
	"errors"
	"fmt"
	"net/http"
)

// Common sentinel errors.
var (
	ErrNotFound         = errors.New("not found")
	ErrValidation       = errors.New("validation failed")
	ErrAuthRequired     = errors.New("authentication required")
	ErrForbidden        = errors.New("forbidden")
	ErrTimeout          = errors.New("timeout")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrAdapterMisconfig = errors.New("adapter misconfigured")
	ErrCircuitOpen      = errors.New("circuit breaker open")
)

// Error is a request-facing failure carrying an HTTP status and optional
// machine-readable details. Every pipeline stage reports failures with this
// type; the pipeline boundary converts it into the response envelope.
type Error struct {
	// Status is the HTTP status code of the failure.
	Status int

	// Code is an optional machine-readable error code.
	Code string

	// Message is the human-readable message placed in the envelope.
	Message string

	// Warnings are optional non-fatal notes attached to the response.
	Warnings []string

	// Metadata carries structured details (e.g. rate-limit state,
	// per-field validation violations).
	Metadata map[string]any

	// Cause is the underlying error, if any.
	Cause error

	sentinel error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *Error) Is(target error) bool {
	if e.sentinel != nil && target == e.sentinel {
		return true
	}
	if other, ok := target.(*Error); ok {
		return other.Status == e.Status
	}
	return errors.Is(e.Cause, target)
}

// WithMetadata attaches metadata and returns the error for chaining.
func (e *Error) WithMetadata(md map[string]any) *Error {
	e.Metadata = md
	return e
}

// WithWarnings attaches warnings and returns the error for chaining.
func (e *Error) WithWarnings(warnings ...string) *Error {
	e.Warnings = append(e.Warnings, warnings...)
	return e
}

// NewValidationError creates a 400 validation error.
func NewValidationError(message string) *Error {
	return &Error{
		Status:   http.StatusBadRequest,
		Code:     "VALIDATION_ERROR",
		Message:  message,
		sentinel: ErrValidation,
	}
}

// NewAuthenticationRequiredError creates a 401 error.
func NewAuthenticationRequiredError(message string) *Error {
	if message == "" {
		message = "Authentication required"
	}
	return &Error{
		Status:   http.StatusUnauthorized,
		Code:     "AUTHENTICATION_REQUIRED",
		Message:  message,
		sentinel: ErrAuthRequired,
	}
}

// NewForbiddenError creates a 403 error.
func NewForbiddenError(message string) *Error {
	if message == "" {
		message = "Forbidden"
	}
	return &Error{
		Status:   http.StatusForbidden,
		Code:     "FORBIDDEN",
		Message:  message,
		sentinel: ErrForbidden,
	}
}

// NewNotFoundError creates a 404 error.
func NewNotFoundError(message string) *Error {
	return &Error{
		Status:   http.StatusNotFound,
		Code:     "NOT_FOUND",
		Message:  message,
		sentinel: ErrNotFound,
	}
}

// NewRouteNotFoundError creates a 404 error for an unmatched route.
func NewRouteNotFoundError(method, path string) *Error {
	return &Error{
		Status:   http.StatusNotFound,
		Code:     "NOT_FOUND",
		Message:  fmt.Sprintf("no route found for %s %s", method, path),
		sentinel: ErrNotFound,
	}
}

// NewTimeoutError creates a 408 error.
func NewTimeoutError(message string) *Error {
	if message == "" {
		message = "Request timeout"
	}
	return &Error{
		Status:   http.StatusRequestTimeout,
		Code:     "REQUEST_TIMEOUT",
		Message:  message,
		sentinel: ErrTimeout,
	}
}

// NewRateLimitedError creates a 429 error.
func NewRateLimitedError(message string) *Error {
	if message == "" {
		message = "Rate limit exceeded"
	}
	return &Error{
		Status:   http.StatusTooManyRequests,
		Code:     "RATE_LIMITED",
		Message:  message,
		sentinel: ErrRateLimited,
	}
}

// NewInternalError creates a 500 error wrapping the cause.
func NewInternalError(cause error) *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: "Internal server error",
		Cause:   cause,
	}
}

// NewAdapterMisconfiguredError creates a 500 error for a missing adapter
// or provider registration.
func NewAdapterMisconfiguredError(kind, name string) *Error {
	return &Error{
		Status:   http.StatusInternalServerError,
		Code:     "ADAPTER_MISCONFIGURED",
		Message:  fmt.Sprintf("no %s adapter registered under %q and no default set", kind, name),
		sentinel: ErrAdapterMisconfig,
	}
}

// NewServiceUnavailableError creates a 503 error.
func NewServiceUnavailableError(message string) *Error {
	if message == "" {
		message = "Service unavailable"
	}
	return &Error{
		Status:   http.StatusServiceUnavailable,
		Code:     "SERVICE_UNAVAILABLE",
		Message:  message,
		sentinel: ErrCircuitOpen,
	}
}

// FromError converts any error into an *Error, mapping unknown errors
// to Internal.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewInternalError(err)
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
