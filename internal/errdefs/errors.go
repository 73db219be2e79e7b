// Package errdefs defines the error taxonomy shared across the sandbox.
//
// Every component wraps its failures around one of these sentinels so the
// tool boundary can translate them into structured responses with
// errors.Is, without inspecting message text.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation indicates malformed input; no side effects occurred.
	ErrValidation = errors.New("validation failed")

	// ErrSecurity indicates code, package, path, or mount was denied by
	// the security gate before any container action.
	ErrSecurity = errors.New("security violation")

	// ErrTimeout indicates an exec deadline elapsed before completion.
	ErrTimeout = errors.New("execution timed out")

	// ErrResourceLimit indicates the engine reported OOM or a PID/ulimit hit.
	ErrResourceLimit = errors.New("resource limit exceeded")

	// ErrContainer indicates an engine or transport failure.
	ErrContainer = errors.New("container engine error")

	// ErrNotFound indicates a missing session or container.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a duplicate session name.
	ErrAlreadyExists = errors.New("already exists")

	// ErrRateLimited indicates the caller was throttled.
	ErrRateLimited = errors.New("rate limited")
)

// Securityf wraps ErrSecurity with a formatted message.
func Securityf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrSecurity}, args...)...)
}

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// RateLimitError carries the retry hint for a throttled request.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %dms", e.RetryAfter.Milliseconds())
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Category maps an error to its taxonomy name for structured responses.
// Unrecognized errors map to "container_error" since they almost always
// originate in the engine transport.
func Category(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrSecurity):
		return "security_error"
	case errors.Is(err, ErrTimeout):
		return "timeout_error"
	case errors.Is(err, ErrResourceLimit):
		return "resource_limit_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrRateLimited):
		return "rate_limit_error"
	default:
		return "container_error"
	}
}
