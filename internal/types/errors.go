package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a namespaced error code for orchestration errors.
type ErrorCode string

// Plan validation error codes
const (
	VALIDATION_FAILED ErrorCode = "VALIDATION_FAILED"
	DEPENDENCY_CYCLE  ErrorCode = "DEPENDENCY_CYCLE"
)

// Caller misuse error codes
const (
	PRECONDITION_FAILED ErrorCode = "PRECONDITION_FAILED"
	NOT_APPROVED        ErrorCode = "NOT_APPROVED"
	CONFLICT            ErrorCode = "CONFLICT"
	NOT_FOUND           ErrorCode = "NOT_FOUND"
)

// Step execution error codes
const (
	AGENT_FAILED       ErrorCode = "AGENT_FAILED"
	APPROVAL_TIMEOUT   ErrorCode = "APPROVAL_TIMEOUT"
	APPROVAL_REJECTED  ErrorCode = "APPROVAL_REJECTED"
	BUDGET_EXCEEDED    ErrorCode = "BUDGET_EXCEEDED"
	DEPENDENCY_BLOCKED ErrorCode = "DEPENDENCY_BLOCKED"
)

// Configuration and storage error codes
const (
	CONFIG_LOAD_FAILED   ErrorCode = "CONFIG_LOAD_FAILED"
	CONFIG_PARSE_FAILED  ErrorCode = "CONFIG_PARSE_FAILED"
	STORE_OPEN_FAILED    ErrorCode = "STORE_OPEN_FAILED"
	STORE_QUERY_FAILED   ErrorCode = "STORE_QUERY_FAILED"
	STORE_MIGRATE_FAILED ErrorCode = "STORE_MIGRATE_FAILED"
)

// CoreError represents a structured error with error code, message, and
// optional cause. It supports error wrapping and carries a retryability
// hint consumed by the executor's retry loop.
type CoreError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface, returning a formatted error message.
// Format: "[CODE] message" or "[CODE] message: cause" if cause exists.
func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error unwrapping chains.
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// Is checks if the target error matches this error by error code.
// Returns true if target is a CoreError with the same Code.
func (e *CoreError) Is(target error) bool {
	var coreErr *CoreError
	if errors.As(target, &coreErr) {
		return e.Code == coreErr.Code
	}
	return false
}

// NewError creates a new non-retryable CoreError with the given code and message.
func NewError(code ErrorCode, message string) *CoreError {
	return &CoreError{
		Code:    code,
		Message: message,
	}
}

// NewRetryableError creates a new retryable CoreError with the given code and
// message. Use this for transient failures that may succeed on retry.
func NewRetryableError(code ErrorCode, message string) *CoreError {
	return &CoreError{
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// WrapError creates a new non-retryable CoreError that wraps an existing error.
// The wrapped error is accessible via Unwrap() for error chain inspection.
func WrapError(code ErrorCode, message string, cause error) *CoreError {
	return &CoreError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsRetryable reports whether err carries a retryable hint anywhere in its
// unwrap chain. Errors that are not CoreErrors are never retryable.
func IsRetryable(err error) bool {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr.Retryable
	}
	return false
}

// CodeOf extracts the ErrorCode from err's unwrap chain, or returns the
// empty code when err is not a CoreError.
func CodeOf(err error) ErrorCode {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr.Code
	}
	return ""
}
