// Package errors provides the structured error taxonomy for the delivery
// agent. Every error carries a category, a code and a retryable flag; a
// retryable error means the heartbeat it concerns stays in the queue for a
// later flush.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the component that raised them.
type ErrorCategory string

const (
	ErrCategoryStore     ErrorCategory = "STORE"
	ErrCategoryTransport ErrorCategory = "TRANSPORT"
	ErrCategoryRemote    ErrorCategory = "REMOTE"
	ErrCategoryThrottle  ErrorCategory = "THROTTLE"
	ErrCategoryResponse  ErrorCategory = "RESPONSE"
	ErrCategoryConfig    ErrorCategory = "CONFIG"
	ErrCategoryInternal  ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Store codes
	CodeStoreUnavailable = "STORE_UNAVAILABLE"

	// Transport codes
	CodeUnreachable        = "UNREACHABLE"
	CodeExecutableNotFound = "EXECUTABLE_NOT_FOUND"

	// Remote codes
	CodeRejected     = "REJECTED"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeBadHeartbeat = "BAD_HEARTBEAT"

	// Throttle codes
	CodeSuppressed = "SUPPRESSED"

	// Response codes
	CodeMalformedResponse = "MALFORMED_RESPONSE"

	// Config codes
	CodeInvalidConfig    = "INVALID_CONFIG"
	CodeInvalidHeartbeat = "INVALID_HEARTBEAT"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// AgentError is the structured error type used throughout the agent.
type AgentError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *AgentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *AgentError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *AgentError) Is(target error) bool {
	var t *AgentError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new AgentError.
func New(category ErrorCategory, code, message string) *AgentError {
	return &AgentError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new AgentError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *AgentError {
	return &AgentError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *AgentError) WithDetails(details map[string]interface{}) *AgentError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// IsAuth reports whether err is an authentication rejection.
func IsAuth(err error) bool {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Category == ErrCategoryRemote && ae.Code == CodeUnauthorized
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an AgentError.
func GetCategory(err error) ErrorCategory {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an AgentError.
func GetCode(err error) string {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// isRetryable reports whether a heartbeat failing with this code should be
// kept for redelivery. Every remote rejection is kept, 400 and 401 included.
func isRetryable(category ErrorCategory, _ string) bool {
	switch category {
	case ErrCategoryTransport, ErrCategoryResponse, ErrCategoryRemote:
		return true
	default:
		return false
	}
}

// Convenience constructors for the delivery taxonomy.

func NewStoreUnavailable(message string, cause error) *AgentError {
	return Wrap(ErrCategoryStore, CodeStoreUnavailable, message, cause)
}

func NewUnreachable(message string, cause error) *AgentError {
	return Wrap(ErrCategoryTransport, CodeUnreachable, message, cause)
}

func NewExecutableNotFound(name string) *AgentError {
	return New(ErrCategoryTransport, CodeExecutableNotFound, "executable not found: "+name)
}

func NewRejected(status int, message string) *AgentError {
	code := CodeRejected
	switch status {
	case 401:
		code = CodeUnauthorized
	case 400:
		code = CodeBadHeartbeat
	}
	return New(ErrCategoryRemote, code, message).WithDetails(map[string]interface{}{"status": status})
}

func NewSuppressed(entity string) *AgentError {
	return New(ErrCategoryThrottle, CodeSuppressed, "heartbeat suppressed by throttle: "+entity)
}

func NewMalformedResponse(message string, cause error) *AgentError {
	return Wrap(ErrCategoryResponse, CodeMalformedResponse, message, cause)
}

func NewConfigError(message string) *AgentError {
	return New(ErrCategoryConfig, CodeInvalidConfig, message)
}

func NewInvalidHeartbeat(message string) *AgentError {
	return New(ErrCategoryConfig, CodeInvalidHeartbeat, message)
}

func NewInternalError(message string, cause error) *AgentError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
