package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeExecution      = "EXECUTION_ERROR"
	ErrCodeTimeout        = "TIMEOUT_ERROR"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeCycle          = "CYCLE_DETECTED"
	ErrCodeNoParentScope  = "NO_PARENT_SCOPE"
	ErrCodeUndefinedRef   = "UNDEFINED_REFERENCE"
	ErrCodeTypeMismatch   = "TYPE_MISMATCH"
	ErrCodeNoMatchingCase = "NO_MATCHING_CASE"
	ErrCodeCircuitOpen    = "CIRCUIT_OPEN"
	ErrCodeTaskFailed     = "TASK_FAILED"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeStore          = "STORE_ERROR"
)

// WeftError is the structured error type for all engine operations.
type WeftError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	TaskID  string         `json:"task_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *WeftError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("[%s] task %s: %s", e.Code, e.TaskID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *WeftError) Unwrap() error {
	return e.Cause
}

// NewError creates a new WeftError.
func NewError(code, message string) *WeftError {
	return &WeftError{Code: code, Message: message}
}

// NewErrorf creates a new WeftError with a formatted message.
func NewErrorf(code, format string, args ...any) *WeftError {
	return &WeftError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTask attaches a task ID to the error.
func (e *WeftError) WithTask(taskID string) *WeftError {
	e.TaskID = taskID
	return e
}

// WithCause attaches an underlying cause.
func (e *WeftError) WithCause(err error) *WeftError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *WeftError) WithDetails(details map[string]any) *WeftError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code describes a transient condition.
// Resolution, routing, and validation failures are deterministic and are never
// retried; backend execution failures and timeouts are.
func (e *WeftError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeExecution, ErrCodeTimeout:
		return true
	default:
		return false
	}
}
