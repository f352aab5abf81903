package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInvocation        = "INVOCATION_ERROR"
	ErrCodeStepTimeout       = "STEP_TIMEOUT"
	ErrCodeDeadlineExceeded  = "DEADLINE_EXCEEDED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeStore             = "STORE_ERROR"
)

// PipelineError is the structured error type for all lakeflow operations.
type PipelineError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Step      string         `json:"step,omitempty"`
	Retryable bool           `json:"retryable"`
	Cause     error          `json:"-"`
}

func (e *PipelineError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failure is transient.
// Invocation errors and open circuits carry their own flag; validation,
// conflict and transition errors never retry.
func (e *PipelineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeInvocation, ErrCodeCircuitOpen:
		return e.Retryable
	case ErrCodeStore:
		return true
	default:
		return false
	}
}

// NewError creates a new PipelineError.
func NewError(code, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// NewErrorf creates a new PipelineError with a formatted message.
func NewErrorf(code, format string, args ...any) *PipelineError {
	return &PipelineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewInvocationError reports a failed backend call for the given job ref.
func NewInvocationError(ref string, retryable bool, cause error) *PipelineError {
	msg := "job invocation failed"
	if cause != nil {
		msg = cause.Error()
	}
	return &PipelineError{
		Code:      ErrCodeInvocation,
		Message:   msg,
		Retryable: retryable,
		Cause:     cause,
		Details:   map[string]any{"job_ref": ref},
	}
}

// WithStep attaches a step name to the error.
func (e *PipelineError) WithStep(step string) *PipelineError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *PipelineError) WithCause(err error) *PipelineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PipelineError) WithDetails(details map[string]any) *PipelineError {
	e.Details = details
	return e
}

// WithRetryable sets the retryable flag.
func (e *PipelineError) WithRetryable(retryable bool) *PipelineError {
	e.Retryable = retryable
	return e
}

// CodeOf returns the code of the first PipelineError in err's chain, or "".
func CodeOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
