package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeExecution             = "EXECUTION_ERROR"
	ErrCodeTimeout               = "TIMEOUT_ERROR"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeCycleDetected         = "CYCLE_DETECTED"
	ErrCodeStepFailed            = "STEP_FAILED"
	ErrCodeCancelled             = "CANCELLED"
	ErrCodeRetryExhausted        = "RETRY_EXHAUSTED"
	ErrCodeStore                 = "STORE_ERROR"
	ErrCodeCapabilityUnavailable = "CAPABILITY_UNAVAILABLE"
	ErrCodeVault                 = "VAULT_ERROR"
)

// ConductorError is the structured error type for all orchestrator operations.
type ConductorError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ConductorError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ConductorError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ConductorError.
func NewError(code, message string) *ConductorError {
	return &ConductorError{Code: code, Message: message}
}

// NewErrorf creates a new ConductorError with a formatted message.
func NewErrorf(code, format string, args ...any) *ConductorError {
	return &ConductorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *ConductorError) WithStep(stepID string) *ConductorError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *ConductorError) WithCause(err error) *ConductorError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ConductorError) WithDetails(details map[string]any) *ConductorError {
	e.Details = details
	return e
}
