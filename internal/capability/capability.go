package capability

import "context"

// Capability is a named external operation a workflow step can invoke:
// an LLM-backed agent action, a platform sync, a data transform. The
// orchestrator depends only on this interface, never on concrete clients.
type Capability interface {
	ID() string
	Execute(ctx context.Context, req Request) (*Response, error)
}

// Request is the payload sent to a capability for one step invocation.
type Request struct {
	CapabilityID string         `json:"capability_id"`
	InputData    map[string]any `json:"input_data"`
	OrgID        string         `json:"org_id"`
	UserID       string         `json:"user_id"`
	Context      RunContext     `json:"context"`
}

// RunContext identifies the workflow run the invocation belongs to.
type RunContext struct {
	WorkflowID  string `json:"workflow_id"`
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
}

// Response is the structured result of a capability invocation.
// Status other than StatusCompleted is treated as a transient failure
// and retried by the step executor.
type Response struct {
	Status          string         `json:"status"`
	OutputData      map[string]any `json:"output_data,omitempty"`
	Error           string         `json:"error,omitempty"`
	DurationSeconds float64        `json:"duration_seconds"`
}

// Capability response statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Completed builds a successful Response.
func Completed(output map[string]any, durationSeconds float64) *Response {
	return &Response{
		Status:          StatusCompleted,
		OutputData:      output,
		DurationSeconds: durationSeconds,
	}
}

// Failed builds a failed Response with the given error message.
func Failed(errMsg string, durationSeconds float64) *Response {
	return &Response{
		Status:          StatusFailed,
		Error:           errMsg,
		DurationSeconds: durationSeconds,
	}
}
