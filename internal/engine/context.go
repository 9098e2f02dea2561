package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marqops/conductor/pkg/schema"
)

// StepExecution is the mutable run-time record for one step within one run.
// Created at workflow start, mutated only by the step executor, discarded
// with the context when the run ends.
type StepExecution struct {
	StepID          string            `json:"step_id"`
	Capability      string            `json:"capability"`
	Status          schema.StepStatus `json:"status"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	DurationSeconds float64           `json:"duration_seconds,omitempty"`
	Input           map[string]any    `json:"input,omitempty"`
	Output          map[string]any    `json:"output,omitempty"`
	Error           string            `json:"error,omitempty"`
	RetryCount      int               `json:"retry_count"`
	MaxRetries      int               `json:"max_retries"`
}

// WorkflowContext is the mutable state for one workflow execution: the shared
// data bus, step bookkeeping, and run identity. All mutation goes through its
// methods; the mutex makes same-level parallel steps safe. The
// single-writer-per-key contract on shared data is enforced at definition
// validation time, not here.
type WorkflowContext struct {
	WorkflowID  string
	ExecutionID string
	OrgID       string
	UserID      string
	StartedAt   time.Time

	mu        sync.Mutex
	data      map[string]any
	completed map[string]bool
	failed    map[string]bool
	steps     map[string]*StepExecution
}

// NewWorkflowContext creates the run-time context for one execution of def,
// with a fresh execution ID, current data seeded from input, and one pending
// StepExecution per declared step.
func NewWorkflowContext(def *schema.WorkflowDefinition, orgID, userID string, input map[string]any) *WorkflowContext {
	data := make(map[string]any, len(input))
	for k, v := range input {
		data[k] = v
	}

	steps := make(map[string]*StepExecution, len(def.Steps))
	for i := range def.Steps {
		spec := &def.Steps[i]
		steps[spec.ID] = &StepExecution{
			StepID:     spec.ID,
			Capability: spec.Capability,
			Status:     schema.StepStatusPending,
			MaxRetries: spec.RetryCeiling(),
		}
	}

	return &WorkflowContext{
		WorkflowID:  def.ID,
		ExecutionID: uuid.New().String(),
		OrgID:       orgID,
		UserID:      userID,
		StartedAt:   time.Now().UTC(),
		data:        data,
		completed:   make(map[string]bool),
		failed:      make(map[string]bool),
		steps:       steps,
	}
}

// Step returns the StepExecution record for the given step ID.
func (c *WorkflowContext) Step(id string) *StepExecution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.steps[id]
}

// DataValue looks up one key in the shared current data.
func (c *WorkflowContext) DataValue(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

// SetData writes one key into the shared current data.
func (c *WorkflowContext) SetData(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

// DataSnapshot returns a shallow copy of the shared current data.
func (c *WorkflowContext) DataSnapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := make(map[string]any, len(c.data))
	for k, v := range c.data {
		snap[k] = v
	}
	return snap
}

// MarkCompleted records a step as successfully completed.
func (c *WorkflowContext) MarkCompleted(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed[stepID] = true
}

// MarkFailed records a step as terminally failed.
func (c *WorkflowContext) MarkFailed(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed[stepID] = true
}

// IsCompleted reports whether the step completed successfully.
func (c *WorkflowContext) IsCompleted(stepID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed[stepID]
}

// IsFailed reports whether the step failed terminally.
func (c *WorkflowContext) IsFailed(stepID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed[stepID]
}

// DepsSatisfied reports whether every dependency completed and none failed.
func (c *WorkflowContext) DepsSatisfied(deps []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dep := range deps {
		if c.failed[dep] || !c.completed[dep] {
			return false
		}
	}
	return true
}

// CompletedSteps returns the completed step IDs, sorted.
func (c *WorkflowContext) CompletedSteps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.completed)
}

// FailedSteps returns the failed step IDs, sorted.
func (c *WorkflowContext) FailedSteps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.failed)
}

// StepExecutions returns the per-step records keyed by step ID.
func (c *WorkflowContext) StepExecutions() map[string]*StepExecution {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*StepExecution, len(c.steps))
	for k, v := range c.steps {
		out[k] = v
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WorkflowExecution is the immutable result returned to the caller of
// Execute. Nothing here is persisted unless the caller records it.
type WorkflowExecution struct {
	ExecutionID     string                    `json:"execution_id"`
	WorkflowID      string                    `json:"workflow_id"`
	OrgID           string                    `json:"org_id,omitempty"`
	UserID          string                    `json:"user_id,omitempty"`
	Status          schema.WorkflowStatus     `json:"status"`
	InputData       map[string]any            `json:"input_data,omitempty"`
	OutputData      map[string]any            `json:"output_data,omitempty"`
	StartedAt       time.Time                 `json:"started_at"`
	CompletedAt     time.Time                 `json:"completed_at"`
	DurationSeconds float64                   `json:"duration_seconds"`
	CompletedSteps  []string                  `json:"completed_steps"`
	FailedSteps     []string                  `json:"failed_steps"`
	Steps           map[string]*StepExecution `json:"steps,omitempty"`
	Error           string                    `json:"error,omitempty"`
}
