package store

import (
	"encoding/json"
	"time"

	"github.com/marqops/conductor/pkg/schema"
)

// ExecutionRecord is the persisted summary of one workflow run.
type ExecutionRecord struct {
	ExecutionID     string                `json:"execution_id"`
	WorkflowID      string                `json:"workflow_id"`
	OrgID           string                `json:"org_id,omitempty"`
	UserID          string                `json:"user_id,omitempty"`
	Status          schema.WorkflowStatus `json:"status"`
	InputData       json.RawMessage       `json:"input_data,omitempty"`
	OutputData      json.RawMessage       `json:"output_data,omitempty"`
	CompletedSteps  []string              `json:"completed_steps"`
	FailedSteps     []string              `json:"failed_steps"`
	StartedAt       time.Time             `json:"started_at"`
	CompletedAt     time.Time             `json:"completed_at"`
	DurationSeconds float64               `json:"duration_seconds"`
	Error           string                `json:"error,omitempty"`
}

// ScheduledRun is one time-triggered (optionally recurring) workflow run.
type ScheduledRun struct {
	ID          string                `json:"id"`
	WorkflowID  string                `json:"workflow_id"`
	RunAt       time.Time             `json:"run_at"`
	Input       map[string]any        `json:"input,omitempty"`
	OrgID       string                `json:"org_id,omitempty"`
	UserID      string                `json:"user_id,omitempty"`
	Recurring   bool                  `json:"recurring"`
	Pattern     string                `json:"pattern,omitempty"` // daily, weekly, monthly, or a cron expression
	Status      schema.ScheduleStatus `json:"status"`
	ExecutionID string                `json:"execution_id,omitempty"` // set after firing
	CreatedAt   time.Time             `json:"created_at"`
	FiredAt     *time.Time            `json:"fired_at,omitempty"`
}

// ScheduledRunUpdate is a partial update; nil fields are left unchanged.
type ScheduledRunUpdate struct {
	Status      *schema.ScheduleStatus
	ExecutionID *string
	FiredAt     *time.Time
}

// ScheduledRunFilter narrows ListScheduledRuns.
type ScheduledRunFilter struct {
	WorkflowID string
	Status     schema.ScheduleStatus
	DueBefore  *time.Time // runs with run_at <= DueBefore
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	WorkflowID string
	Status     schema.WorkflowStatus
	Limit      int
}

// Event is an immutable entry in the run event log.
type Event struct {
	ID          int64           `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}
