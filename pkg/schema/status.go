package schema

// WorkflowStatus represents the lifecycle state of one workflow run.
type WorkflowStatus string

const (
	WorkflowStatusPending            WorkflowStatus = "pending"
	WorkflowStatusRunning            WorkflowStatus = "running"
	WorkflowStatusCompleted          WorkflowStatus = "completed"
	WorkflowStatusFailed             WorkflowStatus = "failed"
	WorkflowStatusPartiallyCompleted WorkflowStatus = "partially_completed"
	WorkflowStatusCancelled          WorkflowStatus = "cancelled"
)

// StepStatus represents the lifecycle state of one step within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the status admits no further transitions.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusPartiallyCompleted, WorkflowStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the step status admits no further transitions.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// ScheduleStatus represents the lifecycle state of a scheduled run.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusCancelled ScheduleStatus = "cancelled"
)

// Event type constants for the append-only run event log.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowPartial   = "workflow_partially_completed"
	EventWorkflowCancelled = "workflow_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"

	EventRunScheduled   = "run_scheduled"
	EventScheduleFired  = "schedule_fired"
	EventScheduleFailed = "schedule_failed"
)
