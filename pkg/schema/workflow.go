package schema

// WorkflowDefinition is the static, JSON-serializable description of a
// workflow: an ordered list of steps bound to agent capabilities.
type WorkflowDefinition struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Mode     ExecutionMode  `json:"mode,omitempty"`    // sequential, parallel, conditional (default: sequential)
	Steps    []StepSpec     `json:"steps"`
	Timeout  string         `json:"timeout,omitempty"` // wall-clock budget for one run (e.g. "10m")
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StepSpec declares a single step within a workflow.
type StepSpec struct {
	ID            string            `json:"id"`
	Capability    string            `json:"capability"`               // agent capability to invoke
	DependsOn     []string          `json:"depends_on,omitempty"`     // step IDs that must complete first
	InputMapping  map[string]string `json:"input_mapping,omitempty"`  // step input key → shared data key
	OutputMapping map[string]string `json:"output_mapping,omitempty"` // step output key → shared data key
	Condition     string            `json:"condition,omitempty"`      // CEL guard, false → skipped
	MaxRetries    *int              `json:"max_retries,omitempty"`    // retry ceiling (default: 3)
	RetryDelay    string            `json:"retry_delay,omitempty"`    // backoff base (default: "1s")
}

// ExecutionMode selects how the runner walks the step list.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
	// ModeConditional behaves like sequential; branching beyond per-step
	// condition guards is a declared extension point.
	ModeConditional ExecutionMode = "conditional"
)

// DefaultMaxRetries is the retry ceiling applied when a step does not set one.
const DefaultMaxRetries = 3

// DefaultRetryDelay is the backoff base applied when a step does not set one.
// Effective delay before retry n is 2^n × base, n starting at 0.
const DefaultRetryDelay = "1s"

// MetadataKey is the reserved input key that carries workflow metadata
// (workflow / execution / step / org / user identifiers) into a capability.
const MetadataKey = "_workflow"

// EffectiveMode returns the workflow's execution mode, applying the
// sequential default and folding unknown values into it.
func (w *WorkflowDefinition) EffectiveMode() ExecutionMode {
	switch w.Mode {
	case ModeParallel:
		return ModeParallel
	case ModeConditional:
		return ModeConditional
	default:
		return ModeSequential
	}
}

// RetryCeiling returns the step's retry ceiling, applying the default.
func (s *StepSpec) RetryCeiling() int {
	if s.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *s.MaxRetries
}

// RecurrencePattern names how a recurring scheduled run computes its next
// occurrence. Cron expressions are accepted as-is alongside the named patterns.
type RecurrencePattern string

const (
	RecurrenceDaily   RecurrencePattern = "daily"
	RecurrenceWeekly  RecurrencePattern = "weekly"
	RecurrenceMonthly RecurrencePattern = "monthly"
)
