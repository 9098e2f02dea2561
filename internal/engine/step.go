package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marqops/conductor/internal/capability"
	"github.com/marqops/conductor/internal/logging"
	"github.com/marqops/conductor/pkg/schema"
)

// StepExecutor executes exactly one step to completion or exhaustion of
// retries. It owns all mutation of the step's StepExecution record and the
// shared-data writes declared by the step's output mapping; dependency and
// condition checks are the runner's job.
type StepExecutor struct {
	registry *capability.Registry
	events   EventSink
	logger   *slog.Logger
}

// NewStepExecutor creates a StepExecutor. events may be nil.
func NewStepExecutor(registry *capability.Registry, events EventSink, logger *slog.Logger) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepExecutor{registry: registry, events: events, logger: logger}
}

// Execute runs the step named by spec inside wfCtx. On success the step's
// outputs are folded into the shared data and the step is marked completed.
// On terminal failure the StepExecution holds the error and a non-nil error
// is returned; the caller records the failure on the context.
func (e *StepExecutor) Execute(ctx context.Context, wfCtx *WorkflowContext, spec *schema.StepSpec) error {
	exec := wfCtx.Step(spec.ID)
	stepCtx := logging.WithStepID(ctx, spec.ID)

	start := time.Now().UTC()
	exec.Status = schema.StepStatusRunning
	exec.StartedAt = &start

	emitEvent(stepCtx, e.events, wfCtx, spec.ID, schema.EventStepStarted, nil)
	e.logger.InfoContext(stepCtx, "step started", slog.String("capability", spec.Capability))

	base := RetryDelayBase(spec)
	attempt := 0

	for {
		if err := stepCtx.Err(); err != nil {
			return e.fail(stepCtx, wfCtx, spec, exec, start, schema.NewError(schema.ErrCodeCancelled, "run cancelled before step attempt").WithStep(spec.ID))
		}

		failure := e.attempt(stepCtx, wfCtx, spec, exec)
		if failure == "" {
			completedAt := time.Now().UTC()
			exec.Status = schema.StepStatusCompleted
			exec.Error = ""
			exec.CompletedAt = &completedAt
			exec.DurationSeconds = completedAt.Sub(start).Seconds()
			wfCtx.MarkCompleted(spec.ID)

			emitEvent(stepCtx, e.events, wfCtx, spec.ID, schema.EventStepCompleted, map[string]any{
				"duration_seconds": exec.DurationSeconds,
				"retry_count":      exec.RetryCount,
			})
			e.logger.InfoContext(stepCtx, "step completed",
				slog.Float64("duration_seconds", exec.DurationSeconds),
				slog.Int("retries", exec.RetryCount),
			)
			return nil
		}

		exec.Error = failure
		exec.RetryCount++
		if exec.RetryCount > exec.MaxRetries {
			return e.fail(stepCtx, wfCtx, spec, exec, start,
				schema.NewErrorf(schema.ErrCodeRetryExhausted, "%s (after %d attempts)", failure, exec.RetryCount).WithStep(spec.ID))
		}

		delay := Backoff(base, attempt)
		emitEvent(stepCtx, e.events, wfCtx, spec.ID, schema.EventStepRetrying, map[string]any{
			"attempt":       exec.RetryCount,
			"delay_seconds": delay.Seconds(),
			"error":         failure,
		})
		e.logger.WarnContext(stepCtx, "step failed, retrying",
			slog.Int("attempt", exec.RetryCount),
			slog.Duration("backoff", delay),
			slog.String("error", failure),
		)

		if err := WaitForBackoff(stepCtx, delay); err != nil {
			return e.fail(stepCtx, wfCtx, spec, exec, start, schema.NewError(schema.ErrCodeCancelled, "run cancelled during retry backoff").WithStep(spec.ID))
		}
		attempt++
	}
}

// attempt performs one capability invocation. It returns "" on success, or a
// failure message when the invocation errored or returned a non-completed
// status. The input payload is rebuilt from current data on every attempt so
// retries observe the latest shared state.
func (e *StepExecutor) attempt(ctx context.Context, wfCtx *WorkflowContext, spec *schema.StepSpec, exec *StepExecution) string {
	input := make(map[string]any, len(spec.InputMapping)+1)
	for inputKey, dataKey := range spec.InputMapping {
		if v, ok := wfCtx.DataValue(dataKey); ok {
			input[inputKey] = v
		}
	}
	input[schema.MetadataKey] = map[string]any{
		"workflow_id":  wfCtx.WorkflowID,
		"execution_id": wfCtx.ExecutionID,
		"step_id":      spec.ID,
		"org_id":       wfCtx.OrgID,
		"user_id":      wfCtx.UserID,
	}
	exec.Input = input

	target, err := e.registry.Get(spec.Capability)
	if err != nil {
		return err.Error()
	}

	resp, err := target.Execute(ctx, capability.Request{
		CapabilityID: spec.Capability,
		InputData:    input,
		OrgID:        wfCtx.OrgID,
		UserID:       wfCtx.UserID,
		Context: capability.RunContext{
			WorkflowID:  wfCtx.WorkflowID,
			ExecutionID: wfCtx.ExecutionID,
			StepID:      spec.ID,
		},
	})
	if err != nil {
		return err.Error()
	}
	if resp == nil {
		return "capability returned nil response"
	}
	if resp.Status != capability.StatusCompleted {
		if resp.Error != "" {
			return resp.Error
		}
		return fmt.Sprintf("capability returned status %q", resp.Status)
	}

	for outputKey, dataKey := range spec.OutputMapping {
		if v, ok := resp.OutputData[outputKey]; ok {
			wfCtx.SetData(dataKey, v)
		}
	}
	exec.Output = resp.OutputData
	return ""
}

// fail finalizes the step as terminally failed and returns the terminal error.
func (e *StepExecutor) fail(ctx context.Context, wfCtx *WorkflowContext, spec *schema.StepSpec, exec *StepExecution, start time.Time, termErr *schema.ConductorError) error {
	completedAt := time.Now().UTC()
	exec.Status = schema.StepStatusFailed
	exec.CompletedAt = &completedAt
	exec.DurationSeconds = completedAt.Sub(start).Seconds()
	exec.Error = termErr.Message

	emitEvent(ctx, e.events, wfCtx, spec.ID, schema.EventStepFailed, map[string]any{
		"error":       termErr.Message,
		"retry_count": exec.RetryCount,
	})
	e.logger.ErrorContext(ctx, "step failed",
		slog.String("error", termErr.Message),
		slog.Int("retries", exec.RetryCount),
	)
	return termErr
}
