package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/marqops/conductor/internal/capability"
	"github.com/marqops/conductor/internal/expressions"
	"github.com/marqops/conductor/internal/logging"
	"github.com/marqops/conductor/pkg/schema"
)

// DefaultPoolSize is the default cap on concurrently running steps.
const DefaultPoolSize = 10

// Config holds orchestrator configuration.
type Config struct {
	PoolSize int // max concurrent step goroutines
}

// ExecuteRequest carries the caller-supplied inputs for one run.
type ExecuteRequest struct {
	OrgID  string
	UserID string
	Input  map[string]any
}

// Orchestrator drives workflow executions end to end: it layers the step
// graph, dispatches steps to the executor in the declared mode, derives the
// final status, and tracks in-flight runs in the injected registry.
type Orchestrator struct {
	capabilities *capability.Registry
	runs         *RunRegistry
	events       EventSink
	cel          *expressions.CELEngine
	pool         *WorkerPool
	steps        *StepExecutor
	logger       *slog.Logger
}

// NewOrchestrator creates an Orchestrator. events may be nil; logger falls
// back to slog.Default.
func NewOrchestrator(capabilities *capability.Registry, runs *RunRegistry, events EventSink, cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	if capabilities == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "capability registry is nil")
	}
	if runs == nil {
		runs = NewRunRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		capabilities: capabilities,
		runs:         runs,
		events:       events,
		cel:          cel,
		pool:         NewWorkerPool(cfg.PoolSize),
		steps:        NewStepExecutor(capabilities, events, logger),
		logger:       logger,
	}, nil
}

// Runs returns the injected run registry.
func (o *Orchestrator) Runs() *RunRegistry { return o.runs }

// Cancel cancels an in-flight run by execution ID. Cooperative: observed
// between steps and before retry sleeps.
func (o *Orchestrator) Cancel(executionID string) bool {
	return o.runs.Cancel(executionID)
}

// Shutdown stops the step worker pool, waiting for in-flight steps.
func (o *Orchestrator) Shutdown() {
	o.pool.Shutdown()
}

// Execute runs one workflow to completion and always returns a
// WorkflowExecution — step failures, cancellation, timeouts, and even panics
// inside orchestration surface as a terminal status on the result, never as
// an error to the caller.
func (o *Orchestrator) Execute(ctx context.Context, def *schema.WorkflowDefinition, req ExecuteRequest) (execution *WorkflowExecution) {
	if def == nil || len(def.Steps) == 0 {
		now := time.Now().UTC()
		return &WorkflowExecution{
			Status:         schema.WorkflowStatusFailed,
			StartedAt:      now,
			CompletedAt:    now,
			CompletedSteps: []string{},
			FailedSteps:    []string{},
			Error:          "workflow definition is nil or has no steps",
		}
	}

	wfCtx := NewWorkflowContext(def, req.OrgID, req.UserID, req.Input)
	ctx = logging.WithRun(ctx, wfCtx.WorkflowID, wfCtx.ExecutionID, wfCtx.OrgID)

	runCtx, cancel := context.WithCancel(ctx)
	if def.Timeout != "" {
		dur, parseErr := time.ParseDuration(def.Timeout)
		if parseErr != nil {
			cancel()
			return o.finalize(ctx, wfCtx, def, req,
				fmt.Sprintf("invalid workflow timeout %q: %v", def.Timeout, parseErr), nil)
		}
		runCtx, cancel = context.WithTimeout(ctx, dur)
	}
	defer cancel()

	o.runs.Insert(&ActiveRun{
		ExecutionID: wfCtx.ExecutionID,
		WorkflowID:  wfCtx.WorkflowID,
		OrgID:       wfCtx.OrgID,
		StartedAt:   wfCtx.StartedAt,
		cancel:      cancel,
	})
	defer o.runs.Remove(wfCtx.ExecutionID)

	// Truly unexpected internal errors become a failed execution; no panic
	// crosses the public entry point.
	defer func() {
		if r := recover(); r != nil {
			execution = o.finalize(ctx, wfCtx, def, req, fmt.Sprintf("internal error: %v", r), nil)
		}
	}()

	emitEvent(ctx, o.events, wfCtx, "", schema.EventWorkflowStarted, map[string]any{
		"mode": string(def.EffectiveMode()),
	})
	o.logger.InfoContext(ctx, "workflow started",
		slog.String("mode", string(def.EffectiveMode())),
		slog.Int("steps", len(def.Steps)),
	)

	switch def.EffectiveMode() {
	case schema.ModeParallel:
		o.runParallel(runCtx, wfCtx, def)
	default:
		// Sequential; conditional is an alias with per-step guards active
		// in every mode.
		o.runSequential(runCtx, wfCtx, def)
	}

	return o.finalize(ctx, wfCtx, def, req, "", runCtx.Err())
}

// runSequential walks the declared step order, failing fast: the first
// terminal step failure stops all further processing and later steps stay
// pending.
func (o *Orchestrator) runSequential(ctx context.Context, wfCtx *WorkflowContext, def *schema.WorkflowDefinition) {
	for i := range def.Steps {
		spec := &def.Steps[i]

		if ctx.Err() != nil {
			return
		}

		if !wfCtx.DepsSatisfied(spec.DependsOn) {
			o.skip(ctx, wfCtx, spec, "dependencies not satisfied")
			continue
		}

		proceed, condErr := o.checkCondition(ctx, wfCtx, spec)
		if condErr != nil {
			wfCtx.MarkFailed(spec.ID)
			return // fail fast on a broken guard, same as a step failure
		}
		if !proceed {
			o.skip(ctx, wfCtx, spec, "condition evaluated to false")
			continue
		}

		if err := o.steps.Execute(ctx, wfCtx, spec); err != nil {
			wfCtx.MarkFailed(spec.ID)
			return
		}
	}
}

// runParallel executes the dependency levels in order, launching each
// level's eligible steps concurrently and waiting for the level to drain.
// A failure never stops siblings or later levels: steps whose dependencies
// still hold keep attempting (best effort), the rest are skipped.
func (o *Orchestrator) runParallel(ctx context.Context, wfCtx *WorkflowContext, def *schema.WorkflowDefinition) {
	levels, unplaced := BuildLevels(def.Steps)
	if len(unplaced) > 0 {
		o.logger.WarnContext(ctx, "workflow graph has unreachable steps, dropping them",
			slog.String("steps", strings.Join(unplaced, ",")),
		)
	}

	for _, level := range levels {
		if ctx.Err() != nil {
			return
		}

		var wg sync.WaitGroup
		for _, spec := range level {
			if !wfCtx.DepsSatisfied(spec.DependsOn) {
				o.skip(ctx, wfCtx, spec, "dependencies not satisfied")
				continue
			}

			proceed, condErr := o.checkCondition(ctx, wfCtx, spec)
			if condErr != nil {
				wfCtx.MarkFailed(spec.ID)
				continue // best effort: siblings still run
			}
			if !proceed {
				o.skip(ctx, wfCtx, spec, "condition evaluated to false")
				continue
			}

			spec := spec
			wg.Add(1)
			err := o.pool.Submit(ctx, func(stepCtx context.Context) {
				defer wg.Done()
				if execErr := o.steps.Execute(stepCtx, wfCtx, spec); execErr != nil {
					wfCtx.MarkFailed(spec.ID)
				}
			})
			if err != nil {
				// Pool rejected (cancellation or shutdown): leave pending.
				wg.Done()
			}
		}
		wg.Wait()
	}
}

// checkCondition evaluates the step's CEL guard against current data.
// Returns proceed=false with a nil error when the guard holds false. A
// guard that fails to evaluate is a terminal step failure: the error is
// recorded on the StepExecution and returned.
func (o *Orchestrator) checkCondition(ctx context.Context, wfCtx *WorkflowContext, spec *schema.StepSpec) (bool, error) {
	if spec.Condition == "" {
		return true, nil
	}

	env := map[string]any{
		"data": wfCtx.DataSnapshot(),
		"workflow": map[string]any{
			"workflow_id":  wfCtx.WorkflowID,
			"execution_id": wfCtx.ExecutionID,
			"org_id":       wfCtx.OrgID,
			"user_id":      wfCtx.UserID,
		},
	}

	ok, err := o.cel.EvaluateBool(ctx, spec.Condition, env)
	if err != nil {
		exec := wfCtx.Step(spec.ID)
		now := time.Now().UTC()
		exec.Status = schema.StepStatusFailed
		exec.CompletedAt = &now
		exec.Error = err.Error()

		emitEvent(ctx, o.events, wfCtx, spec.ID, schema.EventStepFailed, map[string]any{
			"error": err.Error(),
		})
		o.logger.ErrorContext(ctx, "step condition failed to evaluate",
			slog.String("step_id", spec.ID),
			slog.String("error", err.Error()),
		)
		return false, err
	}
	return ok, nil
}

// skip marks a step skipped without invoking it.
func (o *Orchestrator) skip(ctx context.Context, wfCtx *WorkflowContext, spec *schema.StepSpec, reason string) {
	exec := wfCtx.Step(spec.ID)
	now := time.Now().UTC()
	exec.Status = schema.StepStatusSkipped
	exec.CompletedAt = &now
	exec.Error = reason

	emitEvent(ctx, o.events, wfCtx, spec.ID, schema.EventStepSkipped, map[string]any{
		"reason": reason,
	})
	o.logger.InfoContext(ctx, "step skipped",
		slog.String("step_id", spec.ID),
		slog.String("reason", reason),
	)
}

// finalize derives the terminal status and builds the immutable result.
func (o *Orchestrator) finalize(ctx context.Context, wfCtx *WorkflowContext, def *schema.WorkflowDefinition, req ExecuteRequest, topErr string, runErr error) *WorkflowExecution {
	completedAt := time.Now().UTC()
	completed := wfCtx.CompletedSteps()
	failed := wfCtx.FailedSteps()

	var status schema.WorkflowStatus
	errMsg := topErr
	switch {
	case errors.Is(runErr, context.Canceled):
		status = schema.WorkflowStatusCancelled
		errMsg = "run cancelled"
	case errors.Is(runErr, context.DeadlineExceeded):
		status = schema.WorkflowStatusFailed
		errMsg = "execution time budget exceeded"
	case topErr != "":
		status = schema.WorkflowStatusFailed
	case len(failed) > 0:
		status = schema.WorkflowStatusFailed
	case len(completed) == len(def.Steps):
		status = schema.WorkflowStatusCompleted
	default:
		status = schema.WorkflowStatusPartiallyCompleted
	}

	emitEvent(ctx, o.events, wfCtx, "", terminalEvent(status), map[string]any{
		"completed_steps": len(completed),
		"failed_steps":    len(failed),
	})
	o.logger.InfoContext(ctx, "workflow finished",
		slog.String("status", string(status)),
		slog.Int("completed_steps", len(completed)),
		slog.Int("failed_steps", len(failed)),
	)

	return &WorkflowExecution{
		ExecutionID:     wfCtx.ExecutionID,
		WorkflowID:      wfCtx.WorkflowID,
		OrgID:           wfCtx.OrgID,
		UserID:          wfCtx.UserID,
		Status:          status,
		InputData:       req.Input,
		OutputData:      wfCtx.DataSnapshot(),
		StartedAt:       wfCtx.StartedAt,
		CompletedAt:     completedAt,
		DurationSeconds: completedAt.Sub(wfCtx.StartedAt).Seconds(),
		CompletedSteps:  completed,
		FailedSteps:     failed,
		Steps:           wfCtx.StepExecutions(),
		Error:           errMsg,
	}
}

func terminalEvent(status schema.WorkflowStatus) string {
	switch status {
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	case schema.WorkflowStatusCancelled:
		return schema.EventWorkflowCancelled
	default:
		return schema.EventWorkflowPartial
	}
}
