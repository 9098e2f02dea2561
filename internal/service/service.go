package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/marqops/conductor/internal/engine"
	"github.com/marqops/conductor/internal/store"
	"github.com/marqops/conductor/internal/validation"
	"github.com/marqops/conductor/pkg/schema"
)

// Service composes the orchestrator with persistence: definitions are
// validated before they are stored, and every run is recorded as an
// ExecutionRecord. The orchestrator itself stays persistence-free.
type Service struct {
	store        store.Store
	orchestrator *engine.Orchestrator
	validator    validation.Validator
	logger       *slog.Logger
}

// NewService creates a Service.
func NewService(s store.Store, o *engine.Orchestrator, v validation.Validator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, orchestrator: o, validator: v, logger: logger}
}

// DefineWorkflow validates and stores a workflow definition.
func (s *Service) DefineWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	if s.validator != nil {
		if err := s.validator.ValidateDefinition(def); err != nil {
			return err
		}
	}
	return s.store.CreateDefinition(ctx, def)
}

// Run looks up a stored definition, executes it, and persists the outcome.
func (s *Service) Run(ctx context.Context, workflowID string, input map[string]any, orgID, userID string) (*engine.WorkflowExecution, error) {
	def, err := s.store.GetDefinition(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load definition: %w", err)
	}
	if def == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", workflowID)
	}

	result := s.orchestrator.Execute(ctx, def, engine.ExecuteRequest{
		OrgID:  orgID,
		UserID: userID,
		Input:  input,
	})

	if err := s.store.SaveExecution(ctx, executionRecord(result)); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist execution",
			slog.String("execution_id", result.ExecutionID),
			slog.String("error", err.Error()),
		)
	}
	return result, nil
}

// RunWorkflow satisfies scheduler.WorkflowRunner. Lookup failures surface as
// a failed status with no execution ID.
func (s *Service) RunWorkflow(ctx context.Context, workflowID string, input map[string]any, orgID, userID string) (string, schema.WorkflowStatus) {
	result, err := s.Run(ctx, workflowID, input, orgID, userID)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduled workflow run failed",
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()),
		)
		return "", schema.WorkflowStatusFailed
	}
	return result.ExecutionID, result.Status
}

// Status reports on one execution: the live run when still in flight,
// otherwise the persisted record.
func (s *Service) Status(ctx context.Context, executionID string) (*store.ExecutionRecord, error) {
	if run := s.orchestrator.Runs().Get(executionID); run != nil {
		return &store.ExecutionRecord{
			ExecutionID: run.ExecutionID,
			WorkflowID:  run.WorkflowID,
			OrgID:       run.OrgID,
			Status:      schema.WorkflowStatusRunning,
			StartedAt:   run.StartedAt,
		}, nil
	}

	rec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}
	if rec == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", executionID)
	}
	return rec, nil
}

// CancelRun cancels an in-flight execution. Returns false when no such run
// is active.
func (s *Service) CancelRun(executionID string) bool {
	return s.orchestrator.Cancel(executionID)
}

// Store exposes the underlying store for query surfaces.
func (s *Service) Store() store.Store { return s.store }

// ActiveRuns lists in-flight executions.
func (s *Service) ActiveRuns() []*engine.ActiveRun {
	return s.orchestrator.Runs().List()
}

// executionRecord converts a run result into its persisted form.
func executionRecord(result *engine.WorkflowExecution) *store.ExecutionRecord {
	rec := &store.ExecutionRecord{
		ExecutionID:     result.ExecutionID,
		WorkflowID:      result.WorkflowID,
		OrgID:           result.OrgID,
		UserID:          result.UserID,
		Status:          result.Status,
		CompletedSteps:  result.CompletedSteps,
		FailedSteps:     result.FailedSteps,
		StartedAt:       result.StartedAt,
		CompletedAt:     result.CompletedAt,
		DurationSeconds: result.DurationSeconds,
		Error:           result.Error,
	}
	if len(result.InputData) > 0 {
		if raw, err := json.Marshal(result.InputData); err == nil {
			rec.InputData = raw
		}
	}
	if len(result.OutputData) > 0 {
		if raw, err := json.Marshal(result.OutputData); err == nil {
			rec.OutputData = raw
		}
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}
	return rec
}
