package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/marqops/conductor/internal/store"
	"github.com/marqops/conductor/pkg/schema"
)

// WorkflowRunner is the interface the scheduler uses to fire workflows.
// Satisfied by the service layer (avoids import cycle with the engine).
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, workflowID string, input map[string]any, orgID, userID string) (executionID string, status schema.WorkflowStatus)
}

// Scheduler holds time-triggered workflow runs and fires those that are due.
// Callers may drive it explicitly via ProcessDue, or Start launches a
// background polling loop.
type Scheduler struct {
	store  store.Store
	runner WorkflowRunner
	parser cron.Parser
	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // run IDs currently firing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner WorkflowRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Schedule creates and stores a ScheduledRun for the given workflow.
func (s *Scheduler) Schedule(ctx context.Context, run *store.ScheduledRun) (*store.ScheduledRun, error) {
	if run == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "scheduled run is nil")
	}
	if run.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "scheduled run missing workflow ID")
	}
	if run.RunAt.IsZero() {
		return nil, schema.NewError(schema.ErrCodeValidation, "scheduled run missing trigger time")
	}
	if run.Recurring {
		if err := s.validatePattern(run.Pattern); err != nil {
			return nil, err
		}
	}

	cp := *run
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	cp.Status = schema.ScheduleStatusScheduled
	cp.CreatedAt = s.now()

	if err := s.store.CreateScheduledRun(ctx, &cp); err != nil {
		return nil, fmt.Errorf("store scheduled run: %w", err)
	}

	s.emitEvent(ctx, &cp, schema.EventRunScheduled)
	s.logger.Info("run scheduled",
		slog.String("schedule_id", cp.ID),
		slog.String("workflow_id", cp.WorkflowID),
		slog.Time("run_at", cp.RunAt),
	)
	return &cp, nil
}

// Cancel marks a pending scheduled run cancelled. Fired runs are not affected.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	run, err := s.store.GetScheduledRun(ctx, id)
	if err != nil {
		return fmt.Errorf("get scheduled run: %w", err)
	}
	if run == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled run %q not found", id)
	}
	if run.Status != schema.ScheduleStatusScheduled {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled run %q is %s, not cancellable", id, run.Status)
	}
	status := schema.ScheduleStatusCancelled
	return s.store.UpdateScheduledRun(ctx, id, store.ScheduledRunUpdate{Status: &status})
}

// ProcessDue fires every scheduled run whose trigger time has passed. A
// failure in one run does not block the rest of the batch. Returns the
// number of runs fired.
func (s *Scheduler) ProcessDue(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.ListScheduledRuns(ctx, store.ScheduledRunFilter{
		Status:    schema.ScheduleStatusScheduled,
		DueBefore: &now,
	})
	if err != nil {
		return 0, fmt.Errorf("list due runs: %w", err)
	}

	fired := 0
	for _, run := range due {
		if !s.tryAcquire(run.ID) {
			continue // already firing (dedup)
		}
		s.fire(ctx, run)
		s.release(run.ID)
		fired++
	}
	return fired, nil
}

// fire runs one due ScheduledRun, records the outcome, and chains the next
// occurrence when recurring.
func (s *Scheduler) fire(ctx context.Context, run *store.ScheduledRun) {
	s.logger.Info("firing scheduled run",
		slog.String("schedule_id", run.ID),
		slog.String("workflow_id", run.WorkflowID),
	)

	execID, status := s.runner.RunWorkflow(ctx, run.WorkflowID, run.Input, run.OrgID, run.UserID)

	outcome := schema.ScheduleStatusCompleted
	eventType := schema.EventScheduleFired
	if status != schema.WorkflowStatusCompleted {
		outcome = schema.ScheduleStatusFailed
		eventType = schema.EventScheduleFailed
		s.logger.Error("scheduled run failed",
			slog.String("schedule_id", run.ID),
			slog.String("workflow_id", run.WorkflowID),
			slog.String("status", string(status)),
		)
	}

	firedAt := s.now()
	if err := s.store.UpdateScheduledRun(ctx, run.ID, store.ScheduledRunUpdate{
		Status:      &outcome,
		ExecutionID: &execID,
		FiredAt:     &firedAt,
	}); err != nil {
		s.logger.Error("failed to update scheduled run",
			slog.String("schedule_id", run.ID),
			slog.String("error", err.Error()),
		)
	}
	run.ExecutionID = execID
	s.emitEvent(ctx, run, eventType)

	if run.Recurring {
		if err := s.chainNext(ctx, run); err != nil {
			s.logger.Error("failed to chain recurring run",
				slog.String("schedule_id", run.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// chainNext creates the next occurrence of a recurring run, preserving the
// workflow, input, and identity of the fired one.
func (s *Scheduler) chainNext(ctx context.Context, run *store.ScheduledRun) error {
	nextAt, err := s.NextOccurrence(run.Pattern, run.RunAt)
	if err != nil {
		return err
	}

	next := &store.ScheduledRun{
		ID:         uuid.New().String(),
		WorkflowID: run.WorkflowID,
		RunAt:      nextAt,
		Input:      run.Input,
		OrgID:      run.OrgID,
		UserID:     run.UserID,
		Recurring:  true,
		Pattern:    run.Pattern,
		Status:     schema.ScheduleStatusScheduled,
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateScheduledRun(ctx, next); err != nil {
		return fmt.Errorf("store next occurrence: %w", err)
	}

	s.emitEvent(ctx, next, schema.EventRunScheduled)
	s.logger.Info("recurring run chained",
		slog.String("schedule_id", next.ID),
		slog.String("workflow_id", next.WorkflowID),
		slog.Time("run_at", next.RunAt),
	)
	return nil
}

// NextOccurrence computes the next trigger time from the previous one.
// Named patterns use fixed offsets; anything else is parsed as a cron
// expression.
func (s *Scheduler) NextOccurrence(pattern string, from time.Time) (time.Time, error) {
	switch schema.RecurrencePattern(pattern) {
	case schema.RecurrenceDaily:
		return from.Add(24 * time.Hour), nil
	case schema.RecurrenceWeekly:
		return from.Add(7 * 24 * time.Hour), nil
	case schema.RecurrenceMonthly:
		return from.Add(30 * 24 * time.Hour), nil
	}
	schedule, err := s.parser.Parse(pattern)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "unsupported recurrence pattern %q", pattern)
	}
	return schedule.Next(from), nil
}

func (s *Scheduler) validatePattern(pattern string) error {
	_, err := s.NextOccurrence(pattern, s.now())
	return err
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx, interval)
	s.logger.Info("scheduler started", slog.Duration("interval", interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial poll immediately.
	s.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	if _, err := s.ProcessDue(ctx); err != nil {
		s.logger.Error("scheduler poll failed", slog.String("error", err.Error()))
	}
}

// Stop gracefully shuts down the polling loop.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

func (s *Scheduler) emitEvent(ctx context.Context, run *store.ScheduledRun, eventType string) {
	err := s.store.AppendEvent(ctx, &store.Event{
		WorkflowID:  run.WorkflowID,
		ExecutionID: run.ExecutionID,
		Type:        eventType,
		Timestamp:   s.now(),
	})
	if err != nil {
		s.logger.Warn("failed to append schedule event",
			slog.String("schedule_id", run.ID),
			slog.String("error", err.Error()),
		)
	}
}
