package engine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ActiveRun is one in-flight workflow execution tracked by the RunRegistry.
type ActiveRun struct {
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
	OrgID       string    `json:"org_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`

	cancel context.CancelFunc
}

// RunRegistry tracks in-flight executions by execution ID. It is an injected
// service with a defined lifecycle — insert on start, remove on terminal
// status or cancel — so multiple orchestrator instances and test runs never
// share state.
type RunRegistry struct {
	mu   sync.Mutex
	runs map[string]*ActiveRun
}

// NewRunRegistry creates an empty RunRegistry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*ActiveRun)}
}

// Insert registers an in-flight run.
func (r *RunRegistry) Insert(run *ActiveRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ExecutionID] = run
}

// Remove deregisters a run by execution ID.
func (r *RunRegistry) Remove(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, executionID)
}

// Get returns the active run for the execution ID, or nil.
func (r *RunRegistry) Get(executionID string) *ActiveRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[executionID]
}

// Cancel removes the run from the registry and cancels its context.
// Cancellation is cooperative: the runner observes it between steps and
// before retry sleeps; an in-flight capability call is not interrupted
// beyond its own context handling. Returns false if no such run exists.
func (r *RunRegistry) Cancel(executionID string) bool {
	r.mu.Lock()
	run, ok := r.runs[executionID]
	if ok {
		delete(r.runs, executionID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if run.cancel != nil {
		run.cancel()
	}
	return true
}

// List returns a snapshot of active runs, ordered by start time then ID.
func (r *RunRegistry) List() []*ActiveRun {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*ActiveRun, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ExecutionID < out[j].ExecutionID
	})
	return out
}
