package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marqops/conductor/internal/capability"
	"github.com/marqops/conductor/internal/store"
	"github.com/marqops/conductor/pkg/schema"
)

func newOrchestrator(t *testing.T, events EventSink, caps ...capability.Capability) *Orchestrator {
	t.Helper()
	reg := capability.NewRegistry()
	require.NoError(t, capability.RegisterBuiltins(reg))
	for _, c := range caps {
		require.NoError(t, reg.Register(c))
	}
	o, err := NewOrchestrator(reg, NewRunRegistry(), events, Config{PoolSize: 4}, testLogger())
	require.NoError(t, err)
	t.Cleanup(o.Shutdown)
	return o
}

func TestExecuteSequentialCompletes(t *testing.T) {
	fetch := alwaysCompleted(map[string]any{"leads": 12})
	fetch.id = "crm.fetch"
	o := newOrchestrator(t, nil, fetch)

	def := &schema.WorkflowDefinition{
		ID:   "nurture",
		Mode: schema.ModeSequential,
		Steps: []schema.StepSpec{
			{ID: "fetch", Capability: "crm.fetch", OutputMapping: map[string]string{"leads": "lead_count"}},
			{ID: "confirm", Capability: "core.noop", DependsOn: []string{"fetch"}},
		},
	}

	result := o.Execute(context.Background(), def, ExecuteRequest{
		OrgID:  "org-1",
		UserID: "user-1",
		Input:  map[string]any{"segment": "trial"},
	})

	assert.Equal(t, schema.WorkflowStatusCompleted, result.Status)
	assert.Equal(t, []string{"confirm", "fetch"}, result.CompletedSteps)
	assert.Empty(t, result.FailedSteps)
	assert.Empty(t, result.Error)
	assert.Equal(t, "nurture", result.WorkflowID)
	assert.NotEmpty(t, result.ExecutionID)
	assert.Equal(t, 12, result.OutputData["lead_count"])
	assert.Equal(t, "trial", result.OutputData["segment"])
	assert.GreaterOrEqual(t, result.DurationSeconds, 0.0)

	// Terminal runs leave the active-run registry.
	assert.Empty(t, o.Runs().List())
}

func TestExecuteSequentialFailFast(t *testing.T) {
	bad := alwaysFailing("quota exceeded")
	bad.id = "ads.sync"
	o := newOrchestrator(t, nil, bad)

	def := &schema.WorkflowDefinition{
		ID: "push",
		Steps: []schema.StepSpec{
			{ID: "prep", Capability: "core.noop"},
			{ID: "sync", Capability: "ads.sync", MaxRetries: intPtr(0)},
			{ID: "report", Capability: "core.noop"},
		},
	}

	result := o.Execute(context.Background(), def, ExecuteRequest{})

	assert.Equal(t, schema.WorkflowStatusFailed, result.Status)
	assert.Equal(t, []string{"prep"}, result.CompletedSteps)
	assert.Equal(t, []string{"sync"}, result.FailedSteps)
	// Fail-fast: the step after the failure was never started.
	assert.Equal(t, schema.StepStatusPending, result.Steps["report"].Status)
}

func TestExecuteSequentialSkipsUnsatisfiedDependencies(t *testing.T) {
	o := newOrchestrator(t, nil)

	def := &schema.WorkflowDefinition{
		ID: "gated",
		Steps: []schema.StepSpec{
			{ID: "guarded", Capability: "core.noop", Condition: "false"},
			{ID: "downstream", Capability: "core.noop", DependsOn: []string{"guarded"}},
		},
	}

	result := o.Execute(context.Background(), def, ExecuteRequest{})

	// Skips are not failures; the run is partial, not failed.
	assert.Equal(t, schema.WorkflowStatusPartiallyCompleted, result.Status)
	assert.Empty(t, result.FailedSteps)
	assert.Equal(t, schema.StepStatusSkipped, result.Steps["guarded"].Status)
	assert.Equal(t, schema.StepStatusSkipped, result.Steps["downstream"].Status)
}

func TestExecuteParallelBestEffort(t *testing.T) {
	// A completes; B fails; C completes. Any failure forces final status
	// failed even though siblings kept going.
	bad := alwaysFailing("send bounced")
	bad.id = "email.send"
	o := newOrchestrator(t, nil, bad)

	def := &schema.WorkflowDefinition{
		ID:   "fanout",
		Mode: schema.ModeParallel,
		Steps: []schema.StepSpec{
			{ID: "a", Capability: "core.noop"},
			{ID: "b", Capability: "email.send", DependsOn: []string{"a"}, MaxRetries: intPtr(0)},
			{ID: "c", Capability: "core.noop", DependsOn: []string{"a"}},
		},
	}

	result := o.Execute(context.Background(), def, ExecuteRequest{})

	assert.Equal(t, schema.WorkflowStatusFailed, result.Status)
	assert.Equal(t, []string{"a", "c"}, result.CompletedSteps)
	assert.Equal(t, []string{"b"}, result.FailedSteps)
}

func TestExecuteParallelSkipsDependentsOfFailedSteps(t *testing.T) {
	bad := alwaysFailing("upstream down")
	bad.id = "crm.pull"
	o := newOrchestrator(t, nil, bad)

	def := &schema.WorkflowDefinition{
		ID:   "pipeline",
		Mode: schema.ModeParallel,
		Steps: []schema.StepSpec{
			{ID: "pull", Capability: "crm.pull", MaxRetries: intPtr(0)},
			{ID: "transform", Capability: "core.noop", DependsOn: []string{"pull"}},
			{ID: "independent", Capability: "core.noop"},
		},
	}

	result := o.Execute(context.Background(), def, ExecuteRequest{})

	assert.Equal(t, schema.WorkflowStatusFailed, result.Status)
	assert.Equal(t, []string{"independent"}, result.CompletedSteps)
	assert.Equal(t, []string{"pull"}, result.FailedSteps)
	assert.Equal(t, schema.StepStatusSkipped, result.Steps["transform"].Status)
}

func TestExecuteParallelDropsUnplacedSteps(t *testing.T) {
	o := newOrchestrator(t, nil)

	def := &schema.WorkflowDefinition{
		ID:   "partial-graph",
		Mode: schema.ModeParallel,
		Steps: []schema.StepSpec{
			{ID: "ok", Capability: "core.noop"},
			{ID: "orphan", Capability: "core.noop", DependsOn: []string{"missing"}},
		},
	}

	result := o.Execute(context.Background(), def, ExecuteRequest{})

	// The unplaceable step is dropped, not failed.
	assert.Equal(t, schema.WorkflowStatusPartiallyCompleted, result.Status)
	assert.Equal(t, []string{"ok"}, result.CompletedSteps)
	assert.Empty(t, result.FailedSteps)
	assert.Equal(t, schema.StepStatusPending, result.Steps["orphan"].Status)
}

func TestExecuteConditionalAliasesSequential(t *testing.T) {
	o := newOrchestrator(t, nil)

	def := &schema.WorkflowDefinition{
		ID:   "branchy",
		Mode: schema.ModeConditional,
		Steps: []schema.StepSpec{
			{ID: "always", Capability: "core.noop"},
			{ID: "high-value", Capability: "core.noop", Condition: `data.deal_size > 10000`},
			{ID: "low-value", Capability: "core.noop", Condition: `data.deal_size <= 10000`},
		},
	}

	result := o.Execute(context.Background(), def, ExecuteRequest{
		Input: map[string]any{"deal_size": 500},
	})

	assert.Equal(t, schema.WorkflowStatusPartiallyCompleted, result.Status)
	assert.Equal(t, []string{"always", "low-value"}, result.CompletedSteps)
	assert.Equal(t, schema.StepStatusSkipped, result.Steps["high-value"].Status)
}

func TestExecuteConditionGuardSeesWorkflowMetadata(t *testing.T) {
	o := newOrchestrator(t, nil)

	def := &schema.WorkflowDefinition{
		ID: "org-gated",
		Steps: []schema.StepSpec{
			{ID: "only-org-7", Capability: "core.noop", Condition: `workflow.org_id == "org-7"`},
		},
	}

	result := o.Execute(context.Background(), def, ExecuteRequest{OrgID: "org-7"})
	assert.Equal(t, schema.WorkflowStatusCompleted, result.Status)

	result = o.Execute(context.Background(), def, ExecuteRequest{OrgID: "org-8"})
	assert.Equal(t, schema.WorkflowStatusPartiallyCompleted, result.Status)
}

func TestExecuteBrokenGuardFailsStep(t *testing.T) {
	o := newOrchestrator(t, nil)

	def := &schema.WorkflowDefinition{
		ID: "bad-guard",
		Steps: []schema.StepSpec{
			{ID: "guarded", Capability: "core.noop", Condition: `data.x +`},
			{ID: "after", Capability: "core.noop"},
		},
	}

	result := o.Execute(context.Background(), def, ExecuteRequest{})

	assert.Equal(t, schema.WorkflowStatusFailed, result.Status)
	assert.Equal(t, []string{"guarded"}, result.FailedSteps)
	// Guard failure is fail-fast in sequential mode.
	assert.Equal(t, schema.StepStatusPending, result.Steps["after"].Status)
}

func TestExecuteNilAndEmptyDefinitions(t *testing.T) {
	o := newOrchestrator(t, nil)

	result := o.Execute(context.Background(), nil, ExecuteRequest{})
	assert.Equal(t, schema.WorkflowStatusFailed, result.Status)
	assert.NotEmpty(t, result.Error)

	result = o.Execute(context.Background(), &schema.WorkflowDefinition{ID: "empty"}, ExecuteRequest{})
	assert.Equal(t, schema.WorkflowStatusFailed, result.Status)
}

func TestExecuteInvalidTimeout(t *testing.T) {
	o := newOrchestrator(t, nil)

	def := &schema.WorkflowDefinition{
		ID:      "bad-timeout",
		Timeout: "sometime",
		Steps:   []schema.StepSpec{{ID: "a", Capability: "core.noop"}},
	}

	result := o.Execute(context.Background(), def, ExecuteRequest{})
	assert.Equal(t, schema.WorkflowStatusFailed, result.Status)
	assert.Contains(t, result.Error, "invalid workflow timeout")
}

func TestExecuteTimeoutBudgetExceeded(t *testing.T) {
	slow := &stubCapability{
		id: "ops.slow",
		fn: func(int, capability.Request) (*capability.Response, error) {
			time.Sleep(100 * time.Millisecond)
			return capability.Completed(nil, 0.1), nil
		},
	}
	o := newOrchestrator(t, nil, slow)

	def := &schema.WorkflowDefinition{
		ID:      "deadline",
		Timeout: "10ms",
		Steps: []schema.StepSpec{
			{ID: "first", Capability: "ops.slow"},
			{ID: "second", Capability: "core.noop"},
		},
	}

	result := o.Execute(context.Background(), def, ExecuteRequest{})
	assert.Equal(t, schema.WorkflowStatusFailed, result.Status)
	assert.Equal(t, "execution time budget exceeded", result.Error)
}

func TestExecuteCancellation(t *testing.T) {
	started := make(chan struct{})
	slow := &stubCapability{
		id: "ops.block",
		fn: func(int, capability.Request) (*capability.Response, error) {
			close(started)
			time.Sleep(150 * time.Millisecond)
			return capability.Completed(nil, 0.15), nil
		},
	}
	o := newOrchestrator(t, nil, slow)

	def := &schema.WorkflowDefinition{
		ID: "cancellable",
		Steps: []schema.StepSpec{
			{ID: "block", Capability: "ops.block"},
			{ID: "after", Capability: "core.noop"},
		},
	}

	done := make(chan *WorkflowExecution, 1)
	go func() {
		done <- o.Execute(context.Background(), def, ExecuteRequest{})
	}()

	<-started
	runs := o.Runs().List()
	require.Len(t, runs, 1)
	require.True(t, o.Cancel(runs[0].ExecutionID))

	result := <-done
	assert.Equal(t, schema.WorkflowStatusCancelled, result.Status)
	assert.Equal(t, "run cancelled", result.Error)
	// The step after the cancellation point never ran.
	assert.Equal(t, schema.StepStatusPending, result.Steps["after"].Status)
	assert.Empty(t, o.Runs().List())
}

func TestExecuteRecoversInternalPanic(t *testing.T) {
	bomb := &stubCapability{
		id: "ops.bomb",
		fn: func(int, capability.Request) (*capability.Response, error) {
			panic("unexpected nil dereference")
		},
	}
	o := newOrchestrator(t, nil, bomb)

	def := &schema.WorkflowDefinition{
		ID:    "panicky",
		Steps: []schema.StepSpec{{ID: "boom", Capability: "ops.bomb"}},
	}

	var result *WorkflowExecution
	require.NotPanics(t, func() {
		result = o.Execute(context.Background(), def, ExecuteRequest{})
	})
	assert.Equal(t, schema.WorkflowStatusFailed, result.Status)
	assert.Contains(t, result.Error, "internal error")
}

func TestExecuteEmitsLifecycleEvents(t *testing.T) {
	sink := store.NewMemoryStore()
	o := newOrchestrator(t, sink)

	def := &schema.WorkflowDefinition{
		ID:    "observed",
		Steps: []schema.StepSpec{{ID: "only", Capability: "core.noop"}},
	}

	result := o.Execute(context.Background(), def, ExecuteRequest{})
	require.Equal(t, schema.WorkflowStatusCompleted, result.Status)

	events, err := sink.GetEvents(context.Background(), result.ExecutionID, 0)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	assert.Equal(t, []string{
		schema.EventWorkflowStarted,
		schema.EventStepStarted,
		schema.EventStepCompleted,
		schema.EventWorkflowCompleted,
	}, types)
}

func TestExecuteConcurrentRunsAreIsolated(t *testing.T) {
	// Both runs must be mid-flight at the same time before either finishes.
	var gate sync.WaitGroup
	gate.Add(2)
	echo := &stubCapability{
		id: "crm.echo",
		fn: func(_ int, req capability.Request) (*capability.Response, error) {
			gate.Done()
			gate.Wait()
			return capability.Completed(map[string]any{"echo": req.InputData["segment"]}, 0.01), nil
		},
	}
	o := newOrchestrator(t, nil, echo)

	def := &schema.WorkflowDefinition{
		ID: "nurture",
		Steps: []schema.StepSpec{
			{ID: "fetch", Capability: "crm.echo",
				InputMapping:  map[string]string{"segment": "segment"},
				OutputMapping: map[string]string{"echo": "echoed"}},
		},
	}

	results := make(chan *WorkflowExecution, 2)
	for _, segment := range []string{"trial", "enterprise"} {
		go func(seg string) {
			results <- o.Execute(context.Background(), def, ExecuteRequest{
				OrgID:  "org-1",
				UserID: "user-1",
				Input:  map[string]any{"segment": seg},
			})
		}(segment)
	}

	bySegment := make(map[string]*WorkflowExecution, 2)
	for i := 0; i < 2; i++ {
		r := <-results
		seg, _ := r.InputData["segment"].(string)
		bySegment[seg] = r
	}

	trial, enterprise := bySegment["trial"], bySegment["enterprise"]
	require.NotNil(t, trial)
	require.NotNil(t, enterprise)
	assert.NotEqual(t, trial.ExecutionID, enterprise.ExecutionID)

	// Each run sees only its own shared data.
	assert.Equal(t, schema.WorkflowStatusCompleted, trial.Status, "error: %s", trial.Error)
	assert.Equal(t, schema.WorkflowStatusCompleted, enterprise.Status, "error: %s", enterprise.Error)
	assert.Equal(t, "trial", trial.OutputData["echoed"])
	assert.Equal(t, "enterprise", enterprise.OutputData["echoed"])
	assert.Equal(t, "trial", trial.OutputData["segment"])
	assert.Equal(t, "enterprise", enterprise.OutputData["segment"])
}

func TestExecuteTransformCapabilities(t *testing.T) {
	o := newOrchestrator(t, nil)

	def := &schema.WorkflowDefinition{
		ID: "roi",
		Steps: []schema.StepSpec{
			{
				ID:            "compute",
				Capability:    "transform.expr",
				InputMapping:  map[string]string{"expression": "roi_formula", "spend": "spend", "revenue": "revenue"},
				OutputMapping: map[string]string{"result": "roi"},
			},
		},
	}

	result := o.Execute(context.Background(), def, ExecuteRequest{
		Input: map[string]any{
			"roi_formula": "(revenue - spend) / spend",
			"spend":       200.0,
			"revenue":     700.0,
		},
	})

	require.Equal(t, schema.WorkflowStatusCompleted, result.Status, "error: %s", result.Error)
	assert.InDelta(t, 2.5, result.OutputData["roi"], 0.0001)
}
