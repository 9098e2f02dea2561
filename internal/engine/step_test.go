package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marqops/conductor/internal/capability"
	"github.com/marqops/conductor/internal/store"
	"github.com/marqops/conductor/pkg/schema"
)

// stubCapability is a scriptable capability: fn receives the attempt number
// (starting at 1) and the request.
type stubCapability struct {
	id string
	fn func(attempt int, req capability.Request) (*capability.Response, error)

	mu       sync.Mutex
	attempts int
	requests []capability.Request
}

func (s *stubCapability) ID() string { return s.id }

func (s *stubCapability) Execute(_ context.Context, req capability.Request) (*capability.Response, error) {
	s.mu.Lock()
	s.attempts++
	n := s.attempts
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return s.fn(n, req)
}

func (s *stubCapability) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func alwaysCompleted(output map[string]any) *stubCapability {
	return &stubCapability{
		id: "stub.ok",
		fn: func(int, capability.Request) (*capability.Response, error) {
			return capability.Completed(output, 0.01), nil
		},
	}
}

func alwaysFailing(msg string) *stubCapability {
	return &stubCapability{
		id: "stub.fail",
		fn: func(int, capability.Request) (*capability.Response, error) {
			return capability.Failed(msg, 0.01), nil
		},
	}
}

func succeedsOnAttempt(n int, output map[string]any) *stubCapability {
	return &stubCapability{
		id: "stub.flaky",
		fn: func(attempt int, _ capability.Request) (*capability.Response, error) {
			if attempt < n {
				return capability.Failed("transient upstream error", 0.01), nil
			}
			return capability.Completed(output, 0.01), nil
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStepHarness(t *testing.T, caps ...capability.Capability) (*StepExecutor, *capability.Registry) {
	t.Helper()
	reg := capability.NewRegistry()
	for _, c := range caps {
		require.NoError(t, reg.Register(c))
	}
	return NewStepExecutor(reg, nil, testLogger()), reg
}

func stepContext(steps []schema.StepSpec, input map[string]any) *WorkflowContext {
	return NewWorkflowContext(&schema.WorkflowDefinition{ID: "wf-test", Steps: steps}, "org-1", "user-1", input)
}

func intPtr(n int) *int { return &n }

func TestStepExecuteSuccess(t *testing.T) {
	cap1 := alwaysCompleted(map[string]any{"count": 7, "ignored": true})
	exec, _ := newStepHarness(t, cap1)

	spec := schema.StepSpec{
		ID:            "fetch",
		Capability:    "stub.ok",
		InputMapping:  map[string]string{"segment": "target_segment"},
		OutputMapping: map[string]string{"count": "lead_count"},
	}
	wfCtx := stepContext([]schema.StepSpec{spec}, map[string]any{"target_segment": "trial"})

	require.NoError(t, exec.Execute(context.Background(), wfCtx, &spec))

	rec := wfCtx.Step("fetch")
	assert.Equal(t, schema.StepStatusCompleted, rec.Status)
	assert.Empty(t, rec.Error)
	assert.Equal(t, 0, rec.RetryCount)
	require.NotNil(t, rec.CompletedAt)

	// Input mapping resolved from shared data.
	assert.Equal(t, "trial", rec.Input["segment"])
	// Output mapping folded back into shared data; unmapped keys are not.
	v, ok := wfCtx.DataValue("lead_count")
	require.True(t, ok)
	assert.Equal(t, 7, v)
	_, ok = wfCtx.DataValue("ignored")
	assert.False(t, ok)

	assert.True(t, wfCtx.IsCompleted("fetch"))
}

func TestStepExecuteInjectsRunMetadata(t *testing.T) {
	cap1 := alwaysCompleted(nil)
	exec, _ := newStepHarness(t, cap1)

	spec := schema.StepSpec{ID: "meta", Capability: "stub.ok"}
	wfCtx := stepContext([]schema.StepSpec{spec}, nil)

	require.NoError(t, exec.Execute(context.Background(), wfCtx, &spec))

	require.Len(t, cap1.requests, 1)
	req := cap1.requests[0]
	assert.Equal(t, "stub.ok", req.CapabilityID)
	assert.Equal(t, "org-1", req.OrgID)
	assert.Equal(t, "user-1", req.UserID)
	assert.Equal(t, wfCtx.WorkflowID, req.Context.WorkflowID)
	assert.Equal(t, wfCtx.ExecutionID, req.Context.ExecutionID)
	assert.Equal(t, "meta", req.Context.StepID)

	meta, ok := req.InputData[schema.MetadataKey].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, wfCtx.ExecutionID, meta["execution_id"])
}

func TestStepExecuteRetryBudget(t *testing.T) {
	// max_retries = 2 means exactly 3 invocations before terminal failure.
	cap1 := alwaysFailing("campaign API unavailable")
	exec, _ := newStepHarness(t, cap1)
	sink := store.NewMemoryStore()
	exec.events = sink

	spec := schema.StepSpec{
		ID:         "sync",
		Capability: "stub.fail",
		MaxRetries: intPtr(2),
		RetryDelay: "1ms",
	}
	wfCtx := stepContext([]schema.StepSpec{spec}, nil)

	err := exec.Execute(context.Background(), wfCtx, &spec)
	require.Error(t, err)
	var cerr *schema.ConductorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeRetryExhausted, cerr.Code)

	assert.Equal(t, 3, cap1.attemptCount())
	rec := wfCtx.Step("sync")
	assert.Equal(t, schema.StepStatusFailed, rec.Status)
	assert.Equal(t, 3, rec.RetryCount)
	assert.Contains(t, rec.Error, "campaign API unavailable")

	// One retrying event per sleep: two backoffs for three attempts.
	events, err := sink.GetEvents(context.Background(), wfCtx.ExecutionID, 0)
	require.NoError(t, err)
	retrying := 0
	for _, e := range events {
		if e.Type == schema.EventStepRetrying {
			retrying++
		}
	}
	assert.Equal(t, 2, retrying)
}

func TestStepExecuteZeroRetries(t *testing.T) {
	cap1 := alwaysFailing("hard failure")
	exec, _ := newStepHarness(t, cap1)

	spec := schema.StepSpec{ID: "once", Capability: "stub.fail", MaxRetries: intPtr(0)}
	wfCtx := stepContext([]schema.StepSpec{spec}, nil)

	require.Error(t, exec.Execute(context.Background(), wfCtx, &spec))
	assert.Equal(t, 1, cap1.attemptCount())
}

func TestStepExecuteRecoversAfterTransientFailures(t *testing.T) {
	cap1 := succeedsOnAttempt(3, map[string]any{"status": "sent"})
	exec, _ := newStepHarness(t, cap1)

	spec := schema.StepSpec{
		ID:            "send",
		Capability:    "stub.flaky",
		RetryDelay:    "1ms",
		OutputMapping: map[string]string{"status": "send_status"},
	}
	wfCtx := stepContext([]schema.StepSpec{spec}, nil)

	require.NoError(t, exec.Execute(context.Background(), wfCtx, &spec))

	rec := wfCtx.Step("send")
	assert.Equal(t, schema.StepStatusCompleted, rec.Status)
	assert.Equal(t, 2, rec.RetryCount)
	// The transient error message does not survive eventual success.
	assert.Empty(t, rec.Error)

	v, _ := wfCtx.DataValue("send_status")
	assert.Equal(t, "sent", v)
}

func TestStepExecuteCapabilityError(t *testing.T) {
	boom := &stubCapability{
		id: "stub.error",
		fn: func(int, capability.Request) (*capability.Response, error) {
			return nil, schema.NewError(schema.ErrCodeExecution, "connection refused")
		},
	}
	exec, _ := newStepHarness(t, boom)

	spec := schema.StepSpec{ID: "call", Capability: "stub.error", MaxRetries: intPtr(1), RetryDelay: "1ms"}
	wfCtx := stepContext([]schema.StepSpec{spec}, nil)

	require.Error(t, exec.Execute(context.Background(), wfCtx, &spec))
	assert.Equal(t, 2, boom.attemptCount())
	assert.Contains(t, wfCtx.Step("call").Error, "connection refused")
}

func TestStepExecuteUnknownCapability(t *testing.T) {
	exec, _ := newStepHarness(t)

	spec := schema.StepSpec{ID: "ghost", Capability: "does.not.exist", MaxRetries: intPtr(0)}
	wfCtx := stepContext([]schema.StepSpec{spec}, nil)

	err := exec.Execute(context.Background(), wfCtx, &spec)
	require.Error(t, err)
	assert.Equal(t, schema.StepStatusFailed, wfCtx.Step("ghost").Status)
}

func TestStepExecuteCancelledBeforeAttempt(t *testing.T) {
	cap1 := alwaysCompleted(nil)
	exec, _ := newStepHarness(t, cap1)

	spec := schema.StepSpec{ID: "never", Capability: "stub.ok"}
	wfCtx := stepContext([]schema.StepSpec{spec}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := exec.Execute(ctx, wfCtx, &spec)
	require.Error(t, err)
	var cerr *schema.ConductorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeCancelled, cerr.Code)
	assert.Equal(t, 0, cap1.attemptCount())
}

func TestStepExecuteCancelledDuringBackoff(t *testing.T) {
	cap1 := alwaysFailing("still down")
	exec, _ := newStepHarness(t, cap1)

	spec := schema.StepSpec{ID: "wait", Capability: "stub.fail", RetryDelay: "10s"}
	wfCtx := stepContext([]schema.StepSpec{spec}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := exec.Execute(ctx, wfCtx, &spec)
	require.Error(t, err)
	var cerr *schema.ConductorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeCancelled, cerr.Code)
	// Returned during the first 10s backoff, not after it.
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, cap1.attemptCount())
}

func TestStepExecuteRebuildsInputPerAttempt(t *testing.T) {
	// A sibling write between attempts must be visible to the retry.
	var wfCtx *WorkflowContext
	cap1 := &stubCapability{
		id: "stub.reread",
		fn: func(attempt int, req capability.Request) (*capability.Response, error) {
			if attempt == 1 {
				wfCtx.SetData("cursor", "page-2")
				return capability.Failed("retry me", 0.01), nil
			}
			if req.InputData["cursor"] != "page-2" {
				return capability.Failed("stale input", 0.01), nil
			}
			return capability.Completed(nil, 0.01), nil
		},
	}
	exec, _ := newStepHarness(t, cap1)

	spec := schema.StepSpec{
		ID:           "paged",
		Capability:   "stub.reread",
		RetryDelay:   "1ms",
		InputMapping: map[string]string{"cursor": "cursor"},
	}
	wfCtx = stepContext([]schema.StepSpec{spec}, map[string]any{"cursor": "page-1"})

	require.NoError(t, exec.Execute(context.Background(), wfCtx, &spec))
	assert.Equal(t, 2, cap1.attemptCount())
}
