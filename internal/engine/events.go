package engine

import (
	"context"
	"encoding/json"

	"github.com/marqops/conductor/internal/store"
)

// EventSink receives run events as they happen. Satisfied by the store and
// by test doubles; a nil sink disables event emission.
type EventSink interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// emitEvent appends a run event, best effort. Event log failures never fail
// the run itself.
func emitEvent(ctx context.Context, sink EventSink, wfCtx *WorkflowContext, stepID, eventType string, payload map[string]any) {
	if sink == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	_ = sink.AppendEvent(ctx, &store.Event{
		WorkflowID:  wfCtx.WorkflowID,
		ExecutionID: wfCtx.ExecutionID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     raw,
	})
}
