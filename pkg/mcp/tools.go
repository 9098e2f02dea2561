package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/marqops/conductor/internal/diagram"
	"github.com/marqops/conductor/internal/store"
	"github.com/marqops/conductor/pkg/schema"
)

const defaultQueryLimit = 50

func (s *ConductorServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, ok := req.GetArguments()["definition"]
	if !ok {
		return mcp.NewToolResultError("definition is required"), nil
	}

	def, err := decodeDefinition(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.service.DefineWorkflow(ctx, def); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.logger.InfoContext(ctx, "workflow defined",
		"workflow_id", def.ID,
		"steps", len(def.Steps),
	)
	return marshalResult(map[string]any{
		"workflow_id": def.ID,
		"steps":       len(def.Steps),
		"mode":        def.EffectiveMode(),
	})
}

func (s *ConductorServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)
	orgID := req.GetString("org_id", "")
	userID := req.GetString("user_id", "")

	result, err := s.service.Run(ctx, workflowID, input, orgID, userID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(result)
}

func (s *ConductorServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	rec, err := s.service.Status(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(rec)
}

func (s *ConductorServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	runAtRaw, err := req.RequireString("run_at")
	if err != nil {
		return mcp.NewToolResultError("run_at is required"), nil
	}
	runAt, err := time.Parse(time.RFC3339, runAtRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run_at must be RFC 3339: %v", err)), nil
	}

	run, err := s.scheduler.Schedule(ctx, &store.ScheduledRun{
		WorkflowID: workflowID,
		RunAt:      runAt.UTC(),
		Input:      mcp.ParseStringMap(req, "input", nil),
		OrgID:      req.GetString("org_id", ""),
		UserID:     req.GetString("user_id", ""),
		Recurring:  req.GetBool("recurring", false),
		Pattern:    req.GetString("pattern", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.logger.InfoContext(ctx, "run scheduled",
		"schedule_id", run.ID,
		"workflow_id", run.WorkflowID,
		"run_at", run.RunAt,
	)
	return marshalResult(run)
}

func (s *ConductorServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID := req.GetString("execution_id", "")
	scheduleID := req.GetString("schedule_id", "")

	switch {
	case executionID != "" && scheduleID != "":
		return mcp.NewToolResultError("provide execution_id or schedule_id, not both"), nil
	case executionID != "":
		if !s.service.CancelRun(executionID) {
			return mcp.NewToolResultError(fmt.Sprintf("no active execution %q", executionID)), nil
		}
		return marshalResult(map[string]any{"cancelled": executionID})
	case scheduleID != "":
		if err := s.scheduler.Cancel(ctx, scheduleID); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return marshalResult(map[string]any{"cancelled": scheduleID})
	default:
		return mcp.NewToolResultError("execution_id or schedule_id is required"), nil
	}
}

func (s *ConductorServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	limit := req.GetInt("limit", defaultQueryLimit)

	switch resource {
	case "workflows":
		defs, err := s.service.Store().ListDefinitions(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return marshalResult(map[string]any{"workflows": defs, "count": len(defs)})

	case "executions":
		recs, err := s.service.Store().ListExecutions(ctx, store.ExecutionFilter{
			WorkflowID: req.GetString("workflow_id", ""),
			Status:     schema.WorkflowStatus(req.GetString("status", "")),
			Limit:      limit,
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return marshalResult(map[string]any{"executions": recs, "count": len(recs)})

	case "schedules":
		runs, err := s.service.Store().ListScheduledRuns(ctx, store.ScheduledRunFilter{
			WorkflowID: req.GetString("workflow_id", ""),
			Status:     schema.ScheduleStatus(req.GetString("status", "")),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if len(runs) > limit {
			runs = runs[:limit]
		}
		return marshalResult(map[string]any{"schedules": runs, "count": len(runs)})

	case "runs":
		active := s.service.ActiveRuns()
		return marshalResult(map[string]any{"runs": active, "count": len(active)})

	case "events":
		executionID := req.GetString("execution_id", "")
		if executionID == "" {
			return mcp.NewToolResultError("execution_id is required for resource=events"), nil
		}
		events, err := s.service.Store().GetEvents(ctx, executionID, 0)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return marshalResult(map[string]any{"events": events, "count": len(events)})

	case "diagram":
		return s.renderDiagram(ctx, req)

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource %q", resource)), nil
	}
}

// renderDiagram builds a Mermaid flowchart of one workflow, overlaying step
// outcomes when an execution is named.
func (s *ConductorServer) renderDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	if workflowID == "" {
		return mcp.NewToolResultError("workflow_id is required for resource=diagram"), nil
	}
	def, err := s.service.Store().GetDefinition(ctx, workflowID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if def == nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow %q not found", workflowID)), nil
	}

	var statuses map[string]string
	if executionID := req.GetString("execution_id", ""); executionID != "" {
		rec, err := s.service.Store().GetExecution(ctx, executionID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if rec == nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution %q not found", executionID)), nil
		}
		statuses = make(map[string]string, len(rec.CompletedSteps)+len(rec.FailedSteps))
		for _, id := range rec.CompletedSteps {
			statuses[id] = "completed"
		}
		for _, id := range rec.FailedSteps {
			statuses[id] = "failed"
		}
	}

	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"mermaid":     diagram.RenderMermaid(def, statuses),
	})
}

// decodeDefinition converts the raw tool argument into a typed definition.
func decodeDefinition(raw any) (*schema.WorkflowDefinition, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("definition is not a JSON object: %w", err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	return &def, nil
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
