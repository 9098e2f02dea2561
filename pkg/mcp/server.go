// Package mcp exposes the orchestrator over the Model Context Protocol so
// agent runtimes can define, run, schedule, and inspect workflows as tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/marqops/conductor/internal/scheduler"
	"github.com/marqops/conductor/internal/service"
)

const serverInstructions = `Conductor orchestrates marketing-ops workflows as dependency graphs of
capability steps. Use conductor.define to register a workflow, conductor.run
to execute one, conductor.schedule for time-triggered (optionally recurring)
runs, conductor.status to inspect an execution, conductor.cancel to stop an
in-flight run or a pending schedule, and conductor.query to list workflows,
executions, schedules, or execution events.`

// ConductorServer wires the workflow service and scheduler into an MCP
// tool surface.
type ConductorServer struct {
	service   *service.Service
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
}

// ServerDeps carries the dependencies for NewConductorServer.
type ServerDeps struct {
	Service   *service.Service
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger
}

// NewConductorServer creates the MCP server facade.
func NewConductorServer(deps ServerDeps) *ConductorServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ConductorServer{
		service:   deps.Service,
		scheduler: deps.Scheduler,
		logger:    logger,
	}
}

// MCPServer builds the underlying MCP server with all tools registered.
func (s *ConductorServer) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer(
		"conductor",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions),
	)
	srv.AddTools(s.tools()...)
	return srv
}

// Serve runs the server over stdio until ctx is cancelled or stdin closes.
func (s *ConductorServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.MCPServer())
	s.logger.InfoContext(ctx, "conductor mcp server listening on stdio")
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func (s *ConductorServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

func defineTool() mcp.Tool {
	return mcp.NewTool("conductor.define",
		mcp.WithDescription("Validate and register a workflow definition. The definition is a dependency graph of capability steps with optional input/output mappings, condition guards, and retry policies."),
		mcp.WithObject("definition",
			mcp.Required(),
			mcp.Description("Workflow definition object: id, name, mode (sequential|parallel|conditional), steps[], optional timeout."),
		),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("conductor.run",
		mcp.WithDescription("Execute a registered workflow and return the final execution result, including per-step outcomes."),
		mcp.WithString("workflow_id",
			mcp.Required(),
			mcp.Description("ID of a registered workflow definition."),
		),
		mcp.WithObject("input",
			mcp.Description("Initial workflow data, available to step input mappings."),
		),
		mcp.WithString("org_id",
			mcp.Description("Organization the run executes on behalf of."),
		),
		mcp.WithString("user_id",
			mcp.Description("User the run executes on behalf of."),
		),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("conductor.status",
		mcp.WithDescription("Report the status of one execution: live state for in-flight runs, the persisted record otherwise."),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("Execution ID returned by conductor.run or conductor.query."),
		),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("conductor.schedule",
		mcp.WithDescription("Schedule a workflow run for a future time, optionally recurring (daily, weekly, monthly, or a cron pattern)."),
		mcp.WithString("workflow_id",
			mcp.Required(),
			mcp.Description("ID of a registered workflow definition."),
		),
		mcp.WithString("run_at",
			mcp.Required(),
			mcp.Description("When to fire, RFC 3339 (e.g. 2026-09-01T09:00:00Z)."),
		),
		mcp.WithObject("input",
			mcp.Description("Initial workflow data for each fired run."),
		),
		mcp.WithBoolean("recurring",
			mcp.Description("When true, each fired run schedules the next occurrence."),
		),
		mcp.WithString("pattern",
			mcp.Description("Recurrence pattern: daily, weekly, monthly, or a 5-field cron expression. Required when recurring."),
		),
		mcp.WithString("org_id",
			mcp.Description("Organization the runs execute on behalf of."),
		),
		mcp.WithString("user_id",
			mcp.Description("User the runs execute on behalf of."),
		),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("conductor.cancel",
		mcp.WithDescription("Cancel an in-flight execution (execution_id) or a pending scheduled run (schedule_id). Exactly one of the two is required."),
		mcp.WithString("execution_id",
			mcp.Description("In-flight execution to cancel."),
		),
		mcp.WithString("schedule_id",
			mcp.Description("Pending scheduled run to cancel."),
		),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("conductor.query",
		mcp.WithDescription("List conductor resources: registered workflows, execution history, scheduled runs, active runs, the event log of one execution, or a Mermaid diagram of one workflow."),
		mcp.WithString("resource",
			mcp.Required(),
			mcp.Description("What to list."),
			mcp.Enum("workflows", "executions", "schedules", "runs", "events", "diagram"),
		),
		mcp.WithString("workflow_id",
			mcp.Description("Filter executions or schedules by workflow; selects the workflow for resource=diagram."),
		),
		mcp.WithString("execution_id",
			mcp.Description("Execution whose events to list (resource=events), or whose step outcomes to overlay (resource=diagram)."),
		),
		mcp.WithString("status",
			mcp.Description("Filter executions or schedules by status."),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum results to return (default 50)."),
		),
	)
}
