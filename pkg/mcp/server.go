package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/lakeflow/internal/engine"
	"github.com/rendis/lakeflow/internal/store"
)

// RunService is the run manager surface the tools drive.
type RunService interface {
	StartRun(ctx context.Context, params map[string]any, trigger string) (string, error)
	GetStatus(ctx context.Context, runID string) (*engine.StatusReport, error)
	GetRun(ctx context.Context, runID string) (*store.RunRecord, error)
	Cancel(ctx context.Context, runID string) (*store.RunRecord, error)
	ResumeAsync(ctx context.Context, runID string) (*store.RunRecord, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.RunRecord, error)
	Events(ctx context.Context, runID string, since int64) ([]*store.Event, error)
	Replay(ctx context.Context, runID string) (*store.Replay, error)
	Pipeline() *engine.Pipeline
}

// TriggerLister lists scheduled triggers.
type TriggerLister interface {
	ListTriggers(ctx context.Context, filter store.TriggerFilter) ([]*store.Trigger, error)
}

// PipelineServerDeps holds the dependencies for creating a PipelineServer.
type PipelineServerDeps struct {
	Runs     RunService
	Triggers TriggerLister // optional
	Logger   *slog.Logger
}

// PipelineServer wraps an MCP server with lakeflow tool handlers.
type PipelineServer struct {
	runs      RunService
	triggers  TriggerLister
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  RunNotifier
	mcpServer *server.MCPServer
}

// NewPipelineServer creates a PipelineServer with all tools registered.
func NewPipelineServer(deps PipelineServerDeps) *PipelineServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &PipelineServer{
		runs:     deps.Runs,
		triggers: deps.Triggers,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"lakeflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Lakeflow runs the data-lake pipeline CLEAN -> TRANSFORM -> REFRESH_CATALOG -> AWAIT_REFRESH. Use pipeline.start to launch a run, pipeline.status to inspect it, pipeline.cancel and pipeline.resume to control it, pipeline.query to list runs, events or triggers, and pipeline.diagram to render the graph with a run overlay."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *PipelineServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *PipelineServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// WatchTransitions registers after-hooks on fsm so sessions that started or
// resumed a run are told when it ends.
func (s *PipelineServer) WatchTransitions(fsm *engine.RunFSM) {
	for from, tos := range engine.ValidTransitions {
		for _, to := range tos {
			if to.IsTerminal() {
				fsm.OnAfter(from, to, s.notifyOutcome)
			}
		}
	}
}

func (s *PipelineServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("pipeline.start",
		mcp.WithDescription("Start a pipeline run. Returns the run id immediately; the run proceeds in the background"),
		mcp.WithObject("params", mcp.Description("Trigger parameters, e.g. source, bucket and partition of the ingested object")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("pipeline.status",
		mcp.WithDescription("Get status, current state, failure reason and poll attempts of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("pipeline.cancel",
		mcp.WithDescription("Cancel a running run. It ends FAILED with reason \"cancelled\"; jobs already dispatched are not recalled"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("pipeline.resume",
		mcp.WithDescription("Resume a RUNNING run from its last committed state. Terminal runs are left untouched"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to resume")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("pipeline.query",
		mcp.WithDescription("Query runs, run events, or scheduled triggers"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "events", "triggers"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, trigger, since, limit, offset for runs; run_id, since for events; enabled, limit for triggers)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("pipeline.diagram",
		mcp.WithDescription("Render the pipeline graph. Returns ASCII art, Mermaid flowchart syntax, or a base64-encoded PNG image"),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
		mcp.WithString("run_id", mcp.Description("Run to overlay on the graph (visited states, failures, retries)")),
	)
}
