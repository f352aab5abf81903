package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/lakeflow/internal/diagram"
	"github.com/rendis/lakeflow/internal/engine"
	"github.com/rendis/lakeflow/internal/store"
	"github.com/rendis/lakeflow/pkg/schema"
)

// handleStart creates a run and schedules its driver.
func (s *PipelineServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	params := mcp.ParseStringMap(req, "params", nil)

	runID, err := s.runs.StartRun(ctx, params, engine.TriggerMCP)
	if err != nil {
		if runID != "" {
			s.logger.Warn("run created but not queued", slog.String("run_id", runID), slog.String("error", err.Error()))
			return mcp.NewToolResultError(fmt.Sprintf("run %s created but not queued: %v", runID, err)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
	}
	s.captureSession(ctx, runID)

	return marshalResult(map[string]any{
		"run_id": runID,
		"status": schema.RunStatusRunning,
	})
}

// handleStatus returns the inspection view of a run.
func (s *PipelineServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	status, statusErr := s.runs.GetStatus(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(status)
}

// handleCancel fails a running run with reason "cancelled".
func (s *PipelineServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, cancelErr := s.runs.Cancel(ctx, runID)
	if cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(engine.NewStatusReport(run))
}

// handleResume schedules a RUNNING run to continue from its committed state.
func (s *PipelineServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, resumeErr := s.runs.ResumeAsync(ctx, runID)
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	resumed := !run.Status.IsTerminal()
	if resumed {
		s.captureSession(ctx, runID)
	}

	return marshalResult(map[string]any{
		"run_id":        runID,
		"resumed":       resumed,
		"status":        run.Status,
		"current_state": run.State,
	})
}

// handleQuery lists runs, events, or triggers based on filters.
func (s *PipelineServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "triggers":
		return s.queryTriggers(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleDiagram renders the pipeline graph, optionally overlaid with a run.
func (s *PipelineServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	var run *store.RunRecord
	var replay *store.Replay
	if runID := req.GetString("run_id", ""); runID != "" {
		r, runErr := s.runs.GetRun(ctx, runID)
		if runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %v", runErr)), nil
		}
		run = r
		// A broken history still renders the committed state.
		if rp, rpErr := s.runs.Replay(ctx, runID); rpErr == nil {
			replay = rp
		} else {
			s.logger.Warn("replay failed", slog.String("run_id", runID), slog.String("error", rpErr.Error()))
		}
	}

	model := diagram.Build(s.runs.Pipeline(), run, replay)

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// --- Query helpers ---

func (s *PipelineServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if trigger, ok := filter["trigger"].(string); ok {
		rf.Trigger = trigger
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid since %q: want RFC3339", since)), nil
		}
		rf.Since = &t
	}

	runs, err := s.runs.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	reports := make([]*engine.StatusReport, 0, len(runs))
	for _, r := range runs {
		reports = append(reports, engine.NewStatusReport(r))
	}
	return marshalResult(map[string]any{"runs": reports})
}

func (s *PipelineServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	runID, _ := filter["run_id"].(string)
	if runID == "" {
		return mcp.NewToolResultError("event query requires 'run_id' in filter"), nil
	}
	since := int64(extractInt(filter, "since", 0))

	events, err := s.runs.Events(ctx, runID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *PipelineServer) queryTriggers(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.triggers == nil {
		return mcp.NewToolResultError("scheduler is not configured"), nil
	}
	tf := store.TriggerFilter{Limit: extractInt(filter, "limit", 50)}
	if enabled, ok := filter["enabled"].(bool); ok {
		tf.Enabled = &enabled
	}

	triggers, err := s.triggers.ListTriggers(ctx, tf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"triggers": triggers})
}

// --- Notifications ---

// notifyOutcome tells the watching session that a run reached a terminal state.
func (s *PipelineServer) notifyOutcome(ctx context.Context, runID string, _, to schema.State) error {
	if _, ok := s.sessions.SessionFor(runID); !ok {
		return nil
	}
	payload := map[string]any{"run_id": runID, "state": to}
	if run, err := s.runs.GetRun(ctx, runID); err == nil {
		payload["status"] = run.Status
		if run.FailureReason != "" {
			payload["failure_reason"] = run.FailureReason
		}
	}
	if err := s.notifier.Notify(ctx, runID, payload); err != nil {
		s.logger.Warn("run notification failed", slog.String("run_id", runID), slog.String("error", err.Error()))
	}
	s.sessions.Forget(runID)
	return nil
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the run to the calling MCP session for notifications.
func (s *PipelineServer) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
