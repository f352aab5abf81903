package mcp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lakeflow/internal/clock"
	"github.com/rendis/lakeflow/internal/config"
	"github.com/rendis/lakeflow/internal/engine"
	"github.com/rendis/lakeflow/internal/jobs"
	"github.com/rendis/lakeflow/internal/logging"
	"github.com/rendis/lakeflow/internal/scheduler"
	"github.com/rendis/lakeflow/internal/store"
	"github.com/rendis/lakeflow/internal/validation"
	"github.com/rendis/lakeflow/pkg/schema"
)

var toolStart = time.Date(2025, 1, 30, 0, 0, 0, 0, time.UTC)

type toolHarness struct {
	clock     *clock.Fake
	store     *store.MemoryStore
	manager   *engine.Manager
	scheduler *scheduler.Scheduler
	server    *PipelineServer
}

func newToolHarness(t *testing.T) *toolHarness {
	t.Helper()
	fc := clock.NewFake(toolStart)
	ms := store.NewMemoryStore()
	logger := logging.NewNop()

	ok := func(out string) jobs.Func {
		return func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(out), nil
		}
	}
	backend := jobs.NewLocalBackend().
		RegisterFunction("cleaner", ok(`{"cleaned":true}`)).
		RegisterBulk("process-job", ok(`{"rows":3}`)).
		RegisterFunction("invoke-crawler", ok(`{}`)).
		RegisterStatus("check-crawler", func(context.Context) (json.RawMessage, error) {
			return json.RawMessage(`{"status":"SUCCEEDED"}`), nil
		})

	pipeline, err := engine.NewPipeline(config.PipelineConfig{
		Timeout:          15 * time.Minute,
		Interval:         20 * time.Second,
		StatusField:      ".status",
		SuccessPredicate: `status == "SUCCEEDED"`,
		JobRefs: config.StepStrings{
			Clean:          "cleaner",
			Transform:      "process-job",
			RefreshCatalog: "invoke-crawler",
			RefreshStatus:  "check-crawler",
		},
	})
	require.NoError(t, err)
	params, err := validation.NewJSONSchemaValidator("")
	require.NoError(t, err)

	manager, err := engine.NewManager(engine.ManagerConfig{
		Store: ms,
		Client: jobs.NewDispatcher(jobs.DispatcherConfig{
			Functions: backend,
			Bulk:      backend,
			Status:    backend,
			Clock:     fc,
			Logger:    logger,
		}),
		Pipeline: pipeline,
		Params:   params,
		PoolSize: 2,
		Clock:    fc,
		Logger:   logger,
	})
	require.NoError(t, err)
	t.Cleanup(manager.Shutdown)

	sched := scheduler.NewScheduler(ms, manager, fc, time.Minute, logger)
	srv := NewPipelineServer(PipelineServerDeps{Runs: manager, Triggers: sched, Logger: logger})
	srv.WatchTransitions(manager.FSM())

	return &toolHarness{clock: fc, store: ms, manager: manager, scheduler: sched, server: srv}
}

func validParams() map[string]any {
	return map[string]any{"source": "raw/orders.csv", "bucket": "landing"}
}

func (h *toolHarness) startAndWait(t *testing.T, params map[string]any) string {
	t.Helper()
	result, err := h.server.handleStart(context.Background(), buildRequest("pipeline.start", map[string]any{"params": params}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out map[string]any
	unmarshalResult(t, result, &out)
	runID, _ := out["run_id"].(string)
	require.NotEmpty(t, runID)
	h.manager.Wait()
	return runID
}

func (h *toolHarness) seed(t *testing.T, id string, state schema.State) {
	t.Helper()
	now := h.clock.Now()
	require.NoError(t, h.store.CreateRun(context.Background(), &store.RunRecord{
		ID:     id,
		Status: schema.RunStatusRunning,
		State:  state,
		Params: validParams(),
		StepOutputs: map[string]json.RawMessage{
			engine.OutputClean:     json.RawMessage(`{}`),
			engine.OutputTransform: json.RawMessage(`{}`),
		},
		StartedAt:  now,
		DeadlineAt: now.Add(15 * time.Minute),
		UpdatedAt:  now,
	}))
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

// --- Tests ---

func TestStartTool(t *testing.T) {
	h := newToolHarness(t)
	runID := h.startAndWait(t, validParams())

	run, err := h.manager.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
	assert.Equal(t, engine.TriggerMCP, run.Trigger)
	assert.Equal(t, "raw/orders.csv", run.Params["source"])
}

func TestStartToolInvalidParams(t *testing.T) {
	h := newToolHarness(t)

	result, err := h.server.handleStart(context.Background(), buildRequest("pipeline.start", map[string]any{
		"params": map[string]any{"bucket": "landing"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeValidation)

	runs, err := h.manager.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStatusTool(t *testing.T) {
	h := newToolHarness(t)
	runID := h.startAndWait(t, validParams())

	result, err := h.server.handleStatus(context.Background(), buildRequest("pipeline.status", map[string]any{"run_id": runID}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var report engine.StatusReport
	unmarshalResult(t, result, &report)
	assert.Equal(t, runID, report.RunID)
	assert.Equal(t, schema.RunStatusSucceeded, report.Status)
	assert.Equal(t, schema.StateSucceeded, report.CurrentState)
	assert.Equal(t, 1, report.PollAttempts)
}

func TestStatusToolMissingID(t *testing.T) {
	s := NewPipelineServer(PipelineServerDeps{})

	result, err := s.handleStatus(context.Background(), buildRequest("pipeline.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusToolNotFound(t *testing.T) {
	h := newToolHarness(t)

	result, err := h.server.handleStatus(context.Background(), buildRequest("pipeline.status", map[string]any{"run_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)
}

func TestCancelTool(t *testing.T) {
	h := newToolHarness(t)
	h.seed(t, "run-idle", schema.StateTransform)

	result, err := h.server.handleCancel(context.Background(), buildRequest("pipeline.cancel", map[string]any{"run_id": "run-idle"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var report engine.StatusReport
	unmarshalResult(t, result, &report)
	assert.Equal(t, schema.RunStatusFailed, report.Status)
	assert.Equal(t, schema.StateFailed, report.CurrentState)
	assert.Equal(t, schema.ReasonCancelled, report.FailureReason)
}

func TestCancelToolTerminalRun(t *testing.T) {
	h := newToolHarness(t)
	runID := h.startAndWait(t, validParams())

	result, err := h.server.handleCancel(context.Background(), buildRequest("pipeline.cancel", map[string]any{"run_id": runID}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeConflict)
}

func TestResumeTool(t *testing.T) {
	h := newToolHarness(t)
	h.seed(t, "run-stuck", schema.StateRefreshCatalog)

	result, err := h.server.handleResume(context.Background(), buildRequest("pipeline.resume", map[string]any{"run_id": "run-stuck"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, true, out["resumed"])
	assert.Equal(t, string(schema.StateRefreshCatalog), out["current_state"])

	h.manager.Wait()
	run, err := h.manager.GetRun(context.Background(), "run-stuck")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
}

func TestResumeToolTerminalRun(t *testing.T) {
	h := newToolHarness(t)
	runID := h.startAndWait(t, validParams())

	result, err := h.server.handleResume(context.Background(), buildRequest("pipeline.resume", map[string]any{"run_id": runID}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, false, out["resumed"])
	assert.Equal(t, string(schema.RunStatusSucceeded), out["status"])
}

func TestQueryRuns(t *testing.T) {
	h := newToolHarness(t)
	runID := h.startAndWait(t, validParams())
	h.seed(t, "run-open", schema.StateTransform)

	result, err := h.server.handleQuery(context.Background(), buildRequest("pipeline.query", map[string]any{
		"resource": "runs",
		"filter":   map[string]any{"status": "SUCCEEDED"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Runs []engine.StatusReport `json:"runs"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Runs, 1)
	assert.Equal(t, runID, out.Runs[0].RunID)

	result, err = h.server.handleQuery(context.Background(), buildRequest("pipeline.query", map[string]any{"resource": "runs"}))
	require.NoError(t, err)
	unmarshalResult(t, result, &out)
	assert.Len(t, out.Runs, 2)
}

func TestQueryRunsInvalidSince(t *testing.T) {
	h := newToolHarness(t)

	result, err := h.server.handleQuery(context.Background(), buildRequest("pipeline.query", map[string]any{
		"resource": "runs",
		"filter":   map[string]any{"since": "yesterday"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryEvents(t *testing.T) {
	h := newToolHarness(t)
	runID := h.startAndWait(t, validParams())

	result, err := h.server.handleQuery(context.Background(), buildRequest("pipeline.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"run_id": runID},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Events []store.Event `json:"events"`
	}
	unmarshalResult(t, result, &out)
	require.NotEmpty(t, out.Events)
	assert.Equal(t, schema.EventRunCreated, out.Events[0].Type)
	assert.Equal(t, schema.EventRunSucceeded, out.Events[len(out.Events)-1].Type)

	last := out.Events[len(out.Events)-1].Sequence
	result, err = h.server.handleQuery(context.Background(), buildRequest("pipeline.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"run_id": runID, "since": float64(last)},
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &out)
	assert.Empty(t, out.Events)
}

func TestQueryEventsRequiresRunID(t *testing.T) {
	h := newToolHarness(t)

	result, err := h.server.handleQuery(context.Background(), buildRequest("pipeline.query", map[string]any{"resource": "events"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryTriggers(t *testing.T) {
	h := newToolHarness(t)
	_, err := h.scheduler.AddTrigger(context.Background(), "0 2 * * *", validParams())
	require.NoError(t, err)

	result, err := h.server.handleQuery(context.Background(), buildRequest("pipeline.query", map[string]any{
		"resource": "triggers",
		"filter":   map[string]any{"enabled": true},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Triggers []store.Trigger `json:"triggers"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Triggers, 1)
	assert.Equal(t, "0 2 * * *", out.Triggers[0].CronExpression)
}

func TestQueryTriggersWithoutScheduler(t *testing.T) {
	s := NewPipelineServer(PipelineServerDeps{})

	result, err := s.handleQuery(context.Background(), buildRequest("pipeline.query", map[string]any{"resource": "triggers"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryUnknownResource(t *testing.T) {
	s := NewPipelineServer(PipelineServerDeps{})

	result, err := s.handleQuery(context.Background(), buildRequest("pipeline.query", map[string]any{"resource": "templates"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDiagramTool(t *testing.T) {
	h := newToolHarness(t)
	runID := h.startAndWait(t, validParams())

	result, err := h.server.handleDiagram(context.Background(), buildRequest("pipeline.diagram", map[string]any{"format": "ascii"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := extractText(t, result)
	assert.Contains(t, text, "REFRESH_CATALOG")
	assert.NotContains(t, text, "[OK]")

	result, err = h.server.handleDiagram(context.Background(), buildRequest("pipeline.diagram", map[string]any{
		"format": "mermaid",
		"run_id": runID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text = extractText(t, result)
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, "class CLEAN")
}

func TestDiagramToolImage(t *testing.T) {
	h := newToolHarness(t)

	result, err := h.server.handleDiagram(context.Background(), buildRequest("pipeline.diagram", map[string]any{"format": "image"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	png, err := base64.StdEncoding.DecodeString(extractText(t, result))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}

func TestDiagramToolErrors(t *testing.T) {
	h := newToolHarness(t)

	result, err := h.server.handleDiagram(context.Background(), buildRequest("pipeline.diagram", map[string]any{"format": "svg"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = h.server.handleDiagram(context.Background(), buildRequest("pipeline.diagram", map[string]any{
		"format": "ascii",
		"run_id": "missing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExtractInt(t *testing.T) {
	f := map[string]any{"a": float64(3), "b": 4, "c": "5", "d": "x"}
	assert.Equal(t, 3, extractInt(f, "a", 0))
	assert.Equal(t, 4, extractInt(f, "b", 0))
	assert.Equal(t, 5, extractInt(f, "c", 0))
	assert.Equal(t, 9, extractInt(f, "d", 9))
	assert.Equal(t, 7, extractInt(nil, "a", 7))
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
