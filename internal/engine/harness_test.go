package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/lakeflow/internal/clock"
	"github.com/rendis/lakeflow/internal/config"
	"github.com/rendis/lakeflow/internal/jobs"
	"github.com/rendis/lakeflow/internal/logging"
	"github.com/rendis/lakeflow/internal/store"
	"github.com/rendis/lakeflow/internal/validation"
	"github.com/rendis/lakeflow/pkg/schema"
)

var testStart = time.Date(2025, 1, 30, 0, 0, 0, 0, time.UTC)

const (
	refClean   = "cleaner"
	refProcess = "process-job"
	refCrawl   = "invoke-crawler"
	refCheck   = "check-crawler"
)

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		Timeout:          15 * time.Minute,
		Interval:         20 * time.Second,
		StatusField:      ".status",
		SuccessPredicate: `status == "SUCCEEDED"`,
		Retry:            config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		JobRefs: config.StepStrings{
			Clean:          refClean,
			Transform:      refProcess,
			RefreshCatalog: refCrawl,
			RefreshStatus:  refCheck,
		},
		StepTimeouts: config.StepDurations{
			Clean:          5 * time.Minute,
			Transform:      10 * time.Minute,
			RefreshCatalog: 5 * time.Minute,
			RefreshStatus:  5 * time.Minute,
		},
		Inputs: map[string]map[string]string{
			"clean":           {"source": "params.source", "partition": "params.partition"},
			"transform":       {"source": "params.source", "clean_result": "outputs.clean_result"},
			"refresh_catalog": {"run_id": "run.id"},
		},
	}
}

// harness wires a Manager over a MemoryStore, a LocalBackend and a fake clock.
// Each job records its calls and inputs; behaviour is set per test.
type harness struct {
	t       *testing.T
	clock   *clock.Fake
	store   *store.MemoryStore
	faults  *faultyEvents
	backend *jobs.LocalBackend
	manager *Manager

	mu     sync.Mutex
	calls  map[string]int
	inputs map[string][]json.RawMessage

	clean     jobs.Func
	transform jobs.Func
	crawl     jobs.Func
	check     func(ctx context.Context, n int) (json.RawMessage, error)
}

func newHarness(t *testing.T, mutate ...func(*config.PipelineConfig)) *harness {
	t.Helper()
	cfg := testPipelineConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}

	h := &harness{
		t:       t,
		clock:   clock.NewFake(testStart),
		store:   store.NewMemoryStore(),
		backend: jobs.NewLocalBackend(),
		calls:   make(map[string]int),
		inputs:  make(map[string][]json.RawMessage),
	}
	h.faults = &faultyEvents{MemoryStore: h.store}
	h.clean = okJob(`{"cleaned":true}`)
	h.transform = okJob(`{"rows":42}`)
	h.crawl = okJob(`{"crawler":"started"}`)
	h.check = statusSequence("SUCCEEDED")

	h.backend.
		RegisterFunction(refClean, h.track(refClean, func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) {
			return h.clean(ctx, in)
		})).
		RegisterBulk(refProcess, h.track(refProcess, func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) {
			return h.transform(ctx, in)
		})).
		RegisterFunction(refCrawl, h.track(refCrawl, func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) {
			return h.crawl(ctx, in)
		})).
		RegisterStatus(refCheck, func(ctx context.Context) (json.RawMessage, error) {
			n := h.record(refCheck, nil)
			return h.check(ctx, n)
		})

	pipeline, err := NewPipeline(cfg)
	require.NoError(t, err)
	params, err := validation.NewJSONSchemaValidator("")
	require.NoError(t, err)

	logger := logging.NewNop()
	client := jobs.NewDispatcher(jobs.DispatcherConfig{
		Functions: h.backend,
		Bulk:      h.backend,
		Status:    h.backend,
		Clock:     h.clock,
		Logger:    logger,
	})
	h.manager, err = NewManager(ManagerConfig{
		Store:    h.faults,
		Client:   client,
		Pipeline: pipeline,
		Params:   params,
		Retry:    RetryPolicyFromConfig(cfg.Retry),
		PoolSize: 4,
		Clock:    h.clock,
		Logger:   logger,
	})
	require.NoError(t, err)
	t.Cleanup(h.manager.Shutdown)
	return h
}

// faultyEvents is the harness store; AppendEvent fails for events matching fail.
type faultyEvents struct {
	*store.MemoryStore
	mu   sync.Mutex
	fail func(e *store.Event) bool
}

func (s *faultyEvents) failWhen(fn func(e *store.Event) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

func (s *faultyEvents) AppendEvent(ctx context.Context, e *store.Event) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail != nil && fail(e) {
		return errors.New("event log unavailable")
	}
	return s.MemoryStore.AppendEvent(ctx, e)
}

func (h *harness) track(ref string, fn jobs.Func) jobs.Func {
	return func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) {
		h.record(ref, in)
		return fn(ctx, in)
	}
}

func (h *harness) record(ref string, in json.RawMessage) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[ref]++
	if in != nil {
		h.inputs[ref] = append(h.inputs[ref], append(json.RawMessage(nil), in...))
	}
	return h.calls[ref]
}

func (h *harness) callCount(ref string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[ref]
}

func (h *harness) lastInput(ref string) map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	in := h.inputs[ref]
	require.NotEmpty(h.t, in, "no input recorded for %s", ref)
	var m map[string]any
	require.NoError(h.t, json.Unmarshal(in[len(in)-1], &m))
	return m
}

func (h *harness) eventTypes(runID string) []string {
	events, err := h.store.GetEvents(context.Background(), runID, 0)
	require.NoError(h.t, err)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

// seed stores a RUNNING record positioned at state with the given outputs.
func (h *harness) seed(id string, rec func(r *store.RunRecord)) *store.RunRecord {
	now := h.clock.Now()
	run := &store.RunRecord{
		ID:          id,
		Status:      schema.RunStatusRunning,
		State:       schema.StateClean,
		Params:      defaultParams(),
		StepOutputs: map[string]json.RawMessage{},
		StartedAt:   now,
		DeadlineAt:  now.Add(15 * time.Minute),
		UpdatedAt:   now,
	}
	if rec != nil {
		rec(run)
	}
	require.NoError(h.t, h.store.CreateRun(context.Background(), run))
	return run
}

func defaultParams() map[string]any {
	return map[string]any{
		"source":    "raw/2025/01/30/orders.csv",
		"bucket":    "landing",
		"partition": map[string]any{"year": "2025", "month": "01", "day": "30"},
	}
}

func okJob(out string) jobs.Func {
	return func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(out), nil
	}
}

// statusSequence returns the given statuses in order, repeating the last.
func statusSequence(statuses ...string) func(context.Context, int) (json.RawMessage, error) {
	return func(_ context.Context, n int) (json.RawMessage, error) {
		i := n - 1
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		return json.Marshal(map[string]string{"status": statuses[i]})
	}
}
