package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/lakeflow/internal/clock"
	"github.com/rendis/lakeflow/internal/jobs"
	"github.com/rendis/lakeflow/internal/logging"
	"github.com/rendis/lakeflow/internal/store"
	"github.com/rendis/lakeflow/internal/validation"
	"github.com/rendis/lakeflow/pkg/schema"
)

// Trigger labels recorded on runs.
const (
	TriggerAPI           = "api"
	TriggerCLI           = "cli"
	TriggerMCP           = "mcp"
	TriggerObjectCreated = "object-created"
	TriggerRecovery      = "recovery"
)

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Store    store.Store
	Client   jobs.Client
	Pipeline *Pipeline
	// Params validates trigger params; nil accepts anything.
	Params   validation.ParamsValidator
	Retry    RetryPolicy
	PoolSize int
	Clock    clock.Clock
	Logger   *slog.Logger
	// Events is optional; share it with hooks built before the manager.
	Events *store.EventLog
}

// StatusReport is the inspection view of a run.
type StatusReport struct {
	RunID         string           `json:"run_id"`
	Status        schema.RunStatus `json:"status"`
	CurrentState  schema.State     `json:"current_state"`
	FailureReason string           `json:"failure_reason,omitempty"`
	Trigger       string           `json:"trigger,omitempty"`
	PollAttempts  int              `json:"poll_attempts"`
	StartedAt     time.Time        `json:"started_at"`
	DeadlineAt    time.Time        `json:"deadline_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	Outputs       []string         `json:"outputs,omitempty"`
}

// NewStatusReport builds the inspection view of run.
func NewStatusReport(run *store.RunRecord) *StatusReport {
	r := &StatusReport{
		RunID:         run.ID,
		Status:        run.Status,
		CurrentState:  run.State,
		FailureReason: run.FailureReason,
		Trigger:       run.Trigger,
		PollAttempts:  run.PollAttempts,
		StartedAt:     run.StartedAt,
		DeadlineAt:    run.DeadlineAt,
		UpdatedAt:     run.UpdatedAt,
		CompletedAt:   run.CompletedAt,
	}
	for _, key := range []string{OutputClean, OutputTransform, OutputRefresh, OutputRefreshStatus} {
		if _, ok := run.StepOutputs[key]; ok {
			r.Outputs = append(r.Outputs, key)
		}
	}
	return r
}

// Manager creates runs and hosts their drivers on a bounded worker pool.
// Each run is driven by at most one goroutine in this process.
type Manager struct {
	store    store.Store
	events   *store.EventLog
	fsm      *RunFSM
	machine  *Machine
	pipeline *Pipeline
	params   validation.ParamsValidator
	pool     *WorkerPool
	clock    clock.Clock
	logger   *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	active map[string]chan struct{}
	closed bool
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil || cfg.Client == nil || cfg.Pipeline == nil {
		return nil, errors.New("manager requires a store, a job client and a pipeline")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	events := cfg.Events
	if events == nil {
		events = store.NewEventLog(cfg.Store, cfg.Clock.Now)
	}
	fsm := NewRunFSM(events)
	steps := NewStepExecutor(cfg.Client, cfg.Retry, cfg.Clock, events, cfg.Logger)
	baseCtx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		store:    cfg.Store,
		events:   events,
		fsm:      fsm,
		machine:  NewMachine(cfg.Store, events, fsm, steps, cfg.Pipeline, cfg.Clock, cfg.Logger),
		pipeline: cfg.Pipeline,
		params:   cfg.Params,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		baseCtx:  baseCtx,
		cancel:   cancel,
		active:   make(map[string]chan struct{}),
	}
	m.pool = NewWorkerPool(cfg.PoolSize, func(runID string, r any) {
		m.logger.Error("run driver panicked", slog.String("run_id", runID), slog.Any("panic", r))
	})
	for from, tos := range ValidTransitions {
		for _, to := range tos {
			fsm.OnAfter(from, to, m.logTransition)
		}
	}
	return m, nil
}

// FSM exposes the transition machine for hook registration.
func (m *Manager) FSM() *RunFSM { return m.fsm }

// OnEvent registers fn to observe every history event of every run.
func (m *Manager) OnEvent(fn func(ctx context.Context, e *store.Event)) {
	m.events.OnRecord(fn)
}

// PoolMetrics reports the driver pool's occupancy and outcomes.
func (m *Manager) PoolMetrics() PoolMetrics { return m.pool.Metrics() }

// Pipeline returns the static pipeline definition.
func (m *Manager) Pipeline() *Pipeline { return m.pipeline }

func (m *Manager) logTransition(ctx context.Context, runID string, from, to schema.State) error {
	logging.LogWith(ctx, m.logger).Debug("state entered",
		slog.String("run_id", runID), slog.String("from", string(from)), slog.String("to", string(to)))
	return nil
}

// StartRun validates params, persists a new run at CLEAN and queues its
// driver. It returns once the run is durably created and queued; a full pool
// delays the driver, never the caller. A non-empty id with an error means the
// run was created but could not be queued and waits for RecoverRunning.
func (m *Manager) StartRun(ctx context.Context, params map[string]any, trigger string) (string, error) {
	run, err := m.create(ctx, params, trigger)
	if err != nil {
		return "", err
	}
	if err := m.submit(run); err != nil {
		return run.ID, err
	}
	return run.ID, nil
}

// Run creates a run and drives it to completion on the calling goroutine.
func (m *Manager) Run(ctx context.Context, params map[string]any, trigger string) (*store.RunRecord, error) {
	run, err := m.create(ctx, params, trigger)
	if err != nil {
		return nil, err
	}
	return m.drive(ctx, run)
}

// Resume reloads a run and re-drives it from its current state. Resuming a
// terminal run returns the stored record without side effects.
func (m *Manager) Resume(ctx context.Context, runID string) (*store.RunRecord, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}
	m.record(ctx, run.ID, schema.EventRunResumed, string(run.State), map[string]any{"state": string(run.State)})
	return m.drive(ctx, run)
}

// ResumeAsync is Resume on the worker pool. A terminal run is left as is and
// the returned record tells the caller nothing was scheduled.
func (m *Manager) ResumeAsync(ctx context.Context, runID string) (*store.RunRecord, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}
	if m.isActive(run.ID) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %q is already being driven", runID)
	}
	m.record(ctx, run.ID, schema.EventRunResumed, string(run.State), map[string]any{"state": string(run.State)})
	snapshot := run.Clone()
	if err := m.submit(run); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %q is already being driven", runID)
		}
		return nil, err
	}
	return snapshot, nil
}

// GetStatus returns the inspection view of a run.
func (m *Manager) GetStatus(ctx context.Context, runID string) (*StatusReport, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return NewStatusReport(run), nil
}

// GetRun returns the full run record.
func (m *Manager) GetRun(ctx context.Context, runID string) (*store.RunRecord, error) {
	return m.store.GetRun(ctx, runID)
}

// Cancel moves a RUNNING run to FAILED with reason "cancelled" and wakes its
// driver if it runs in this process. Jobs already dispatched are not recalled.
func (m *Manager) Cancel(ctx context.Context, runID string) (*store.RunRecord, error) {
	const maxConflicts = 3
	for i := 0; i < maxConflicts; i++ {
		run, err := m.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return run, schema.NewErrorf(schema.ErrCodeConflict,
				"run %q already finished with status %s", runID, run.Status).
				WithDetails(map[string]any{"run_id": runID, "status": string(run.Status)})
		}

		err = finishRun(ctx, m.fsm, m.clock, m.store, run, schema.RunStatusFailed, schema.ReasonCancelled)
		if schema.IsCode(err, schema.ErrCodeConflict) && !IsCommitted(err) {
			continue
		}
		if err != nil && !IsCommitted(err) {
			return nil, err
		}
		if err != nil {
			logging.LogWith(logging.WithRunID(ctx, runID), m.logger).Warn("cancel saved but not recorded",
				slog.String("error", err.Error()))
		}

		m.record(ctx, run.ID, schema.EventRunCancelled, "", map[string]any{
			"status": string(run.Status), "state": string(run.State), "reason": run.FailureReason,
		})
		m.signalStop(runID)
		logging.LogWith(logging.WithRunID(ctx, runID), m.logger).Info("run cancelled")
		return run, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %q kept changing while cancelling", runID)
}

// ListRuns returns runs matching filter, newest first.
func (m *Manager) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.RunRecord, error) {
	return m.store.ListRuns(ctx, filter)
}

// Events returns the history of a run with sequence > since.
func (m *Manager) Events(ctx context.Context, runID string, since int64) ([]*store.Event, error) {
	if _, err := m.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return m.events.GetEvents(ctx, runID, since)
}

// Replay reconstructs the visited states and step history of a run.
func (m *Manager) Replay(ctx context.Context, runID string) (*store.Replay, error) {
	if _, err := m.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return m.events.Replay(ctx, runID)
}

// RecoverRunning schedules every RUNNING run that has no driver in this
// process. Call once on startup. It returns the number of runs scheduled.
func (m *Manager) RecoverRunning(ctx context.Context) (int, error) {
	running := schema.RunStatusRunning
	runs, err := m.store.ListRuns(ctx, store.RunFilter{Status: &running})
	if err != nil {
		return 0, fmt.Errorf("list running runs: %w", err)
	}

	n := 0
	for _, run := range runs {
		if m.isActive(run.ID) {
			continue
		}
		m.record(ctx, run.ID, schema.EventRunResumed, string(run.State), map[string]any{
			"state": string(run.State), "trigger": TriggerRecovery,
		})
		if err := m.submit(run); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				continue
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		m.logger.Info("recovered running runs", slog.Int("count", n))
	}
	return n, nil
}

// Wait blocks until every scheduled driver returns.
func (m *Manager) Wait() {
	m.pool.Wait()
}

// Shutdown stops accepting runs, interrupts drivers at their next step
// boundary and waits for them. Interrupted runs stay RUNNING at their last
// committed state and are picked up by RecoverRunning.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.pool.Shutdown()
}

func (m *Manager) create(ctx context.Context, params map[string]any, trigger string) (*store.RunRecord, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrPoolShutdown
	}

	if m.params != nil {
		if err := m.params.ValidateParams(params); err != nil {
			return nil, err
		}
	}
	if params == nil {
		params = map[string]any{}
	}

	now := m.clock.Now()
	run := &store.RunRecord{
		ID:          uuid.NewString(),
		State:       schema.StateClean,
		Status:      schema.RunStatusRunning,
		Trigger:     trigger,
		Params:      params,
		StepOutputs: make(map[string]json.RawMessage),
		StartedAt:   now,
		DeadlineAt:  now.Add(m.pipeline.Timeout),
		UpdatedAt:   now,
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	ctx = logging.WithTrigger(logging.WithRunID(ctx, run.ID), trigger)
	m.record(ctx, run.ID, schema.EventRunCreated, "", map[string]any{
		"trigger": trigger, "params": params, "deadline_at": run.DeadlineAt,
	})
	m.record(ctx, run.ID, schema.EventStateEntered, string(schema.StateClean), nil)
	logging.LogWith(ctx, m.logger).Info("run created", slog.Time("deadline_at", run.DeadlineAt))
	return run, nil
}

// submit queues a driver for run. Queuing never waits on the caller: the
// driver holds a pool slot only once one frees up, and it reloads the record
// first so a run cancelled while queued is not driven.
func (m *Manager) submit(run *store.RunRecord) error {
	runCtx := logging.WithTrigger(m.baseCtx, run.Trigger)
	return m.pool.Submit(runCtx, run.ID, func(ctx context.Context) error {
		current, err := m.store.GetRun(ctx, run.ID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			return nil
		}
		_, err = m.drive(ctx, current)
		return err
	})
}

// drive runs the machine for run with a stop channel registered for Cancel.
func (m *Manager) drive(ctx context.Context, run *store.RunRecord) (*store.RunRecord, error) {
	stop, err := m.register(run.ID)
	if err != nil {
		return nil, err
	}
	defer m.unregister(run.ID, stop)

	final, err := m.machine.Drive(ctx, run, stop)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.LogWith(logging.WithRunID(ctx, run.ID), m.logger).Error("run driver stopped", slog.String("error", err.Error()))
	}
	return final, err
}

func (m *Manager) register(runID string) (chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[runID]; ok {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %q is already being driven", runID)
	}
	stop := make(chan struct{})
	m.active[runID] = stop
	return stop, nil
}

func (m *Manager) unregister(runID string, stop chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[runID] == stop {
		delete(m.active, runID)
	}
}

func (m *Manager) isActive(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[runID]
	return ok || m.pool.Running(runID)
}

func (m *Manager) signalStop(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stop, ok := m.active[runID]; ok {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}
}

func (m *Manager) record(ctx context.Context, runID, eventType, step string, payload any) {
	if _, err := m.events.Record(ctx, runID, eventType, step, payload); err != nil {
		logging.LogWith(ctx, m.logger).Warn("record event failed",
			slog.String("event", eventType), slog.String("error", err.Error()))
	}
}
