package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/lakeflow/internal/clock"
	"github.com/rendis/lakeflow/internal/logging"
	"github.com/rendis/lakeflow/internal/store"
	"github.com/rendis/lakeflow/pkg/schema"
)

// Machine drives one run record through the pipeline graph. It is stateless
// across runs; all run state lives in the record.
type Machine struct {
	store    store.Store
	events   EventRecorder
	fsm      *RunFSM
	steps    *StepExecutor
	poller   *Poller
	pipeline *Pipeline
	clock    clock.Clock
	logger   *slog.Logger
}

// NewMachine wires a Machine.
func NewMachine(s store.Store, events EventRecorder, fsm *RunFSM, steps *StepExecutor, pipeline *Pipeline, c clock.Clock, logger *slog.Logger) *Machine {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:    s,
		events:   events,
		fsm:      fsm,
		steps:    steps,
		poller:   NewPoller(steps, c, logger),
		pipeline: pipeline,
		clock:    c,
		logger:   logger,
	}
}

// Drive runs the record from its current state until a terminal state and
// returns the final record. A terminal record is returned unchanged. Every
// transition is persisted before the next state runs. When ctx ends the
// record is left at its last committed state and ctx.Err() is returned.
// Closing stop cancels the run.
func (m *Machine) Drive(ctx context.Context, run *store.RunRecord, stop <-chan struct{}) (*store.RunRecord, error) {
	run = run.Clone()
	if run.Status.IsTerminal() {
		return run, nil
	}
	if run.StepOutputs == nil {
		run.StepOutputs = make(map[string]json.RawMessage)
	}
	ctx = logging.WithRunID(ctx, run.ID)

	for {
		if stopped(stop) {
			return m.cancelled(ctx, run)
		}
		if err := ctx.Err(); err != nil {
			return run, err
		}

		state := run.State
		if state != schema.StateAwaitRefresh && !m.clock.Now().Before(run.DeadlineAt) {
			return m.finish(ctx, run, schema.RunStatusTimedOut, schema.ReasonDeadlineExceeded, schema.EventRunTimedOut)
		}

		switch state {
		case schema.StateClean, schema.StateTransform, schema.StateRefreshCatalog:
			def := m.pipeline.Step(state)
			res := m.steps.Run(ctx, def, run, stop)
			if !res.Completed() {
				if err := ctx.Err(); err != nil {
					return run, err
				}
				switch res.Code {
				case schema.ErrCodeCancelled:
					return m.cancelled(ctx, run)
				case schema.ErrCodeDeadlineExceeded:
					return m.finish(ctx, run, schema.RunStatusTimedOut, schema.ReasonDeadlineExceeded, schema.EventRunTimedOut)
				default:
					return m.finish(ctx, run, schema.RunStatusFailed, res.Reason, schema.EventRunFailed)
				}
			}

			next, _ := NextState(state)
			run.StepOutputs[def.OutputKey] = res.Output
			if err := m.fsm.Transition(ctx, run, next, m.commit(run)); err != nil {
				if !IsCommitted(err) {
					delete(run.StepOutputs, def.OutputKey)
					return m.resolveConflict(ctx, run, err)
				}
				m.unrecorded(ctx, next, err)
			}

		case schema.StateAwaitRefresh:
			poll := m.pipeline.Poll
			pr, err := m.poller.Await(ctx, poll, run, stop, m.onPoll(run))
			if err != nil {
				return m.resolveConflict(ctx, run, err)
			}
			switch pr.Outcome {
			case PollSatisfied:
				run.StepOutputs[poll.StatusJob.OutputKey] = pr.Output
				return m.finish(ctx, run, schema.RunStatusSucceeded, "", schema.EventRunSucceeded)
			case PollCancelled:
				return m.cancelled(ctx, run)
			default:
				return m.finish(ctx, run, schema.RunStatusFailed, pr.Reason, schema.EventRunFailed)
			}

		default:
			return run, schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot drive run in state %s", state).
				WithDetails(map[string]any{"run_id": run.ID})
		}
	}
}

// commit returns the persistence callback for a transition of run.
func (m *Machine) commit(run *store.RunRecord) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		run.UpdatedAt = m.clock.Now()
		return m.store.SaveRun(ctx, run)
	}
}

// onPoll persists the poll attempt count and records the attempt.
func (m *Machine) onPoll(run *store.RunRecord) PollFunc {
	return func(ctx context.Context, a PollAttempt) error {
		run.PollAttempts++
		run.UpdatedAt = m.clock.Now()
		if err := m.store.SaveRun(ctx, run); err != nil {
			run.PollAttempts--
			return err
		}
		payload := map[string]any{
			"attempt":   run.PollAttempts,
			"status":    a.Status,
			"satisfied": a.Satisfied,
		}
		if a.Err != "" {
			payload["error"] = a.Err
		}
		if _, err := m.events.Record(ctx, run.ID, schema.EventPollAttempt, m.pipeline.Poll.StatusJob.Name, payload); err != nil {
			logging.LogWith(ctx, m.logger).Warn("record poll event failed", slog.String("error", err.Error()))
		}
		return nil
	}
}

// finish moves run to its terminal state with the given status and archives it.
func (m *Machine) finish(ctx context.Context, run *store.RunRecord, status schema.RunStatus, reason, eventType string) (*store.RunRecord, error) {
	ctx = context.WithoutCancel(ctx)
	if err := finishRun(ctx, m.fsm, m.clock, m.store, run, status, reason); err != nil {
		if !IsCommitted(err) {
			return m.resolveConflict(ctx, run, err)
		}
		m.unrecorded(ctx, run.State, err)
	}
	m.recordOutcome(ctx, run, eventType)

	logger := logging.LogWith(ctx, m.logger)
	if status == schema.RunStatusSucceeded {
		logger.Info("run succeeded", slog.Int("poll_attempts", run.PollAttempts))
	} else {
		logger.Warn("run ended", slog.String("status", string(status)), slog.String("reason", reason))
	}
	return run, nil
}

// cancelled returns the stored record when a cancel already finished the
// run, and writes the cancellation itself otherwise.
func (m *Machine) cancelled(ctx context.Context, run *store.RunRecord) (*store.RunRecord, error) {
	stored, err := m.store.GetRun(context.WithoutCancel(ctx), run.ID)
	if err == nil && stored.Status.IsTerminal() {
		return stored, nil
	}
	return m.finish(ctx, run, schema.RunStatusFailed, schema.ReasonCancelled, schema.EventRunCancelled)
}

// resolveConflict handles a failed save. When another writer already moved
// the run to a terminal status, that record is the result.
func (m *Machine) resolveConflict(ctx context.Context, run *store.RunRecord, err error) (*store.RunRecord, error) {
	if !schema.IsCode(err, schema.ErrCodeConflict) {
		return run, err
	}
	stored, gerr := m.store.GetRun(context.WithoutCancel(ctx), run.ID)
	if gerr != nil || !stored.Status.IsTerminal() {
		return run, err
	}
	logging.LogWith(ctx, m.logger).Info("run finished by another writer",
		slog.String("status", string(stored.Status)), slog.String("reason", stored.FailureReason))
	return stored, nil
}

// unrecorded logs a saved transition whose follow-up failed; the run goes on.
func (m *Machine) unrecorded(ctx context.Context, state schema.State, err error) {
	logging.LogWith(ctx, m.logger).Warn("state saved but not recorded",
		slog.String("state", string(state)), slog.String("error", err.Error()))
}

func (m *Machine) recordOutcome(ctx context.Context, run *store.RunRecord, eventType string) {
	payload := map[string]any{"status": string(run.Status), "state": string(run.State)}
	if run.FailureReason != "" {
		payload["reason"] = run.FailureReason
	}
	if _, err := m.events.Record(ctx, run.ID, eventType, "", payload); err != nil {
		logging.LogWith(ctx, m.logger).Warn("record outcome event failed", slog.String("error", err.Error()))
	}
}

// finishRun applies a terminal status to run and commits the transition.
// The record is restored unless the save went through.
func finishRun(ctx context.Context, fsm *RunFSM, c clock.Clock, s store.Store, run *store.RunRecord, status schema.RunStatus, reason string) error {
	target := schema.StateFailed
	if status == schema.RunStatusSucceeded {
		target = schema.StateSucceeded
	}
	prev := run.Clone()
	now := c.Now()
	run.Status = status
	run.FailureReason = reason
	run.CompletedAt = &now
	run.ArchivedAt = &now

	err := fsm.Transition(ctx, run, target, func(ctx context.Context) error {
		run.UpdatedAt = now
		return s.SaveRun(ctx, run)
	})
	if err != nil && !IsCommitted(err) {
		*run = *prev
	}
	return err
}
