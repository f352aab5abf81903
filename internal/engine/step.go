package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/lakeflow/internal/clock"
	"github.com/rendis/lakeflow/internal/expressions"
	"github.com/rendis/lakeflow/internal/jobs"
	"github.com/rendis/lakeflow/internal/logging"
	"github.com/rendis/lakeflow/internal/store"
	"github.com/rendis/lakeflow/pkg/schema"
)

// StepDef is the static definition of one pipeline step.
type StepDef struct {
	Name      string
	Kind      schema.JobKind
	Ref       string
	Timeout   time.Duration
	Inputs    *expressions.InputMapper // nil sends no input
	OutputKey string
}

// StepStatus is the outcome of one step execution.
type StepStatus string

const (
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
)

// StepResult is the typed outcome of a step. Failures carry the error code,
// a human-readable reason and whether the last error was transient.
type StepResult struct {
	Status    StepStatus      `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Code      string          `json:"code,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
	Attempts  int             `json:"attempts"`
}

// Completed reports whether the step succeeded.
func (r StepResult) Completed() bool { return r.Status == StepCompleted }

// StepExecutor runs one step through the job client with input mapping,
// retries and a hard time bound.
type StepExecutor struct {
	client jobs.Client
	policy RetryPolicy
	clock  clock.Clock
	events EventRecorder
	logger *slog.Logger
}

// NewStepExecutor creates a StepExecutor.
func NewStepExecutor(client jobs.Client, policy RetryPolicy, c clock.Clock, events EventRecorder, logger *slog.Logger) *StepExecutor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StepExecutor{client: client, policy: policy, clock: c, events: events, logger: logger}
}

// Run executes def for run. It never returns an error: every failure is a
// FAILED result. The step is bounded by def.Timeout and by the run deadline,
// whichever comes first; retries happen inside that bound. Closing stop
// aborts between attempts with code CANCELLED, as does ctx ending.
func (e *StepExecutor) Run(ctx context.Context, def *StepDef, run *store.RunRecord, stop <-chan struct{}) StepResult {
	ctx = logging.WithStep(ctx, def.Name)
	logger := logging.LogWith(ctx, e.logger)

	input, err := e.mapInput(ctx, def, run)
	if err != nil {
		return e.fail(ctx, def, run, 0, err)
	}

	start := e.clock.Now()
	bound, boundErr := e.bound(def, run, start)
	stepCtx, cancel := context.WithTimeout(ctx, bound.Sub(start))
	defer cancel()

	var lastErr error
	attempt := 0
	for attempt < e.policy.MaxAttempts {
		if !e.clock.Now().Before(bound) {
			return e.fail(ctx, def, run, attempt, boundErr())
		}
		attempt++
		e.record(ctx, run.ID, schema.EventStepStarted, def.Name, map[string]any{
			"attempt": attempt, "job_ref": def.Ref, "kind": string(def.Kind),
		})

		out, err := e.client.Invoke(stepCtx, def.Kind, def.Ref, input)
		if err == nil {
			if e.clock.Now().After(bound) {
				return e.fail(ctx, def, run, attempt, boundErr())
			}
			e.record(ctx, run.ID, schema.EventStepCompleted, def.Name, map[string]any{
				"attempt": attempt, "output": out,
			})
			logger.Debug("step completed", slog.Int("attempt", attempt))
			return StepResult{Status: StepCompleted, Output: out, Attempts: attempt}
		}
		lastErr = err

		switch {
		case ctx.Err() != nil:
			return e.fail(ctx, def, run, attempt, interrupted(ctx))
		case stepCtx.Err() != nil:
			return e.fail(ctx, def, run, attempt, boundErr())
		case !IsRetryableError(err):
			return e.fail(ctx, def, run, attempt, err)
		case attempt >= e.policy.MaxAttempts:
			return e.fail(ctx, def, run, attempt, err)
		}

		delay := ComputeBackoff(e.policy, attempt-1)
		logger.Warn("step attempt failed, retrying",
			slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.String("error", err.Error()))
		e.record(ctx, run.ID, schema.EventStepRetrying, def.Name, map[string]any{
			"attempt": attempt, "delay_ms": delay.Milliseconds(), "error": err.Error(),
		})

		if werr := WaitForBackoff(stepCtx, e.clock, delay, stop); werr != nil {
			switch {
			case errors.Is(werr, errStopped):
				return e.fail(ctx, def, run, attempt, schema.NewError(schema.ErrCodeCancelled, schema.ReasonCancelled))
			case ctx.Err() != nil:
				return e.fail(ctx, def, run, attempt, interrupted(ctx))
			default:
				return e.fail(ctx, def, run, attempt, boundErr())
			}
		}
	}
	return e.fail(ctx, def, run, attempt, lastErr)
}

// bound returns the earlier of the step timeout and the run deadline, and
// the error reported when it is reached.
func (e *StepExecutor) bound(def *StepDef, run *store.RunRecord, start time.Time) (time.Time, func() error) {
	stepTimeout := func() error {
		return schema.NewErrorf(schema.ErrCodeStepTimeout, "%s timed out after %s", def.Name, def.Timeout).
			WithStep(def.Name)
	}
	runDeadline := func() error {
		return schema.NewError(schema.ErrCodeDeadlineExceeded, schema.ReasonDeadlineExceeded).
			WithStep(def.Name).
			WithDetails(map[string]any{"deadline_at": run.DeadlineAt})
	}
	if def.Timeout <= 0 {
		return run.DeadlineAt, runDeadline
	}
	if b := start.Add(def.Timeout); b.Before(run.DeadlineAt) {
		return b, stepTimeout
	}
	return run.DeadlineAt, runDeadline
}

func (e *StepExecutor) mapInput(ctx context.Context, def *StepDef, run *store.RunRecord) (json.RawMessage, error) {
	if def.Inputs == nil {
		return nil, nil
	}
	scope, err := expressions.NewScope(run.ID, run.Params, run.StepOutputs, run.StartedAt, run.DeadlineAt)
	if err != nil {
		return nil, err
	}
	return def.Inputs.Map(ctx, scope)
}

// fail converts err into a FAILED result and records it.
func (e *StepExecutor) fail(ctx context.Context, def *StepDef, run *store.RunRecord, attempts int, err error) StepResult {
	res := StepResult{Status: StepFailed, Attempts: attempts, Code: schema.ErrCodeInvocation}
	var pe *schema.PipelineError
	if errors.As(err, &pe) {
		res.Code = pe.Code
		res.Retryable = pe.IsRetryable()
		res.Reason = fmt.Sprintf("%s failed: %s", def.Name, pe.Message)
	} else {
		res.Reason = fmt.Sprintf("%s failed: %s", def.Name, err.Error())
	}

	if res.Code != schema.ErrCodeCancelled {
		logging.LogWith(ctx, e.logger).Warn("step failed",
			slog.String("code", res.Code), slog.Int("attempts", attempts), slog.String("reason", res.Reason))
		e.record(ctx, run.ID, schema.EventStepFailed, def.Name, map[string]any{
			"attempts": attempts, "code": res.Code, "reason": res.Reason, "retryable": res.Retryable,
		})
	}
	return res
}

func (e *StepExecutor) record(ctx context.Context, runID, eventType, step string, payload map[string]any) {
	if e.events == nil {
		return
	}
	if _, err := e.events.Record(context.WithoutCancel(ctx), runID, eventType, step, payload); err != nil {
		logging.LogWith(ctx, e.logger).Warn("record step event failed",
			slog.String("event", eventType), slog.String("error", err.Error()))
	}
}

func interrupted(ctx context.Context) error {
	return schema.NewError(schema.ErrCodeCancelled, "interrupted").WithCause(ctx.Err())
}

// NewCircuitOpenHook returns a jobs.DispatcherConfig.OnCircuitOpen callback
// that records a circuit_opened event on the run found in ctx.
func NewCircuitOpenHook(events EventRecorder, logger *slog.Logger) func(ctx context.Context, ref string) {
	return func(ctx context.Context, ref string) {
		runID := logging.RunID(ctx)
		if runID == "" || events == nil {
			return
		}
		if _, err := events.Record(context.WithoutCancel(ctx), runID, schema.EventCircuitOpened,
			logging.Step(ctx), map[string]any{"job_ref": ref}); err != nil && logger != nil {
			logging.LogWith(ctx, logger).Warn("record circuit event failed", slog.String("error", err.Error()))
		}
	}
}
