// Package jobs provides the uniform client over the pipeline's job backends:
// stateless functions, long-running bulk compute, and catalog status queries.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/lakeflow/internal/clock"
	"github.com/rendis/lakeflow/internal/logging"
	"github.com/rendis/lakeflow/pkg/schema"
)

// Client invokes jobs and queries their status.
// Failures are *schema.PipelineError values with code INVOCATION_ERROR or
// CIRCUIT_OPEN carrying a retryable flag, or the caller's context error.
type Client interface {
	Invoke(ctx context.Context, kind schema.JobKind, ref string, input json.RawMessage) (json.RawMessage, error)
	QueryStatus(ctx context.Context, ref string) (json.RawMessage, error)
}

// FunctionBackend runs stateless functions.
type FunctionBackend interface {
	Call(ctx context.Context, ref string, input json.RawMessage) (json.RawMessage, error)
}

// Terminal bulk run states.
const (
	BulkSucceeded = "SUCCEEDED"
	BulkFailed    = "FAILED"
	BulkStopped   = "STOPPED"
	BulkTimeout   = "TIMEOUT"
	BulkError     = "ERROR"
)

// BulkRun is a snapshot of a bulk compute run.
type BulkRun struct {
	Handle string          `json:"handle"`
	State  string          `json:"state"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Terminal reports whether the bulk run has finished.
func (r BulkRun) Terminal() bool {
	switch r.State {
	case BulkSucceeded, BulkFailed, BulkStopped, BulkTimeout, BulkError:
		return true
	}
	return false
}

// BulkBackend starts long-running jobs and reports their progress.
type BulkBackend interface {
	StartRun(ctx context.Context, ref string, input json.RawMessage) (string, error)
	GetRun(ctx context.Context, ref, handle string) (BulkRun, error)
}

// StatusBackend reports catalog refresh status.
type StatusBackend interface {
	Status(ctx context.Context, ref string) (json.RawMessage, error)
}

// Backend is implemented by backends serving every job kind.
type Backend interface {
	FunctionBackend
	BulkBackend
	StatusBackend
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Functions FunctionBackend
	Bulk      BulkBackend
	Status    StatusBackend
	// Breakers is optional; nil disables circuit breaking.
	Breakers *BreakerRegistry
	// BulkPollInterval is the wait between bulk run status checks.
	BulkPollInterval time.Duration
	// OnCircuitOpen is called when a failure opens the circuit for ref.
	OnCircuitOpen func(ctx context.Context, ref string)
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Dispatcher routes invocations to the backend for each job kind.
type Dispatcher struct {
	cfg DispatcherConfig
}

var _ Client = (*Dispatcher)(nil)

// Breakers returns the circuit registry, or nil when breakers are disabled.
func (d *Dispatcher) Breakers() *BreakerRegistry { return d.cfg.Breakers }

// maxBulkBackoffShift caps the status-check backoff at 8 poll intervals.
const maxBulkBackoffShift = 3

// NewDispatcher creates a Dispatcher. A Backend may be passed for all three kinds.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BulkPollInterval <= 0 {
		cfg.BulkPollInterval = 10 * time.Second
	}
	return &Dispatcher{cfg: cfg}
}

// Invoke runs the job ref of the given kind. Bulk jobs are started and awaited
// until they reach a terminal state or ctx ends.
func (d *Dispatcher) Invoke(ctx context.Context, kind schema.JobKind, ref string, input json.RawMessage) (json.RawMessage, error) {
	if !kind.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown job kind %q", kind)
	}
	if br := d.cfg.Breakers; br != nil {
		if err := br.AllowRequest(ref); err != nil {
			return nil, err
		}
	}

	var (
		out json.RawMessage
		err error
	)
	switch kind {
	case schema.JobKindStatelessFunction:
		out, err = d.callFunction(ctx, ref, input)
	case schema.JobKindBulkCompute:
		out, err = d.runBulk(ctx, ref, input)
	case schema.JobKindStatusQuery:
		out, err = d.queryStatus(ctx, ref)
	}
	err = classify(ref, err)
	d.record(ctx, ref, err)
	return out, err
}

// QueryStatus runs a STATUS_QUERY invocation for ref.
func (d *Dispatcher) QueryStatus(ctx context.Context, ref string) (json.RawMessage, error) {
	return d.Invoke(ctx, schema.JobKindStatusQuery, ref, nil)
}

func (d *Dispatcher) callFunction(ctx context.Context, ref string, input json.RawMessage) (json.RawMessage, error) {
	if d.cfg.Functions == nil {
		return nil, schema.NewInvocationError(ref, false, errors.New("no function backend configured"))
	}
	return d.cfg.Functions.Call(ctx, ref, input)
}

func (d *Dispatcher) queryStatus(ctx context.Context, ref string) (json.RawMessage, error) {
	if d.cfg.Status == nil {
		return nil, schema.NewInvocationError(ref, false, errors.New("no status backend configured"))
	}
	return d.cfg.Status.Status(ctx, ref)
}

func (d *Dispatcher) runBulk(ctx context.Context, ref string, input json.RawMessage) (json.RawMessage, error) {
	if d.cfg.Bulk == nil {
		return nil, schema.NewInvocationError(ref, false, errors.New("no bulk backend configured"))
	}
	handle, err := d.cfg.Bulk.StartRun(ctx, ref, input)
	if err != nil {
		return nil, err
	}
	logger := logging.LogWith(ctx, d.cfg.Logger)
	logger.Debug("bulk run started", slog.String("job_ref", ref), slog.String("handle", handle))

	// Once a handle exists the run is never restarted: transient status
	// failures back off and keep polling until ctx ends.
	pollErrors := 0
	for {
		wait := d.cfg.BulkPollInterval
		run, err := d.cfg.Bulk.GetRun(ctx, ref, handle)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			cerr := classify(ref, err)
			var pe *schema.PipelineError
			if !errors.As(cerr, &pe) || !pe.IsRetryable() {
				return nil, schema.NewInvocationError(ref, false, cerr).
					WithDetails(map[string]any{"job_ref": ref, "handle": handle})
			}
			pollErrors++
			wait = bulkBackoff(d.cfg.BulkPollInterval, pollErrors)
			logger.Warn("bulk run status check failed",
				slog.String("job_ref", ref), slog.String("handle", handle),
				slog.Int("consecutive_errors", pollErrors), slog.String("error", err.Error()))
		case run.Terminal():
			if run.State == BulkSucceeded {
				return bulkOutput(handle, run), nil
			}
			msg := run.Error
			if msg == "" {
				msg = "bulk run ended in state " + run.State
			}
			return nil, schema.NewInvocationError(ref, false, errors.New(msg)).
				WithDetails(map[string]any{"job_ref": ref, "handle": handle, "state": run.State})
		default:
			pollErrors = 0
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.cfg.Clock.After(wait):
		}
	}
}

// bulkBackoff doubles the poll interval per consecutive status error, capped
// at eight intervals.
func bulkBackoff(interval time.Duration, errs int) time.Duration {
	factor := 1 << min(errs, maxBulkBackoffShift)
	return interval * time.Duration(factor)
}

func bulkOutput(handle string, run BulkRun) json.RawMessage {
	if len(run.Output) > 0 {
		return run.Output
	}
	data, _ := json.Marshal(map[string]string{"handle": handle, "state": run.State})
	return data
}

func (d *Dispatcher) record(ctx context.Context, ref string, err error) {
	br := d.cfg.Breakers
	if br == nil {
		return
	}
	if err == nil {
		br.RecordSuccess(ref)
		return
	}
	// Caller cancellation and validation problems say nothing about backend
	// health; they only hand back a half-open trial slot.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		!schema.IsCode(err, schema.ErrCodeInvocation) {
		br.RecordAbort(ref)
		return
	}
	prev := br.State(ref)
	if br.RecordFailure(ref) == CircuitOpen && prev != CircuitOpen {
		logging.LogWith(ctx, d.cfg.Logger).Warn("circuit opened", slog.String("job_ref", ref))
		if d.cfg.OnCircuitOpen != nil {
			d.cfg.OnCircuitOpen(ctx, ref)
		}
	}
}

// classify normalizes backend errors. Context errors pass through untouched;
// structured errors keep their code; anything else is a permanent invocation failure.
func classify(ref string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pe *schema.PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return schema.NewInvocationError(ref, false, err)
}

// Retryable marks err as a transient invocation failure of ref.
func Retryable(ref string, err error) error {
	return schema.NewInvocationError(ref, true, err)
}

// Permanent marks err as a non-retryable invocation failure of ref.
func Permanent(ref string, err error) error {
	return schema.NewInvocationError(ref, false, err)
}
