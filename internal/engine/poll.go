package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/lakeflow/internal/clock"
	"github.com/rendis/lakeflow/internal/expressions"
	"github.com/rendis/lakeflow/internal/logging"
	"github.com/rendis/lakeflow/internal/store"
	"github.com/rendis/lakeflow/pkg/schema"
)

// PollSpec configures the AWAIT_REFRESH loop. It inherits the run deadline.
type PollSpec struct {
	StatusJob *StepDef
	Field     *expressions.FieldExtractor
	Predicate *expressions.Predicate
	Interval  time.Duration
}

// PollOutcome is the terminal result of a poll loop.
type PollOutcome string

const (
	PollSatisfied        PollOutcome = "SATISFIED"
	PollDeadlineExceeded PollOutcome = "DEADLINE_EXCEEDED"
	PollQueryFailed      PollOutcome = "QUERY_FAILED"
	PollCancelled        PollOutcome = "CANCELLED"
)

// PollResult is returned by Await.
type PollResult struct {
	Outcome  PollOutcome     `json:"outcome"`
	Status   string          `json:"status,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Attempts int             `json:"attempts"`
}

// PollAttempt describes one status check. Err is set when the check could
// not be evaluated; such attempts count as not yet satisfied.
type PollAttempt struct {
	Status    string
	Satisfied bool
	Err       string
}

// PollFunc is called after every status check, before the next wait.
// A returned error aborts the loop.
type PollFunc func(ctx context.Context, attempt PollAttempt) error

// Poller runs the poll-until-condition loop.
type Poller struct {
	steps  *StepExecutor
	clock  clock.Clock
	logger *slog.Logger
}

// NewPoller creates a Poller that runs status checks through steps.
func NewPoller(steps *StepExecutor, c clock.Clock, logger *slog.Logger) *Poller {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{steps: steps, clock: c, logger: logger}
}

// Await polls spec.StatusJob until the predicate holds, the status job fails
// permanently, or waiting another interval would cross run.DeadlineAt. In
// the last case it holds until the deadline before reporting. Closing stop
// ends the loop with CANCELLED at the next deadline check or during a wait.
// The error return is reserved for ctx ending and onPoll failures.
func (p *Poller) Await(ctx context.Context, spec *PollSpec, run *store.RunRecord, stop <-chan struct{}, onPoll PollFunc) (PollResult, error) {
	ctx = logging.WithStep(ctx, spec.StatusJob.Name)
	logger := logging.LogWith(ctx, p.logger)
	res := PollResult{}

	for {
		if stopped(stop) {
			res.Outcome = PollCancelled
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		step := p.steps.Run(ctx, spec.StatusJob, run, stop)
		res.Attempts++
		attempt := PollAttempt{}

		if !step.Completed() {
			switch {
			case step.Code == schema.ErrCodeCancelled:
				if err := ctx.Err(); err != nil {
					return res, err
				}
				res.Outcome = PollCancelled
				return res, nil
			case step.Code == schema.ErrCodeDeadlineExceeded:
				res.Outcome = PollDeadlineExceeded
				res.Reason = schema.ReasonRefreshTimedOut
				return res, nil
			case !step.Retryable:
				attempt.Err = step.Reason
				if err := onPoll(ctx, attempt); err != nil {
					return res, err
				}
				res.Outcome = PollQueryFailed
				res.Reason = step.Reason
				return res, nil
			}
			attempt.Err = step.Reason
		} else {
			res.Output = step.Output
			attempt.Status, attempt.Satisfied, attempt.Err = p.evaluate(ctx, spec, step.Output)
			res.Status = attempt.Status
		}

		if attempt.Err != "" {
			logger.Warn("status check not evaluable", slog.Int("attempt", res.Attempts), slog.String("error", attempt.Err))
		} else {
			logger.Debug("status checked", slog.Int("attempt", res.Attempts),
				slog.String("status", attempt.Status), slog.Bool("satisfied", attempt.Satisfied))
		}
		if err := onPoll(ctx, attempt); err != nil {
			return res, err
		}
		if attempt.Satisfied {
			res.Outcome = PollSatisfied
			return res, nil
		}

		if stopped(stop) {
			res.Outcome = PollCancelled
			return res, nil
		}
		now := p.clock.Now()
		wait := spec.Interval
		deadlineHit := now.Add(spec.Interval).After(run.DeadlineAt)
		if deadlineHit {
			wait = run.DeadlineAt.Sub(now)
		}
		if err := WaitForBackoff(ctx, p.clock, wait, stop); err != nil {
			if errors.Is(err, errStopped) {
				res.Outcome = PollCancelled
				return res, nil
			}
			return res, err
		}
		if deadlineHit {
			res.Outcome = PollDeadlineExceeded
			res.Reason = schema.ReasonRefreshTimedOut
			return res, nil
		}
	}
}

// evaluate extracts the canonical status and applies the predicate.
func (p *Poller) evaluate(ctx context.Context, spec *PollSpec, output json.RawMessage) (string, bool, string) {
	status, payload, err := spec.Field.Extract(ctx, output)
	if err != nil {
		return status, false, err.Error()
	}
	ok, err := spec.Predicate.Eval(ctx, status, payload)
	if err != nil {
		return status, false, err.Error()
	}
	return status, ok, ""
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
