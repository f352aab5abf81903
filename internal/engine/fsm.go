package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/rendis/lakeflow/internal/store"
	"github.com/rendis/lakeflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(ctx context.Context, runID string, from, to schema.State) error

// EventRecorder is satisfied by store.EventLog; used to emit run history.
type EventRecorder interface {
	Record(ctx context.Context, runID, eventType, step string, payload any) (*store.Event, error)
}

// CommittedError is returned by Transition when the new state was saved but
// recording its event or an after hook failed. The record keeps the new state.
type CommittedError struct {
	Err error
}

func (e *CommittedError) Error() string { return "transition committed: " + e.Err.Error() }

func (e *CommittedError) Unwrap() error { return e.Err }

// IsCommitted reports whether err happened after the transition was saved.
func IsCommitted(err error) bool {
	var ce *CommittedError
	return errors.As(err, &ce)
}

type hookKey struct {
	from, to schema.State
}

// RunFSM validates pipeline state transitions against the static transition
// table and emits a state_entered event for each committed transition.
// It holds no per-run state and is shared by all runs.
type RunFSM struct {
	mu     sync.RWMutex
	events EventRecorder
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that emits events via the given recorder.
func NewRunFSM(events EventRecorder) *RunFSM {
	return &RunFSM{
		events: events,
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition is committed.
// A hook error aborts the transition.
func (f *RunFSM) OnBefore(from, to schema.State, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition is committed.
func (f *RunFSM) OnAfter(from, to schema.State, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition moves run to state to. commit persists the updated record; on
// commit failure the record's state is restored and no event is emitted.
func (f *RunFSM) Transition(ctx context.Context, run *store.RunRecord, to schema.State, commit func(ctx context.Context) error) error {
	from := run.State
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": run.ID, "from": string(from), "to": string(to)})
	}

	f.mu.RLock()
	before := f.before[hookKey{from, to}]
	after := f.after[hookKey{from, to}]
	f.mu.RUnlock()

	for _, hook := range before {
		if err := hook(ctx, run.ID, from, to); err != nil {
			return err
		}
	}

	run.State = to
	if err := commit(ctx); err != nil {
		run.State = from
		return err
	}

	if _, err := f.events.Record(ctx, run.ID, schema.EventStateEntered, string(to),
		map[string]any{"from": string(from)}); err != nil {
		return &CommittedError{Err: schema.NewErrorf(schema.ErrCodeStore, "emit state event: %s", err.Error()).WithCause(err)}
	}

	for _, hook := range after {
		if err := hook(ctx, run.ID, from, to); err != nil {
			return &CommittedError{Err: err}
		}
	}
	return nil
}

// IsValidTransition reports whether the transition table allows from -> to.
func IsValidTransition(from, to schema.State) bool {
	for _, a := range ValidTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// NextState returns the success successor of a step state.
func NextState(s schema.State) (schema.State, bool) {
	switch s {
	case schema.StateClean:
		return schema.StateTransform, true
	case schema.StateTransform:
		return schema.StateRefreshCatalog, true
	case schema.StateRefreshCatalog:
		return schema.StateAwaitRefresh, true
	case schema.StateAwaitRefresh:
		return schema.StateSucceeded, true
	}
	return "", false
}

// ValidTransitions defines the allowed state transitions of the pipeline
// graph. AWAIT_REFRESH is the only state that may revisit itself.
var ValidTransitions = map[schema.State][]schema.State{
	schema.StateClean:          {schema.StateTransform, schema.StateFailed},
	schema.StateTransform:      {schema.StateRefreshCatalog, schema.StateFailed},
	schema.StateRefreshCatalog: {schema.StateAwaitRefresh, schema.StateFailed},
	schema.StateAwaitRefresh:   {schema.StateAwaitRefresh, schema.StateSucceeded, schema.StateFailed},
	schema.StateSucceeded:      {},
	schema.StateFailed:         {},
}
