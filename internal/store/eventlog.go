package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rendis/lakeflow/pkg/schema"
)

// EventLog records and replays run history on top of a Store.
type EventLog struct {
	store Store
	now   func() time.Time

	mu        sync.RWMutex
	observers []func(ctx context.Context, e *Event)
}

// NewEventLog wraps a Store. now supplies event timestamps; nil means time.Now.
func NewEventLog(s Store, now func() time.Time) *EventLog {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &EventLog{store: s, now: now}
}

// Record appends an event of the given type. payload is marshalled to JSON when non-nil.
func (el *EventLog) Record(ctx context.Context, runID, eventType, step string, payload any) (*Event, error) {
	e := &Event{
		RunID:     runID,
		Type:      eventType,
		Step:      step,
		Timestamp: el.now(),
	}
	if payload != nil {
		switch p := payload.(type) {
		case json.RawMessage:
			e.Payload = p
		default:
			data, err := json.Marshal(p)
			if err != nil {
				return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
			}
			e.Payload = data
		}
	}
	if err := el.store.AppendEvent(ctx, e); err != nil {
		return nil, err
	}

	el.mu.RLock()
	observers := el.observers
	el.mu.RUnlock()
	for _, fn := range observers {
		fn(ctx, e)
	}
	return e, nil
}

// OnRecord registers fn to be called with every event after it is persisted.
// Observers run on the recording goroutine and must not block.
func (el *EventLog) OnRecord(fn func(ctx context.Context, e *Event)) {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.observers = append(el.observers, fn)
}

// GetEvents returns events for a run with sequence > since.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// StepHistory summarizes one step's activity reconstructed from events.
type StepHistory struct {
	Step        string          `json:"step"`
	Attempts    int             `json:"attempts"`
	Retries     int             `json:"retries"`
	Completed   bool            `json:"completed"`
	Failed      bool            `json:"failed"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	LastPayload json.RawMessage `json:"last_payload,omitempty"`
}

// Replay is the history of a run reconstructed from its event log.
type Replay struct {
	RunID        string                  `json:"run_id"`
	States       []schema.State          `json:"states"`
	Steps        map[string]*StepHistory `json:"steps"`
	PollAttempts int                     `json:"poll_attempts"`
	Outcome      string                  `json:"outcome,omitempty"`
}

// Replay rebuilds the visited states and per-step history of a run.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, runID string) (*Replay, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	r := &Replay{RunID: runID, Steps: make(map[string]*StepHistory)}
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}

		switch e.Type {
		case schema.EventStateEntered:
			r.States = append(r.States, schema.State(e.Step))
		case schema.EventPollAttempt:
			r.PollAttempts++
		case schema.EventRunSucceeded, schema.EventRunFailed, schema.EventRunTimedOut, schema.EventRunCancelled:
			r.Outcome = e.Type
		}

		if e.Step == "" || e.Type == schema.EventStateEntered {
			continue
		}
		sh, ok := r.Steps[e.Step]
		if !ok {
			sh = &StepHistory{Step: e.Step}
			r.Steps[e.Step] = sh
		}
		ts := e.Timestamp
		switch e.Type {
		case schema.EventStepStarted:
			sh.Attempts++
			if sh.StartedAt == nil {
				sh.StartedAt = &ts
			}
		case schema.EventStepRetrying:
			sh.Retries++
		case schema.EventStepCompleted:
			sh.Completed = true
			sh.CompletedAt = &ts
			sh.LastPayload = e.Payload
			if sh.StartedAt != nil {
				sh.DurationMs = ts.Sub(*sh.StartedAt).Milliseconds()
			}
		case schema.EventStepFailed:
			sh.Failed = true
			sh.LastPayload = e.Payload
		}
	}
	return r, nil
}
