package streaming

import (
	"context"
	"encoding/json"

	"github.com/rendis/lakeflow/internal/store"
)

// StreamEvent is a real-time copy of a run history event.
type StreamEvent struct {
	RunID     string          `json:"run_id"`
	Sequence  int64           `json:"sequence"`
	Step      string          `json:"step,omitempty"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// FromEvent converts a persisted history event.
func FromEvent(e *store.Event) StreamEvent {
	return StreamEvent{
		RunID:     e.RunID,
		Sequence:  e.Sequence,
		Step:      e.Step,
		EventType: e.Type,
		Payload:   e.Payload,
	}
}

// Forward returns an event observer that publishes every event to hub.
// Publishing never fails the recording run.
func Forward(hub EventHub) func(ctx context.Context, e *store.Event) {
	return func(ctx context.Context, e *store.Event) {
		_ = hub.Publish(context.WithoutCancel(ctx), FromEvent(e))
	}
}
