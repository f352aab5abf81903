package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

// allRuns indexes subscribers that did not ask for a specific run.
const allRuns = ""

type subscriber struct {
	ch    chan StreamEvent
	types map[string]struct{}
	once  sync.Once
}

func (s *subscriber) wants(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// MemoryHub fans run events out to in-process subscribers. Subscribers are
// indexed by run id, so publishing never visits watchers of other runs.
// Delivery never blocks the publishing run: events for a full subscriber
// are dropped and counted.
type MemoryHub struct {
	mu      sync.RWMutex
	byRun   map[string]map[uint64]*subscriber
	nextID  atomic.Uint64
	dropped atomic.Uint64
	buffer  int
}

var _ EventHub = (*MemoryHub)(nil)

// HubOption configures a MemoryHub.
type HubOption func(*MemoryHub)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) HubOption {
	return func(h *MemoryHub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub(opts ...HubOption) *MemoryHub {
	h := &MemoryHub{
		byRun:  make(map[string]map[uint64]*subscriber),
		buffer: defaultChannelBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish delivers event to the watchers of its run and to run-agnostic watchers.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	h.deliver(h.byRun[event.RunID], event)
	if event.RunID != allRuns {
		h.deliver(h.byRun[allRuns], event)
	}
	return nil
}

func (h *MemoryHub) deliver(subs map[uint64]*subscriber, event StreamEvent) {
	for _, sub := range subs {
		if !sub.wants(event.EventType) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a watcher. The returned cancel func unregisters it and
// closes the channel; calling it more than once is safe.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscriber{ch: make(chan StreamEvent, h.buffer)}
	if len(filter.EventTypes) > 0 {
		sub.types = make(map[string]struct{}, len(filter.EventTypes))
		for _, t := range filter.EventTypes {
			sub.types[t] = struct{}{}
		}
	}
	id := h.nextID.Add(1)

	h.mu.Lock()
	subs := h.byRun[filter.RunID]
	if subs == nil {
		subs = make(map[uint64]*subscriber)
		h.byRun[filter.RunID] = subs
	}
	subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			delete(subs, id)
			if len(h.byRun[filter.RunID]) == 0 {
				delete(h.byRun, filter.RunID)
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.byRun {
		n += len(subs)
	}
	return n
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}
