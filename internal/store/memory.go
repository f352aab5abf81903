package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/lakeflow/pkg/schema"
)

// MemoryStore is an in-process Store for tests and ephemeral runs.
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]*RunRecord
	events   map[string][]*Event
	triggers map[string]*Trigger
	nextID   int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*RunRecord),
		events:   make(map[string][]*Event),
		triggers: make(map[string]*Trigger),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateRun(_ context.Context, run *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return duplicateRun(run.ID)
	}
	if run.Version == 0 {
		run.Version = 1
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.StartedAt
	}
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *MemoryStore) SaveRun(_ context.Context, run *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[run.ID]
	if !ok {
		return storeNotFound("run", run.ID)
	}
	if cur.Version != run.Version || cur.Status != schema.RunStatusRunning {
		return runConflict(run.ID, run.Version)
	}
	run.Version++
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	return run.Clone(), nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*RunRecord, error) {
	m.mu.RLock()
	var runs []*RunRecord
	for _, r := range m.runs {
		if filter.Match(r) {
			runs = append(runs, r.Clone())
		}
	}
	m.mu.RUnlock()
	sortRuns(runs)
	return paginate(runs, filter.Offset, filter.Limit), nil
}

// sortRuns orders newest first, ties broken by id.
func sortRuns(runs []*RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID < runs[j].ID
	})
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	event.ID = m.nextID
	event.Sequence = int64(len(m.events[event.RunID]) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	m.events[event.RunID] = append(m.events[event.RunID], &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, runID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events[runID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateTrigger(_ context.Context, t *Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[t.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "trigger %q already exists", t.ID)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	cp := *t
	m.triggers[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTrigger(_ context.Context, id string) (*Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.triggers[id]
	if !ok {
		return nil, storeNotFound("trigger", id)
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpdateTrigger(_ context.Context, id string, update TriggerUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return storeNotFound("trigger", id)
	}
	update.Apply(t)
	return nil
}

func (m *MemoryStore) ListTriggers(_ context.Context, filter TriggerFilter) ([]*Trigger, error) {
	m.mu.RLock()
	var out []*Trigger
	for _, t := range m.triggers {
		if filter.Enabled != nil && t.Enabled != *filter.Enabled {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	m.mu.RUnlock()
	sortTriggers(out)
	return paginate(out, 0, filter.Limit), nil
}

func sortTriggers(ts []*Trigger) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

func (m *MemoryStore) DeleteTrigger(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[id]; !ok {
		return storeNotFound("trigger", id)
	}
	delete(m.triggers, id)
	return nil
}
