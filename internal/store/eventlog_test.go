package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lakeflow/pkg/schema"
)

func TestEventLog_RecordAndReplay(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := baseTime
	el := NewEventLog(s, func() time.Time { now = now.Add(time.Second); return now })

	runID := "run-1"
	record := func(typ, step string, payload any) {
		_, err := el.Record(ctx, runID, typ, step, payload)
		require.NoError(t, err)
	}
	record(schema.EventRunCreated, "", map[string]any{"trigger": "api"})
	record(schema.EventStateEntered, "CLEAN", nil)
	record(schema.EventStepStarted, "CLEAN", nil)
	record(schema.EventStepRetrying, "CLEAN", map[string]any{"attempt": 1})
	record(schema.EventStepCompleted, "CLEAN", map[string]any{"deleted": 2})
	record(schema.EventStateEntered, "AWAIT_REFRESH", nil)
	record(schema.EventPollAttempt, "AWAIT_REFRESH", map[string]any{"status": "RUNNING"})
	record(schema.EventPollAttempt, "AWAIT_REFRESH", map[string]any{"status": "SUCCEEDED"})
	record(schema.EventRunSucceeded, "", nil)

	r, err := el.Replay(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, []schema.State{schema.StateClean, schema.StateAwaitRefresh}, r.States)
	assert.Equal(t, 2, r.PollAttempts)
	assert.Equal(t, schema.EventRunSucceeded, r.Outcome)

	clean := r.Steps["CLEAN"]
	require.NotNil(t, clean)
	assert.Equal(t, 1, clean.Attempts)
	assert.Equal(t, 1, clean.Retries)
	assert.True(t, clean.Completed)
	assert.Equal(t, int64(2000), clean.DurationMs)
	assert.JSONEq(t, `{"deleted":2}`, string(clean.LastPayload))
}

type gappyStore struct {
	*MemoryStore
}

func (g gappyStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return []*Event{{RunID: runID, Sequence: 1}, {RunID: runID, Sequence: 3}}, nil
}

func TestEventLog_ReplayDetectsGap(t *testing.T) {
	el := NewEventLog(gappyStore{NewMemoryStore()}, nil)
	_, err := el.Replay(context.Background(), "run-1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestEventLog_OnRecordSeesPersistedEvents(t *testing.T) {
	s := NewMemoryStore()
	el := NewEventLog(s, nil)

	var seen []*Event
	el.OnRecord(func(_ context.Context, e *Event) { seen = append(seen, e) })

	_, err := el.Record(context.Background(), "run-1", schema.EventRunCreated, "", nil)
	require.NoError(t, err)
	_, err = el.Record(context.Background(), "run-1", schema.EventStateEntered, "CLEAN", nil)
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, int64(1), seen[0].Sequence)
	assert.Equal(t, "CLEAN", seen[1].Step)
}
