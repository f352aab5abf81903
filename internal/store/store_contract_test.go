package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lakeflow/pkg/schema"
)

var baseTime = time.Date(2025, 1, 30, 12, 0, 0, 0, time.UTC)

func newRun(started time.Time) *RunRecord {
	return &RunRecord{
		ID:         uuid.New().String(),
		State:      schema.StateClean,
		Status:     schema.RunStatusRunning,
		Trigger:    "api",
		Params:     map[string]any{"source": "s3://raw/2025/01/30/data.csv"},
		StartedAt:  started,
		DeadlineAt: started.Add(15 * time.Minute),
	}
}

// runStoreContract exercises the behavior every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := newRun(baseTime)
		require.NoError(t, s.CreateRun(ctx, run))
		assert.Equal(t, int64(1), run.Version)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, schema.StateClean, got.State)
		assert.Equal(t, schema.RunStatusRunning, got.Status)
		assert.Equal(t, "api", got.Trigger)
		assert.Equal(t, "s3://raw/2025/01/30/data.csv", got.Params["source"])
		assert.True(t, baseTime.Equal(got.StartedAt))
		assert.True(t, baseTime.Add(15*time.Minute).Equal(got.DeadlineAt))
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("CreateDuplicateRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := newRun(baseTime)
		require.NoError(t, s.CreateRun(ctx, run))
		err := s.CreateRun(ctx, run.Clone())
		assert.True(t, schema.IsCode(err, schema.ErrCodeConflict), "got %v", err)
	})

	t.Run("GetRunNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetRun(context.Background(), "missing")
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})

	t.Run("SaveRunIncrementsVersion", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := newRun(baseTime)
		require.NoError(t, s.CreateRun(ctx, run))

		run.State = schema.StateTransform
		run.StepOutputs = map[string]json.RawMessage{"clean_result": json.RawMessage(`{"deleted":3}`)}
		run.UpdatedAt = baseTime.Add(time.Second)
		require.NoError(t, s.SaveRun(ctx, run))
		assert.Equal(t, int64(2), run.Version)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.StateTransform, got.State)
		assert.Equal(t, int64(2), got.Version)
		assert.JSONEq(t, `{"deleted":3}`, string(got.StepOutputs["clean_result"]))
	})

	t.Run("SaveRunStaleVersionConflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := newRun(baseTime)
		require.NoError(t, s.CreateRun(ctx, run))

		stale := run.Clone()
		run.State = schema.StateTransform
		require.NoError(t, s.SaveRun(ctx, run))

		stale.State = schema.StateFailed
		err := s.SaveRun(ctx, stale)
		assert.True(t, schema.IsCode(err, schema.ErrCodeConflict), "got %v", err)
		assert.Equal(t, int64(1), stale.Version)
	})

	t.Run("TerminalRunIsImmutable", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := newRun(baseTime)
		require.NoError(t, s.CreateRun(ctx, run))

		done := baseTime.Add(time.Minute)
		run.State = schema.StateSucceeded
		run.Status = schema.RunStatusSucceeded
		run.CompletedAt = &done
		run.ArchivedAt = &done
		require.NoError(t, s.SaveRun(ctx, run))

		run.FailureReason = "late write"
		err := s.SaveRun(ctx, run)
		assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Empty(t, got.FailureReason)
		require.NotNil(t, got.ArchivedAt)
		assert.True(t, done.Equal(*got.ArchivedAt))
	})

	t.Run("SaveRunNotFound", func(t *testing.T) {
		s := newStore(t)
		err := s.SaveRun(context.Background(), newRun(baseTime))
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})

	t.Run("ListRunsFilterAndOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		var ids []string
		for i := 0; i < 4; i++ {
			run := newRun(baseTime.Add(time.Duration(i) * time.Minute))
			if i%2 == 1 {
				run.Trigger = "object-created"
			}
			require.NoError(t, s.CreateRun(ctx, run))
			ids = append(ids, run.ID)
		}
		failed := schema.RunStatusFailed
		first, err := s.GetRun(ctx, ids[0])
		require.NoError(t, err)
		first.Status = failed
		first.State = schema.StateFailed
		require.NoError(t, s.SaveRun(ctx, first))

		all, err := s.ListRuns(ctx, RunFilter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, ids[3], all[0].ID, "newest first")

		byTrigger, err := s.ListRuns(ctx, RunFilter{Trigger: "object-created"})
		require.NoError(t, err)
		assert.Len(t, byTrigger, 2)

		byStatus, err := s.ListRuns(ctx, RunFilter{Status: &failed})
		require.NoError(t, err)
		require.Len(t, byStatus, 1)
		assert.Equal(t, ids[0], byStatus[0].ID)

		page, err := s.ListRuns(ctx, RunFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, ids[2], page[0].ID)
	})

	t.Run("EventsMonotonicSequence", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := newRun(baseTime)
		require.NoError(t, s.CreateRun(ctx, run))

		for i := 0; i < 5; i++ {
			e := &Event{RunID: run.ID, Type: schema.EventPollAttempt, Step: "AWAIT_REFRESH",
				Payload: json.RawMessage(`{"n":1}`), Timestamp: baseTime}
			require.NoError(t, s.AppendEvent(ctx, e))
			assert.Equal(t, int64(i+1), e.Sequence)
		}

		events, err := s.GetEvents(ctx, run.ID, 2)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, int64(3), events[0].Sequence)
		assert.Equal(t, "AWAIT_REFRESH", events[0].Step)
		assert.JSONEq(t, `{"n":1}`, string(events[0].Payload))
	})

	t.Run("EventsConcurrentAppend", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := newRun(baseTime)
		require.NoError(t, s.CreateRun(ctx, run))

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.AppendEvent(ctx, &Event{RunID: run.ID, Type: schema.EventStepStarted}))
			}()
		}
		wg.Wait()

		events, err := s.GetEvents(ctx, run.ID, 0)
		require.NoError(t, err)
		require.Len(t, events, 10)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
	})

	t.Run("Triggers", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		next := baseTime.Add(time.Hour)
		tr := &Trigger{
			ID:             "nightly",
			CronExpression: "0 2 * * *",
			Params:         map[string]any{"source": "s3://raw/nightly"},
			Enabled:        true,
			NextRunAt:      &next,
			CreatedAt:      baseTime,
		}
		require.NoError(t, s.CreateTrigger(ctx, tr))
		assert.True(t, schema.IsCode(s.CreateTrigger(ctx, tr), schema.ErrCodeConflict))

		require.NoError(t, s.CreateTrigger(ctx, &Trigger{
			ID: "paused", CronExpression: "*/5 * * * *", CreatedAt: baseTime.Add(time.Second),
		}))

		enabled := true
		list, err := s.ListTriggers(ctx, TriggerFilter{Enabled: &enabled})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "nightly", list[0].ID)

		ran := baseTime.Add(2 * time.Hour)
		require.NoError(t, s.UpdateTrigger(ctx, "nightly", TriggerUpdate{
			LastRunAt: &ran, LastRunID: "run-1", LastRunStatus: "started",
		}))
		got, err := s.GetTrigger(ctx, "nightly")
		require.NoError(t, err)
		assert.Equal(t, "run-1", got.LastRunID)
		assert.Equal(t, "started", got.LastRunStatus)
		require.NotNil(t, got.LastRunAt)
		assert.True(t, ran.Equal(*got.LastRunAt))
		assert.Equal(t, "s3://raw/nightly", got.Params["source"])

		all, err := s.ListTriggers(ctx, TriggerFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		require.NoError(t, s.DeleteTrigger(ctx, "paused"))
		assert.True(t, schema.IsCode(s.DeleteTrigger(ctx, "paused"), schema.ErrCodeNotFound))
		assert.True(t, schema.IsCode(s.UpdateTrigger(ctx, "paused", TriggerUpdate{LastRunID: "x"}), schema.ErrCodeNotFound))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	run := newRun(baseTime)
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	got.Params["source"] = "mutated"

	again, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3://raw/2025/01/30/data.csv", again.Params["source"])
}
