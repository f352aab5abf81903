package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lakeflow/internal/clock"
	"github.com/rendis/lakeflow/internal/logging"
	"github.com/rendis/lakeflow/internal/store"
	"github.com/rendis/lakeflow/pkg/schema"
)

type startCall struct {
	params  map[string]any
	trigger string
}

type mockRunner struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

func (m *mockRunner) StartRun(_ context.Context, params map[string]any, trigger string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, startCall{params: params, trigger: trigger})
	if m.err != nil {
		return "", m.err
	}
	return fmt.Sprintf("run-%d", len(m.calls)), nil
}

func (m *mockRunner) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

var schedStart = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func newTestScheduler(runner RunStarter) (*Scheduler, *store.MemoryStore, *clock.Fake) {
	ms := store.NewMemoryStore()
	c := clock.NewFake(schedStart)
	return NewScheduler(ms, runner, c, time.Minute, logging.NewNop()), ms, c
}

func seedTrigger(t *testing.T, ms *store.MemoryStore, id string, next *time.Time, enabled bool) {
	t.Helper()
	require.NoError(t, ms.CreateTrigger(context.Background(), &store.Trigger{
		ID:             id,
		CronExpression: "0 * * * *",
		Params:         map[string]any{"source": "raw/" + id + ".csv"},
		Enabled:        enabled,
		NextRunAt:      next,
		CreatedAt:      schedStart,
	}))
}

func TestCalculateNextRun(t *testing.T) {
	sched, _, _ := newTestScheduler(&mockRunner{})

	tests := []struct {
		expr string
		want time.Time
	}{
		{"0 * * * *", time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC)},
		{"0 0 * * *", time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)},
		{"@daily", time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			next, err := sched.CalculateNextRun(tt.expr, schedStart)
			require.NoError(t, err)
			assert.Equal(t, tt.want, next)
		})
	}

	_, err := sched.CalculateNextRun("invalid cron", schedStart)
	require.Error(t, err)
}

func TestAddTrigger(t *testing.T) {
	sched, ms, _ := newTestScheduler(&mockRunner{})
	ctx := context.Background()

	tr, err := sched.AddTrigger(ctx, "*/15 * * * *", map[string]any{"source": "raw/a.csv"})
	require.NoError(t, err)
	assert.True(t, tr.Enabled)
	require.NotNil(t, tr.NextRunAt)
	assert.Equal(t, schedStart.Add(15*time.Minute), *tr.NextRunAt)

	stored, err := ms.GetTrigger(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, "*/15 * * * *", stored.CronExpression)

	_, err = sched.AddTrigger(ctx, "every tuesday", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestTickStartsDueTriggers(t *testing.T) {
	runner := &mockRunner{}
	sched, ms, _ := newTestScheduler(runner)
	ctx := context.Background()
	past := schedStart.Add(-time.Hour)
	seedTrigger(t, ms, "tr-1", &past, true)

	assert.Equal(t, 1, sched.Tick(ctx))
	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, TriggerLabel("tr-1"), runner.calls[0].trigger)
	assert.Equal(t, "raw/tr-1.csv", runner.calls[0].params["source"])

	tr, err := ms.GetTrigger(ctx, "tr-1")
	require.NoError(t, err)
	require.NotNil(t, tr.LastRunAt)
	assert.Equal(t, schedStart, *tr.LastRunAt)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), *tr.NextRunAt)
	assert.Equal(t, "run-1", tr.LastRunID)
	assert.Equal(t, "started", tr.LastRunStatus)

	// Missed slots collapse into one run; the next tick finds nothing due.
	assert.Equal(t, 0, sched.Tick(ctx))
	assert.Equal(t, 1, runner.callCount())
}

func TestTickSkipsNotDueAndDisabled(t *testing.T) {
	runner := &mockRunner{}
	sched, ms, _ := newTestScheduler(runner)
	future := schedStart.Add(time.Hour)
	past := schedStart.Add(-time.Hour)
	seedTrigger(t, ms, "future", &future, true)
	seedTrigger(t, ms, "disabled", &past, false)

	assert.Equal(t, 0, sched.Tick(context.Background()))
	assert.Equal(t, 0, runner.callCount())
}

func TestTickWithNilNextRunAt(t *testing.T) {
	runner := &mockRunner{}
	sched, ms, _ := newTestScheduler(runner)
	seedTrigger(t, ms, "fresh", nil, true)

	assert.Equal(t, 1, sched.Tick(context.Background()))
}

func TestTickAfterClockAdvance(t *testing.T) {
	runner := &mockRunner{}
	sched, _, c := newTestScheduler(runner)
	ctx := context.Background()

	_, err := sched.AddTrigger(ctx, "0 * * * *", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, sched.Tick(ctx))

	c.Advance(time.Hour)
	assert.Equal(t, 1, sched.Tick(ctx))
	c.Advance(30 * time.Minute)
	assert.Equal(t, 0, sched.Tick(ctx))
	c.Advance(30 * time.Minute)
	assert.Equal(t, 1, sched.Tick(ctx))
	assert.Equal(t, 2, runner.callCount())
}

func TestStartRunFailureStillAdvances(t *testing.T) {
	runner := &mockRunner{err: errors.New("pool shut down")}
	sched, ms, _ := newTestScheduler(runner)
	ctx := context.Background()
	past := schedStart.Add(-time.Hour)
	seedTrigger(t, ms, "tr-err", &past, true)

	assert.Equal(t, 0, sched.Tick(ctx))

	tr, err := ms.GetTrigger(ctx, "tr-err")
	require.NoError(t, err)
	assert.Equal(t, "error", tr.LastRunStatus)
	assert.True(t, tr.NextRunAt.After(schedStart))
}

func TestSetEnabled(t *testing.T) {
	runner := &mockRunner{}
	sched, ms, c := newTestScheduler(runner)
	ctx := context.Background()

	tr, err := sched.AddTrigger(ctx, "0 * * * *", nil)
	require.NoError(t, err)
	require.NoError(t, sched.SetEnabled(ctx, tr.ID, false))

	c.Advance(3 * time.Hour)
	assert.Equal(t, 0, sched.Tick(ctx))

	require.NoError(t, sched.SetEnabled(ctx, tr.ID, true))
	stored, err := ms.GetTrigger(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, stored.Enabled)
	assert.Equal(t, time.Date(2026, 2, 10, 16, 0, 0, 0, time.UTC), *stored.NextRunAt)
	assert.Equal(t, 0, sched.Tick(ctx))

	err = sched.SetEnabled(ctx, "missing", true)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	runner := &mockRunner{}
	sched, ms, _ := newTestScheduler(runner)
	ctx := context.Background()
	past := schedStart.Add(-time.Hour)
	seedTrigger(t, ms, "tr-dedup", &past, true)

	require.True(t, sched.tryAcquire("tr-dedup"))
	assert.Equal(t, 0, sched.Tick(ctx))

	sched.releaseTrigger("tr-dedup")
	assert.Equal(t, 1, sched.Tick(ctx))
}

func TestStartStop(t *testing.T) {
	sched, _, _ := newTestScheduler(&mockRunner{})
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}
