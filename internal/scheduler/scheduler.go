// Package scheduler starts pipeline runs from cron triggers stored in the run store.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/lakeflow/internal/clock"
	"github.com/rendis/lakeflow/internal/store"
	"github.com/rendis/lakeflow/pkg/schema"
)

// RunStarter starts a pipeline run. Satisfied by engine.Manager.
type RunStarter interface {
	StartRun(ctx context.Context, params map[string]any, trigger string) (string, error)
}

// TriggerLabel is the run trigger recorded for runs started by trigger id.
func TriggerLabel(id string) string { return "cron:" + id }

// Scheduler polls the store for due triggers and starts their runs.
type Scheduler struct {
	store  store.Store
	runner RunStarter
	parser cron.Parser
	clock  clock.Clock
	tick   time.Duration
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a Scheduler that checks triggers every tick.
func NewScheduler(s store.Store, runner RunStarter, c clock.Clock, tick time.Duration, logger *slog.Logger) *Scheduler {
	if c == nil {
		c = clock.Real()
	}
	if tick <= 0 {
		tick = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		clock:    c,
		tick:     tick,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// AddTrigger validates the cron expression and stores an enabled trigger
// whose first run is the next matching time.
func (s *Scheduler) AddTrigger(ctx context.Context, cronExpr string, params map[string]any) (*store.Trigger, error) {
	now := s.clock.Now()
	next, err := s.CalculateNextRun(cronExpr, now)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	t := &store.Trigger{
		ID:             uuid.NewString(),
		CronExpression: cronExpr,
		Params:         params,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if err := s.store.CreateTrigger(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("trigger added", slog.String("trigger_id", t.ID), slog.String("cron", cronExpr),
		slog.Time("next_run_at", next))
	return t, nil
}

// SetEnabled enables or disables a trigger. Re-enabling schedules the next
// run from now so missed slots are not replayed.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	t, err := s.store.GetTrigger(ctx, id)
	if err != nil {
		return err
	}
	update := store.TriggerUpdate{Enabled: &enabled}
	if enabled {
		next, err := s.CalculateNextRun(t.CronExpression, s.clock.Now())
		if err != nil {
			return err
		}
		update.NextRunAt = &next
	}
	return s.store.UpdateTrigger(ctx, id, update)
}

// ListTriggers returns stored triggers matching filter.
func (s *Scheduler) ListTriggers(ctx context.Context, filter store.TriggerFilter) ([]*store.Trigger, error) {
	return s.store.ListTriggers(ctx, filter)
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("tick", s.tick))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts a run for every enabled trigger that is due. It returns the
// number of runs started.
func (s *Scheduler) Tick(ctx context.Context) int {
	enabled := true
	triggers, err := s.store.ListTriggers(ctx, store.TriggerFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list triggers", slog.String("error", err.Error()))
		return 0
	}

	now := s.clock.Now()
	started := 0
	for _, t := range triggers {
		if t.NextRunAt != nil && t.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(t.ID) {
			continue
		}
		ok, err := s.fire(ctx, t, now)
		if err != nil {
			s.logger.Error("failed to fire trigger",
				slog.String("trigger_id", t.ID),
				slog.String("error", err.Error()),
			)
		}
		if ok {
			started++
		}
		s.releaseTrigger(t.ID)
	}
	return started
}

// fire starts one run for t and advances its schedule. Missed slots
// collapse into this single run.
func (s *Scheduler) fire(ctx context.Context, t *store.Trigger, now time.Time) (bool, error) {
	runID, err := s.runner.StartRun(ctx, t.Params, TriggerLabel(t.ID))
	status := "started"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled run not started",
			slog.String("trigger_id", t.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("scheduled run started",
			slog.String("trigger_id", t.ID),
			slog.String("run_id", runID),
		)
	}

	next, nerr := s.CalculateNextRun(t.CronExpression, now)
	if nerr != nil {
		return err == nil, fmt.Errorf("calculate next run for trigger %q: %w", t.ID, nerr)
	}
	uerr := s.store.UpdateTrigger(ctx, t.ID, store.TriggerUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunID:     runID,
		LastRunStatus: status,
	})
	return err == nil, uerr
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) releaseTrigger(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
