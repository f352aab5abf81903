package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/lakeflow/internal/clock"
	"github.com/rendis/lakeflow/internal/config"
	"github.com/rendis/lakeflow/internal/engine"
	"github.com/rendis/lakeflow/internal/jobs"
	"github.com/rendis/lakeflow/internal/logging"
	"github.com/rendis/lakeflow/internal/scheduler"
	"github.com/rendis/lakeflow/internal/store"
	"github.com/rendis/lakeflow/internal/validation"
)

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     store.Store
	manager   *engine.Manager
	scheduler *scheduler.Scheduler
	breakers  *jobs.BreakerRegistry
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	clk := clock.Real()
	events := store.NewEventLog(st, clk.Now)
	client, err := newJobClient(cfg, events, clk, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	pipeline, err := engine.NewPipeline(cfg.Pipeline)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	params, err := validation.NewJSONSchemaValidator(cfg.Pipeline.ParamsSchema)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	mgr, err := engine.NewManager(engine.ManagerConfig{
		Store:    st,
		Client:   client,
		Pipeline: pipeline,
		Params:   params,
		Retry:    engine.RetryPolicyFromConfig(cfg.Pipeline.Retry),
		PoolSize: cfg.Server.PoolSize,
		Clock:    clk,
		Logger:   logger,
		Events:   events,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		manager:   mgr,
		scheduler: scheduler.NewScheduler(st, mgr, clk, cfg.Scheduler.Tick, logger),
		breakers:  client.Breakers(),
	}, nil
}

// Close interrupts in-flight drivers and releases the store.
func (a *app) Close() {
	a.manager.Shutdown()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", slog.String("error", err.Error()))
	}
}

// openStore opens and migrates the configured run store.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	var st store.Store
	switch cfg.Driver {
	case "libsql":
		s, err := store.NewLibSQLStore(cfg.DSN)
		if err != nil {
			return nil, err
		}
		st = s
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, err
		}
		st = s
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		st = store.NewRedisStore(client, cfg.Redis.Prefix)
	case "memory":
		st = store.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrating %s store: %w", cfg.Driver, err)
	}
	return st, nil
}

// newJobClient builds the dispatcher over the configured backend. An opened
// circuit is recorded on the run whose step tripped it.
func newJobClient(cfg *config.Config, events *store.EventLog, clk clock.Clock, logger *slog.Logger) (*jobs.Dispatcher, error) {
	var backend jobs.Backend
	switch cfg.Backend.Type {
	case "local":
		backend = newDemoBackend(cfg.Pipeline.JobRefs)
	case "http", "":
		b, err := jobs.NewHTTPBackend(jobs.HTTPConfig{
			BaseURL: cfg.Backend.BaseURL,
			Timeout: cfg.Backend.Timeout,
		})
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}

	dc := jobs.DispatcherConfig{
		Functions:        backend,
		Bulk:             backend,
		Status:           backend,
		BulkPollInterval: cfg.Backend.BulkPollInterval,
		OnCircuitOpen:    engine.NewCircuitOpenHook(events, logger),
		Clock:            clk,
		Logger:           logger,
	}
	if cfg.Breaker.Enabled {
		bc := jobs.DefaultBreakerConfig()
		if cfg.Breaker.FailureThreshold > 0 {
			bc.FailureThreshold = cfg.Breaker.FailureThreshold
		}
		if cfg.Breaker.Cooldown > 0 {
			bc.Cooldown = cfg.Breaker.Cooldown
		}
		dc.Breakers = jobs.NewBreakerRegistry(bc, clk)
	}
	return jobs.NewDispatcher(dc), nil
}

// newDemoBackend serves the configured job refs in-process. The catalog
// reports RUNNING until it has been polled once after each refresh.
func newDemoBackend(refs config.StepStrings) *jobs.LocalBackend {
	var polls atomic.Int64
	return jobs.NewLocalBackend().
		RegisterFunction(refs.Clean, func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
			return json.Marshal(map[string]any{"removed": 0, "input": input})
		}).
		RegisterBulk(refs.Transform, func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
			return json.Marshal(map[string]any{"rows_written": 0, "input": input})
		}).
		RegisterFunction(refs.RefreshCatalog, func(context.Context, json.RawMessage) (json.RawMessage, error) {
			polls.Store(0)
			return json.RawMessage(`{"started":true}`), nil
		}).
		RegisterStatus(refs.RefreshStatus, func(context.Context) (json.RawMessage, error) {
			if polls.Add(1) < 2 {
				return json.RawMessage(`"RUNNING"`), nil
			}
			return json.RawMessage(`"SUCCEEDED"`), nil
		})
}
