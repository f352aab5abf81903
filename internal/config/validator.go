package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level", c.Log.Level, "must be debug, info, warn or error")
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		add("log.format", c.Log.Format, "must be auto, text or json")
	}

	switch c.Store.Driver {
	case "libsql", "sqlite":
		if c.Store.DSN == "" {
			add("store.dsn", c.Store.DSN, "required for sql drivers")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			add("store.redis.addr", c.Store.Redis.Addr, "required for redis driver")
		}
	case "memory":
	default:
		add("store.driver", c.Store.Driver, "must be libsql, sqlite, redis or memory")
	}

	p := c.Pipeline
	if p.Timeout <= 0 {
		add("pipeline.timeout", p.Timeout, "must be positive")
	}
	if p.Interval <= 0 {
		add("pipeline.interval", p.Interval, "must be positive")
	}
	if p.SuccessPredicate == "" {
		add("pipeline.success_predicate", p.SuccessPredicate, "required")
	}
	if p.Retry.MaxAttempts < 1 {
		add("pipeline.retry.max_attempts", p.Retry.MaxAttempts, "must be at least 1")
	}
	if p.Retry.BaseDelay < 0 || p.Retry.MaxDelay < 0 {
		add("pipeline.retry", p.Retry, "delays must not be negative")
	}
	steps := []struct {
		name    string
		ref     string
		timeout time.Duration
	}{
		{"clean", p.JobRefs.Clean, p.StepTimeouts.Clean},
		{"transform", p.JobRefs.Transform, p.StepTimeouts.Transform},
		{"refresh_catalog", p.JobRefs.RefreshCatalog, p.StepTimeouts.RefreshCatalog},
		{"refresh_status", p.JobRefs.RefreshStatus, p.StepTimeouts.RefreshStatus},
	}
	for _, st := range steps {
		if st.ref == "" {
			add("pipeline.job_refs."+st.name, st.ref, "required")
		}
		if st.timeout <= 0 {
			add("pipeline.step_timeouts."+st.name, st.timeout, "must be positive")
		}
	}

	switch c.Backend.Type {
	case "http":
		if c.Backend.BaseURL == "" {
			add("backend.base_url", c.Backend.BaseURL, "required for http backend")
		}
	case "local":
	default:
		add("backend.type", c.Backend.Type, "must be http or local")
	}
	if c.Backend.BulkPollInterval <= 0 {
		add("backend.bulk_poll_interval", c.Backend.BulkPollInterval, "must be positive")
	}

	if c.Breaker.Enabled && c.Breaker.FailureThreshold < 1 {
		add("breaker.failure_threshold", c.Breaker.FailureThreshold, "must be at least 1")
	}
	if c.Server.PoolSize < 1 {
		add("server.pool_size", c.Server.PoolSize, "must be at least 1")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
