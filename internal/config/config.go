package config

import "time"

// Config holds all application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects and configures the run store.
type StoreConfig struct {
	Driver string      `mapstructure:"driver"` // libsql, sqlite, redis, memory
	DSN    string      `mapstructure:"dsn"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig configures the Redis run store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// PipelineConfig configures the fixed pipeline.
type PipelineConfig struct {
	Timeout          time.Duration                `mapstructure:"timeout"`
	Interval         time.Duration                `mapstructure:"interval"`
	StatusField      string                       `mapstructure:"status_field"`
	SuccessPredicate string                       `mapstructure:"success_predicate"`
	ParamsSchema     string                       `mapstructure:"params_schema"`
	Retry            RetryConfig                  `mapstructure:"retry"`
	JobRefs          StepStrings                  `mapstructure:"job_refs"`
	StepTimeouts     StepDurations                `mapstructure:"step_timeouts"`
	Inputs           map[string]map[string]string `mapstructure:"inputs"`
}

// RetryConfig configures step retries.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// StepStrings holds one string per pipeline step.
type StepStrings struct {
	Clean          string `mapstructure:"clean"`
	Transform      string `mapstructure:"transform"`
	RefreshCatalog string `mapstructure:"refresh_catalog"`
	RefreshStatus  string `mapstructure:"refresh_status"`
}

// StepDurations holds one duration per pipeline step.
type StepDurations struct {
	Clean          time.Duration `mapstructure:"clean"`
	Transform      time.Duration `mapstructure:"transform"`
	RefreshCatalog time.Duration `mapstructure:"refresh_catalog"`
	RefreshStatus  time.Duration `mapstructure:"refresh_status"`
}

// BackendConfig configures the job backends.
type BackendConfig struct {
	Type             string        `mapstructure:"type"` // http, local
	BaseURL          string        `mapstructure:"base_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	BulkPollInterval time.Duration `mapstructure:"bulk_poll_interval"`
}

// BreakerConfig configures per-job circuit breakers.
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// ServerConfig configures the HTTP API and run pool.
type ServerConfig struct {
	ListenAddr  string   `mapstructure:"listen_addr"`
	PoolSize    int      `mapstructure:"pool_size"`
	CORSOrigins []string `mapstructure:"cors"`
}

// SchedulerConfig configures cron triggers.
type SchedulerConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Tick    time.Duration `mapstructure:"tick"`
}
