package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "auto", cfg.Log.Format)
	assert.Equal(t, "libsql", cfg.Store.Driver)
	assert.Equal(t, 15*time.Minute, cfg.Pipeline.Timeout)
	assert.Equal(t, 20*time.Second, cfg.Pipeline.Interval)
	assert.Equal(t, `status == "SUCCEEDED"`, cfg.Pipeline.SuccessPredicate)
	assert.Equal(t, 3, cfg.Pipeline.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Pipeline.Retry.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.Retry.MaxDelay)
	assert.Equal(t, "check-crawler", cfg.Pipeline.JobRefs.RefreshStatus)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.StepTimeouts.Clean)
	assert.Equal(t, "params.source", cfg.Pipeline.Inputs["clean"]["source"])
	assert.Equal(t, 64, cfg.Server.PoolSize)
}

func TestLoader_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lakeflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
store:
  driver: memory
pipeline:
  interval: 5s
  job_refs:
    transform: nightly-etl
`), 0o600))
	t.Setenv("LAKEFLOW_PIPELINE_TIMEOUT", "30m")

	cfg, err := NewLoader().WithConfigFile(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.Interval)
	assert.Equal(t, 30*time.Minute, cfg.Pipeline.Timeout)
	assert.Equal(t, "nightly-etl", cfg.Pipeline.JobRefs.Transform)
	assert.Equal(t, "cleaner", cfg.Pipeline.JobRefs.Clean)
}

func TestLoader_MissingExplicitFile(t *testing.T) {
	_, err := NewLoader().WithConfigFile(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Store.Driver = "postgres"
	cfg.Pipeline.Interval = 0
	cfg.Pipeline.Retry.MaxAttempts = 0
	cfg.Pipeline.JobRefs.Clean = ""
	cfg.Backend.Type = "grpc"

	err := cfg.Validate()
	require.Error(t, err)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	fields := make([]string, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{
		"store.driver", "pipeline.interval", "pipeline.retry.max_attempts",
		"pipeline.job_refs.clean", "backend.type",
	}, fields)
}
