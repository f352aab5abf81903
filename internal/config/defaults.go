package config

func setDefaults(v interface{ SetDefault(string, any) }) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")

	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.dsn", "file:lakeflow.db")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "lakeflow:")

	v.SetDefault("pipeline.timeout", "15m")
	v.SetDefault("pipeline.interval", "20s")
	v.SetDefault("pipeline.status_field", ".")
	v.SetDefault("pipeline.success_predicate", `status == "SUCCEEDED"`)
	v.SetDefault("pipeline.params_schema", "")
	v.SetDefault("pipeline.retry.max_attempts", 3)
	v.SetDefault("pipeline.retry.base_delay", "1s")
	v.SetDefault("pipeline.retry.max_delay", "30s")

	v.SetDefault("pipeline.job_refs.clean", "cleaner")
	v.SetDefault("pipeline.job_refs.transform", "process-job")
	v.SetDefault("pipeline.job_refs.refresh_catalog", "invoke-crawler")
	v.SetDefault("pipeline.job_refs.refresh_status", "check-crawler")

	v.SetDefault("pipeline.step_timeouts.clean", "5m")
	v.SetDefault("pipeline.step_timeouts.transform", "10m")
	v.SetDefault("pipeline.step_timeouts.refresh_catalog", "5m")
	v.SetDefault("pipeline.step_timeouts.refresh_status", "5m")

	v.SetDefault("pipeline.inputs", map[string]any{
		"clean": map[string]any{
			"source":    "params.source",
			"partition": "params.partition",
		},
		"transform": map[string]any{
			"source":       "params.source",
			"clean_result": "outputs.clean_result",
		},
		"refresh_catalog": map[string]any{
			"run_id": "run.id",
		},
	})

	v.SetDefault("backend.type", "http")
	v.SetDefault("backend.base_url", "http://localhost:9000")
	v.SetDefault("backend.timeout", "30s")
	v.SetDefault("backend.bulk_poll_interval", "10s")

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", "30s")

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.pool_size", 64)
	v.SetDefault("server.cors", []string{})

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick", "60s")
}
