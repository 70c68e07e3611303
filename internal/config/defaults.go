package config

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaults registers every key so that environment overrides apply to keys
// absent from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 60*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("http.api_keys", map[string]string{})
	v.SetDefault("http.rate_limit", 5.0)
	v.SetDefault("http.rate_burst", 20)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 10*time.Minute)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "analysis-worker")
	v.SetDefault("kafka.ensure_topics", true)
	v.SetDefault("kafka.partitions", 6)
	v.SetDefault("kafka.replication_factor", 1)

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", "gemini-1.5-flash")
	v.SetDefault("gemini.max_retries", 2)
	v.SetDefault("gemini.correction_enabled", false)
	v.SetDefault("gemini.correction_timeout", 8*time.Second)

	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.timeout", time.Minute)
	v.SetDefault("breaker.max_requests", 1)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.environment", "development")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("matching.limit", 5)
	v.SetDefault("matching.fetch_limit", 50)
	v.SetDefault("matching.concurrency", 4)
	v.SetDefault("matching.taxonomy_file", "")
	v.SetDefault("matching.explain", true)

	v.SetDefault("catalog.file", "")
	v.SetDefault("catalog.refresh_interval", 15*time.Minute)

	v.SetDefault("normalizer.extra_vocabulary", map[string]string{})
	v.SetDefault("normalizer.name_fixes", map[string]string{})

	v.SetDefault("worker.workers", 8)
	v.SetDefault("worker.queue_size", 256)
	v.SetDefault("worker.task_timeout", 60*time.Second)
}
