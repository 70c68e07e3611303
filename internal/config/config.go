// Package config loads service configuration from an optional YAML file and
// RXSCAN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "RXSCAN"

// Config is the complete service configuration.
type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Gemini     GeminiConfig     `mapstructure:"gemini"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Log        LogConfig        `mapstructure:"log"`
	Matching   MatchingConfig   `mapstructure:"matching"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Normalizer NormalizerConfig `mapstructure:"normalizer"`
	Worker     WorkerConfig     `mapstructure:"worker"`
}

type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	// APIKeys maps key to client name; empty disables authentication.
	APIKeys map[string]string `mapstructure:"api_keys"`
	// RateLimit is requests per second per client; 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int64   `mapstructure:"rate_burst"`
}

// DatabaseConfig locates the product catalog. An empty URL means the catalog
// is read from Catalog.File instead.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type KafkaConfig struct {
	// Enabled turns on asynchronous submission from the API. The worker
	// always uses Kafka.
	Enabled      bool     `mapstructure:"enabled"`
	Brokers      []string `mapstructure:"brokers"`
	GroupID      string   `mapstructure:"group_id"`
	EnsureTopics bool     `mapstructure:"ensure_topics"`
	// Partitions and ReplicationFactor size topics created at startup.
	Partitions        int32 `mapstructure:"partitions"`
	ReplicationFactor int16 `mapstructure:"replication_factor"`
}

// GeminiConfig configures the OCR and correction collaborators. An empty API
// key disables both.
type GeminiConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	MaxRetries        int           `mapstructure:"max_retries"`
	CorrectionEnabled bool          `mapstructure:"correction_enabled"`
	CorrectionTimeout time.Duration `mapstructure:"correction_timeout"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Environment string  `mapstructure:"environment"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MatchingConfig struct {
	Limit        int    `mapstructure:"limit"`
	FetchLimit   int    `mapstructure:"fetch_limit"`
	Concurrency  int    `mapstructure:"concurrency"`
	TaxonomyFile string `mapstructure:"taxonomy_file"`
	Explain      bool   `mapstructure:"explain"`
}

type CatalogConfig struct {
	File            string        `mapstructure:"file"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type NormalizerConfig struct {
	// ExtraVocabulary maps unaccented phrases to their accented spelling.
	ExtraVocabulary map[string]string `mapstructure:"extra_vocabulary"`
	// NameFixes maps front-truncated medicine names to their full spelling.
	NameFixes map[string]string `mapstructure:"name_fixes"`
}

type WorkerConfig struct {
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads configPath when it is non-empty, applies RXSCAN_* overrides and
// validates the result.
func Load(configPath string) (*Config, error) {
	v := newViper()
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Default returns the defaults with RXSCAN_* overrides applied, unvalidated.
// Callers adjust fields and then call Validate.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := newViper().Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and required combinations.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d is out of range", c.HTTP.Port))
	}
	if c.HTTP.RateLimit < 0 {
		errs = append(errs, errors.New("http.rate_limit must not be negative"))
	}
	if c.HTTP.RateLimit > 0 && c.HTTP.RateBurst < 1 {
		errs = append(errs, errors.New("http.rate_burst must be at least 1 when rate limiting"))
	}
	if c.Database.URL == "" && c.Catalog.File == "" {
		errs = append(errs, errors.New("one of database.url or catalog.file is required"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	if c.Gemini.CorrectionEnabled && c.Gemini.APIKey == "" {
		errs = append(errs, errors.New("gemini.api_key is required for correction"))
	}
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, errors.New("breaker.failure_threshold must be at least 1"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate %.2f must be within [0, 1]", c.Tracing.SampleRate))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is invalid", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is invalid", c.Log.Format))
	}
	if c.Matching.Limit < 1 || c.Matching.FetchLimit < c.Matching.Limit {
		errs = append(errs, errors.New("matching.fetch_limit must be at least matching.limit, which must be positive"))
	}
	if c.Matching.Concurrency < 1 {
		errs = append(errs, errors.New("matching.concurrency must be at least 1"))
	}
	if c.Kafka.Partitions < 1 || c.Kafka.ReplicationFactor < 1 {
		errs = append(errs, errors.New("kafka.partitions and kafka.replication_factor must be positive"))
	}
	if c.Worker.Workers < 1 || c.Worker.QueueSize < 1 {
		errs = append(errs, errors.New("worker.workers and worker.queue_size must be positive"))
	}
	return errors.Join(errs...)
}
