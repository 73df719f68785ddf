// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Admin         AdminConfig         `yaml:"admin"`
	Store         StoreConfig         `yaml:"store"`
	Redis         RedisConfig         `yaml:"redis"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Workers       WorkersConfig       `yaml:"workers"`
	Outbox        OutboxConfig        `yaml:"outbox"`
	Actions       ActionsConfig       `yaml:"actions"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// AdminConfig describes the admin HTTP server (health, readiness, metrics).
type AdminConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig describes workflow persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// RedisConfig describes the shared redis connection used by locks, dedupe
// and the stream dispatcher.
type RedisConfig struct {
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// RuntimeConfig describes workflow runtime settings.
type RuntimeConfig struct {
	MaxHops         int           `yaml:"max_hops"`
	ConflictRetries int           `yaml:"conflict_retries"`
	ConflictBackoff time.Duration `yaml:"conflict_backoff"`
	ScriptBudget    time.Duration `yaml:"script_budget"`
	DefinitionTTL   time.Duration `yaml:"definition_ttl"`
	Lock            LockConfig    `yaml:"lock"`
}

// LockConfig describes the per-instance lock.
type LockConfig struct {
	Driver string        `yaml:"driver"`
	TTL    time.Duration `yaml:"ttl"`
}

// WorkersConfig groups the background polling loops.
type WorkersConfig struct {
	Timer       WorkerConfig `yaml:"timer"`
	JoinTimeout WorkerConfig `yaml:"join_timeout"`
	Outbox      WorkerConfig `yaml:"outbox"`
}

// WorkerConfig describes one polling loop.
type WorkerConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	Grace      time.Duration `yaml:"grace"`
	MaxRetries int           `yaml:"max_retries"`
}

// OutboxConfig describes where outbox messages are delivered.
type OutboxConfig struct {
	Dispatcher  string       `yaml:"dispatcher"`
	Stream      string       `yaml:"stream"`
	TopicPrefix string       `yaml:"topic_prefix"`
	Dedupe      DedupeConfig `yaml:"dedupe"`
}

// DedupeConfig describes consumer-side idempotency for outbox dispatch.
type DedupeConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"`
	TTL     time.Duration `yaml:"ttl"`
}

// ActionsConfig describes automatic action executors.
type ActionsConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
}

// WebhookConfig describes the webhook executor's per-host circuit breaker.
type WebhookConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// DefinitionsConfig describes where to find definition files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Admin: AdminConfig{
			Port:            8081,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "LOOM_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Redis: RedisConfig{
			AddrEnv: "LOOM_REDIS_ADDR",
		},
		Runtime: RuntimeConfig{
			MaxHops:         10000,
			ConflictRetries: 3,
			ConflictBackoff: 50 * time.Millisecond,
			ScriptBudget:    100 * time.Millisecond,
			Lock: LockConfig{
				Driver: "memory",
				TTL:    30 * time.Second,
			},
		},
		Workers: WorkersConfig{
			Timer: WorkerConfig{
				Enabled:   true,
				Interval:  5 * time.Second,
				BatchSize: 100,
			},
			JoinTimeout: WorkerConfig{
				Enabled:   true,
				Interval:  5 * time.Second,
				BatchSize: 100,
			},
			Outbox: WorkerConfig{
				Enabled:    true,
				Interval:   2 * time.Second,
				BatchSize:  50,
				MaxRetries: 5,
			},
		},
		Outbox: OutboxConfig{
			Dispatcher:  "log",
			Stream:      "loom-events",
			TopicPrefix: "loom.",
			Dedupe: DedupeConfig{
				Driver: "memory",
				TTL:    24 * time.Hour,
			},
		},
		Actions: ActionsConfig{
			Webhook: WebhookConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				OpenTimeout:      30 * time.Second,
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Admin.Port < 1 || c.Admin.Port > 65535 {
		errs = append(errs, "admin.port must be between 1 and 65535")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres)", c.Store.Driver))
	}
	switch c.Runtime.Lock.Driver {
	case "none", "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("runtime.lock.driver %q is not supported (none, memory, redis)", c.Runtime.Lock.Driver))
	}
	if c.Runtime.MaxHops < 1 {
		errs = append(errs, "runtime.max_hops must be positive")
	}
	switch c.Outbox.Dispatcher {
	case "log", "watermill", "redis_stream":
	default:
		errs = append(errs, fmt.Sprintf("outbox.dispatcher %q is not supported (log, watermill, redis_stream)", c.Outbox.Dispatcher))
	}
	if c.Outbox.Dedupe.Enabled && c.Outbox.Dedupe.Driver != "memory" && c.Outbox.Dedupe.Driver != "redis" {
		errs = append(errs, fmt.Sprintf("outbox.dedupe.driver %q is not supported (memory, redis)", c.Outbox.Dedupe.Driver))
	}
	if c.Workers.Outbox.Enabled && c.Workers.Outbox.MaxRetries < 1 {
		errs = append(errs, "workers.outbox.max_retries must be positive")
	}
	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format %q is not supported (json, console)", c.Observability.LogFormat))
	}
	if c.UsesRedis() && c.Redis.AddrEnv == "" {
		errs = append(errs, "redis.addr_env is required when a redis driver is configured")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// UsesRedis reports whether any component is configured with a redis driver.
func (c *Config) UsesRedis() bool {
	return c.Runtime.Lock.Driver == "redis" ||
		c.Outbox.Dispatcher == "redis_stream" ||
		(c.Outbox.Dedupe.Enabled && c.Outbox.Dedupe.Driver == "redis")
}

// applyEnvOverrides reads LOOM_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOOM_ADMIN_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Admin.Port = port
		}
	}
	if v := os.Getenv("LOOM_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("LOOM_LOCK_DRIVER"); v != "" {
		cfg.Runtime.Lock.Driver = v
	}
	if v := os.Getenv("LOOM_OUTBOX_DISPATCHER"); v != "" {
		cfg.Outbox.Dispatcher = v
	}
	if v := os.Getenv("LOOM_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("LOOM_DEFINITIONS_DIRECTORIES"); v != "" {
		cfg.Definitions.Directories = strings.Split(v, ",")
	}
}
