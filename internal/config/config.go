// Package config loads process-wide configuration. The environment is the
// primary source; an optional YAML file provides the same settings for
// deployments that prefer files, with ${VAR} references expanded before
// parsing. Environment values win over file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names recognized by Load.
const (
	EnvPort            = "PORT"
	EnvAdminAPIKeys    = "ADMIN_APIKEYS"
	EnvEnableMetrics   = "ENABLE_METRICS"
	EnvDatabaseURL     = "DATABASE_URL"
	EnvRedisAddr       = "REDIS_ADDR"
	EnvRedisPassword   = "REDIS_PASSWORD"
	EnvRedisDB         = "REDIS_DB"
	EnvModelsFile      = "MODELS_FILE"
	EnvLogLevel        = "LOG_LEVEL"
	EnvTracingEnabled  = "OTEL_TRACES_ENABLED"
	EnvTracingEndpoint = "OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"
)

// DefaultPort is the listen port used when PORT is not set.
const DefaultPort = 51818

// Config is the complete process configuration.
type Config struct {
	Server       ServerConfig   `yaml:"server"`
	AdminAPIKeys []string       `yaml:"admin_api_keys"`
	Metrics      MetricsConfig  `yaml:"metrics"`
	Database     DatabaseConfig `yaml:"database"`
	Redis        RedisConfig    `yaml:"redis"`
	Models       ModelsConfig   `yaml:"models"`
	Logging      LoggingConfig  `yaml:"logging"`
	Tracing      TracingConfig  `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings. Write timeouts are
// intentionally absent: streaming responses are bounded by per-backend TTFT
// deadlines, not by a server-wide write deadline.
type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig controls the request-metrics pipeline. When disabled the
// dispatcher records nothing and strategies that need stats report a
// configuration error instead of routing blind.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DatabaseConfig points at the PostgreSQL instance holding api keys, model
// routes, and request metrics.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig points at the coordination store for active-request slots and
// affinity mappings. An empty Addr selects the in-memory single-instance
// stores.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ModelsConfig selects where model routes are loaded from. File and database
// sources may be combined; the file wins on duplicate model names.
type ModelsConfig struct {
	File         string        `yaml:"file"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP gRPC endpoint, e.g. "localhost:4317"
	ServiceName string  `yaml:"service_name"` // service name for spans
	SampleRate  float64 `yaml:"sample_rate"`  // 0.0 to 1.0
	Insecure    bool    `yaml:"insecure"`     // no TLS to the collector
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              DefaultPort,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			KeyPrefix: "modelrelay",
		},
		Models: ModelsConfig{
			PollInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "modelrelay",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvPort, err)
		}
		c.Server.Port = port
	}
	if v, ok := os.LookupEnv(EnvAdminAPIKeys); ok {
		c.AdminAPIKeys = SplitKeys(v)
	}
	if v := os.Getenv(EnvEnableMetrics); v != "" {
		c.Metrics.Enabled = !strings.EqualFold(v, "false")
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv(EnvRedisDB); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvRedisDB, err)
		}
		c.Redis.DB = db
	}
	if v := os.Getenv(EnvModelsFile); v != "" {
		c.Models.File = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvTracingEnabled); v != "" {
		c.Tracing.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv(EnvTracingEndpoint); v != "" {
		c.Tracing.Endpoint = v
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Models.File == "" && c.Database.URL == "" {
		return fmt.Errorf("no model source configured: set %s or %s", EnvModelsFile, EnvDatabaseURL)
	}
	if c.Models.PollInterval < time.Second {
		return fmt.Errorf("models.poll_interval must be at least 1s, got %s", c.Models.PollInterval)
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("redis.db cannot be negative: %d", c.Redis.DB)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1], got %v", c.Tracing.SampleRate)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}

// SplitKeys parses a comma-separated token list, trimming whitespace and
// dropping empty entries.
func SplitKeys(s string) []string {
	parts := strings.Split(s, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}
