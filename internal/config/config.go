package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"query-portal-engine/internal/driver"
	"query-portal-engine/internal/engine"
	"query-portal-engine/internal/pool"
	"query-portal-engine/internal/ratelimit"
	"query-portal-engine/internal/registry"
	"query-portal-engine/internal/result"
	"query-portal-engine/internal/worker"
)

// Config holds all application configuration. The engine, pool, limiter,
// driver, result, and worker sections unmarshal straight into those
// packages' own Config types.
type Config struct {
	Server    ServerConfig        `yaml:"server"`
	Engine    engine.Config       `yaml:"engine"`
	Pool      pool.Config         `yaml:"pool"`
	Limits    ratelimit.Config    `yaml:"limits"`
	Drivers   driver.Config       `yaml:"drivers"`
	Result    result.Config       `yaml:"result"`
	Worker    worker.Config       `yaml:"worker"`
	Database  DatabaseConfig      `yaml:"database"`
	Instances []registry.Instance `yaml:"instances"`
	Notify    NotifyConfig        `yaml:"notify"`
	Metrics   MetricsConfig       `yaml:"metrics"`
	Tracing   TracingConfig       `yaml:"tracing"`
	Security  SecurityConfig      `yaml:"security"`
	TLS       TLSConfig           `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// DatabaseConfig points at the request store. An empty DSN selects the
// in-memory store, which is fine for development and useless for anything
// durable.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type NotifyConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Buffer     int           `yaml:"buffer"`
	Timeout    time.Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader string   `yaml:"api_key_header"`
	AllowedKeys  []string `yaml:"allowed_keys"`
	// AllowUnauthenticated opts out of API key auth entirely. Without it,
	// an empty key list means every request is rejected.
	AllowUnauthenticated bool    `yaml:"allow_unauthenticated"`
	RateLimitRPS         float64 `yaml:"rate_limit_rps"`
	RateLimitBurst       int     `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    360 * time.Second, // > queue timeout + execution timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  2 << 20, // 2MB
		},
		Engine:  engine.DefaultConfig(),
		Pool:    pool.DefaultConfig(),
		Limits:  ratelimit.DefaultConfig(),
		Drivers: driver.DefaultConfig(),
		Result:  result.DefaultConfig(),
		Worker:  worker.DefaultConfig(),
		Database: DatabaseConfig{
			DSN: "",
		},
		Notify: NotifyConfig{
			Buffer:  1024,
			Timeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Engine.ScriptMemoryMB > c.Pool.MaxTotalMemoryMB {
		return fmt.Errorf("engine.script_memory_mb (%d) must be <= pool.max_total_memory_mb (%d)",
			c.Engine.ScriptMemoryMB, c.Pool.MaxTotalMemoryMB)
	}
	if c.Engine.QueryMemoryMB > c.Pool.MaxTotalMemoryMB {
		return fmt.Errorf("engine.query_memory_mb (%d) must be <= pool.max_total_memory_mb (%d)",
			c.Engine.QueryMemoryMB, c.Pool.MaxTotalMemoryMB)
	}
	if c.Engine.ExecutionTimeout > c.Server.WriteTimeout {
		return fmt.Errorf("engine.execution_timeout (%s) must be <= server.write_timeout (%s)",
			c.Engine.ExecutionTimeout, c.Server.WriteTimeout)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	seen := make(map[string]bool, len(c.Instances))
	for _, inst := range c.Instances {
		if inst.ID == "" {
			return fmt.Errorf("instances: every instance needs an id")
		}
		if seen[inst.ID] {
			return fmt.Errorf("instances: duplicate id %q", inst.ID)
		}
		seen[inst.ID] = true
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable — connections to Postgres are unencrypted")
	}
	if c.Security.AllowUnauthenticated {
		log.Warn().Msg("API key auth is disabled — all requests will be accepted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
