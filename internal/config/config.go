// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Rules         RulesConfig         `yaml:"rules"`
	Scripts       ScriptsConfig       `yaml:"scripts"`
	Repository    RepositoryConfig    `yaml:"repository"`
	Handoff       HandoffConfig       `yaml:"handoff"`
	Transform     TransformConfig     `yaml:"transform"`
	OpenAPI       OpenAPIConfig       `yaml:"openapi"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes the operational HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RulesConfig describes where rule sets are loaded from.
type RulesConfig struct {
	// Source is "file" or "postgres".
	Source       string        `yaml:"source"`
	Directories  []string      `yaml:"directories"`
	HotReload    bool          `yaml:"hot_reload"`
	Debounce     time.Duration `yaml:"debounce"`
	DSNEnv       string        `yaml:"dsn_env"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ScriptsConfig bounds script execution.
type ScriptsConfig struct {
	StarlarkTimeout  time.Duration `yaml:"starlark_timeout"`
	StarlarkMaxSteps uint64        `yaml:"starlark_max_steps"`
	CELCostLimit     uint64        `yaml:"cel_cost_limit"`
}

// RepositoryConfig describes the repository transformed resources are
// handed off to.
type RepositoryConfig struct {
	// Driver is "memory" or "http".
	Driver  string         `yaml:"driver"`
	Tracker EndpointConfig `yaml:"tracker"`
	FHIR    EndpointConfig `yaml:"fhir"`
}

// EndpointConfig describes a backend HTTP endpoint.
type EndpointConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings per endpoint.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings per endpoint.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotentOnly    bool          `yaml:"idempotent_only"`
}

// HandoffConfig describes the handoff ledger.
type HandoffConfig struct {
	Enabled bool `yaml:"enabled"`
	// Driver is "memory" or "redis".
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// TransformConfig describes pipeline execution settings.
type TransformConfig struct {
	MaxParallelRuns int `yaml:"max_parallel_runs"`
}

// OpenAPIConfig points at the tracker OpenAPI document.
type OpenAPIConfig struct {
	TrackerSpec string `yaml:"tracker_spec"`
	BaseURL     string `yaml:"base_url"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	// SampleRules lists rule ids whose runs are always traced.
	SampleRules []string `yaml:"sample_rules"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Rules: RulesConfig{
			Source:       "file",
			Directories:  []string{"/rules"},
			Debounce:     250 * time.Millisecond,
			DSNEnv:       "FHIRBRIDGE_RULES_DSN",
			PollInterval: 30 * time.Second,
		},
		Scripts: ScriptsConfig{
			StarlarkTimeout:  5 * time.Second,
			StarlarkMaxSteps: 1_000_000,
			CELCostLimit:     100_000,
		},
		Repository: RepositoryConfig{
			Driver:  "memory",
			Tracker: defaultEndpoint(),
			FHIR:    defaultEndpoint(),
		},
		Handoff: HandoffConfig{
			Enabled: true,
			Driver:  "memory",
			AddrEnv: "FHIRBRIDGE_REDIS_ADDR",
			TTL:     24 * time.Hour,
		},
		Transform: TransformConfig{
			MaxParallelRuns: 8,
		},
		OpenAPI: OpenAPIConfig{
			TrackerSpec: "/specs/tracker.yaml",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
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

func defaultEndpoint() EndpointConfig {
	return EndpointConfig{
		Timeout: 10 * time.Second,
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BackoffInitial:    100 * time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        2 * time.Second,
			IdempotentOnly:    true,
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

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch c.Rules.Source {
	case "file":
		if len(c.Rules.Directories) == 0 {
			errs = append(errs, "rules.directories is required when rules.source is file")
		}
	case "postgres":
		if c.Rules.DSNEnv == "" {
			errs = append(errs, "rules.dsn_env is required when rules.source is postgres")
		}
		if c.Rules.PollInterval <= 0 {
			errs = append(errs, "rules.poll_interval must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("rules.source %q must be file or postgres", c.Rules.Source))
	}

	switch c.Repository.Driver {
	case "memory":
	case "http":
		if c.Repository.Tracker.BaseURL == "" {
			errs = append(errs, "repository.tracker.base_url is required when repository.driver is http")
		}
		if c.Repository.FHIR.BaseURL == "" {
			errs = append(errs, "repository.fhir.base_url is required when repository.driver is http")
		}
	default:
		errs = append(errs, fmt.Sprintf("repository.driver %q must be memory or http", c.Repository.Driver))
	}

	if c.Handoff.Enabled {
		switch c.Handoff.Driver {
		case "memory":
		case "redis":
			if c.Handoff.AddrEnv == "" {
				errs = append(errs, "handoff.addr_env is required when handoff.driver is redis")
			}
		default:
			errs = append(errs, fmt.Sprintf("handoff.driver %q must be memory or redis", c.Handoff.Driver))
		}
		if c.Handoff.TTL <= 0 {
			errs = append(errs, "handoff.ttl must be positive")
		}
	}

	if c.Transform.MaxParallelRuns < 1 {
		errs = append(errs, "transform.max_parallel_runs must be at least 1")
	}
	if c.OpenAPI.TrackerSpec == "" {
		errs = append(errs, "openapi.tracker_spec is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads FHIRBRIDGE_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FHIRBRIDGE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FHIRBRIDGE_RULES_SOURCE"); v != "" {
		cfg.Rules.Source = v
	}
	if v := os.Getenv("FHIRBRIDGE_RULES_DIRECTORIES"); v != "" {
		cfg.Rules.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv("FHIRBRIDGE_REPOSITORY_DRIVER"); v != "" {
		cfg.Repository.Driver = v
	}
	if v := os.Getenv("FHIRBRIDGE_TRACKER_BASE_URL"); v != "" {
		cfg.Repository.Tracker.BaseURL = v
	}
	if v := os.Getenv("FHIRBRIDGE_FHIR_BASE_URL"); v != "" {
		cfg.Repository.FHIR.BaseURL = v
	}
	if v := os.Getenv("FHIRBRIDGE_HANDOFF_DRIVER"); v != "" {
		cfg.Handoff.Driver = v
	}
	if v := os.Getenv("FHIRBRIDGE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
