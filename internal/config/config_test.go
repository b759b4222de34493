package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if len(cfg.Rules.Directories) != 2 {
		t.Errorf("Rules.Directories = %v, want 2 entries", cfg.Rules.Directories)
	}
	if !cfg.Rules.HotReload {
		t.Error("Rules.HotReload = false, want true")
	}
	if cfg.Scripts.StarlarkTimeout != 2*time.Second {
		t.Errorf("Scripts.StarlarkTimeout = %v, want 2s", cfg.Scripts.StarlarkTimeout)
	}
	if cfg.Scripts.CELCostLimit != 5000 {
		t.Errorf("Scripts.CELCostLimit = %d, want 5000", cfg.Scripts.CELCostLimit)
	}
	if cfg.Repository.Driver != "http" {
		t.Errorf("Repository.Driver = %q, want http", cfg.Repository.Driver)
	}
	if cfg.Repository.Tracker.BaseURL != "https://dhis2.internal/api" {
		t.Errorf("Repository.Tracker.BaseURL = %q", cfg.Repository.Tracker.BaseURL)
	}
	if cfg.Repository.Tracker.CircuitBreaker.FailureThreshold != 5 {
		t.Errorf("Tracker.CircuitBreaker.FailureThreshold = %d, want 5", cfg.Repository.Tracker.CircuitBreaker.FailureThreshold)
	}
	if cfg.Repository.FHIR.BaseURL != "https://fhir.internal/fhir" {
		t.Errorf("Repository.FHIR.BaseURL = %q", cfg.Repository.FHIR.BaseURL)
	}
	if cfg.Handoff.Driver != "redis" || cfg.Handoff.TTL != 12*time.Hour {
		t.Errorf("Handoff = %+v, want redis with 12h ttl", cfg.Handoff)
	}
	if cfg.Transform.MaxParallelRuns != 4 {
		t.Errorf("Transform.MaxParallelRuns = %d, want 4", cfg.Transform.MaxParallelRuns)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("Observability.LogLevel = %q, want debug", cfg.Observability.LogLevel)
	}
	if !cfg.Observability.Tracing.Enabled || cfg.Observability.Tracing.Exporter != "stdout" {
		t.Errorf("Observability.Tracing = %+v", cfg.Observability.Tracing)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_invalid_repository(t *testing.T) {
	_, err := Load("testdata/invalid_repository.yaml")
	if err == nil {
		t.Fatal("Load() with http repository and no fhir base url should return error")
	}
	if !strings.Contains(err.Error(), "repository.fhir.base_url") {
		t.Errorf("error = %v, want mention of repository.fhir.base_url", err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Rules.Source != "file" {
		t.Errorf("default Rules.Source = %q, want file", cfg.Rules.Source)
	}
	if cfg.Handoff.TTL != 24*time.Hour {
		t.Errorf("default Handoff.TTL = %v, want 24h", cfg.Handoff.TTL)
	}
	if cfg.Repository.Tracker.Retry.MaxAttempts != 3 {
		t.Errorf("default Tracker.Retry.MaxAttempts = %d, want 3", cfg.Repository.Tracker.Retry.MaxAttempts)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults().Validate() = %v, want nil", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FHIRBRIDGE_SERVER_PORT", "3000")
	t.Setenv("FHIRBRIDGE_RULES_DIRECTORIES", "/a,/b,/c")
	t.Setenv("FHIRBRIDGE_FHIR_BASE_URL", "https://env-fhir.example.com")
	t.Setenv("FHIRBRIDGE_HANDOFF_DRIVER", "memory")
	t.Setenv("FHIRBRIDGE_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if len(cfg.Rules.Directories) != 3 {
		t.Errorf("Rules.Directories = %v, want 3 entries", cfg.Rules.Directories)
	}
	if cfg.Repository.FHIR.BaseURL != "https://env-fhir.example.com" {
		t.Errorf("Repository.FHIR.BaseURL = %q, want env override", cfg.Repository.FHIR.BaseURL)
	}
	if cfg.Handoff.Driver != "memory" {
		t.Errorf("Handoff.Driver = %q, want memory (env override)", cfg.Handoff.Driver)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides_fixInvalidFile(t *testing.T) {
	t.Setenv("FHIRBRIDGE_FHIR_BASE_URL", "https://fhir.example.com")

	if _, err := Load("testdata/invalid_repository.yaml"); err != nil {
		t.Fatalf("Load() error = %v, want env to supply the missing base url", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown rule source", func(c *Config) { c.Rules.Source = "s3" }, "rules.source"},
		{"no rule directories", func(c *Config) { c.Rules.Directories = nil }, "rules.directories"},
		{"postgres without poll interval", func(c *Config) {
			c.Rules.Source = "postgres"
			c.Rules.PollInterval = 0
		}, "rules.poll_interval"},
		{"unknown repository driver", func(c *Config) { c.Repository.Driver = "grpc" }, "repository.driver"},
		{"http without tracker url", func(c *Config) {
			c.Repository.Driver = "http"
			c.Repository.FHIR.BaseURL = "https://fhir"
		}, "repository.tracker.base_url"},
		{"unknown ledger driver", func(c *Config) { c.Handoff.Driver = "etcd" }, "handoff.driver"},
		{"zero ledger ttl", func(c *Config) { c.Handoff.TTL = 0 }, "handoff.ttl"},
		{"zero parallel runs", func(c *Config) { c.Transform.MaxParallelRuns = 0 }, "transform.max_parallel_runs"},
		{"no tracker spec", func(c *Config) { c.OpenAPI.TrackerSpec = "" }, "openapi.tracker_spec"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestValidate_disabledLedgerSkipsDriverChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Handoff.Enabled = false
	cfg.Handoff.Driver = ""
	cfg.Handoff.TTL = 0

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}
