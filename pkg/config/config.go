// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package config defines the buildforge configuration schema and helpers
// for loading and validating config files, per spec.md §6 "Config surface".
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned when the config file does not exist at the
// given path.
var ErrConfigNotFound = errors.New("buildforge config not found")

// Config is the top-level buildforge configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Artifacts ArtifactsConfig           `yaml:"artifacts"`
	Stages    StagesConfig              `yaml:"stages"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Roles     map[string]RoleConfig     `yaml:"roles"`
	Cache     CacheConfig               `yaml:"cache"`
	Cost      CostConfig                `yaml:"cost"`
	Bus       BusConfig                 `yaml:"bus"`
	Store     StoreConfig               `yaml:"store"`
}

// ServerConfig controls the Control API listener and worker pool.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	WorkerCount int    `yaml:"worker_count"`
}

// ArtifactsConfig points at the Artifact Store's filesystem root.
type ArtifactsConfig struct {
	Root string `yaml:"root"`
}

// StagesConfig carries the stage-level timeout/retry/backoff knobs that
// apply unless a stage descriptor overrides them.
type StagesConfig struct {
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	DefaultRetries    int           `yaml:"default_retries"`
	BackoffScheduleMs []int         `yaml:"backoff_schedule_ms"`
}

// ProviderConfig is the per-provider rate-limit/circuit-breaker knobs plus
// live credentials, keyed by provider name in the parent map.
type ProviderConfig struct {
	MaxConcurrent    int           `yaml:"max_concurrent"`
	MinIntervalMs    int           `yaml:"min_interval_ms"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	CooldownPeriod   time.Duration `yaml:"cooldown_period"`
	APIKeyEnv        string        `yaml:"api_key_env"`
	Region           string        `yaml:"region,omitempty"`
}

// RoleConfig binds a logical agent role to a (provider, model) pair plus
// an ordered fallback chain.
type RoleConfig struct {
	Provider string               `yaml:"provider"`
	Model    string               `yaml:"model"`
	Fallback []RoleFallbackConfig `yaml:"fallback,omitempty"`
}

// RoleFallbackConfig is one entry of a role's fallback chain.
type RoleFallbackConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// CacheConfig controls the Response Cache's capacity and sweep cadence.
type CacheConfig struct {
	Addr          string        `yaml:"addr"`
	MaxEntries    int           `yaml:"max_entries"`
	TTL           time.Duration `yaml:"ttl"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

// CostConfig carries the admission thresholds of spec.md §4.F. Zero/unset
// means "no limit" for that dimension.
type CostConfig struct {
	DailyLimit         float64 `yaml:"daily_limit,omitempty"`
	MonthlyLimit       float64 `yaml:"monthly_limit,omitempty"`
	PerBuildLimit      float64 `yaml:"per_build_limit,omitempty"`
	PerUserDaily       float64 `yaml:"per_user_daily,omitempty"`
	PerTenantDaily     float64 `yaml:"per_tenant_daily,omitempty"`
	EmergencyStopDaily float64 `yaml:"emergency_stop_daily,omitempty"`
	RetentionDays      int     `yaml:"retention_days"`
	SQLitePath         string  `yaml:"sqlite_path"`
}

// BusConfig controls the Progress Bus's retained history and backpressure
// policy.
type BusConfig struct {
	HistoryLength        int `yaml:"history_length"`
	SlowSubscriberDropAt int `yaml:"slow_subscriber_drop_at"`
}

// StoreConfig is the Postgres connection string for the Build record store
// collaborator.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

// DefaultConfigPath returns the default config path for the current
// working directory.
func DefaultConfigPath() string { return "buildforge.yml" }

// Exists reports whether a config file exists at the given path.
func Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Load reads the config from path, applies the environment variable
// overrides of applyEnvOverrides (BUILDFORGE_<SECTION>_<FIELD>, except the
// worker count, which is BUILDFORGE_WORKER_COUNT), then validates it.
// It returns ErrConfigNotFound if the file does not exist.
func Load(path string) (*Config, error) {
	exists, err := Exists(path)
	if err != nil {
		return nil, fmt.Errorf("config: checking existence: %w", err)
	}
	if !exists {
		return nil, ErrConfigNotFound
	}

	// nolint:gosec // G304: reading config file from an operator-supplied path is expected.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing file: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in defaults every field falls back to when the
// YAML file omits them.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080", WorkerCount: 4},
		Artifacts: ArtifactsConfig{
			Root: "./data/artifacts",
		},
		Stages: StagesConfig{
			DefaultTimeout:    5 * time.Minute,
			DefaultRetries:    2,
			BackoffScheduleMs: []int{0, 500, 1500},
		},
		Cache: CacheConfig{
			Addr:          "localhost:6379",
			MaxEntries:    10_000,
			TTL:           24 * time.Hour,
			SweepSchedule: "*/5 * * * *",
		},
		Cost: CostConfig{
			RetentionDays: 30,
			SQLitePath:    "./data/cost.db",
		},
		Bus: BusConfig{
			HistoryLength:        64,
			SlowSubscriberDropAt: 256,
		},
	}
}

// applyEnvOverrides lets a small set of deployment knobs be set without
// editing the YAML file, matching the teacher's environment-file pattern
// (EnvironmentConfig.EnvFile) generalized to direct env reads here.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BUILDFORGE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("BUILDFORGE_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.WorkerCount = n
		}
	}
	if v := os.Getenv("BUILDFORGE_ARTIFACTS_ROOT"); v != "" {
		cfg.Artifacts.Root = v
	}
	if v := os.Getenv("BUILDFORGE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("BUILDFORGE_STORE_DATABASE_URL"); v != "" {
		cfg.Store.DatabaseURL = v
	}
	if v := os.Getenv("BUILDFORGE_COST_DAILY_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Cost.DailyLimit = f
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.WorkerCount <= 0 {
		return errors.New("config: server.worker_count must be positive")
	}
	if cfg.Artifacts.Root == "" {
		return errors.New("config: artifacts.root must be non-empty")
	}
	if cfg.Stages.DefaultRetries < 0 {
		return errors.New("config: stages.default_retries must be >= 0")
	}
	for name, p := range cfg.Providers {
		if p.MaxConcurrent < 0 {
			return fmt.Errorf("config: providers.%s.max_concurrent must be >= 0", name)
		}
	}
	for role, r := range cfg.Roles {
		if r.Provider == "" || r.Model == "" {
			return fmt.Errorf("config: roles.%s must name both provider and model", role)
		}
	}
	if cfg.Bus.HistoryLength <= 0 {
		return errors.New("config: bus.history_length must be positive")
	}
	if cfg.Bus.SlowSubscriberDropAt <= 0 {
		return errors.New("config: bus.slow_subscriber_drop_at must be positive")
	}
	return nil
}
