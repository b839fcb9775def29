// Package config loads EngineConfig (spec §6) from YAML, following
// domkeeper/config.go's struct-with-yaml-tags-plus-defaults() pattern.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds every recognized engine option from spec §6.
type EngineConfig struct {
	DBPath string `yaml:"db_path"`

	MaxConcurrentProcessing   int    `yaml:"max_concurrent_processing"`
	DefaultVisibilityTimeoutS uint32 `yaml:"default_visibility_timeout_s"`
	HeartbeatIntervalS        int    `yaml:"heartbeat_interval_s"`
	StaleThresholdS           int    `yaml:"stale_threshold_s"`
	MetricsIntervalS          int    `yaml:"metrics_interval_s"`

	EnableDLQ          bool `yaml:"enable_dlq"`
	MaxRetryAttempts   int  `yaml:"max_retry_attempts"`
	BaseRetryDelayMs   int  `yaml:"base_retry_delay_ms"`

	EnableCircuitBreaker     bool    `yaml:"enable_circuit_breaker"`
	CircuitBreakerThreshold  float64 `yaml:"circuit_breaker_threshold"`
	CircuitBreakerResetS     int     `yaml:"circuit_breaker_reset_s"`

	BatchSize            int `yaml:"batch_size"`
	CleanupIntervalHours int `yaml:"cleanup_interval_hours"`
	MessageRetentionDays int `yaml:"message_retention_days"`

	Admin AdminConfig `yaml:"admin"`
}

// AdminConfig controls the admin HTTP interface (SPEC_FULL §10.3/§11).
type AdminConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func (c *EngineConfig) defaults() {
	if c.DBPath == "" {
		c.DBPath = "vqm.db"
	}
	if c.MaxConcurrentProcessing <= 0 {
		c.MaxConcurrentProcessing = 50
	}
	if c.DefaultVisibilityTimeoutS == 0 {
		c.DefaultVisibilityTimeoutS = 30
	}
	if c.HeartbeatIntervalS <= 0 {
		c.HeartbeatIntervalS = 15
	}
	if c.StaleThresholdS <= 0 {
		c.StaleThresholdS = 90
	}
	if c.MetricsIntervalS <= 0 {
		c.MetricsIntervalS = 10
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 5
	}
	if c.BaseRetryDelayMs <= 0 {
		c.BaseRetryDelayMs = 1000
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = 0.5
	}
	if c.CircuitBreakerResetS <= 0 {
		c.CircuitBreakerResetS = 30
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.CleanupIntervalHours <= 0 {
		c.CleanupIntervalHours = 1
	}
	if c.MessageRetentionDays <= 0 {
		c.MessageRetentionDays = 7
	}
	if c.Admin.ListenAddr == "" {
		c.Admin.ListenAddr = ":8080"
	}
}

// HeartbeatInterval is HeartbeatIntervalS as a time.Duration.
func (c *EngineConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalS) * time.Second
}

// StaleThreshold is StaleThresholdS as a time.Duration.
func (c *EngineConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdS) * time.Second
}

// MetricsInterval is MetricsIntervalS as a time.Duration.
func (c *EngineConfig) MetricsInterval() time.Duration {
	return time.Duration(c.MetricsIntervalS) * time.Second
}

// CircuitBreakerReset is CircuitBreakerResetS as a time.Duration.
func (c *EngineConfig) CircuitBreakerReset() time.Duration {
	return time.Duration(c.CircuitBreakerResetS) * time.Second
}

// CleanupInterval is CleanupIntervalHours as a time.Duration.
func (c *EngineConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalHours) * time.Hour
}

// LoadConfigFile reads and parses a YAML config file, applying defaults for
// any zero-valued field.
func LoadConfigFile(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &EngineConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.defaults()
	return cfg, nil
}

// Default returns an EngineConfig with every field at its documented default.
func Default() *EngineConfig {
	cfg := &EngineConfig{}
	cfg.defaults()
	return cfg
}
