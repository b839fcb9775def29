package config

import (
	"os"
	"testing"
	"time"
)

func TestDefault_AppliesDocumentedDefaults(t *testing.T) {
	cfg := Default()
	if cfg.DBPath != "vqm.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.MaxConcurrentProcessing != 50 {
		t.Errorf("MaxConcurrentProcessing = %d", cfg.MaxConcurrentProcessing)
	}
	if cfg.DefaultVisibilityTimeoutS != 30 {
		t.Errorf("DefaultVisibilityTimeoutS = %d", cfg.DefaultVisibilityTimeoutS)
	}
	if cfg.HeartbeatInterval() != 15*time.Second {
		t.Errorf("HeartbeatInterval = %v", cfg.HeartbeatInterval())
	}
	if cfg.MaxRetryAttempts != 5 {
		t.Errorf("MaxRetryAttempts = %d", cfg.MaxRetryAttempts)
	}
	if cfg.Admin.ListenAddr != ":8080" {
		t.Errorf("Admin.ListenAddr = %q", cfg.Admin.ListenAddr)
	}
}

func TestLoadConfigFile_ParsesYAMLAndFillsGaps(t *testing.T) {
	yamlDoc := `
db_path: "/tmp/custom.db"
max_concurrent_processing: 200
enable_dlq: true
enable_circuit_breaker: true
circuit_breaker_threshold: 0.3
admin:
  listen_addr: ":9090"
  allowed_origins:
    - "https://admin.example.com"
`
	f, err := os.CreateTemp("", "vqm_config_test_*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(yamlDoc); err != nil {
		t.Fatal(err)
	}
	f.Close()

	cfg, err := LoadConfigFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "/tmp/custom.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.MaxConcurrentProcessing != 200 {
		t.Errorf("MaxConcurrentProcessing = %d", cfg.MaxConcurrentProcessing)
	}
	if !cfg.EnableDLQ || !cfg.EnableCircuitBreaker {
		t.Error("want EnableDLQ and EnableCircuitBreaker true")
	}
	if cfg.CircuitBreakerThreshold != 0.3 {
		t.Errorf("CircuitBreakerThreshold = %v", cfg.CircuitBreakerThreshold)
	}
	if len(cfg.Admin.AllowedOrigins) != 1 || cfg.Admin.AllowedOrigins[0] != "https://admin.example.com" {
		t.Errorf("Admin.AllowedOrigins = %v", cfg.Admin.AllowedOrigins)
	}
	// Fields absent from the YAML still get their documented defaults.
	if cfg.BatchSize != 20 {
		t.Errorf("BatchSize = %d", cfg.BatchSize)
	}
	if cfg.MessageRetentionDays != 7 {
		t.Errorf("MessageRetentionDays = %d", cfg.MessageRetentionDays)
	}
}

func TestLoadConfigFile_MissingFile(t *testing.T) {
	if _, err := LoadConfigFile("/nonexistent/vqm-config.yaml"); err == nil {
		t.Fatal("want error for missing config file")
	}
}
