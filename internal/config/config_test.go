package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.GlobalHardCap != 1000 {
		t.Errorf("expected default global_hard_cap 1000, got %d", cfg.GlobalHardCap)
	}
	if cfg.CheckpointInterval != 50 {
		t.Errorf("expected default checkpoint_interval 50, got %d", cfg.CheckpointInterval)
	}
	if cfg.DefaultWallTimeLimitMs != 45000 {
		t.Errorf("expected default_wall_time_limit_ms 45000, got %d", cfg.DefaultWallTimeLimitMs)
	}
	if cfg.LockResolutionPolicy != "youngest_holder" {
		t.Errorf("expected default lock_resolution_policy youngest_holder, got %s", cfg.LockResolutionPolicy)
	}
	if cfg.MaxContextStalenessSeconds != 3600 {
		t.Errorf("expected default max_context_staleness_seconds 3600, got %d", cfg.MaxContextStalenessSeconds)
	}
	if cfg.BrokerBackend != BrokerMemory {
		t.Errorf("expected default broker backend memory, got %s", cfg.BrokerBackend)
	}
}

func TestLoad_FromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evolutiond.yaml")
	yamlContent := `
global_hard_cap: 500
checkpoint_interval: 25
agent_caps:
  auditor: 200
wall_time_limits:
  auditor: 30000
lock_resolution_policy: youngest_holder
broker:
  backend: redis
  addr: redis.internal:6379
`
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.GlobalHardCap != 500 {
		t.Errorf("expected global_hard_cap 500, got %d", cfg.GlobalHardCap)
	}
	if cfg.AgentCaps["auditor"] != 200 {
		t.Errorf("expected agent_caps.auditor 200, got %d", cfg.AgentCaps["auditor"])
	}
	if cfg.BrokerBackend != BrokerRedis {
		t.Errorf("expected broker backend redis, got %s", cfg.BrokerBackend)
	}
	if cfg.BrokerAddr != "redis.internal:6379" {
		t.Errorf("expected broker addr redis.internal:6379, got %s", cfg.BrokerAddr)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/evolutiond.yaml")
	if err != nil {
		t.Fatalf("Load should not error on missing file: %v", err)
	}
	if cfg.GlobalHardCap != 1000 {
		t.Errorf("expected default global_hard_cap, got %d", cfg.GlobalHardCap)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(path, []byte(`{not: valid: yaml:`), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_CreditLimitEnvOverride(t *testing.T) {
	t.Setenv("CREDIT_LIMIT_AUDITOR", "777")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.AgentCaps["auditor"] != 777 {
		t.Errorf("expected CREDIT_LIMIT_AUDITOR override to set agent_caps.auditor, got %d", cfg.AgentCaps["auditor"])
	}
}

func TestLoad_LogLevelEnvOverride(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected LOG_LEVEL override debug, got %s", cfg.LogLevel)
	}
}

func TestValidate_RejectsUnknownBroker(t *testing.T) {
	cfg := fromFile(Development, fileConfig{})
	cfg.BrokerBackend = "carrier-pigeon"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unrecognized broker backend")
	}
}

func TestValidate_RejectsNonPositiveAgentCap(t *testing.T) {
	cfg := fromFile(Development, fileConfig{})
	cfg.AgentCaps["auditor"] = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-positive agent cap")
	}
}

func TestParseEnvironment(t *testing.T) {
	if _, ok := ParseEnvironment("production"); !ok {
		t.Error("expected production to be recognized")
	}
	if _, ok := ParseEnvironment("bogus"); ok {
		t.Error("expected bogus environment to be rejected")
	}
}
