// Package config loads and validates the substrate's runtime
// configuration: Sentinel limits, bus connection settings, and the
// ambient logging/environment knobs shared by every component.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	svcerrors "github.com/evolution-substrate/engine/infrastructure/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// ParseEnvironment validates s against the recognized environments.
func ParseEnvironment(s string) (Environment, bool) {
	switch Environment(strings.ToLower(s)) {
	case Development, Testing, Production:
		return Environment(strings.ToLower(s)), true
	default:
		return "", false
	}
}

// BrokerBackend selects the Message Bus Adapter implementation.
type BrokerBackend string

const (
	BrokerMemory BrokerBackend = "memory"
	BrokerRedis  BrokerBackend = "redis"
)

// fileConfig is the YAML-shaped configuration document. Field names
// match the recognized configuration keys exactly.
type fileConfig struct {
	GlobalHardCap              int            `yaml:"global_hard_cap"`
	CheckpointInterval         int            `yaml:"checkpoint_interval"`
	DefaultWallTimeLimitMs     int64          `yaml:"default_wall_time_limit_ms"`
	AgentCaps                  map[string]int `yaml:"agent_caps"`
	WallTimeLimits             map[string]int64 `yaml:"wall_time_limits"`
	LockResolutionPolicy       string         `yaml:"lock_resolution_policy"`
	MaxContextStalenessSeconds int            `yaml:"max_context_staleness_seconds"`

	SessionIDPrefix     string `yaml:"session_id_prefix"`
	SessionSummaryPath  string `yaml:"session_summary_path"`
	MetricsLogPath      string `yaml:"metrics_log_path"`
	TreasuryLedgerPath  string `yaml:"treasury_ledger_path"`

	Broker struct {
		Backend       string `yaml:"backend"`
		Addr          string `yaml:"addr"`
		Password      string `yaml:"password"`
		DB            int    `yaml:"db"`
		ConsumerGroup string `yaml:"consumer_group"`
	} `yaml:"broker"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"logging"`

	CycleSchedule string `yaml:"cycle_schedule"`
}

// Config holds the fully resolved, validated configuration used
// throughout the process.
type Config struct {
	Env Environment

	GlobalHardCap              int
	CheckpointInterval         int
	DefaultWallTimeLimitMs     int64
	AgentCaps                  map[string]int
	WallTimeLimits             map[string]int64
	LockResolutionPolicy       string
	MaxContextStalenessSeconds int

	SessionIDPrefix    string
	SessionSummaryPath string
	MetricsLogPath     string
	TreasuryLedgerPath string

	BrokerBackend       BrokerBackend
	BrokerAddr          string
	BrokerPassword      string
	BrokerDB            int
	BrokerConsumerGroup string

	HTTPAddr string

	LogLevel  string
	LogFormat string
	LogOutput string

	// CycleSchedule is a robfig/cron expression governing how often the
	// Evolution Orchestrator runs a full cycle.
	CycleSchedule string
}

// Load reads configPath (YAML) if present, overlays a `.env` file via
// godotenv if present, applies environment-variable overrides, fills
// documented defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	envStr := os.Getenv("APP_ENV")
	if envStr == "" {
		envStr = string(Development)
	}
	env, ok := ParseEnvironment(envStr)
	if !ok {
		return nil, svcerrors.ConfigMalformed("APP_ENV", fmt.Errorf("unrecognized environment %q", envStr))
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		// A malformed .env is worth surfacing; a missing one is normal
		// outside of local development.
		return nil, svcerrors.ConfigMalformed(".env", err)
	}

	var fc fileConfig
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return nil, svcerrors.ConfigMalformed(configPath, err)
			}
		case os.IsNotExist(err):
			// Config file is optional; defaults and environment
			// variables alone are a valid configuration.
		default:
			return nil, svcerrors.ConfigMalformed(configPath, err)
		}
	}

	cfg := fromFile(env, fc)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromFile(env Environment, fc fileConfig) *Config {
	cfg := &Config{
		Env: env,

		GlobalHardCap:              fc.GlobalHardCap,
		CheckpointInterval:         fc.CheckpointInterval,
		DefaultWallTimeLimitMs:     fc.DefaultWallTimeLimitMs,
		AgentCaps:                  fc.AgentCaps,
		WallTimeLimits:             fc.WallTimeLimits,
		LockResolutionPolicy:       fc.LockResolutionPolicy,
		MaxContextStalenessSeconds: fc.MaxContextStalenessSeconds,

		SessionIDPrefix:    fc.SessionIDPrefix,
		SessionSummaryPath: fc.SessionSummaryPath,
		MetricsLogPath:     fc.MetricsLogPath,
		TreasuryLedgerPath: fc.TreasuryLedgerPath,

		BrokerBackend:       BrokerBackend(fc.Broker.Backend),
		BrokerAddr:          fc.Broker.Addr,
		BrokerPassword:      fc.Broker.Password,
		BrokerDB:            fc.Broker.DB,
		BrokerConsumerGroup: fc.Broker.ConsumerGroup,

		HTTPAddr: fc.HTTP.Addr,

		LogLevel:  fc.Logging.Level,
		LogFormat: fc.Logging.Format,
		LogOutput: fc.Logging.Output,

		CycleSchedule: fc.CycleSchedule,
	}

	if cfg.GlobalHardCap <= 0 {
		cfg.GlobalHardCap = 1000
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 50
	}
	if cfg.DefaultWallTimeLimitMs <= 0 {
		cfg.DefaultWallTimeLimitMs = 45000
	}
	if cfg.AgentCaps == nil {
		cfg.AgentCaps = map[string]int{}
	}
	if cfg.WallTimeLimits == nil {
		cfg.WallTimeLimits = map[string]int64{}
	}
	if cfg.LockResolutionPolicy == "" {
		cfg.LockResolutionPolicy = "youngest_holder"
	}
	if cfg.MaxContextStalenessSeconds <= 0 {
		cfg.MaxContextStalenessSeconds = 3600
	}
	if cfg.SessionIDPrefix == "" {
		cfg.SessionIDPrefix = "evo"
	}
	if cfg.SessionSummaryPath == "" {
		cfg.SessionSummaryPath = "schemas/session_summary.yaml"
	}
	if cfg.MetricsLogPath == "" {
		cfg.MetricsLogPath = "schemas/metrics_v2.csv"
	}
	if cfg.TreasuryLedgerPath == "" {
		cfg.TreasuryLedgerPath = "schemas/treasury_ledger.json"
	}
	if cfg.BrokerBackend == "" {
		cfg.BrokerBackend = BrokerMemory
	}
	if cfg.BrokerAddr == "" {
		cfg.BrokerAddr = "localhost:6379"
	}
	if cfg.BrokerConsumerGroup == "" {
		cfg.BrokerConsumerGroup = "evolution-substrate"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8090"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.LogOutput == "" {
		cfg.LogOutput = "stdout"
	}
	if cfg.CycleSchedule == "" {
		cfg.CycleSchedule = "0 0 * * *" // daily, matching the source's 24h cadence
	}

	return cfg
}

// applyEnvOverrides applies the documented environment variable
// overrides: LOG_LEVEL, CREDIT_LIMIT_<NAME> per-agent overrides, and
// broker connection settings.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("BROKER_BACKEND"); v != "" {
		cfg.BrokerBackend = BrokerBackend(v)
	}
	if v := os.Getenv("BROKER_ADDR"); v != "" {
		cfg.BrokerAddr = v
	}
	if v := os.Getenv("BROKER_PASSWORD"); v != "" {
		cfg.BrokerPassword = v
	}
	if v := os.Getenv("BROKER_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BrokerDB = n
		}
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}

	const creditLimitPrefix = "CREDIT_LIMIT_"
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, creditLimitPrefix) {
			continue
		}
		agent := strings.ToLower(strings.TrimPrefix(key, creditLimitPrefix))
		limit, err := strconv.Atoi(value)
		if err != nil {
			continue
		}
		cfg.AgentCaps[agent] = limit
	}
}

// Validate checks the resolved configuration for internally
// inconsistent values.
func (c *Config) Validate() error {
	if c.GlobalHardCap <= 0 {
		return svcerrors.ConfigMalformed("global_hard_cap", fmt.Errorf("must be positive, got %d", c.GlobalHardCap))
	}
	if c.CheckpointInterval <= 0 {
		return svcerrors.ConfigMalformed("checkpoint_interval", fmt.Errorf("must be positive, got %d", c.CheckpointInterval))
	}
	if c.BrokerBackend != BrokerMemory && c.BrokerBackend != BrokerRedis {
		return svcerrors.ConfigMalformed("broker.backend", fmt.Errorf("unrecognized backend %q", c.BrokerBackend))
	}
	for agent, limit := range c.AgentCaps {
		if limit <= 0 {
			return svcerrors.ConfigMalformed("agent_caps", fmt.Errorf("agent %q cap must be positive, got %d", agent, limit))
		}
	}
	return nil
}

func (c *Config) IsDevelopment() bool { return c.Env == Development }
func (c *Config) IsTesting() bool     { return c.Env == Testing }
func (c *Config) IsProduction() bool  { return c.Env == Production }
