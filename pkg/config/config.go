// Package config holds engine configuration. Values come from an
// optional YAML file overlaid by environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds engine configuration.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`
	PolicyDir   string `yaml:"policy_dir"`

	Risk       RiskConfig       `yaml:"risk"`
	Quota      QuotaConfig      `yaml:"quota"`
	Override   OverrideConfig   `yaml:"override"`
	Escalation EscalationConfig `yaml:"escalation"`

	LatencyBudget time.Duration `yaml:"latency_budget"`
	StrictEffects bool          `yaml:"strict_effects"`
}

// RiskConfig carries the factor weights. They must sum to 1.0.
type RiskConfig struct {
	InherentWeight    float64 `yaml:"inherent_weight"`
	TrustWeight       float64 `yaml:"trust_weight"`
	SideEffectWeight  float64 `yaml:"side_effect_weight"`
	FailureRateWeight float64 `yaml:"failure_rate_weight"`
	CostWeight        float64 `yaml:"cost_weight"`
}

// QuotaConfig carries default per-agent resource limits.
type QuotaConfig struct {
	DefaultMax    int64         `yaml:"default_max"`
	ResetInterval time.Duration `yaml:"reset_interval"`
}

// OverrideConfig bounds emergency override tokens.
type OverrideConfig struct {
	MinDurationHours int `yaml:"min_duration_hours"`
	MaxDurationHours int `yaml:"max_duration_hours"`
	ReasonMinLen     int `yaml:"reason_min_len"`
}

// EscalationConfig bounds the escalation workflow.
type EscalationConfig struct {
	GrantDuration time.Duration `yaml:"grant_duration"`
	MaxAge        time.Duration `yaml:"max_age"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "INFO",
		Risk: RiskConfig{
			InherentWeight:    0.30,
			TrustWeight:       0.25,
			SideEffectWeight:  0.20,
			FailureRateWeight: 0.15,
			CostWeight:        0.10,
		},
		Quota: QuotaConfig{
			DefaultMax:    1000,
			ResetInterval: time.Hour,
		},
		Override: OverrideConfig{
			MinDurationHours: 1,
			MaxDurationHours: 168,
			ReasonMinLen:     100,
		},
		Escalation: EscalationConfig{
			GrantDuration: 24 * time.Hour,
			MaxAge:        7 * 24 * time.Hour,
		},
		LatencyBudget: 10 * time.Millisecond,
	}
}

// Load builds configuration from defaults, an optional YAML file, then
// environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := os.Getenv("WARDEN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WARDEN_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("WARDEN_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("WARDEN_POLICY_DIR"); v != "" {
		cfg.PolicyDir = v
	}
	if os.Getenv("WARDEN_STRICT_EFFECTS") == "true" {
		cfg.StrictEffects = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	sum := c.Risk.InherentWeight + c.Risk.TrustWeight + c.Risk.SideEffectWeight +
		c.Risk.FailureRateWeight + c.Risk.CostWeight
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("risk weights must sum to 1.0, got %.3f", sum)
	}
	if c.Override.MinDurationHours < 1 || c.Override.MaxDurationHours < c.Override.MinDurationHours {
		return fmt.Errorf("invalid override duration bounds [%d, %d]",
			c.Override.MinDurationHours, c.Override.MaxDurationHours)
	}
	if c.Escalation.GrantDuration <= 0 || c.Escalation.MaxAge <= 0 {
		return fmt.Errorf("escalation durations must be positive")
	}
	if c.LatencyBudget <= 0 {
		return fmt.Errorf("latency budget must be positive")
	}
	return nil
}
