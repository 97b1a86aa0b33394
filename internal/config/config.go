// Package config defines AEGIS's configuration tree and the file loader
// that parses, hot-reloads, and defaults it.
package config

import (
	"time"

	"github.com/aegis-proxy/aegis/internal/alert"
)

// Config is the top-level AEGIS configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	PoliciesDir string          `yaml:"policies_dir"`
	LLM        LLMConfig        `yaml:"llm"`
	Engine     EngineConfig     `yaml:"engine"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Anomaly    AnomalyConfig    `yaml:"anomaly"`
	Alerts     alert.Config     `yaml:"alerts"`
	KillSwitch KillSwitchConfig `yaml:"kill_switch"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig controls the serving entry point.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	FailMode string `yaml:"fail_mode"` // "closed" (default, fail-closed) or "open"
}

// StorageConfig controls the Audit Sink's backing store.
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite
	Path   string `yaml:"path"`
}

// LLMConfig configures the AI Judge's OpenAI-compatible endpoint.
type LLMConfig struct {
	BaseURL          string        `yaml:"base_url"`
	APIKey           string        `yaml:"api_key"`
	Model            string        `yaml:"model"`
	Timeout          time.Duration `yaml:"timeout"`
	ConfidenceFloor  float64       `yaml:"confidence_floor"`
}

// EngineConfig controls the Hybrid Engine's cache/rules/AI toggles.
type EngineConfig struct {
	UseCache    bool          `yaml:"use_cache"`
	UseRules    bool          `yaml:"use_rules"`
	UseAI       bool          `yaml:"use_ai"`
	AIThreshold float64       `yaml:"ai_threshold"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	CacheSize   int           `yaml:"cache_max_size"`
	BusinessHoursStart int    `yaml:"business_hours_start"` // hour, 0-23
	BusinessHoursEnd   int    `yaml:"business_hours_end"`
	MaxDelegationDepth int    `yaml:"max_delegation_depth"`
}

// RateLimitConfig holds the rate_limit section. SweepInterval is not read
// by the Rate Limiter, which prunes idle windows inside Admit on a fixed
// 30s interval.
type RateLimitConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// AnomalyConfig controls the Anomaly Detector's thresholds and
// auto-mitigation.
type AnomalyConfig struct {
	SoftBlockDuration time.Duration `yaml:"soft_block_duration"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

// KillSwitchConfig holds the kill_switch section. FileWatchPath is not
// passed to the Kill Switch, which uses its own default sentinel path
// (~/.aegis/KILL).
type KillSwitchConfig struct {
	FileWatchPath string `yaml:"file_watch_path"`
}

// ObservabilityConfig controls the Prometheus metrics exporter.
type ObservabilityConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// DefaultConfig returns a config with sensible defaults for zero-config
// startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8443,
			LogLevel: "info",
			FailMode: "closed",
		},
		PoliciesDir: "./policies",
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./aegis-audit.db",
		},
		LLM: LLMConfig{
			Model:           "gpt-4o-mini",
			Timeout:         30 * time.Second,
			ConfidenceFloor: 0.7,
		},
		Engine: EngineConfig{
			UseCache:           true,
			UseRules:           true,
			UseAI:              true,
			AIThreshold:        0.7,
			CacheTTL:           300 * time.Second,
			CacheSize:          10000,
			BusinessHoursStart: 9,
			BusinessHoursEnd:   18,
			MaxDelegationDepth: 3,
		},
		RateLimit: RateLimitConfig{
			SweepInterval: time.Minute,
		},
		Anomaly: AnomalyConfig{
			SoftBlockDuration: 15 * time.Minute,
			SweepInterval:     time.Hour,
		},
		KillSwitch: KillSwitchConfig{
			FileWatchPath: "./KILL",
		},
		Observability: ObservabilityConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}
