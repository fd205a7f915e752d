package serving

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinTemperature and below selects greedily.
	MinTemperature = 1e-3

	FallbackAction = "EXPLORE"
)

// Config holds the serving knobs. Zero values are replaced by Defaults
// through Normalize.
type Config struct {
	Addr      string `yaml:"addr"`
	ModelPath string `yaml:"model_path"`
	// RemoteModelAddr, when set, sends windows to a gRPC inference service
	// instead of the bundled weights. The bundle still supplies metadata.
	RemoteModelAddr string `yaml:"remote_model_addr"`
	// InferenceListen exposes the loaded model as a gRPC inference service.
	InferenceListen string `yaml:"inference_listen"`

	SessionTTLSeconds int    `yaml:"session_ttl_seconds"`
	MaxSessions       int    `yaml:"max_sessions"`
	SweepEvery        uint64 `yaml:"sweep_every"`

	DefaultTemperature float64 `yaml:"default_temperature"`
	InertiaThreshold   float64 `yaml:"inertia_threshold"`
	IntentThreshold    float64 `yaml:"intent_threshold"`
	Seed               int64   `yaml:"seed"`

	ValidateRequests bool   `yaml:"validate_requests"`
	WatchArtifacts   bool   `yaml:"watch_artifacts"`
	PredictionLogDir string `yaml:"prediction_log_dir"`
	MaxBodyBytes     int64  `yaml:"max_body_bytes"`
}

func Defaults() Config {
	return Config{
		Addr:               ":8000",
		ModelPath:          "models",
		SessionTTLSeconds:  1800,
		MaxSessions:        4096,
		SweepEvery:         128,
		DefaultTemperature: 0.8,
		InertiaThreshold:   0.6,
		IntentThreshold:    0.5,
		WatchArtifacts:     true,
		MaxBodyBytes:       1 << 20,
	}
}

func LoadConfig(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("serve.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("serve.yaml: %w", err)
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	d := Defaults()
	c.Addr = strings.TrimSpace(c.Addr)
	c.ModelPath = strings.TrimSpace(c.ModelPath)
	c.RemoteModelAddr = strings.TrimSpace(c.RemoteModelAddr)
	c.InferenceListen = strings.TrimSpace(c.InferenceListen)
	if c.SessionTTLSeconds <= 0 {
		c.SessionTTLSeconds = d.SessionTTLSeconds
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = d.MaxSessions
	}
	if c.SweepEvery == 0 {
		c.SweepEvery = d.SweepEvery
	}
	if !finite(c.DefaultTemperature) || c.DefaultTemperature < 0 {
		c.DefaultTemperature = d.DefaultTemperature
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
}

func (c Config) Validate() error {
	if c.ModelPath == "" {
		return fmt.Errorf("model_path is required")
	}
	if !finite(c.InertiaThreshold) || c.InertiaThreshold < 0 || c.InertiaThreshold > 1 {
		return fmt.Errorf("inertia_threshold must be in [0,1], got %v", c.InertiaThreshold)
	}
	if !finite(c.IntentThreshold) || c.IntentThreshold <= 0 || c.IntentThreshold >= 1 {
		return fmt.Errorf("intent_threshold must be in (0,1), got %v", c.IntentThreshold)
	}
	return nil
}

func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// ActionSelection describes the default sampling mode for /health.
func (c Config) ActionSelection() string {
	if c.DefaultTemperature <= MinTemperature {
		return "greedy"
	}
	return "sampled"
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
