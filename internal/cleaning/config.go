package cleaning

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config controls one cleaning run.
type Config struct {
	ObserverOnly          bool    `yaml:"observer_only"`
	MaxStateObserverDelta float64 `yaml:"max_state_observer_delta"`
	MinSampleMS           int64   `yaml:"min_sample_ms"`
	MinIdleSampleMS       int64   `yaml:"min_idle_sample_ms"`
	MinMoveDistance       float64 `yaml:"min_move_distance"`
	RemapObserverActions  bool    `yaml:"remap_observer_actions"`

	RemoveChat           bool `yaml:"remove_chat"`
	DropAbsolutePosition bool `yaml:"drop_absolute_position"`

	OnlySuccessfulActions bool `yaml:"only_successful_actions"`
	DropFallbackSources   bool `yaml:"drop_fallback_sources"`
	DropStateOnlySources  bool `yaml:"drop_state_only_sources"`
	DropIdleActions       bool `yaml:"drop_idle_actions"`

	StateChangeOnly        bool    `yaml:"state_change_only"`
	MinStateChangePos      float64 `yaml:"min_state_change_pos"`
	MinStateChangeVel      float64 `yaml:"min_state_change_vel"`
	MinStateChangeYawPitch float64 `yaml:"min_state_change_yaw_pitch"`
}

func Defaults() Config {
	return Config{
		ObserverOnly:          true,
		MaxStateObserverDelta: 0.6,
		MinSampleMS:           300,
		MinIdleSampleMS:       900,
		MinMoveDistance:       1.0,
		RemapObserverActions:  true,

		RemoveChat:           true,
		DropAbsolutePosition: true,

		MinStateChangePos:      0.18,
		MinStateChangeVel:      0.07,
		MinStateChangeYawPitch: 0.08,
	}
}

// LoadConfig reads a YAML file over Defaults. An empty path yields the
// defaults.
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
		return cfg, fmt.Errorf("clean.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("clean.yaml: %w", err)
	}
	return cfg, nil
}

// Normalize clamps thresholds into their usable ranges.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.MinSampleMS = max(0, c.MinSampleMS)
	c.MinIdleSampleMS = max(0, c.MinIdleSampleMS)
	c.MinMoveDistance = math.Max(0.1, c.MinMoveDistance)
	c.MinStateChangePos = math.Max(0, c.MinStateChangePos)
	c.MinStateChangeVel = math.Max(0, c.MinStateChangeVel)
	c.MinStateChangeYawPitch = math.Max(0, c.MinStateChangeYawPitch)
}

func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"max_state_observer_delta":   c.MaxStateObserverDelta,
		"min_move_distance":          c.MinMoveDistance,
		"min_state_change_pos":       c.MinStateChangePos,
		"min_state_change_vel":       c.MinStateChangeVel,
		"min_state_change_yaw_pitch": c.MinStateChangeYawPitch,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be finite", name)
		}
	}
	if c.MaxStateObserverDelta < 0 {
		return fmt.Errorf("max_state_observer_delta must be >= 0")
	}
	return nil
}
