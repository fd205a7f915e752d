package training

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"minecraftfriend.ai/internal/dataset"
	"minecraftfriend.ai/internal/normalize"
)

const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// Config is everything one training run needs.
type Config struct {
	Dataset      string `yaml:"dataset"`
	OutDir       string `yaml:"out_dir"`
	CacheEnabled bool   `yaml:"dataset_cache_enabled"`
	CacheDir     string `yaml:"dataset_cache_dir"`
	ModelType    string `yaml:"model_type"`
	Device       string `yaml:"device"`

	Length dataset.LengthPolicy `yaml:",inline"`

	Epochs        int     `yaml:"epochs"`
	BatchSize     int     `yaml:"batch_size"`
	EvalBatchSize int     `yaml:"eval_batch_size"`
	Seed          int64   `yaml:"seed"`
	LR            float64 `yaml:"lr"`
	WeightDecay   float64 `yaml:"weight_decay"`
	Dropout       float64 `yaml:"dropout"`

	Norm normalize.Options `yaml:",inline"`

	ClassWeightedLoss    bool     `yaml:"class_weighted_loss"`
	ClassWeightMin       float64  `yaml:"class_weight_min"`
	ClassWeightMax       float64  `yaml:"class_weight_max"`
	ClassWeightPower     float64  `yaml:"class_weight_power"`
	ActionWeightBoost    []string `yaml:"action_weight_boost"`
	OversampleMeaningful bool     `yaml:"oversample_meaningful"`

	IntentBalancedLoss        bool    `yaml:"intent_balanced_loss"`
	IntentPosWeightMax        float64 `yaml:"intent_pos_weight_max"`
	ExplicitIntentSupervision bool    `yaml:"explicit_intent_supervision"`
	SequenceSupervision       bool    `yaml:"sequence_supervision"`
	IntentLossWeight          float64 `yaml:"intent_loss_weight"`
	ControlLossWeight         float64 `yaml:"control_loss_weight"`
	GradClipNorm              float64 `yaml:"grad_clip_norm"`

	UseLRScheduler      bool    `yaml:"use_lr_scheduler"`
	LRSchedulerFactor   float64 `yaml:"lr_scheduler_factor"`
	LRSchedulerPatience int     `yaml:"lr_scheduler_patience"`
	LRSchedulerMinLR    float64 `yaml:"lr_scheduler_min_lr"`

	// EarlyStoppingPatience <= 0 disables early stopping.
	EarlyStoppingPatience int     `yaml:"early_stopping_patience"`
	EarlyStoppingMinDelta float64 `yaml:"early_stopping_min_delta"`

	BaselineMLP bool `yaml:"baseline_mlp"`
}

func Defaults() Config {
	return Config{
		OutDir:       "models",
		CacheEnabled: true,
		ModelType:    dataset.ModelLSTM,
		Device:       DeviceAuto,
		Length:       dataset.DefaultLengthPolicy(),

		Epochs:      12,
		BatchSize:   128,
		Seed:        42,
		LR:          1e-3,
		WeightDecay: 1e-4,
		Dropout:     0.2,

		Norm: normalize.DefaultOptions(),

		ClassWeightedLoss: true,
		ClassWeightMin:    0.25,
		ClassWeightMax:    8,
		ClassWeightPower:  0.5,

		IntentBalancedLoss:        true,
		IntentPosWeightMax:        10,
		ExplicitIntentSupervision: true,
		IntentLossWeight:          0.5,
		ControlLossWeight:         0.5,
		GradClipNorm:              1,

		UseLRScheduler:      true,
		LRSchedulerFactor:   0.5,
		LRSchedulerPatience: 2,
		LRSchedulerMinLR:    1e-5,

		EarlyStoppingPatience: 4,
		EarlyStoppingMinDelta: 1e-6,
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
		return cfg, fmt.Errorf("train.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("train.yaml: %w", err)
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.ModelType = strings.ToLower(strings.TrimSpace(c.ModelType))
	c.Device = strings.ToLower(strings.TrimSpace(c.Device))
	if c.Device == "" {
		c.Device = DeviceAuto
	}
	c.Length.Strategy = strings.ToLower(strings.TrimSpace(c.Length.Strategy))
	if c.EvalBatchSize <= 0 {
		c.EvalBatchSize = c.BatchSize
	}
	c.Dropout = math.Min(0.8, math.Max(0, c.Dropout))
	c.IntentPosWeightMax = math.Max(1, c.IntentPosWeightMax)
}

// ApplyBaseline switches to the quick sanity baseline: a single-frame model
// with no normalization, no class weighting and no dropout.
func (c *Config) ApplyBaseline() {
	if !c.BaselineMLP {
		return
	}
	c.ModelType = dataset.ModelMLP
	c.Length.Requested = 1
	c.SequenceSupervision = false
	c.Dropout = 0
	c.Norm.Enabled = false
	c.ClassWeightedLoss = false
}

func (c Config) Validate() error {
	switch c.ModelType {
	case dataset.ModelMLP, dataset.ModelLSTM:
	default:
		return fmt.Errorf("model_type must be mlp or lstm, got %q", c.ModelType)
	}
	switch c.Device {
	case DeviceAuto, DeviceCPU, DeviceCUDA:
	default:
		return fmt.Errorf("device must be auto, cpu or cuda, got %q", c.Device)
	}
	switch c.Length.Strategy {
	case "", dataset.StrategyAdaptive, dataset.StrategyFixed:
	default:
		return fmt.Errorf("sequence_length_strategy must be fixed or adaptive, got %q", c.Length.Strategy)
	}
	if c.Epochs < 1 {
		return fmt.Errorf("epochs must be >= 1")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1")
	}
	for name, v := range map[string]float64{
		"lr":                   c.LR,
		"weight_decay":         c.WeightDecay,
		"class_weight_min":     c.ClassWeightMin,
		"class_weight_max":     c.ClassWeightMax,
		"class_weight_power":   c.ClassWeightPower,
		"intent_loss_weight":   c.IntentLossWeight,
		"control_loss_weight":  c.ControlLossWeight,
		"grad_clip_norm":       c.GradClipNorm,
		"lr_scheduler_factor":  c.LRSchedulerFactor,
		"lr_scheduler_min_lr":  c.LRSchedulerMinLR,
		"normalize_clip_value": c.Norm.Clip,
		"min_feature_std":      c.Norm.MinStd,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be finite", name)
		}
		if v < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	if c.LR <= 0 {
		return fmt.Errorf("lr must be > 0")
	}
	if c.ClassWeightMin <= 0 || c.ClassWeightMin > c.ClassWeightMax {
		return fmt.Errorf("class weight bounds must satisfy 0 < min <= max, got [%g, %g]", c.ClassWeightMin, c.ClassWeightMax)
	}
	if c.UseLRScheduler && (c.LRSchedulerFactor <= 0 || c.LRSchedulerFactor >= 1) {
		return fmt.Errorf("lr_scheduler_factor must be in (0, 1)")
	}
	return nil
}
