package artifact

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"minecraftfriend.ai/internal/features"
	"minecraftfriend.ai/internal/normalize"
	"minecraftfriend.ai/internal/telemetry/vocab"
)

const BackendLinear = "linear"

// Meta is the training provenance stored in the bundle and mirrored to
// behavior_model.meta.json.
type Meta struct {
	RunID           string `json:"run_id"`
	CreatedAt       string `json:"created_at"`
	Backend         string `json:"backend"`
	EncodingVersion string `json:"encoding_version"`

	Dataset    string   `json:"dataset"`
	Records    int      `json:"records"`
	InFeatures int      `json:"in_features"`
	Actions    []string `json:"actions"`

	Epochs      int     `json:"epochs"`
	BatchSize   int     `json:"batch_size"`
	LR          float64 `json:"lr"`
	WeightDecay float64 `json:"weight_decay"`
	Seed        int64   `json:"seed"`
	Dropout     float64 `json:"dropout"`

	ModelType              string `json:"model_type"`
	SequenceLength         int    `json:"sequence_length"`
	SequenceLengthStrategy string `json:"sequence_length_strategy,omitempty"`
	SequenceSupervision    bool   `json:"sequence_supervision"`

	ClassWeights []float32 `json:"class_weights"`
	FeatureMean  []float32 `json:"feature_mean"`
	FeatureStd   []float32 `json:"feature_std"`

	normalize.Options

	ClassWeightedLoss bool     `json:"class_weighted_loss"`
	ClassWeightMin    float64  `json:"class_weight_min"`
	ClassWeightMax    float64  `json:"class_weight_max"`
	ClassWeightPower  float64  `json:"class_weight_power"`
	ActionWeightBoost []string `json:"action_weight_boost,omitempty"`
	BaselineMLP       bool     `json:"baseline_mlp"`

	IntentVocab               []string `json:"intent_vocab"`
	ControlDim                int      `json:"control_dim"`
	ControlKeys               []string `json:"control_keys"`
	HybridEnabled             bool     `json:"hybrid_enabled"`
	TemporalContextFeatures   bool     `json:"temporal_context_features"`
	ExplicitIntentSupervision bool     `json:"explicit_intent_supervision"`

	IntentLossWeight  float64 `json:"intent_loss_weight"`
	ControlLossWeight float64 `json:"control_loss_weight"`
	GradClipNorm      float64 `json:"grad_clip_norm"`

	UseLRScheduler        bool    `json:"use_lr_scheduler"`
	LRSchedulerFactor     float64 `json:"lr_scheduler_factor"`
	LRSchedulerPatience   int     `json:"lr_scheduler_patience"`
	LRSchedulerMinLR      float64 `json:"lr_scheduler_min_lr"`
	EarlyStoppingPatience int     `json:"early_stopping_patience"`

	BestValLoss *float64 `json:"best_val_loss"`
	BestEpoch   *int     `json:"best_epoch"`
	Device      string   `json:"device"`
}

// DefaultMeta holds the values assumed for fields a metadata file omits.
func DefaultMeta() Meta {
	return Meta{
		Backend:        BackendLinear,
		Dropout:        0.2,
		ModelType:      "mlp",
		SequenceLength: 1,
		Options: normalize.Options{
			Enabled: true,
			MinStd:  normalize.DefaultMinStd,
			Clip:    normalize.DefaultClip,
		},
		IntentVocab: vocab.Intents,
		ControlDim:  features.ControlDim,
		ControlKeys: features.ControlKeys,
	}
}

func (m *Meta) normalizeLoaded() {
	m.ModelType = strings.ToLower(strings.TrimSpace(m.ModelType))
	if m.ModelType == "" {
		m.ModelType = "mlp"
	}
	m.SequenceLength = max(1, m.SequenceLength)
	if m.MinStd <= 0 || math.IsNaN(m.MinStd) {
		m.MinStd = normalize.DefaultMinStd
	}
	if len(m.IntentVocab) == 0 {
		m.IntentVocab = vocab.Intents
	}
	if m.ControlDim <= 0 {
		m.ControlDim = features.ControlDim
	}
	if len(m.ControlKeys) == 0 {
		m.ControlKeys = features.ControlKeys
	}
	if m.Backend == "" {
		m.Backend = BackendLinear
	}
}

// Sequential reports whether the model consumes a window of steps rather
// than a single vector.
func (m Meta) Sequential() bool {
	return m.ModelType == "lstm"
}

// CheckStats refuses metadata whose stats cannot standardize rows of
// InFeatures values while normalize_features is set.
func (m Meta) CheckStats() error {
	if !m.Enabled {
		return nil
	}
	if m.InFeatures <= 0 {
		return fmt.Errorf("%w: normalize_features is set but in_features=%d", ErrFeatureStats, m.InFeatures)
	}
	if err := (normalize.Stats{Mean: m.FeatureMean, Std: m.FeatureStd}).Validate(m.InFeatures); err != nil {
		return fmt.Errorf("%w: %v", ErrFeatureStats, err)
	}
	return nil
}

// Transform rebuilds the serving-time preprocessing. Identity stats stand in
// only when standardization is off; std is floored at min_feature_std.
func (m Meta) Transform() normalize.Transform {
	t := normalize.Transform{Enabled: m.Enabled, LogScale: m.LogScale, Clip: m.Clip}
	if !m.Enabled {
		t.Stats = normalize.Identity(m.InFeatures)
		return t
	}
	t.Stats = normalize.Stats{
		Mean: append([]float32(nil), m.FeatureMean...),
		Std:  make([]float32, len(m.FeatureStd)),
	}
	for i, s := range m.FeatureStd {
		t.Stats.Std[i] = float32(math.Max(float64(s), m.MinStd))
	}
	return t
}

// LoadMeta reads a behavior_model.meta.json file over DefaultMeta.
func LoadMeta(path string) (Meta, error) {
	m := DefaultMeta()
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%s: %w", path, err)
	}
	m.normalizeLoaded()
	return m, nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}
