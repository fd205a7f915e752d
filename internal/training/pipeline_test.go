package training

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"minecraftfriend.ai/internal/artifact"
	"minecraftfriend.ai/internal/dataset"
	"minecraftfriend.ai/internal/features"
)

var rowLabels = []string{"BUILD", "OBSERVER_MOVE", "BREAK", "BUILD", "IDLE"}

func writeCleaned(t *testing.T, dir string, n int) string {
	t.Helper()
	var b strings.Builder
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		ts := t0.Add(time.Duration(i) * 400 * time.Millisecond).Format("2006-01-02T15:04:05.000Z")
		fmt.Fprintf(&b, `{"timestamp":%q,"state":{"velocity":{"vx":%g,"vy":0,"vz":0.1},"yaw":%g,"pitch":0.1,"onGround":true,"health":%d},"action":{"label":%q}}`+"\n",
			ts, 0.1*float64(i%4), 0.3*float64(i%7), 10+i%10, rowLabels[i%len(rowLabels)])
	}
	path := filepath.Join(dir, "run.clean.jsonl")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write dataset: %v", err)
	}
	return path
}

func TestRun_TrainsAndSavesBundle(t *testing.T) {
	dir := t.TempDir()
	cfg := Defaults()
	cfg.Dataset = writeCleaned(t, dir, 60)
	cfg.OutDir = filepath.Join(dir, "models")
	cfg.CacheEnabled = false
	cfg.Epochs = 3
	cfg.BatchSize = 16
	cfg.Length = dataset.LengthPolicy{Strategy: dataset.StrategyFixed, Requested: 3, Min: 2, Max: 8}
	cfg.Device = DeviceCUDA
	cfg.OversampleMeaningful = true

	var logs bytes.Buffer
	epochs := 0
	rep, err := Run(context.Background(), cfg, log.New(&logs, "", 0), func(EpochMetrics) { epochs++ })
	if err != nil {
		t.Fatalf("run: %v\n%s", err, logs.String())
	}
	if rep.Records != 59-3+1 || rep.SequenceLength != 3 || rep.InFeatures != features.AugmentedDim {
		t.Fatalf("report records=%d L=%d dim=%d", rep.Records, rep.SequenceLength, rep.InFeatures)
	}
	if epochs != len(rep.Result.Epochs) || epochs == 0 {
		t.Fatalf("epoch callbacks=%d epochs=%d", epochs, len(rep.Result.Epochs))
	}
	out := logs.String()
	for _, want := range []string{
		"warning=device cuda requested but unavailable, falling back to cpu",
		"training_device=cpu",
		"dataset_records=57 in_features=215 model_type=lstm normalize=true",
		`label_distribution={"IDLE": `,
		"dominant_label=",
		"restored_best_checkpoint",
		"saved model:",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in logs:\n%s", want, out)
		}
	}

	b, err := artifact.Load(cfg.OutDir)
	if err != nil {
		t.Fatalf("load bundle: %v", err)
	}
	m := b.Meta
	if m.RunID != rep.RunID || m.ModelType != "lstm" || m.SequenceLength != 3 || !m.HybridEnabled || !m.TemporalContextFeatures {
		t.Fatalf("meta=%+v", m)
	}
	if len(m.FeatureMean) != features.AugmentedDim || len(m.ClassWeights) != 25 || m.BestEpoch == nil {
		t.Fatalf("meta arrays mean=%d weights=%d best=%v", len(m.FeatureMean), len(m.ClassWeights), m.BestEpoch)
	}
	mod, err := b.Model()
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	if _, err := mod.Predict(context.Background(), make([]float32, 3*features.AugmentedDim)); err != nil {
		t.Fatalf("predict: %v", err)
	}
}

func TestRun_Baseline(t *testing.T) {
	dir := t.TempDir()
	cfg := Defaults()
	cfg.Dataset = writeCleaned(t, dir, 30)
	cfg.OutDir = dir
	cfg.CacheEnabled = false
	cfg.Epochs = 1
	cfg.BaselineMLP = true

	rep, err := Run(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	meta, err := artifact.LoadMeta(rep.Saved.MetaPath)
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta.ModelType != "mlp" || meta.SequenceLength != 1 || meta.Enabled || meta.ClassWeightedLoss || meta.ClassWeights != nil || meta.Dropout != 0 {
		t.Fatalf("baseline overrides not applied: %+v", meta)
	}
	for _, s := range meta.FeatureStd {
		if s != 1 {
			t.Fatalf("disabled normalization should persist identity stats")
		}
	}
}

func TestRun_NotEnoughRecords(t *testing.T) {
	dir := t.TempDir()
	cfg := Defaults()
	cfg.Dataset = writeCleaned(t, dir, 4)
	cfg.OutDir = dir
	cfg.CacheEnabled = false
	cfg.Length = dataset.LengthPolicy{Strategy: dataset.StrategyFixed, Requested: 8, Min: 8, Max: 8}
	_, err := Run(context.Background(), cfg, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "sequence_length=8: found 3") {
		t.Fatalf("err=%v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.yaml")
	yml := `
dataset: data/run.clean.jsonl
model_type: MLP
device: CPU
epochs: 3
sequence_length_strategy: fixed
sequence_length: 12
normalize_log_scale: true
action_weight_boost: ["BUILD=2"]
eval_batch_size: 0
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ModelType != "mlp" || cfg.Device != "cpu" || cfg.Epochs != 3 || cfg.Length.Requested != 12 || !cfg.Length.Fixed() {
		t.Fatalf("cfg=%+v", cfg)
	}
	if !cfg.Norm.LogScale || !cfg.Norm.Enabled || cfg.EvalBatchSize != cfg.BatchSize || len(cfg.ActionWeightBoost) != 1 {
		t.Fatalf("cfg=%+v", cfg)
	}

	if err := os.WriteFile(path, []byte("model_type: gru\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "train.yaml") {
		t.Fatalf("err=%v want validation error", err)
	}
}
