package artifact

import (
	"bytes"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"minecraftfriend.ai/internal/features"
	"minecraftfriend.ai/internal/model/linear"
	"minecraftfriend.ai/internal/normalize"
	"minecraftfriend.ai/internal/persistence/snapshot"
)

func testBundle(t *testing.T, runID string) *Bundle {
	t.Helper()
	m, err := linear.New(linear.Config{InFeatures: 3, Steps: 2, Actions: 25, Intents: 5, ControlDim: 8, Hybrid: true, Seed: 1})
	if err != nil {
		t.Fatalf("linear: %v", err)
	}
	meta := DefaultMeta()
	meta.RunID = runID
	meta.InFeatures = 3
	meta.ModelType = "lstm"
	meta.SequenceLength = 2
	meta.HybridEnabled = true
	meta.FeatureMean = []float32{0, 1, 2}
	meta.FeatureStd = []float32{1, 0, 4}
	best, epoch := 0.5, 2
	meta.BestValLoss, meta.BestEpoch = &best, &epoch
	return &Bundle{Meta: meta, Weights: m.Params()}
}

func TestSaveLoad_RoundTripAndArchive(t *testing.T) {
	dir := t.TempDir()
	var logs bytes.Buffer
	logger := log.New(&logs, "", 0)

	first := testBundle(t, "run-a")
	saved, err := Save(dir, first, logger)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.ArchiveDir != "" {
		t.Fatalf("nothing should be archived on first save")
	}
	for _, p := range saved.Files() {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("missing %s: %v", p, err)
		}
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(first.Meta, got.Meta); diff != "" {
		t.Fatalf("meta mismatch (-want +got):\n%s", diff)
	}
	if got.Meta.EncodingVersion != features.EncodingVersion {
		t.Fatalf("encoding=%q", got.Meta.EncodingVersion)
	}
	if _, err := got.Model(); err != nil {
		t.Fatalf("model: %v", err)
	}

	second := testBundle(t, "run-b")
	saved, err = Save(dir, second, logger)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if saved.ArchiveDir != filepath.Join(dir, "archives", "run-a") {
		t.Fatalf("archive dir=%q", saved.ArchiveDir)
	}
	h, err := ReadHeader(filepath.Join(saved.ArchiveDir, BundleFile))
	if err != nil || h.RunID != "run-a" {
		t.Fatalf("archived header=%+v err=%v", h, err)
	}
	if !strings.Contains(logs.String(), "archived previous bundle run_id=run-a") {
		t.Fatalf("logs=%q", logs.String())
	}

	meta, err := LoadMeta(saved.MetaPath)
	if err != nil || meta.RunID != "run-b" || *meta.BestEpoch != 2 {
		t.Fatalf("meta=%+v err=%v", meta, err)
	}
	stats, err := ReadStats(saved.StatsPath)
	if err != nil || len(stats.Mean) != 3 {
		t.Fatalf("stats=%+v err=%v", stats, err)
	}
}

func TestLoad_RefusesOtherEncoding(t *testing.T) {
	path := filepath.Join(t.TempDir(), BundleFile)
	b := testBundle(t, "old")
	h := Header{Header: snapshot.Header{Kind: bundleKind, Version: bundleVersion}, EncodingVersion: "v1"}
	if err := snapshot.Write(path, h, b); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); !errors.Is(err, ErrEncodingMismatch) {
		t.Fatalf("err=%v want ErrEncodingMismatch", err)
	}
}

func TestLoadMeta_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetaFile)
	if err := os.WriteFile(path, []byte(`{"in_features": 2, "model_type": " LSTM ", "sequence_length": 0, "min_feature_std": 0}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := LoadMeta(path)
	if err != nil {
		t.Fatalf("load meta: %v", err)
	}
	if m.ModelType != "lstm" || m.SequenceLength != 1 || m.Dropout != 0.2 || !m.Enabled || m.Clip != 10 || m.MinStd != 1e-3 {
		t.Fatalf("defaults not applied: %+v", m)
	}
	if m.ControlDim != features.ControlDim || len(m.IntentVocab) != 5 || m.HybridEnabled || m.TemporalContextFeatures {
		t.Fatalf("head defaults: %+v", m)
	}
	if !m.Sequential() {
		t.Fatalf("lstm meta should be sequential")
	}
}

func TestMetaTransform(t *testing.T) {
	m := DefaultMeta()
	m.InFeatures = 2
	m.FeatureMean = []float32{1, 1}
	m.FeatureStd = []float32{2, 0}
	tr := m.Transform()
	if !tr.Enabled || tr.Stats.Std[1] != float32(1e-3) {
		t.Fatalf("transform=%+v", tr)
	}
	x := []float32{3, 1}
	if err := tr.Apply(x); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if x[0] != 1 || x[1] != 0 {
		t.Fatalf("apply=%v", x)
	}

	// Missing stats stay an error instead of turning standardization off.
	m.FeatureStd = nil
	tr = m.Transform()
	if !tr.Enabled {
		t.Fatalf("standardization silently disabled")
	}
	if err := tr.Apply([]float32{3, 1}); !errors.Is(err, normalize.ErrDim) {
		t.Fatalf("apply with missing std: err=%v want ErrDim", err)
	}

	m.Enabled = false
	tr = m.Transform()
	x = []float32{3, 1}
	if err := tr.Apply(x); err != nil || x[0] != 3 || x[1] != 1 {
		t.Fatalf("disabled transform apply=%v err=%v", x, err)
	}
}

func TestLoad_RefusesMisshapenStats(t *testing.T) {
	path := filepath.Join(t.TempDir(), BundleFile)
	b := testBundle(t, "short-stats")
	b.Meta.EncodingVersion = features.EncodingVersion
	b.Meta.FeatureStd = []float32{1, 1}
	h := Header{Header: snapshot.Header{Kind: bundleKind, Version: bundleVersion}, EncodingVersion: features.EncodingVersion}
	if err := snapshot.Write(path, h, b); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); !errors.Is(err, ErrFeatureStats) {
		t.Fatalf("load: err=%v want ErrFeatureStats", err)
	}
	if _, err := Save(t.TempDir(), b, nil); !errors.Is(err, ErrFeatureStats) {
		t.Fatalf("save: err=%v want ErrFeatureStats", err)
	}

	// The same stats are fine once standardization is off.
	b.Meta.Enabled = false
	if err := snapshot.Write(path, h, b); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("load with normalization off: %v", err)
	}
}
