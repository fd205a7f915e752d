package serving

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"minecraftfriend.ai/internal/artifact"
	"minecraftfriend.ai/internal/features"
	"minecraftfriend.ai/internal/model/linear"
	"minecraftfriend.ai/internal/telemetry/vocab"
)

func TestWatcher_LoadsBundleWrittenAfterStart(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	if err := s.LoadInitial(); err != nil {
		t.Fatalf("LoadInitial without a bundle: %v", err)
	}
	if s.Policy() != nil {
		t.Fatalf("policy loaded from an empty directory")
	}
	w, err := NewWatcher(s)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("Run: %v", err)
		}
	}()

	meta := testMeta(false)
	m, err := linear.New(linear.Config{
		InFeatures: meta.InFeatures, Steps: 1, Actions: vocab.NumActions,
		Intents: len(vocab.Intents), ControlDim: features.ControlDim, Seed: 3,
	})
	if err != nil {
		t.Fatalf("linear: %v", err)
	}
	if _, err := artifact.Save(s.Config().ModelPath, &artifact.Bundle{Meta: meta, Weights: m.Params()}, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.Policy() == nil {
		if time.Now().After(deadline) {
			t.Fatalf("policy was not loaded after the bundle appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := s.Policy().Meta.RunID; got != "run-test" {
		t.Fatalf("run_id=%q want run-test", got)
	}
}

func TestWatchTarget(t *testing.T) {
	dir := t.TempDir()
	if d, f := watchTarget(dir); d != dir || f != artifact.BundleFile {
		t.Fatalf("dir: got %s %s", d, f)
	}
	bundle := filepath.Join(dir, "custom.bundle.zst")
	if d, f := watchTarget(bundle); d != dir || f != "custom.bundle.zst" {
		t.Fatalf("bundle: got %s %s", d, f)
	}
	missing := filepath.Join(dir, "later")
	if d, f := watchTarget(missing); d != missing || f != artifact.BundleFile {
		t.Fatalf("missing: got %s %s", d, f)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serve.yaml")
	body := "addr: \":9000\"\nmodel_path: /srv/models\ndefault_temperature: -1\ninertia_threshold: 0.5\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Addr != ":9000" || cfg.ModelPath != "/srv/models" || cfg.InertiaThreshold != 0.5 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.DefaultTemperature != 0.8 {
		t.Fatalf("default_temperature=%v want 0.8", cfg.DefaultTemperature)
	}
	if cfg.MaxSessions != 4096 || cfg.SessionTTLSeconds != 1800 || cfg.SweepEvery != 128 {
		t.Fatalf("session defaults not applied: %+v", cfg)
	}

	if err := os.WriteFile(path, []byte("inertia_threshold: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("inertia_threshold=2 should be rejected")
	}
}
