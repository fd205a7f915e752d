package log

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"minecraftfriend.ai/internal/persistence/jsonl"
)

func TestPredictionLogger_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	var closed []string
	l := NewPredictionLogger(dir, LoggerOptions{OnClose: func(p string) { closed = append(closed, filepath.Base(p)) }})

	clock := time.Date(2024, 5, 1, 12, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return clock }

	if err := l.WritePrediction(PredictionEntry{AgentID: "bot", Action: "BUILD", Selected: "BUILD", Confidence: 0.9}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.WritePrediction(PredictionEntry{AgentID: "bot", Action: "BUILD", Selected: "BREAK", Confidence: 0.4, InertiaHold: true}); err != nil {
		t.Fatalf("write: %v", err)
	}
	clock = clock.Add(2 * time.Minute)
	if err := l.WritePrediction(PredictionEntry{AgentID: "bot", Action: "EXPLORE", Selected: "EXPLORE", Confidence: 0.7}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	want := []string{"predictions-2024-05-01-12.jsonl.zst", "predictions-2024-05-01-13.jsonl.zst"}
	if diff := cmp.Diff(want, closed); diff != "" {
		t.Fatalf("closed files (-want +got):\n%s", diff)
	}

	n, err := jsonl.CountLines(filepath.Join(dir, want[0]))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("first hour lines=%d want 2", n)
	}
}
