package training

import (
	"bytes"
	"context"
	"errors"
	"log"
	"math"
	"math/rand"
	"strings"
	"testing"

	"minecraftfriend.ai/internal/dataset"
	"minecraftfriend.ai/internal/features"
	"minecraftfriend.ai/internal/model"
	"minecraftfriend.ai/internal/telemetry/vocab"
)

// stepTrainer counts optimizer steps in w[0]; validation loss follows curve
// indexed by that count.
type stepTrainer struct {
	w        []float64
	curve    []float64
	nanTrain func(call int) bool
	calls    int
}

func (s *stepTrainer) Loss(b model.Batch, _ model.Objective, train bool) model.Losses {
	if train {
		s.calls++
		if s.nanTrain != nil && s.nanTrain(s.calls) {
			return model.Losses{Total: math.NaN()}
		}
		return model.Losses{Total: 1, Action: 1}
	}
	v := s.curve[min(int(s.w[0]), len(s.curve)-1)]
	return model.Losses{Total: v, Action: v}
}

func (s *stepTrainer) ClipGradNorm(float64) float64 { return 2 }
func (s *stepTrainer) Step(float64)                 { s.w[0]++ }
func (s *stepTrainer) Snapshot() []float64          { return append([]float64(nil), s.w...) }
func (s *stepTrainer) Restore(w []float64) error    { copy(s.w, w); return nil }

func tinySet(n int) *dataset.Set {
	return &dataset.Set{
		N: n, Steps: 1, Dim: 1,
		X:       make([]float32, n),
		Y:       make([]int32, n),
		Intent:  make([]float32, n*vocab.NumIntents),
		Control: make([]float32, n*features.ControlDim),
	}
}

func loopConfig() Config {
	cfg := Defaults()
	cfg.Epochs = 10
	cfg.BatchSize = 4
	cfg.EvalBatchSize = 4
	cfg.EarlyStoppingPatience = 2
	cfg.UseLRScheduler = false
	return cfg
}

func TestLoop_EarlyStoppingRestoresBest(t *testing.T) {
	tr := &stepTrainer{w: []float64{0}, curve: []float64{9, 1.0, 0.5, 0.6, 0.7, 0.8}}
	var logs bytes.Buffer
	var seen []int
	l := &Loop{
		Trainer: tr, Train: tinySet(4), Val: tinySet(4), Config: loopConfig(),
		OnEpoch: func(m EpochMetrics) { seen = append(seen, m.Epoch) },
		Logger:  log.New(&logs, "", 0),
	}
	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Epochs) != 4 || !res.StoppedEarly || len(seen) != 4 {
		t.Fatalf("epochs=%d stopped=%v seen=%v", len(res.Epochs), res.StoppedEarly, seen)
	}
	if res.Best.Epoch != 2 || res.Best.Metric != 0.5 {
		t.Fatalf("best=%+v", res.Best)
	}
	if tr.w[0] != 2 {
		t.Fatalf("restored weights=%v want step count 2", tr.w)
	}
	out := logs.String()
	for _, want := range []string{
		"epoch=1 train_loss=1.0000",
		"train_grad_norm_mean=2.0000",
		"best_val_loss=0.5000 best_epoch=2",
		"early_stopping_triggered epoch=4 patience=2",
		"restored_best_checkpoint epoch=2 val_loss=0.5000",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in logs:\n%s", want, out)
		}
	}
}

func TestLoop_SkipsNonFiniteBatches(t *testing.T) {
	tr := &stepTrainer{w: []float64{0}, curve: []float64{1}, nanTrain: func(call int) bool { return call%2 == 1 }}
	cfg := loopConfig()
	cfg.Epochs = 1
	cfg.BatchSize = 2
	var logs bytes.Buffer
	l := &Loop{Trainer: tr, Train: tinySet(4), Val: tinySet(4), Config: cfg, Logger: log.New(&logs, "", 0)}
	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Epochs[0].SkippedBatches != 1 || tr.w[0] != 1 {
		t.Fatalf("skipped=%d steps=%v", res.Epochs[0].SkippedBatches, tr.w[0])
	}
	if !strings.Contains(logs.String(), "warning=non_finite_loss_skipped_batch") {
		t.Fatalf("logs=%q", logs.String())
	}

	tr = &stepTrainer{w: []float64{0}, curve: []float64{1}, nanTrain: func(int) bool { return true }}
	l = &Loop{Trainer: tr, Train: tinySet(4), Val: tinySet(4), Config: cfg}
	if _, err := l.Run(context.Background()); !errors.Is(err, ErrNoValidBatches) {
		t.Fatalf("err=%v want ErrNoValidBatches", err)
	}
}

func TestLoop_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := &Loop{Trainer: &stepTrainer{w: []float64{0}, curve: []float64{1}}, Train: tinySet(4), Val: tinySet(4), Config: loopConfig()}
	if _, err := l.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}

func TestWeightedSample(t *testing.T) {
	l := &Loop{Train: tinySet(3), Config: loopConfig(), SampleWeights: []float64{0, 0, 1}}
	for _, batch := range l.batches(rand.New(rand.NewSource(1))) {
		for _, i := range batch {
			if i != 2 {
				t.Fatalf("sampled zero-weight index %d", i)
			}
		}
	}
}

func TestEvaluate_WeightsBatchesBySize(t *testing.T) {
	tr := &sizeTrainer{}
	got := Evaluate(tr, tinySet(5), model.Objective{}, 4)
	// batches of 4 and 1 report their own sizes as loss.
	if want := (4.0*4 + 1*1) / 5; !approx(got.Total, want) {
		t.Fatalf("total=%v want %v", got.Total, want)
	}
}

type sizeTrainer struct{ stepTrainer }

func (s *sizeTrainer) Loss(b model.Batch, _ model.Objective, _ bool) model.Losses {
	return model.Losses{Total: float64(b.N)}
}
