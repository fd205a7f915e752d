package training

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"

	"minecraftfriend.ai/internal/dataset"
	"minecraftfriend.ai/internal/model"
)

var ErrNoValidBatches = errors.New("no valid training batches processed (all losses non-finite)")

// Trainer is a model that can be fitted by Loop.
type Trainer interface {
	// Loss evaluates b. With train set it applies training-only behavior
	// such as dropout and leaves the gradients of the total loss in place.
	Loss(b model.Batch, obj model.Objective, train bool) model.Losses
	ClipGradNorm(maxNorm float64) float64
	Step(lr float64)
	Snapshot() []float64
	Restore(w []float64) error
}

// Checkpoint is the best-so-far weights with the epoch and validation loss
// that produced them.
type Checkpoint struct {
	Epoch    int
	Metric   float64
	Snapshot []float64
}

type EpochMetrics struct {
	Epoch          int
	Train          model.Losses
	Val            model.Losses
	GradNormMean   float64
	GradNormMedian float64
	GradNormMax    float64
	SkippedBatches int
	LR             float64
	BestValLoss    float64
	BestEpoch      int
}

type Result struct {
	Best         Checkpoint
	Epochs       []EpochMetrics
	StoppedEarly bool
}

// Loop runs epochs of mini-batch training with validation, LR scheduling,
// early stopping and best-checkpoint restore.
type Loop struct {
	Trainer   Trainer
	Train     *dataset.Set
	Val       *dataset.Set
	Objective model.Objective
	Config    Config
	// SampleWeights switches batching to weighted sampling with replacement,
	// one weight per training sample.
	SampleWeights []float64
	OnEpoch       func(EpochMetrics)
	Logger        *log.Logger
}

func (l *Loop) Run(ctx context.Context) (Result, error) {
	cfg := l.Config
	rng := rand.New(rand.NewSource(cfg.Seed))
	lr := cfg.LR
	var sched *Plateau
	if cfg.UseLRScheduler {
		sched = &Plateau{Factor: cfg.LRSchedulerFactor, Patience: cfg.LRSchedulerPatience, MinLR: cfg.LRSchedulerMinLR}
	}

	res := Result{Best: Checkpoint{Metric: math.Inf(1)}}
	noImprove := 0
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		m, err := l.trainEpoch(ctx, rng, lr)
		if err != nil {
			return res, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		m.Epoch = epoch
		m.Val = Evaluate(l.Trainer, l.Val, l.Objective, cfg.EvalBatchSize)
		if sched != nil {
			lr = sched.Step(m.Val.Total, lr)
		}
		m.LR = lr

		if m.Val.Total < res.Best.Metric-cfg.EarlyStoppingMinDelta {
			res.Best = Checkpoint{Epoch: epoch, Metric: m.Val.Total, Snapshot: l.Trainer.Snapshot()}
			noImprove = 0
		} else {
			noImprove++
		}
		m.BestValLoss, m.BestEpoch = res.Best.Metric, res.Best.Epoch
		res.Epochs = append(res.Epochs, m)
		l.logEpoch(m)
		if l.OnEpoch != nil {
			l.OnEpoch(m)
		}

		if cfg.EarlyStoppingPatience > 0 && noImprove >= cfg.EarlyStoppingPatience {
			printf(l.Logger, "early_stopping_triggered epoch=%d patience=%d", epoch, cfg.EarlyStoppingPatience)
			res.StoppedEarly = true
			break
		}
	}

	if res.Best.Snapshot != nil {
		if err := l.Trainer.Restore(res.Best.Snapshot); err != nil {
			return res, fmt.Errorf("restore best checkpoint: %w", err)
		}
		printf(l.Logger, "restored_best_checkpoint epoch=%d val_loss=%.4f", res.Best.Epoch, res.Best.Metric)
	}
	return res, nil
}

func (l *Loop) trainEpoch(ctx context.Context, rng *rand.Rand, lr float64) (EpochMetrics, error) {
	cfg := l.Config
	var (
		m     EpochMetrics
		sums  model.Losses
		norms []float64
	)
	for _, idx := range l.batches(rng) {
		if err := ctx.Err(); err != nil {
			return m, err
		}
		loss := l.Trainer.Loss(Batch(l.Train, idx), l.Objective, true)
		if !loss.Finite() {
			printf(l.Logger, "warning=non_finite_loss_skipped_batch")
			m.SkippedBatches++
			continue
		}
		norms = append(norms, l.Trainer.ClipGradNorm(cfg.GradClipNorm))
		l.Trainer.Step(lr)
		addLosses(&sums, loss, 1)
	}
	if len(norms) == 0 {
		return m, ErrNoValidBatches
	}
	m.Train = scaleLosses(sums, float64(len(norms)))

	sort.Float64s(norms)
	total := 0.0
	for _, n := range norms {
		total += n
	}
	m.GradNormMean = total / float64(len(norms))
	m.GradNormMax = norms[len(norms)-1]
	if k := len(norms); k%2 == 1 {
		m.GradNormMedian = norms[k/2]
	} else {
		m.GradNormMedian = (norms[k/2-1] + norms[k/2]) / 2
	}
	return m, nil
}

// batches returns the sample indices of each mini-batch for one epoch.
func (l *Loop) batches(rng *rand.Rand) [][]int {
	n := l.Train.N
	var order []int
	if l.SampleWeights != nil {
		order = weightedSample(rng, l.SampleWeights, n)
	} else {
		order = rng.Perm(n)
	}
	size := max(1, l.Config.BatchSize)
	var out [][]int
	for start := 0; start < n; start += size {
		out = append(out, order[start:min(n, start+size)])
	}
	return out
}

func weightedSample(rng *rand.Rand, w []float64, n int) []int {
	cum := make([]float64, len(w))
	total := 0.0
	for i, v := range w {
		total += math.Max(0, v)
		cum[i] = total
	}
	out := make([]int, n)
	if total <= 0 {
		for i := range out {
			out[i] = rng.Intn(len(w))
		}
		return out
	}
	for i := range out {
		r := rng.Float64() * total
		out[i] = min(len(w)-1, sort.Search(len(cum), func(j int) bool { return cum[j] > r }))
	}
	return out
}

// Evaluate averages the losses over s in batches of batchSize, weighting
// each batch by its size.
func Evaluate(tr Trainer, s *dataset.Set, obj model.Objective, batchSize int) model.Losses {
	batchSize = max(1, batchSize)
	var sums model.Losses
	seen := 0
	idx := make([]int, 0, batchSize)
	for start := 0; start < s.N; start += batchSize {
		idx = idx[:0]
		for i := start; i < min(s.N, start+batchSize); i++ {
			idx = append(idx, i)
		}
		l := tr.Loss(Batch(s, idx), obj, false)
		addLosses(&sums, l, float64(len(idx)))
		seen += len(idx)
	}
	return scaleLosses(sums, float64(max(1, seen)))
}

// Batch gathers the samples at idx into a model batch.
func Batch(s *dataset.Set, idx []int) model.Batch {
	sub := s.Subset(idx)
	return model.Batch{
		N: sub.N, T: sub.Steps, Dim: sub.Dim, Dense: sub.Dense,
		X: sub.X, Labels: sub.Y, Intent: sub.Intent, Control: sub.Control,
	}
}

func addLosses(dst *model.Losses, l model.Losses, w float64) {
	dst.Total += l.Total * w
	dst.Action += l.Action * w
	dst.Intent += l.Intent * w
	dst.Control += l.Control * w
	dst.Acc += l.Acc * w
	dst.IntentAcc += l.IntentAcc * w
}

func scaleLosses(l model.Losses, n float64) model.Losses {
	return model.Losses{
		Total: l.Total / n, Action: l.Action / n, Intent: l.Intent / n,
		Control: l.Control / n, Acc: l.Acc / n, IntentAcc: l.IntentAcc / n,
	}
}

func (l *Loop) logEpoch(m EpochMetrics) {
	printf(l.Logger,
		"epoch=%d train_loss=%.4f train_action=%.4f train_intent=%.4f train_ctrl=%.4f train_acc=%.4f train_intent_acc=%.4f "+
			"train_grad_norm_mean=%.4f train_grad_norm_median=%.4f train_grad_norm_max=%.4f "+
			"val_loss=%.4f val_action=%.4f val_intent=%.4f val_ctrl=%.4f val_acc=%.4f val_intent_acc=%.4f "+
			"lr=%.6g best_val_loss=%.4f best_epoch=%d",
		m.Epoch, m.Train.Total, m.Train.Action, m.Train.Intent, m.Train.Control, m.Train.Acc, m.Train.IntentAcc,
		m.GradNormMean, m.GradNormMedian, m.GradNormMax,
		m.Val.Total, m.Val.Action, m.Val.Intent, m.Val.Control, m.Val.Acc, m.Val.IntentAcc,
		m.LR, m.BestValLoss, m.BestEpoch)
}

func printf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
