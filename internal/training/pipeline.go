package training

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"minecraftfriend.ai/internal/artifact"
	"minecraftfriend.ai/internal/dataset"
	"minecraftfriend.ai/internal/features"
	"minecraftfriend.ai/internal/model"
	"minecraftfriend.ai/internal/model/linear"
	"minecraftfriend.ai/internal/normalize"
	"minecraftfriend.ai/internal/telemetry/vocab"
)

// Report summarizes a finished run.
type Report struct {
	RunID          string
	Config         Config
	Records        int
	InFeatures     int
	SequenceLength int
	Device         string
	CacheHit       bool
	LabelCounts    []int
	ClassWeights   []float32
	Result         Result
	Saved          artifact.Saved
	Started        time.Time
	Finished       time.Time
}

// Run trains a model on cfg.Dataset and saves the bundle into cfg.OutDir.
// onEpoch, when set, sees every epoch as it completes.
func Run(ctx context.Context, cfg Config, logger *log.Logger, onEpoch func(EpochMetrics)) (*Report, error) {
	return RunWithID(ctx, uuid.NewString(), cfg, logger, onEpoch)
}

// RunWithID is Run under a caller-chosen run id, so epochs can be indexed
// while the run is still going.
func RunWithID(ctx context.Context, runID string, cfg Config, logger *log.Logger, onEpoch func(EpochMetrics)) (*Report, error) {
	cfg.ApplyBaseline()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rep := &Report{RunID: runID, Config: cfg, Started: time.Now().UTC()}

	loaded, err := dataset.Load(dataset.Options{
		Path:      cfg.Dataset,
		ModelType: cfg.ModelType,
		Length:    cfg.Length,
		Dense:     cfg.SequenceSupervision,
		Cache:     cfg.CacheEnabled,
		CacheDir:  cfg.CacheDir,
	}, logger)
	if err != nil {
		return nil, err
	}
	set := loaded.Set.Shuffle(cfg.Seed)
	rep.Records = set.N
	rep.InFeatures = set.Dim
	rep.SequenceLength = loaded.SequenceLength
	rep.CacheHit = loaded.CacheHit
	rep.LabelCounts = set.LabelCounts()

	train, val := set.Split()
	tr := normalize.Fit(train.X, val.X, set.Dim, cfg.Norm)

	rep.Device = ResolveDevice(cfg.Device, logger)
	m, err := linear.New(linear.Config{
		InFeatures:  set.Dim,
		Steps:       set.Steps,
		Actions:     vocab.NumActions,
		Intents:     vocab.NumIntents,
		ControlDim:  features.ControlDim,
		Hybrid:      true,
		Dropout:     cfg.Dropout,
		WeightDecay: cfg.WeightDecay,
		Seed:        cfg.Seed,
	})
	if err != nil {
		return nil, err
	}

	rep.ClassWeights = ClassWeights(train.LabelCounts(), cfg)
	obj := model.Objective{
		ControlWeight:  cfg.ControlLossWeight,
		ExplicitIntent: cfg.ExplicitIntentSupervision,
	}
	if cfg.ExplicitIntentSupervision {
		obj.IntentWeight = cfg.IntentLossWeight
	}
	if cfg.ClassWeightedLoss {
		obj.ClassWeights = rep.ClassWeights
	}
	if cfg.IntentBalancedLoss {
		obj.IntentPosWeight = IntentPosWeight(train.Intent, vocab.NumIntents, cfg.IntentPosWeightMax)
	}
	var sampleWeights []float64
	if cfg.OversampleMeaningful {
		sampleWeights = make([]float64, train.N)
		for i := range sampleWeights {
			sampleWeights[i] = float64(rep.ClassWeights[train.LastLabel(i)])
		}
	}

	printf(logger, "training_device=%s", rep.Device)
	logSummary(logger, cfg, set.N, set.Dim, rep.LabelCounts)

	loop := &Loop{
		Trainer:       m,
		Train:         train,
		Val:           val,
		Objective:     obj,
		Config:        cfg,
		SampleWeights: sampleWeights,
		OnEpoch:       onEpoch,
		Logger:        logger,
	}
	if rep.Result, err = loop.Run(ctx); err != nil {
		return rep, err
	}

	bundle := &artifact.Bundle{Meta: buildMeta(rep, cfg, tr), Weights: m.Params()}
	if rep.Saved, err = artifact.Save(cfg.OutDir, bundle, logger); err != nil {
		return rep, fmt.Errorf("save artifacts: %w", err)
	}
	rep.Finished = time.Now().UTC()
	return rep, nil
}

func buildMeta(rep *Report, cfg Config, tr normalize.Transform) artifact.Meta {
	meta := artifact.Meta{
		RunID:           rep.RunID,
		Backend:         artifact.BackendLinear,
		EncodingVersion: features.EncodingVersion,

		Dataset:    cfg.Dataset,
		Records:    rep.Records,
		InFeatures: rep.InFeatures,
		Actions:    vocab.Actions,

		Epochs:      cfg.Epochs,
		BatchSize:   cfg.BatchSize,
		LR:          cfg.LR,
		WeightDecay: cfg.WeightDecay,
		Seed:        cfg.Seed,
		Dropout:     cfg.Dropout,

		ModelType:              cfg.ModelType,
		SequenceLength:         rep.SequenceLength,
		SequenceLengthStrategy: cfg.Length.Strategy,
		SequenceSupervision:    cfg.SequenceSupervision && cfg.ModelType == dataset.ModelLSTM,

		FeatureMean: tr.Stats.Mean,
		FeatureStd:  tr.Stats.Std,
		Options:     cfg.Norm,

		ClassWeightedLoss: cfg.ClassWeightedLoss,
		ClassWeightMin:    cfg.ClassWeightMin,
		ClassWeightMax:    cfg.ClassWeightMax,
		ClassWeightPower:  cfg.ClassWeightPower,
		ActionWeightBoost: cfg.ActionWeightBoost,
		BaselineMLP:       cfg.BaselineMLP,

		IntentVocab:               vocab.Intents,
		ControlDim:                features.ControlDim,
		ControlKeys:               features.ControlKeys,
		HybridEnabled:             true,
		TemporalContextFeatures:   true,
		ExplicitIntentSupervision: cfg.ExplicitIntentSupervision,

		IntentLossWeight:  cfg.IntentLossWeight,
		ControlLossWeight: cfg.ControlLossWeight,
		GradClipNorm:      cfg.GradClipNorm,

		UseLRScheduler:        cfg.UseLRScheduler,
		LRSchedulerFactor:     cfg.LRSchedulerFactor,
		LRSchedulerPatience:   cfg.LRSchedulerPatience,
		LRSchedulerMinLR:      cfg.LRSchedulerMinLR,
		EarlyStoppingPatience: cfg.EarlyStoppingPatience,

		Device: rep.Device,
	}
	if cfg.ClassWeightedLoss {
		meta.ClassWeights = rep.ClassWeights
	}
	if best := rep.Result.Best; best.Epoch > 0 && !math.IsInf(best.Metric, 0) && !math.IsNaN(best.Metric) {
		loss, epoch := best.Metric, best.Epoch
		meta.BestValLoss, meta.BestEpoch = &loss, &epoch
	}
	return meta
}
