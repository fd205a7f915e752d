package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"minecraftfriend.ai/internal/artifact"
	"minecraftfriend.ai/internal/dataset"
	"minecraftfriend.ai/internal/persistence/indexdb"
	"minecraftfriend.ai/internal/persistence/r2s3"
	"minecraftfriend.ai/internal/training"
)

// boostList collects repeated -action_weight_boost ACTION=mult flags.
type boostList []string

func (b *boostList) String() string { return strings.Join(*b, ",") }

func (b *boostList) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("want ACTION=multiplier, got %q", v)
	}
	*b = append(*b, v)
	return nil
}

func main() {
	cfg := training.Defaults()
	var (
		configPath = flag.String("config", "", "train.yaml path; explicit flags override it")
		dataDir    = flag.String("data", "./data", "runtime data directory (run index)")
		boosts     boostList
	)
	flag.StringVar(&cfg.Dataset, "dataset", cfg.Dataset, "cleaned JSONL dataset")
	flag.StringVar(&cfg.OutDir, "out", cfg.OutDir, "artifact output directory")
	flag.StringVar(&cfg.ModelType, "model_type", cfg.ModelType, "mlp or lstm")
	flag.StringVar(&cfg.Device, "device", cfg.Device, "auto, cpu or cuda")
	flag.BoolVar(&cfg.CacheEnabled, "dataset_cache", cfg.CacheEnabled, "reuse the encoded dataset cache")
	flag.StringVar(&cfg.CacheDir, "dataset_cache_dir", cfg.CacheDir, "dataset cache directory (default: next to the dataset)")

	flag.StringVar(&cfg.Length.Strategy, "sequence_length_strategy", cfg.Length.Strategy, "fixed or adaptive")
	flag.IntVar(&cfg.Length.Requested, "sequence_length", cfg.Length.Requested, "window length (0 picks one from the dataset size)")
	flag.IntVar(&cfg.Length.Min, "sequence_length_min", cfg.Length.Min, "adaptive lower bound")
	flag.IntVar(&cfg.Length.Max, "sequence_length_max", cfg.Length.Max, "adaptive upper bound")
	flag.IntVar(&cfg.Length.MinTrainWindows, "min_train_windows", cfg.Length.MinTrainWindows, "adaptive: shrink the window until this many remain")
	flag.BoolVar(&cfg.SequenceSupervision, "sequence_supervision", cfg.SequenceSupervision, "supervise every step of a window")

	flag.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "training epochs")
	flag.IntVar(&cfg.BatchSize, "batch_size", cfg.BatchSize, "mini-batch size")
	flag.IntVar(&cfg.EvalBatchSize, "eval_batch_size", cfg.EvalBatchSize, "evaluation batch size (default: batch_size)")
	flag.Int64Var(&cfg.Seed, "seed", cfg.Seed, "shuffle and init seed")
	flag.Float64Var(&cfg.LR, "lr", cfg.LR, "learning rate")
	flag.Float64Var(&cfg.WeightDecay, "weight_decay", cfg.WeightDecay, "AdamW weight decay")
	flag.Float64Var(&cfg.Dropout, "dropout", cfg.Dropout, "input dropout")

	flag.BoolVar(&cfg.Norm.Enabled, "normalize_features", cfg.Norm.Enabled, "standardize features")
	flag.Float64Var(&cfg.Norm.MinStd, "min_feature_std", cfg.Norm.MinStd, "std floor")
	flag.Float64Var(&cfg.Norm.Clip, "normalize_clip_value", cfg.Norm.Clip, "clip standardized values (0 disables)")
	flag.BoolVar(&cfg.Norm.PreserveBinary, "normalize_preserve_binary", cfg.Norm.PreserveBinary, "leave 0/1 columns unscaled")
	flag.BoolVar(&cfg.Norm.LogScale, "normalize_log_scale", cfg.Norm.LogScale, "apply a signed log before standardizing")

	flag.BoolVar(&cfg.ClassWeightedLoss, "class_weighted_loss", cfg.ClassWeightedLoss, "weight the action loss by class rarity")
	flag.Float64Var(&cfg.ClassWeightMin, "class_weight_min", cfg.ClassWeightMin, "class weight lower clip")
	flag.Float64Var(&cfg.ClassWeightMax, "class_weight_max", cfg.ClassWeightMax, "class weight upper clip")
	flag.Float64Var(&cfg.ClassWeightPower, "class_weight_power", cfg.ClassWeightPower, "class weight exponent")
	flag.Var(&boosts, "action_weight_boost", "ACTION=multiplier (repeatable)")
	flag.BoolVar(&cfg.OversampleMeaningful, "oversample_meaningful", cfg.OversampleMeaningful, "sample batches by class weight")

	flag.BoolVar(&cfg.IntentBalancedLoss, "intent_balanced_loss", cfg.IntentBalancedLoss, "weight positive intents by rarity")
	flag.Float64Var(&cfg.IntentPosWeightMax, "intent_pos_weight_max", cfg.IntentPosWeightMax, "intent positive weight upper clip")
	flag.BoolVar(&cfg.ExplicitIntentSupervision, "explicit_intent_supervision", cfg.ExplicitIntentSupervision, "train the intent head")
	flag.Float64Var(&cfg.IntentLossWeight, "intent_loss_weight", cfg.IntentLossWeight, "intent head loss weight")
	flag.Float64Var(&cfg.ControlLossWeight, "control_loss_weight", cfg.ControlLossWeight, "control head loss weight")
	flag.Float64Var(&cfg.GradClipNorm, "grad_clip_norm", cfg.GradClipNorm, "gradient norm clip (0 disables)")

	flag.BoolVar(&cfg.UseLRScheduler, "use_lr_scheduler", cfg.UseLRScheduler, "reduce the learning rate on plateau")
	flag.Float64Var(&cfg.LRSchedulerFactor, "lr_scheduler_factor", cfg.LRSchedulerFactor, "plateau factor")
	flag.IntVar(&cfg.LRSchedulerPatience, "lr_scheduler_patience", cfg.LRSchedulerPatience, "plateau patience in epochs")
	flag.Float64Var(&cfg.LRSchedulerMinLR, "lr_scheduler_min_lr", cfg.LRSchedulerMinLR, "plateau learning rate floor")
	flag.IntVar(&cfg.EarlyStoppingPatience, "early_stopping_patience", cfg.EarlyStoppingPatience, "epochs without improvement before stopping (0 disables)")
	flag.Float64Var(&cfg.EarlyStoppingMinDelta, "early_stopping_min_delta", cfg.EarlyStoppingMinDelta, "minimum val loss improvement")
	flag.BoolVar(&cfg.BaselineMLP, "baseline_mlp", cfg.BaselineMLP, "quick single-frame baseline")
	flag.Parse()

	logger := log.New(os.Stdout, "[train] ", log.LstdFlags|log.Lmicroseconds)

	if err := applyConfigFile(flag.CommandLine, *configPath, &cfg, training.LoadConfig); err != nil {
		logger.Fatalf("%v", err)
	}
	if len(boosts) > 0 {
		cfg.ActionWeightBoost = append(cfg.ActionWeightBoost, boosts...)
	}
	if cfg.Dataset == "" {
		cfg.Dataset = flag.Arg(0)
	}
	if cfg.Dataset == "" {
		fmt.Fprintln(os.Stderr, "usage: train [flags] -dataset <clean.jsonl>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "train: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := signalContext()
	defer cancel()

	idx, err := indexdb.Open(indexdb.OptionsFromEnv(*dataDir, "train", logger))
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
	}
	mirror, err := r2s3.MirrorFromEnv(filepath.Dir(filepath.Clean(cfg.OutDir)), logger)
	if err != nil {
		logger.Fatalf("init r2 mirror: %v", err)
	}
	defer mirror.Close()

	cfgJSON, _ := json.Marshal(cfg)
	started := time.Now().UTC()
	runID := uuid.NewString()
	onEpoch := func(m training.EpochMetrics) {
		if idx == nil {
			return
		}
		idx.RecordEpoch(indexdb.Epoch{
			RunID:        runID,
			Epoch:        m.Epoch,
			TrainLoss:    m.Train.Total,
			ValLoss:      m.Val.Total,
			TrainAcc:     m.Train.Acc,
			ValAcc:       m.Val.Acc,
			LR:           m.LR,
			GradNormMean: m.GradNormMean,
			Skipped:      m.SkippedBatches,
		})
	}
	rep, err := training.RunWithID(ctx, runID, cfg, logger, onEpoch)

	run := indexdb.Run{
		RunID:      runID,
		Kind:       indexdb.KindTrain,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		Input:      cfg.Dataset,
		Output:     cfg.OutDir,
		ConfigJSON: string(cfgJSON),
	}
	if rep != nil {
		run.Records = int64(rep.Records)
	}
	if err != nil {
		run.Status, run.Error = indexdb.StatusFailed, err.Error()
	} else {
		run.Status = indexdb.StatusOK
	}
	if idx != nil {
		idx.RecordRun(run)
	}
	if err != nil {
		// Fatalf skips deferred calls; flush the failed run first.
		if idx != nil {
			_ = idx.Close()
		}
		mirror.Close()
		switch {
		case errors.Is(err, dataset.ErrEmpty), errors.Is(err, dataset.ErrNotEnoughRecords):
			logger.Fatalf("dataset %s: %v", cfg.Dataset, err)
		case errors.Is(err, context.Canceled):
			logger.Fatalf("training interrupted")
		default:
			logger.Fatalf("train: %v", err)
		}
	}

	mirror.Enqueue(rep.Saved.Files()...)
	if rep.Saved.ArchiveDir != "" {
		mirror.Enqueue(filepath.Join(rep.Saved.ArchiveDir, "meta.json"))
	}
	printReport(logger, rep)
}

func printReport(logger *log.Logger, rep *training.Report) {
	best := rep.Result.Best
	logger.Printf("run_id=%s records=%s in_features=%d sequence_length=%d device=%s cache_hit=%v",
		rep.RunID, humanize.Comma(int64(rep.Records)), rep.InFeatures, rep.SequenceLength, rep.Device, rep.CacheHit)
	logger.Printf("epochs=%d best_epoch=%d best_val_loss=%.6f stopped_early=%v elapsed=%s",
		len(rep.Result.Epochs), best.Epoch, best.Metric, rep.Result.StoppedEarly, rep.Finished.Sub(rep.Started).Round(time.Millisecond))
	if st, err := os.Stat(rep.Saved.BundlePath); err == nil {
		logger.Printf("bundle=%s size=%s", rep.Saved.BundlePath, humanize.Bytes(uint64(st.Size())))
	}
	if h, err := artifact.ReadHeader(rep.Saved.BundlePath); err == nil {
		logger.Printf("bundle model_type=%s encoding_version=%s created_at=%s", h.ModelType, h.EncodingVersion, h.CreatedAt)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// applyConfigFile loads path into dst and then re-applies every flag that
// was set explicitly on the command line, so flags win over the file.
func applyConfigFile[T any](fs *flag.FlagSet, path string, dst *T, load func(string) (T, error)) error {
	if path == "" {
		return nil
	}
	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) {
		if f.Name != "action_weight_boost" {
			explicit[f.Name] = f.Value.String()
		}
	})
	loaded, err := load(path)
	if err != nil {
		return err
	}
	*dst = loaded
	for name, v := range explicit {
		if err := fs.Set(name, v); err != nil {
			return fmt.Errorf("-%s: %w", name, err)
		}
	}
	return nil
}
