package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"minecraftfriend.ai/internal/cleaning"
	"minecraftfriend.ai/internal/persistence/indexdb"
	persistlog "minecraftfriend.ai/internal/persistence/log"
	"minecraftfriend.ai/internal/persistence/r2s3"
)

func main() {
	cfg := cleaning.Defaults()
	var (
		configPath = flag.String("config", "", "clean.yaml path; explicit flags override it")
		input      = flag.String("input", "", "raw telemetry JSONL (.jsonl or .jsonl.zst); may also be the first argument")
		output     = flag.String("output", "", "cleaned output path (default: <input stem>.clean.jsonl)")
		dataDir    = flag.String("data", "./data", "runtime data directory (run index, reject logs)")
		logRejects = flag.Bool("log_rejects", false, "write every rejected line to <data>/rejects")
	)
	flag.BoolVar(&cfg.ObserverOnly, "observer_only", cfg.ObserverOnly, "keep only observer-sourced records")
	flag.Float64Var(&cfg.MaxStateObserverDelta, "max_state_observer_delta", cfg.MaxStateObserverDelta, "max state/observer position disagreement")
	flag.Int64Var(&cfg.MinSampleMS, "min_sample_ms", cfg.MinSampleMS, "min gap between kept records of the same label")
	flag.Int64Var(&cfg.MinIdleSampleMS, "min_idle_sample_ms", cfg.MinIdleSampleMS, "min gap between kept idle records")
	flag.Float64Var(&cfg.MinMoveDistance, "min_move_distance", cfg.MinMoveDistance, "min horizontal move between move-like records")
	flag.BoolVar(&cfg.RemapObserverActions, "remap_observer_actions", cfg.RemapObserverActions, "map OBSERVER_* labels onto the action vocabulary")
	flag.BoolVar(&cfg.RemoveChat, "remove_chat", cfg.RemoveChat, "strip chat text from kept states")
	flag.BoolVar(&cfg.DropAbsolutePosition, "drop_absolute_position", cfg.DropAbsolutePosition, "strip absolute positions from kept states")
	flag.BoolVar(&cfg.OnlySuccessfulActions, "only_successful_actions", cfg.OnlySuccessfulActions, "drop records whose action failed")
	flag.BoolVar(&cfg.DropFallbackSources, "drop_fallback_sources", cfg.DropFallbackSources, "drop fallback-policy records")
	flag.BoolVar(&cfg.DropStateOnlySources, "drop_state_only_sources", cfg.DropStateOnlySources, "drop state-only records")
	flag.BoolVar(&cfg.DropIdleActions, "drop_idle_actions", cfg.DropIdleActions, "drop IDLE records")
	flag.BoolVar(&cfg.StateChangeOnly, "state_change_only", cfg.StateChangeOnly, "drop records whose state did not change")
	flag.Float64Var(&cfg.MinStateChangePos, "min_state_change_pos", cfg.MinStateChangePos, "state change threshold: position")
	flag.Float64Var(&cfg.MinStateChangeVel, "min_state_change_vel", cfg.MinStateChangeVel, "state change threshold: velocity")
	flag.Float64Var(&cfg.MinStateChangeYawPitch, "min_state_change_yaw_pitch", cfg.MinStateChangeYawPitch, "state change threshold: yaw/pitch")
	flag.Parse()

	logger := log.New(os.Stdout, "[clean] ", log.LstdFlags|log.Lmicroseconds)

	if *input == "" {
		*input = flag.Arg(0)
	}
	if *input == "" {
		fmt.Fprintln(os.Stderr, "usage: clean [flags] -input <telemetry.jsonl>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	if err := applyConfigFile(flag.CommandLine, *configPath, &cfg, cleaning.LoadConfig); err != nil {
		logger.Fatalf("%v", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "clean: %v\n", err)
		os.Exit(2)
	}

	idx, err := indexdb.Open(indexdb.OptionsFromEnv(*dataDir, "clean", logger))
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
	}
	mirror, err := r2s3.MirrorFromEnv(*dataDir, logger)
	if err != nil {
		logger.Fatalf("init r2 mirror: %v", err)
	}
	defer mirror.Close()

	var rejects *persistlog.CleanRejectLogger
	var onReject cleaning.RejectFunc
	if *logRejects {
		rejects = persistlog.NewCleanRejectLogger(filepath.Join(*dataDir, "rejects"), persistlog.LoggerOptions{OnClose: func(p string) { mirror.Enqueue(p) }})
		onReject = func(lineNo int, reason cleaning.Reason) {
			if err := rejects.WriteReject(persistlog.CleanReject{Line: lineNo, Reason: string(reason)}); err != nil {
				logger.Printf("reject log: %v", err)
			}
		}
	}

	cfgJSON, _ := json.Marshal(cfg)
	run := indexdb.Run{
		RunID:      uuid.NewString(),
		Kind:       indexdb.KindClean,
		Status:     indexdb.StatusRunning,
		StartedAt:  time.Now().UTC(),
		Input:      *input,
		Output:     *output,
		ConfigJSON: string(cfgJSON),
	}
	if idx != nil {
		idx.RecordRun(run)
	}

	outPath, stats, err := cleaning.RunFile(*input, *output, cfg, onReject)
	if rejects != nil {
		if cerr := rejects.Close(); cerr != nil {
			logger.Printf("reject log close: %v", cerr)
		}
	}
	run.Output = outPath
	run.FinishedAt = time.Now().UTC()
	run.Records = stats.Kept
	if err != nil {
		run.Status, run.Error = indexdb.StatusFailed, err.Error()
	} else {
		run.Status = indexdb.StatusOK
	}
	if idx != nil {
		idx.RecordRun(run)
		idx.RecordCleanStats(run.RunID, stats.Counters())
	}
	if err != nil {
		if idx != nil {
			_ = idx.Close()
		}
		mirror.Close()
		logger.Fatalf("clean %s: %v", *input, err)
	}

	size := ""
	if st, err := os.Stat(outPath); err == nil {
		size = humanize.Bytes(uint64(st.Size()))
	}
	logger.Printf("run_id=%s output=%s size=%s total=%s kept=%s", run.RunID, outPath, size,
		humanize.Comma(stats.Total), humanize.Comma(stats.Kept))
	b, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(b))
}

// applyConfigFile loads path into dst and then re-applies every flag that
// was set explicitly on the command line, so flags win over the file.
func applyConfigFile[T any](fs *flag.FlagSet, path string, dst *T, load func(string) (T, error)) error {
	if path == "" {
		return nil
	}
	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })
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
