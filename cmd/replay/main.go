package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"minecraftfriend.ai/internal/persistence/jsonl"
	"minecraftfriend.ai/internal/protocol"
	"minecraftfriend.ai/internal/serving"
	"minecraftfriend.ai/internal/telemetry/state"
	"minecraftfriend.ai/internal/telemetry/vocab"
)

// row is the part of a cleaned (or raw) telemetry line the replay needs.
type row struct {
	Timestamp json.RawMessage `json:"timestamp"`
	State     json.RawMessage `json:"state"`
	Action    state.Action    `json:"action"`
}

type report struct {
	RunID          string         `json:"run_id"`
	ModelType      string         `json:"model_type"`
	SequenceLength int            `json:"sequence_length"`
	Rows           int            `json:"rows"`
	Skipped        int            `json:"skipped"`
	Served         float64        `json:"served_accuracy"`
	Raw            float64        `json:"raw_accuracy"`
	InertiaHolds   int            `json:"inertia_holds"`
	MeanLatencyUS  float64        `json:"mean_latency_us"`
	Confusions     map[string]int `json:"top_confusions"`
}

func main() {
	var (
		modelPath   = flag.String("model", "models", "artifact directory or bundle file")
		datasetPath = flag.String("dataset", "", "cleaned JSONL (.jsonl or .jsonl.zst)")
		agentID     = flag.String("agent", "replay", "agent id the rows are replayed as")
		temperature = flag.Float64("temperature", 0, "sampling temperature (0 = greedy)")
		inertia     = flag.Float64("inertia_threshold", serving.Defaults().InertiaThreshold, "inertia threshold")
		seed        = flag.Int64("seed", 1, "sampling seed")
		limit       = flag.Int("limit", 0, "stop after this many rows (0 = all)")
		asJSON      = flag.Bool("json", false, "print the report as JSON")
	)
	flag.Parse()

	if *datasetPath == "" {
		*datasetPath = flag.Arg(0)
	}
	if *datasetPath == "" {
		fmt.Fprintln(os.Stderr, "missing -dataset")
		os.Exit(2)
	}

	pol, err := serving.LoadPolicy(*modelPath, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, "load model:", err)
		os.Exit(1)
	}
	defer pol.Close()

	cfg := serving.Defaults()
	cfg.DefaultTemperature = *temperature
	cfg.InertiaThreshold = *inertia
	cfg.Seed = *seed
	cfg.Normalize()
	p := serving.NewPredictor(cfg, serving.NewSessionStore(0, 1, 0))

	in, err := jsonl.Open(*datasetPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open dataset:", err)
		os.Exit(1)
	}
	defer in.Close()

	rep := report{RunID: pol.Meta.RunID, ModelType: pol.Meta.ModelType, SequenceLength: pol.Steps()}
	var served, raw int
	var latency time.Duration
	confusions := map[string]int{}
	ctx := context.Background()
	temp, _ := json.Marshal(*temperature)

	errStop := errors.New("limit reached")
	err = jsonl.Each(in, func(lineNo int, line []byte) error {
		if *limit > 0 && rep.Rows >= *limit {
			return errStop
		}
		var r row
		if err := json.Unmarshal(line, &r); err != nil || len(r.State) == 0 {
			rep.Skipped++
			return nil
		}
		label := vocab.NormalizeLabel(r.Action.RawLabel(), r.Action.Metadata)
		if _, ok := vocab.ActionID(label); !ok {
			rep.Skipped++
			return nil
		}
		d, err := p.Predict(ctx, pol, protocol.PredictRequest{
			State:       r.State,
			AgentID:     *agentID,
			Timestamp:   r.Timestamp,
			Temperature: temp,
		})
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		rep.Rows++
		latency += d.Latency
		if d.InertiaHold {
			rep.InertiaHolds++
		}
		if d.Response.Action == label {
			served++
		}
		if d.Selected == label {
			raw++
		} else {
			confusions[label+"->"+d.Selected]++
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	if rep.Rows == 0 {
		fmt.Fprintln(os.Stderr, "no usable rows in", *datasetPath)
		os.Exit(1)
	}
	rep.Served = float64(served) / float64(rep.Rows)
	rep.Raw = float64(raw) / float64(rep.Rows)
	rep.MeanLatencyUS = float64(latency.Microseconds()) / float64(rep.Rows)
	rep.Confusions = topN(confusions, 10)

	if *asJSON {
		b, _ := json.MarshalIndent(rep, "", "  ")
		fmt.Println(string(b))
		return
	}
	fmt.Printf("model run_id=%s type=%s sequence_length=%d\n", rep.RunID, rep.ModelType, rep.SequenceLength)
	fmt.Printf("rows=%s skipped=%s inertia_holds=%s mean_latency=%.1fus\n",
		humanize.Comma(int64(rep.Rows)), humanize.Comma(int64(rep.Skipped)), humanize.Comma(int64(rep.InertiaHolds)), rep.MeanLatencyUS)
	fmt.Printf("served_accuracy=%.4f raw_accuracy=%.4f\n", rep.Served, rep.Raw)
	keys := make([]string, 0, len(rep.Confusions))
	for k := range rep.Confusions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return rep.Confusions[keys[i]] > rep.Confusions[keys[j]] })
	for _, k := range keys {
		fmt.Printf("  %-32s %d\n", strings.ReplaceAll(k, "->", " -> "), rep.Confusions[k])
	}
}

func topN(m map[string]int, n int) map[string]int {
	type kv struct {
		k string
		v int
	}
	all := make([]kv, 0, len(m))
	for k, v := range m {
		all = append(all, kv{k, v})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].v == all[j].v {
			return all[i].k < all[j].k
		}
		return all[i].v > all[j].v
	})
	out := make(map[string]int, n)
	for i := 0; i < len(all) && i < n; i++ {
		out[all[i].k] = all[i].v
	}
	return out
}
