package training

import (
	"encoding/json"
	"log"
	"strconv"
	"strings"

	"minecraftfriend.ai/internal/telemetry/vocab"
)

// DominantShareWarn is the label share above which the class-imbalance
// warning is logged.
const DominantShareWarn = 0.70

// ResolveDevice maps the requested device onto what this process can run.
// The in-process backend computes on the CPU, so cuda falls back with a
// warning.
func ResolveDevice(requested string, logger *log.Logger) string {
	switch strings.ToLower(strings.TrimSpace(requested)) {
	case DeviceCUDA:
		printf(logger, "warning=device cuda requested but unavailable, falling back to cpu")
		return DeviceCPU
	default:
		return DeviceCPU
	}
}

// LabelDistribution maps every action name to its count.
func LabelDistribution(counts []int) map[string]int {
	out := make(map[string]int, len(counts))
	for id, c := range counts {
		out[vocab.ActionName(id)] = c
	}
	return out
}

// Dominant returns the most frequent label id and its share.
func Dominant(counts []int) (int, float64) {
	best, total := 0, 0
	for id, c := range counts {
		total += c
		if c > counts[best] {
			best = id
		}
	}
	if len(counts) == 0 {
		return 0, 0
	}
	return best, float64(counts[best]) / float64(max(1, total))
}

func logSummary(logger *log.Logger, cfg Config, records, inFeatures int, counts []int) {
	printf(logger, "dataset_records=%d in_features=%d model_type=%s normalize=%t class_weighted_loss=%t dropout=%g sequence_supervision=%t intent_loss_weight=%g control_loss_weight=%g",
		records, inFeatures, cfg.ModelType, cfg.Norm.Enabled, cfg.ClassWeightedLoss, cfg.Dropout,
		cfg.SequenceSupervision, cfg.IntentLossWeight, cfg.ControlLossWeight)

	var b strings.Builder
	b.WriteByte('{')
	for id, c := range counts {
		if id > 0 {
			b.WriteString(", ")
		}
		name, _ := json.Marshal(vocab.ActionName(id))
		b.Write(name)
		b.WriteString(": ")
		b.WriteString(strconv.Itoa(c))
	}
	b.WriteByte('}')
	printf(logger, "label_distribution=%s", b.String())

	id, share := Dominant(counts)
	printf(logger, "dominant_label=%s dominant_ratio=%.3f", vocab.ActionName(id), share)
	if share > DominantShareWarn {
		printf(logger, "warning=class_imbalance dominant label exceeds 70%%")
	}
}
