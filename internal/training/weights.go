package training

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"minecraftfriend.ai/internal/telemetry/vocab"
)

// StableClassWeights weighs each observed class by
// (median observed frequency / its frequency)^power, clips to [lo, hi] and
// rescales to mean 1. Unobserved classes start at 1.
func StableClassWeights(counts []int, lo, hi, power float64) []float32 {
	total := 0
	for _, c := range counts {
		total += c
	}
	freq := make([]float64, len(counts))
	var observed []float64
	for i, c := range counts {
		freq[i] = float64(c) / float64(max(1, total))
		if c > 0 {
			observed = append(observed, freq[i])
		}
	}

	w := make([]float64, len(counts))
	for i := range w {
		w[i] = 1
	}
	if len(observed) > 0 {
		ref := math.Max(median(observed), 1e-8)
		p := math.Max(0, power)
		for i, c := range counts {
			if c > 0 {
				w[i] = math.Pow(ref/math.Max(freq[i], 1e-8), p)
			}
		}
	}
	return clipAndRescale(w, lo, hi)
}

// ParseBoosts reads repeatable ACTION=multiplier entries. Unknown actions
// and unparsable values are skipped; multipliers are floored at 0.1.
func ParseBoosts(entries []string) map[int]float64 {
	boosts := make(map[int]float64)
	for _, e := range entries {
		key, value, ok := strings.Cut(strings.TrimSpace(e), "=")
		if !ok {
			continue
		}
		id, ok := vocab.ActionID(strings.ToUpper(strings.TrimSpace(key)))
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || math.IsNaN(f) {
			continue
		}
		boosts[id] = math.Max(0.1, f)
	}
	return boosts
}

// ClassWeights is StableClassWeights followed by the boosts of observed
// classes, clipped and rescaled again.
func ClassWeights(counts []int, cfg Config) []float32 {
	base := StableClassWeights(counts, cfg.ClassWeightMin, cfg.ClassWeightMax, cfg.ClassWeightPower)
	w := make([]float64, len(base))
	for i, v := range base {
		w[i] = float64(v)
	}
	for id, mult := range ParseBoosts(cfg.ActionWeightBoost) {
		if id < len(counts) && counts[id] > 0 {
			w[id] *= mult
		}
	}
	return clipAndRescale(w, cfg.ClassWeightMin, cfg.ClassWeightMax)
}

// IntentPosWeight is neg/pos per intent column, clipped to [1, hi], with
// both counts floored at 1.
func IntentPosWeight(intents []float32, numIntents int, hi float64) []float32 {
	rows := len(intents) / max(1, numIntents)
	pos := make([]float64, numIntents)
	for r := 0; r < rows; r++ {
		for i := 0; i < numIntents; i++ {
			pos[i] += float64(intents[r*numIntents+i])
		}
	}
	out := make([]float32, numIntents)
	for i, p := range pos {
		p = math.Max(1, p)
		neg := math.Max(1, float64(rows)-p)
		out[i] = float32(math.Min(hi, math.Max(1, neg/p)))
	}
	return out
}

func clipAndRescale(w []float64, lo, hi float64) []float32 {
	sum := 0.0
	for i, v := range w {
		w[i] = math.Min(hi, math.Max(lo, v))
		sum += w[i]
	}
	mean := math.Max(1e-8, sum/float64(max(1, len(w))))
	out := make([]float32, len(w))
	for i, v := range w {
		out[i] = float32(v / mean)
	}
	return out
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
