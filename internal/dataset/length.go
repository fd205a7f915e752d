package dataset

import "strings"

const (
	StrategyAdaptive = "adaptive"
	StrategyFixed    = "fixed"
)

// LengthPolicy selects the training sequence length.
type LengthPolicy struct {
	Strategy        string `yaml:"sequence_length_strategy"`
	Requested       int    `yaml:"sequence_length"`
	Min             int    `yaml:"sequence_length_min"`
	Max             int    `yaml:"sequence_length_max"`
	MinTrainWindows int    `yaml:"min_train_windows"`
}

func DefaultLengthPolicy() LengthPolicy {
	return LengthPolicy{
		Strategy:        StrategyAdaptive,
		Requested:       0,
		Min:             8,
		Max:             64,
		MinTrainWindows: 512,
	}
}

// SuggestLength picks a window length from the dataset row count.
func SuggestLength(rows int) int {
	switch {
	case rows < 2000:
		return 16
	case rows < 10000:
		return 24
	}
	return 32
}

// Fixed reports whether the policy skips row-count based adjustment.
func (p LengthPolicy) Fixed() bool {
	return strings.EqualFold(strings.TrimSpace(p.Strategy), StrategyFixed)
}

// Resolve returns the effective length for a dataset of rows records. A
// non-positive Requested asks for the row-count suggestion. The fixed
// strategy only clamps into [Min,Max]; adaptive additionally keeps at least
// MinTrainWindows windows available.
func (p LengthPolicy) Resolve(rows int) int {
	lo := max(2, p.Min)
	hi := max(lo, p.Max)
	want := p.Requested
	if want <= 0 && !p.Fixed() {
		want = SuggestLength(rows)
	}
	want = max(2, want)
	l := min(max(want, lo), hi)
	if p.Fixed() {
		return l
	}
	l = min(l, max(2, rows-max(1, p.MinTrainWindows)))
	return max(2, l)
}
