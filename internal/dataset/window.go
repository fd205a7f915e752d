package dataset

import (
	"fmt"
	"math/rand"

	"minecraftfriend.ai/internal/features"
	"minecraftfriend.ai/internal/telemetry/vocab"
)

// Set is a batch of fixed-length samples stored as flat row-major arrays.
//
// X holds N windows of Steps frames of Dim values. Targets hold one step per
// sample, or Steps steps when Dense is set.
type Set struct {
	N     int
	Steps int
	Dim   int
	Dense bool

	X       []float32
	Y       []int32
	Intent  []float32
	Control []float32
}

// T is the number of target steps per sample.
func (s *Set) T() int {
	if s.Dense {
		return s.Steps
	}
	return 1
}

// Window returns sample i as Steps*Dim values. The slice aliases s.X.
func (s *Set) Window(i int) []float32 {
	w := s.Steps * s.Dim
	return s.X[i*w : (i+1)*w]
}

// Labels returns the T action ids of sample i.
func (s *Set) Labels(i int) []int32 {
	t := s.T()
	return s.Y[i*t : (i+1)*t]
}

func (s *Set) Intents(i int) []float32 {
	w := s.T() * vocab.NumIntents
	return s.Intent[i*w : (i+1)*w]
}

func (s *Set) Controls(i int) []float32 {
	w := s.T() * features.ControlDim
	return s.Control[i*w : (i+1)*w]
}

// LastLabel is the action id of the final step of sample i.
func (s *Set) LastLabel(i int) int {
	l := s.Labels(i)
	return int(l[len(l)-1])
}

func newSet(n, steps, dim int, dense bool) *Set {
	t := 1
	if dense {
		t = steps
	}
	return &Set{
		N: n, Steps: steps, Dim: dim, Dense: dense,
		X:       make([]float32, 0, n*steps*dim),
		Y:       make([]int32, 0, n*t),
		Intent:  make([]float32, 0, n*t*vocab.NumIntents),
		Control: make([]float32, 0, n*t*features.ControlDim),
	}
}

func frameDim(f *Frames) int {
	if f.Len() == 0 {
		return features.AugmentedDim
	}
	return len(f.X[0])
}

// Flat returns one single-step sample per frame.
func Flat(f *Frames) *Set {
	s := newSet(f.Len(), 1, frameDim(f), false)
	for i := 0; i < f.Len(); i++ {
		s.appendFrame(f, i, true)
	}
	return s
}

// Windows slides a window of length L (at least 2) over f, yielding
// f.Len()-L+1 samples. With dense set every step carries its own targets;
// otherwise only the last step's targets are kept.
func Windows(f *Frames, L int, dense bool) (*Set, error) {
	L = max(2, L)
	n := f.Len()
	if n < L {
		return nil, fmt.Errorf("%w for sequence_length=%d: found %d", ErrNotEnoughRecords, L, n)
	}
	s := newSet(n-L+1, L, frameDim(f), dense)
	for end := L - 1; end < n; end++ {
		for i := end - L + 1; i <= end; i++ {
			s.X = append(s.X, f.X[i]...)
			if dense {
				s.appendFrame(f, i, false)
			}
		}
		if !dense {
			s.appendFrame(f, end, false)
		}
	}
	return s, nil
}

func (s *Set) appendFrame(f *Frames, i int, withX bool) {
	if withX {
		s.X = append(s.X, f.X[i]...)
	}
	s.Y = append(s.Y, int32(f.Labels[i]))
	s.Intent = append(s.Intent, f.Intents[i]...)
	s.Control = append(s.Control, f.Controls[i]...)
}

// Subset copies the samples at idx, in order, into a new Set.
func (s *Set) Subset(idx []int) *Set {
	out := newSet(len(idx), s.Steps, s.Dim, s.Dense)
	for _, i := range idx {
		out.X = append(out.X, s.Window(i)...)
		out.Y = append(out.Y, s.Labels(i)...)
		out.Intent = append(out.Intent, s.Intents(i)...)
		out.Control = append(out.Control, s.Controls(i)...)
	}
	return out
}

// Shuffle returns a seeded permutation of s.
func (s *Set) Shuffle(seed int64) *Set {
	return s.Subset(rand.New(rand.NewSource(seed)).Perm(s.N))
}

// Split keeps the first 80% (at least one sample) for training. When nothing
// is left for validation the training set doubles as validation.
func (s *Set) Split() (train, val *Set) {
	cut := max(1, int(float64(s.N)*0.8))
	cut = min(cut, s.N)
	idx := make([]int, s.N)
	for i := range idx {
		idx[i] = i
	}
	train = s.Subset(idx[:cut])
	if cut == s.N {
		return train, train
	}
	return train, s.Subset(idx[cut:])
}

// LabelCounts counts every target step's action id.
func (s *Set) LabelCounts() []int {
	counts := make([]int, vocab.NumActions)
	for _, y := range s.Y {
		if int(y) >= 0 && int(y) < len(counts) {
			counts[y]++
		}
	}
	return counts
}

// Bytes is the in-memory size of the sample arrays.
func (s *Set) Bytes() uint64 {
	return 4 * uint64(len(s.X)+len(s.Y)+len(s.Intent)+len(s.Control))
}
