package features

import (
	"minecraftfriend.ai/internal/telemetry/geom"
	"minecraftfriend.ai/internal/telemetry/vocab"
)

// TemporalDeltaClip bounds each component of the frame-to-frame delta.
const TemporalDeltaClip = 5.0

// AugmentedDim is the width of an Augment result for a Dim-length base.
const AugmentedDim = 2*Dim + vocab.NumActions

// NoAction marks a missing previous action.
const NoAction = -1

// Augment appends the clipped delta against prev and a one-hot of the
// previous action id to cur. A nil prev yields a zero delta; an id outside
// the vocabulary yields an all-zero one-hot.
func Augment(cur, prev []float32, prevAction int) []float32 {
	out := make([]float32, 0, 2*len(cur)+vocab.NumActions)
	out = append(out, cur...)
	for i, x := range cur {
		var d float64
		if prev != nil && i < len(prev) {
			d = geom.Clip(float64(x)-float64(prev[i]), -TemporalDeltaClip, TemporalDeltaClip)
		}
		out = append(out, float32(d))
	}
	var onehot [vocab.NumActions]float32
	if prevAction >= 0 && prevAction < vocab.NumActions {
		onehot[prevAction] = 1
	}
	return append(out, onehot[:]...)
}

// AugmentStream augments an ordered run of frames, using each frame's
// predecessor and the predecessor's label.
func AugmentStream(frames [][]float32, labels []int) [][]float32 {
	out := make([][]float32, len(frames))
	var prev []float32
	prevAction := NoAction
	for i, f := range frames {
		out[i] = Augment(f, prev, prevAction)
		prev = f
		prevAction = NoAction
		if i < len(labels) {
			prevAction = labels[i]
		}
	}
	return out
}
