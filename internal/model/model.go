// Package model defines the boundary between the pipeline and whatever
// network produces action, intent and control outputs.
package model

import (
	"context"
	"math"
)

// Output is what a backend returns for one input window. It is either
// Legacy (action logits only) or Hybrid.
type Output interface {
	ActionLogits() []float32
	isOutput()
}

// Legacy is the output of single-head models.
type Legacy struct {
	Action []float32
}

// Hybrid carries all three heads.
type Hybrid struct {
	Action  []float32
	Intent  []float32
	Control []float32
}

func (o Legacy) ActionLogits() []float32 { return o.Action }
func (o Hybrid) ActionLogits() []float32 { return o.Action }

func (Legacy) isOutput() {}
func (Hybrid) isOutput() {}

// Model predicts from one normalized window of Steps x InFeatures values,
// oldest step first.
type Model interface {
	Predict(ctx context.Context, window []float32) (Output, error)
}

// Batch is a slice of training samples. X holds N windows of T steps of Dim
// values. Labels hold one id per window, or T per window when Dense.
type Batch struct {
	N, T, Dim int
	Dense     bool
	X         []float32
	Labels    []int32
	Intent    []float32
	Control   []float32
}

// Targets returns how many supervised positions each window carries.
func (b Batch) Targets() int {
	if b.Dense {
		return b.T
	}
	return 1
}

// Objective weighs the three heads. A nil ClassWeights or IntentPosWeight
// means unweighted.
type Objective struct {
	ClassWeights    []float32
	IntentPosWeight []float32
	// IntentWeight is zero when intents are not explicitly supervised.
	IntentWeight   float64
	ControlWeight  float64
	ExplicitIntent bool
}

// Losses are batch means.
type Losses struct {
	Total     float64
	Action    float64
	Intent    float64
	Control   float64
	Acc       float64
	IntentAcc float64
}

func (l Losses) Finite() bool {
	return !math.IsNaN(l.Total) && !math.IsInf(l.Total, 0)
}

// Softmax returns the probabilities of logits/temperature.
func Softmax(logits []float32, temperature float64) []float64 {
	if temperature <= 0 {
		temperature = 1
	}
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	hi := math.Inf(-1)
	for _, v := range logits {
		hi = math.Max(hi, float64(v)/temperature)
	}
	sum := 0.0
	for i, v := range logits {
		out[i] = math.Exp(float64(v)/temperature - hi)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Argmax returns the first index of the largest value, or -1 when empty.
func Argmax(v []float32) int {
	best := -1
	for i, x := range v {
		if best < 0 || x > v[best] {
			best = i
		}
	}
	return best
}
