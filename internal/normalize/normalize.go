// Package normalize fits and applies per-dimension feature standardization.
//
// All functions operate in place on flat row-major arrays whose row width is
// the feature dimension.
package normalize

import (
	"errors"
	"fmt"
	"math"
)

const (
	DefaultClip   = 10.0
	DefaultMinStd = 1e-3

	binaryTol = 1e-6
	stdFloor  = 1e-8
)

var ErrDim = errors.New("normalize: dimension mismatch")

// Stats are per-dimension mean and (floored) standard deviation.
type Stats struct {
	Mean []float32 `json:"mean"`
	Std  []float32 `json:"std"`
}

// Identity maps every dimension onto itself.
func Identity(dim int) Stats {
	s := Stats{Mean: make([]float32, dim), Std: make([]float32, dim)}
	for i := range s.Std {
		s.Std[i] = 1
	}
	return s
}

func (s Stats) Dim() int { return len(s.Mean) }

func (s Stats) Validate(dim int) error {
	if len(s.Mean) != dim || len(s.Std) != dim {
		return fmt.Errorf("feature stats have %d/%d dims, want %d", len(s.Mean), len(s.Std), dim)
	}
	return nil
}

// Sanitize replaces NaN and infinities with zero.
func Sanitize(x []float32) {
	for i, v := range x {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			x[i] = 0
		}
	}
}

// LogScale applies sign(x)*log1p(|x|).
func LogScale(x []float32) {
	for i, v := range x {
		f := float64(v)
		x[i] = float32(math.Copysign(math.Log1p(math.Abs(f)), f))
	}
}

// BinaryMask marks the dimensions whose every value is 0 or 1 within 1e-6.
func BinaryMask(x []float32, dim int) []bool {
	mask := make([]bool, dim)
	for i := range mask {
		mask[i] = true
	}
	for off := 0; off+dim <= len(x); off += dim {
		for d, v := range x[off : off+dim] {
			if !mask[d] {
				continue
			}
			f := float64(v)
			if math.Abs(f) > binaryTol && math.Abs(f-1) > binaryTol {
				mask[d] = false
			}
		}
	}
	return mask
}

// Compute returns the population mean and std of each dimension, with std
// floored at minStd. When preserveBinary is set, 0/1 dimensions get mean 0
// and std 1.
func Compute(x []float32, dim int, minStd float64, preserveBinary bool) Stats {
	rows := len(x) / dim
	sum := make([]float64, dim)
	for off := 0; off+dim <= len(x); off += dim {
		for d, v := range x[off : off+dim] {
			sum[d] += float64(v)
		}
	}
	mean := make([]float64, dim)
	for d := range mean {
		mean[d] = sum[d] / float64(max(1, rows))
	}
	sq := make([]float64, dim)
	for off := 0; off+dim <= len(x); off += dim {
		for d, v := range x[off : off+dim] {
			dv := float64(v) - mean[d]
			sq[d] += dv * dv
		}
	}

	s := Stats{Mean: make([]float32, dim), Std: make([]float32, dim)}
	for d := 0; d < dim; d++ {
		s.Mean[d] = float32(mean[d])
		s.Std[d] = float32(math.Max(math.Sqrt(sq[d]/float64(max(1, rows))), minStd))
	}
	if preserveBinary {
		for d, bin := range BinaryMask(x, dim) {
			if bin {
				s.Mean[d], s.Std[d] = 0, 1
			}
		}
	}
	return s
}

// Apply standardizes x in place, then clips to ±clip when clip > 0. x must
// hold whole rows of s.Dim() values.
func (s Stats) Apply(x []float32, clip float64) error {
	dim := s.Dim()
	if dim == 0 || len(s.Std) != dim || len(x)%dim != 0 {
		return fmt.Errorf("%w: %d values against stats with %d/%d dims", ErrDim, len(x), len(s.Mean), len(s.Std))
	}
	s.apply(x, clip)
	return nil
}

func (s Stats) apply(x []float32, clip float64) {
	dim := s.Dim()
	if dim == 0 {
		return
	}
	for off := 0; off+dim <= len(x); off += dim {
		row := x[off : off+dim]
		for d, v := range row {
			z := (float64(v) - float64(s.Mean[d])) / math.Max(float64(s.Std[d]), stdFloor)
			if clip > 0 {
				z = math.Max(-clip, math.Min(clip, z))
			}
			row[d] = float32(z)
		}
	}
}
