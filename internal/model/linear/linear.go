// Package linear is the in-process model backend: three linear heads over a
// pooled window representation, trained with AdamW.
//
// A window of T steps is pooled into [x_t | mean(x_0..x_t)] at the position
// being predicted, so the same weights serve single frames, last-step
// supervision and dense per-step supervision.
package linear

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"minecraftfriend.ai/internal/model"
)

const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-8

	maxDropout = 0.8
)

const (
	headAction = iota
	headIntent
	headControl
	numHeads
)

// Config fixes the shape of a model. It is persisted alongside the weights.
type Config struct {
	InFeatures  int     `json:"in_features"`
	Steps       int     `json:"sequence_length"`
	Actions     int     `json:"num_actions"`
	Intents     int     `json:"num_intents"`
	ControlDim  int     `json:"control_dim"`
	Hybrid      bool    `json:"hybrid_enabled"`
	Dropout     float64 `json:"dropout"`
	WeightDecay float64 `json:"weight_decay"`
	Seed        int64   `json:"seed"`
}

// Params is the serializable state of a Model.
type Params struct {
	Config  Config
	Weights []float64
}

type head struct {
	off, out int
}

// Model implements model.Model for serving and the training loop's Trainer
// for fitting.
type Model struct {
	cfg   Config
	in    int
	heads [numHeads]head

	w, g, m, v []float64
	t          int
	rng        *rand.Rand
}

var ErrShape = errors.New("linear: input shape mismatch")

func New(cfg Config) (*Model, error) {
	if cfg.InFeatures <= 0 || cfg.Actions <= 0 {
		return nil, fmt.Errorf("linear: invalid shape in_features=%d actions=%d", cfg.InFeatures, cfg.Actions)
	}
	if cfg.Intents < 0 || cfg.ControlDim < 0 {
		return nil, fmt.Errorf("linear: invalid head sizes intents=%d control=%d", cfg.Intents, cfg.ControlDim)
	}
	cfg.Steps = max(1, cfg.Steps)
	cfg.Dropout = math.Min(maxDropout, math.Max(0, cfg.Dropout))
	m := &Model{cfg: cfg, in: 2 * cfg.InFeatures, rng: rand.New(rand.NewSource(cfg.Seed))}
	off := 0
	for i, out := range [numHeads]int{cfg.Actions, cfg.Intents, cfg.ControlDim} {
		m.heads[i] = head{off: off, out: out}
		off += out * (m.in + 1)
	}
	m.w = make([]float64, off)
	m.g = make([]float64, off)
	m.m = make([]float64, off)
	m.v = make([]float64, off)

	bound := 1 / math.Sqrt(float64(m.in))
	for i := range m.w {
		m.w[i] = (2*m.rng.Float64() - 1) * bound
	}
	return m, nil
}

// FromParams rebuilds a model from persisted state.
func FromParams(p Params) (*Model, error) {
	m, err := New(p.Config)
	if err != nil {
		return nil, err
	}
	if err := m.Restore(p.Weights); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) Config() Config { return m.cfg }

func (m *Model) Params() Params {
	return Params{Config: m.cfg, Weights: m.Snapshot()}
}

// Snapshot copies the current weights.
func (m *Model) Snapshot() []float64 {
	return append([]float64(nil), m.w...)
}

func (m *Model) Restore(w []float64) error {
	if len(w) != len(m.w) {
		return fmt.Errorf("linear: restore %d weights into model of %d", len(w), len(m.w))
	}
	copy(m.w, w)
	return nil
}

// Predict pools the whole window at its last step. Windows of any whole
// number of steps are accepted.
func (m *Model) Predict(ctx context.Context, window []float32) (model.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := m.cfg.InFeatures
	if len(window) == 0 || len(window)%d != 0 {
		return nil, fmt.Errorf("%w: got %d values for in_features=%d", ErrShape, len(window), d)
	}
	steps := len(window) / d
	h := make([]float64, m.in)
	sum := make([]float64, d)
	for t := 0; t < steps; t++ {
		pool(h, sum, window[t*d:(t+1)*d], t)
	}
	outs := m.forward(h)
	action := toFloat32(outs[headAction])
	if !m.cfg.Hybrid {
		return model.Legacy{Action: action}, nil
	}
	return model.Hybrid{
		Action:  action,
		Intent:  toFloat32(outs[headIntent]),
		Control: toFloat32(outs[headControl]),
	}, nil
}

// pool folds step t (0-based) into the running sum and writes
// [x_t | mean(x_0..x_t)] into h.
func pool(h, sum []float64, x []float32, t int) {
	d := len(x)
	inv := 1 / float64(t+1)
	for j, v := range x {
		sum[j] += float64(v)
		h[j] = float64(v)
		h[d+j] = sum[j] * inv
	}
}

func (m *Model) forward(h []float64) [numHeads][]float64 {
	var outs [numHeads][]float64
	for k, hd := range m.heads {
		z := make([]float64, hd.out)
		for o := 0; o < hd.out; o++ {
			row := m.w[hd.off+o*m.in : hd.off+(o+1)*m.in]
			acc := m.w[hd.off+hd.out*m.in+o]
			for j, hv := range h {
				acc += row[j] * hv
			}
			z[o] = acc
		}
		outs[k] = z
	}
	return outs
}

func (m *Model) backward(k int, h, dz []float64) {
	hd := m.heads[k]
	for o, d := range dz {
		if d == 0 {
			continue
		}
		row := m.g[hd.off+o*m.in : hd.off+(o+1)*m.in]
		for j, hv := range h {
			row[j] += d * hv
		}
		m.g[hd.off+hd.out*m.in+o] += d
	}
}

func (m *Model) scaleGrad(k int, s float64) {
	hd := m.heads[k]
	region := m.g[hd.off : hd.off+hd.out*(m.in+1)]
	for i := range region {
		region[i] *= s
	}
}

// Loss computes the weighted multi-head loss over b. With train set it also
// applies dropout and leaves the gradients of the returned total in place
// for ClipGradNorm and Step.
func (m *Model) Loss(b model.Batch, obj model.Objective, train bool) model.Losses {
	d := m.cfg.InFeatures
	if train {
		clear(m.g)
	}
	if b.N == 0 || b.Dim != d {
		return model.Losses{Total: math.NaN()}
	}
	nI, nC := m.cfg.Intents, m.cfg.ControlDim
	intentOn := obj.ExplicitIntent && m.cfg.Hybrid && nI > 0
	controlOn := m.cfg.Hybrid && nC > 0
	keep := 1 - m.cfg.Dropout

	var (
		ceSum, wSum, bceSum, slSum float64
		correct, intentCorrect     int
		positions                  int
	)
	h := make([]float64, m.in)
	sum := make([]float64, d)
	dz := make([]float64, max(m.cfg.Actions, nI, nC))

	for n := 0; n < b.N; n++ {
		clear(sum)
		win := b.X[n*b.T*d : (n+1)*b.T*d]
		for t := 0; t < b.T; t++ {
			pool(h, sum, win[t*d:(t+1)*d], t)
			var target int
			switch {
			case b.Dense:
				target = n*b.T + t
			case t == b.T-1:
				target = n
			default:
				continue
			}
			positions++
			hx := h
			if train && keep < 1 {
				hx = make([]float64, m.in)
				for j, v := range h {
					if m.rng.Float64() < keep {
						hx[j] = v / keep
					}
				}
			}
			outs := m.forward(hx)

			y := int(b.Labels[target])
			wy := 1.0
			if obj.ClassWeights != nil && y >= 0 && y < len(obj.ClassWeights) {
				wy = float64(obj.ClassWeights[y])
			}
			probs := softmax(outs[headAction])
			if y >= 0 && y < len(probs) {
				ceSum += -wy * math.Log(math.Max(probs[y], 1e-300))
			}
			wSum += wy
			if argmax(outs[headAction]) == y {
				correct++
			}
			if train {
				g := dz[:len(probs)]
				for i, p := range probs {
					g[i] = wy * p
				}
				if y >= 0 && y < len(g) {
					g[y] -= wy
				}
				m.backward(headAction, hx, g)
			}

			if intentOn {
				g := dz[:nI]
				for i, z := range outs[headIntent] {
					yi := float64(b.Intent[target*nI+i])
					pw := 1.0
					if obj.IntentPosWeight != nil {
						pw = float64(obj.IntentPosWeight[i])
					}
					bceSum += pw*yi*softplus(-z) + (1-yi)*softplus(z)
					s := model.Sigmoid(z)
					if (s >= 0.5) == (yi >= 0.5) {
						intentCorrect++
					}
					g[i] = s*(pw*yi+1-yi) - pw*yi
				}
				if train {
					m.backward(headIntent, hx, g)
				}
			}

			if controlOn {
				g := dz[:nC]
				for i, p := range outs[headControl] {
					diff := p - float64(b.Control[target*nC+i])
					if math.Abs(diff) < 1 {
						slSum += 0.5 * diff * diff
						g[i] = diff
					} else {
						slSum += math.Abs(diff) - 0.5
						g[i] = math.Copysign(1, diff)
					}
				}
				if train {
					m.backward(headControl, hx, g)
				}
			}
		}
	}

	var l model.Losses
	if wSum > 0 {
		l.Action = ceSum / wSum
	}
	p := float64(max(1, positions))
	l.Acc = float64(correct) / p
	iw := 0.0
	if intentOn {
		l.Intent = bceSum / (p * float64(nI))
		l.IntentAcc = float64(intentCorrect) / (p * float64(nI))
		iw = obj.IntentWeight
	}
	if controlOn {
		l.Control = slSum / (p * float64(nC))
	}
	l.Total = l.Action + iw*l.Intent + obj.ControlWeight*l.Control
	if train {
		if wSum > 0 {
			m.scaleGrad(headAction, 1/wSum)
		}
		if intentOn {
			m.scaleGrad(headIntent, iw/(p*float64(nI)))
		}
		if controlOn {
			m.scaleGrad(headControl, obj.ControlWeight/(p*float64(nC)))
		}
	}
	return l
}

// ClipGradNorm rescales the gradients to at most maxNorm and returns the
// norm before clipping.
func (m *Model) ClipGradNorm(maxNorm float64) float64 {
	sq := 0.0
	for _, v := range m.g {
		sq += v * v
	}
	norm := math.Sqrt(sq)
	if maxNorm > 0 && norm > maxNorm {
		s := maxNorm / (norm + 1e-6)
		for i := range m.g {
			m.g[i] *= s
		}
	}
	return norm
}

// Step applies one AdamW update with decoupled weight decay.
func (m *Model) Step(lr float64) {
	m.t++
	bc1 := 1 - math.Pow(adamBeta1, float64(m.t))
	bc2 := 1 - math.Pow(adamBeta2, float64(m.t))
	decay := 1 - lr*m.cfg.WeightDecay
	for i, g := range m.g {
		m.w[i] *= decay
		m.m[i] = adamBeta1*m.m[i] + (1-adamBeta1)*g
		m.v[i] = adamBeta2*m.v[i] + (1-adamBeta2)*g*g
		m.w[i] -= lr * (m.m[i] / bc1) / (math.Sqrt(m.v[i]/bc2) + adamEps)
	}
}

func softmax(z []float64) []float64 {
	out := make([]float64, len(z))
	hi := math.Inf(-1)
	for _, v := range z {
		hi = math.Max(hi, v)
	}
	sum := 0.0
	for i, v := range z {
		out[i] = math.Exp(v - hi)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

func argmax(v []float64) int {
	best := -1
	for i, x := range v {
		if best < 0 || x > v[best] {
			best = i
		}
	}
	return best
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
