package training

import "math"

// Plateau lowers the learning rate by Factor once the monitored loss has not
// improved (relative threshold 1e-4) for more than Patience epochs.
type Plateau struct {
	Factor   float64
	Patience int
	MinLR    float64

	best float64
	bad  int
	init bool
}

const plateauThreshold = 1e-4

// Step records metric and returns the learning rate to use next.
func (p *Plateau) Step(metric, lr float64) float64 {
	if !p.init {
		p.best, p.init = math.Inf(1), true
	}
	if metric < p.best*(1-plateauThreshold) {
		p.best = metric
		p.bad = 0
		return lr
	}
	p.bad++
	if p.bad <= p.Patience {
		return lr
	}
	p.bad = 0
	next := math.Max(lr*p.Factor, p.MinLR)
	if lr-next > 1e-8 {
		return next
	}
	return lr
}
