// Package sampling decides whether a worker process records anything at all.
package sampling

import "math/rand/v2"

// Gate holds a sampling decision taken once, when the probe starts. Every
// request served by the process shares it.
type Gate struct {
	percent float64
	sampled bool
}

// NewGate decides with probability percent/100. roll returns a value in
// [0, 1); nil uses math/rand. Out of range percentages are clamped, so 0
// never samples and 100 always does.
func NewGate(percent float64, roll func() float64) Gate {
	if roll == nil {
		roll = rand.Float64
	}
	switch {
	case percent <= 0:
		return Gate{percent: 0}
	case percent >= 100:
		return Gate{percent: 100, sampled: true}
	}
	return Gate{percent: percent, sampled: roll()*100 < percent}
}

// Sampled reports whether this process records transactions.
func (g Gate) Sampled() bool { return g.sampled }

// Percent is the configured sampling percentage after clamping.
func (g Gate) Percent() float64 { return g.percent }
