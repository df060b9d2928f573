// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import "math"

// ConvergenceState is the filter start-up phase.
type ConvergenceState int

const (
	Converging ConvergenceState = iota
	Converged
	ConvergenceFailed
)

func (s ConvergenceState) String() string {
	switch s {
	case Converging:
		return "converging"
	case Converged:
		return "converged"
	case ConvergenceFailed:
		return "convergence_failed"
	}
	return "unknown"
}

// ConvergenceWindow is the number of first-of-batch quaternions averaged.
const ConvergenceWindow = 10

// convergenceFloor is the absolute difference below which a component is
// treated as settled; near zero the relative error is dominated by rounding.
const convergenceFloor = 1e-6

// Convergence decides when the start-up filter has settled. Every batch
// contributes its first quaternion; once the window is full the component
// average is compared against the latest entry.
type Convergence struct {
	Tolerance  float64 // per-component relative error, e.g. 0.05
	MaxBatches int     // 0 disables the cap

	ring    [ConvergenceWindow]Quaternion
	count   int
	batches int
	state   ConvergenceState
}

// NewConvergence returns a monitor in the Converging state.
func NewConvergence(tolerance float64, maxBatches int) *Convergence {
	return &Convergence{Tolerance: tolerance, MaxBatches: maxBatches}
}

// State returns the current phase.
func (c *Convergence) State() ConvergenceState { return c.state }

// Batches returns how many batches were observed while converging.
func (c *Convergence) Batches() int { return c.batches }

// Reset starts over in the Converging state.
func (c *Convergence) Reset() {
	*c = Convergence{Tolerance: c.Tolerance, MaxBatches: c.MaxBatches}
}

// Observe records the first quaternion of a batch and returns the new state.
// Once the state leaves Converging further calls are no-ops.
func (c *Convergence) Observe(first Quaternion) ConvergenceState {
	if c.state != Converging {
		return c.state
	}
	c.ring[c.count%ConvergenceWindow] = first
	c.count++
	c.batches++

	if c.count >= ConvergenceWindow && c.withinTolerance(first) {
		c.state = Converged
		return c.state
	}
	if c.MaxBatches > 0 && c.batches >= c.MaxBatches {
		c.state = ConvergenceFailed
	}
	return c.state
}

func (c *Convergence) withinTolerance(latest Quaternion) bool {
	var avg Quaternion
	for _, q := range c.ring {
		avg.W += q.W
		avg.X += q.X
		avg.Y += q.Y
		avg.Z += q.Z
	}
	avg.W /= ConvergenceWindow
	avg.X /= ConvergenceWindow
	avg.Y /= ConvergenceWindow
	avg.Z /= ConvergenceWindow

	errs := RelativeErrors(avg, latest)
	for _, e := range errs {
		if math.IsNaN(e) || e < -c.Tolerance || e > c.Tolerance {
			return false
		}
	}
	return true
}

// RelativeErrors returns (avg−latest)/(avg+latest) for W, X, Y, Z.
// The W error is replaced by its reciprocal when its magnitude reaches 1.
// Components closer than 1e-6 in absolute terms have zero error.
func RelativeErrors(avg, latest Quaternion) [4]float64 {
	rel := func(a, l float64) float64 {
		if math.Abs(a-l) < convergenceFloor {
			return 0
		}
		return (a - l) / (a + l)
	}
	errs := [4]float64{
		rel(avg.W, latest.W),
		rel(avg.X, latest.X),
		rel(avg.Y, latest.Y),
		rel(avg.Z, latest.Z),
	}
	if math.Abs(errs[0]) >= 1 {
		errs[0] = 1 / errs[0]
	}
	return errs
}
