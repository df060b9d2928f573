// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package calibration holds the per-sensor affine calibration (offset + 3x3
// gain), its persisted text form, and the magnetometer ellipsoid fit that
// produces it.
package calibration

import (
	"fmt"
	"math"
)

// Parameters maps a raw triplet to a corrected one:
//
//	out[r] = Σ_c Gain[r][c] * (raw[c] - Offset[c])
type Parameters struct {
	Offset [3]float64    `json:"offset"`
	Gain   [3][3]float64 `json:"gain"`
}

// Identity returns zero offset and identity gain, the value every sensor
// starts with until a fit or a persisted file overrides it.
func Identity() Parameters {
	return Parameters{
		Gain: [3][3]float64{
			{1, 0, 0},
			{0, 1, 0},
			{0, 0, 1},
		},
	}
}

// Apply calibrates one raw sample.
func Apply(raw [3]float64, p Parameters) [3]float64 {
	d := [3]float64{raw[0] - p.Offset[0], raw[1] - p.Offset[1], raw[2] - p.Offset[2]}
	var out [3]float64
	for r := 0; r < 3; r++ {
		out[r] = p.Gain[r][0]*d[0] + p.Gain[r][1]*d[1] + p.Gain[r][2]*d[2]
	}
	return out
}

// Validate rejects NaN and infinite entries.
func (p Parameters) Validate() error {
	for i, v := range p.Offset {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("calibration: offset[%d] is %v", i, v)
		}
	}
	for r := range p.Gain {
		for c, v := range p.Gain[r] {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("calibration: gain[%d][%d] is %v", r, c, v)
			}
		}
	}
	return nil
}

// Values flattens the parameters in file order: 3 offsets, then the gain
// row-major.
func (p Parameters) Values() [12]float64 {
	var v [12]float64
	copy(v[:3], p.Offset[:])
	for r := 0; r < 3; r++ {
		copy(v[3+3*r:6+3*r], p.Gain[r][:])
	}
	return v
}

// FromValues is the inverse of Values.
func FromValues(v [12]float64) Parameters {
	var p Parameters
	copy(p.Offset[:], v[:3])
	for r := 0; r < 3; r++ {
		copy(p.Gain[r][:], v[3+3*r:6+3*r])
	}
	return p
}
