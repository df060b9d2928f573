// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"errors"
	"math"
)

// ErrHeadingUndefined is returned when the sensor X axis points straight up
// or down, so it has no horizontal heading.
var ErrHeadingUndefined = errors.New("orientation: heading undefined, X axis is vertical")

// HeadingAligner holds a yaw-only offset that is post-applied to every
// rendered quaternion until it is recomputed.
type HeadingAligner struct {
	offset Quaternion
	angle  float64
}

// NewHeadingAligner returns an aligner with no offset.
func NewHeadingAligner() *HeadingAligner {
	return &HeadingAligner{offset: Identity}
}

// Align computes the offset that turns the current heading of q to north.
// It returns the heading angle in radians, positive towards +Y.
func (h *HeadingAligner) Align(q Quaternion) (float64, error) {
	north := q.Rotate([3]float64{1, 0, 0})
	north[2] = 0
	n := math.Hypot(north[0], north[1])
	if n < 1e-9 {
		return 0, ErrHeadingUndefined
	}
	x := math.Max(-1, math.Min(1, north[0]/n))

	theta := math.Acos(x)
	if north[1] < 0 {
		theta = -theta
	}

	h.angle = theta
	h.offset = Quaternion{W: math.Cos(-theta / 2), Z: math.Sin(-theta / 2)}
	return theta, nil
}

// Apply post-rotates q by the current offset.
func (h *HeadingAligner) Apply(q Quaternion) Quaternion {
	return h.offset.Mul(q)
}

// Offset returns the current yaw-only offset quaternion.
func (h *HeadingAligner) Offset() Quaternion { return h.offset }

// Angle returns the heading removed by the last Align, in radians.
func (h *HeadingAligner) Angle() float64 { return h.angle }

// Reset drops the offset.
func (h *HeadingAligner) Reset() {
	h.offset = Identity
	h.angle = 0
}
