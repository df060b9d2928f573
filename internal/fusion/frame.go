// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package fusion

import (
	"time"

	"github.com/relabs-tech/motion_tracker/internal/motion"
	"github.com/relabs-tech/motion_tracker/internal/orientation"
)

// Frame is the complete output of one batch, indexed like the input batch.
// A published frame is never modified.
type Frame struct {
	Generation   uint64  `json:"generation"`
	MaxODR       float64 `json:"max_odr"`       // Hz
	SamplePeriod float64 `json:"sample_period"` // s
	State        string  `json:"state"`

	// Quaternions are the filter output in the sensor (Z-up) frame.
	Quaternions []orientation.Quaternion `json:"quaternions"`
	// Render holds the heading-aligned quaternions in the Y-up render frame.
	Render []orientation.Quaternion  `json:"render"`
	Euler  []orientation.EulerAngles `json:"euler"`
	Motion motion.State              `json:"motion"`

	// Pose is the heading-aligned attitude of the last sample, in degrees.
	Pose orientation.Pose `json:"pose"`
}

// Len returns the number of samples in the frame.
func (f *Frame) Len() int { return len(f.Quaternions) }

// Cursor is a consumer-owned sample pointer. Consumers poll at their own
// refresh rate; the cursor maps wall time since a frame first appeared to a
// sample index, so display cadence is independent of the sensor ODR.
type Cursor struct {
	generation uint64
	since      time.Time
	started    bool
}

// Next returns the sample of f to show at now. A new frame generation
// restarts at sample 0; past the end of the frame the last sample is held.
func (c *Cursor) Next(f *Frame, now time.Time) (int, bool) {
	if f == nil || f.Len() == 0 {
		return 0, false
	}
	if !c.started || f.Generation != c.generation {
		c.generation = f.Generation
		c.since = now
		c.started = true
		return 0, true
	}
	if f.SamplePeriod <= 0 {
		return f.Len() - 1, true
	}
	i := int(now.Sub(c.since).Seconds() / f.SamplePeriod)
	if i >= f.Len() {
		i = f.Len() - 1
	}
	if i < 0 {
		i = 0
	}
	return i, true
}
