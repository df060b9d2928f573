// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package motion derives linear acceleration, velocity and position from the
// fused attitude, with a state machine that resets velocity once the sensor
// has been still for a dwell time.
package motion

import (
	"fmt"
	"math"
	"time"

	"github.com/relabs-tech/motion_tracker/internal/orientation"
)

// Defaults.
const (
	DefaultThreshold = 0.025 // m/s²
	DefaultDwell     = 100 * time.Millisecond
	StandardGravity  = 9.80665
)

// Config tunes the drift suppression.
type Config struct {
	// Threshold is the linear acceleration magnitude that starts an event.
	// Smaller per-axis values are treated as exactly zero.
	Threshold float64
	// Dwell is how long all axes must stay zero before velocity is reset.
	Dwell time.Duration
	// Gravity is the magnitude subtracted from the accelerometer.
	Gravity float64
}

// DefaultConfig returns the observed configuration.
func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, Dwell: DefaultDwell, Gravity: StandardGravity}
}

// Phase is the drift-suppression state.
type Phase int

const (
	Idle Phase = iota
	AccelerationEvent
)

func (p Phase) String() string {
	if p == AccelerationEvent {
		return "acceleration_event"
	}
	return "idle"
}

// Sample is the motion output for one input sample.
type Sample struct {
	Linear   [3]float64 `json:"linear"`   // m/s²
	Velocity [3]float64 `json:"velocity"` // m/s
	Position [3]float64 `json:"position"` // m
}

// State is the per-batch output plus the flags at the end of the batch.
type State struct {
	Samples     []Sample      `json:"samples"`
	Phase       Phase         `json:"phase"`
	JustStopped bool          `json:"just_stopped"`
	EndTimer    time.Duration `json:"end_timer"`      // time since all axes went zero
	EventTime   time.Duration `json:"position_timer"` // time since the event started
}

// Integrator carries motion state across batches.
// It is not safe for concurrent use.
type Integrator struct {
	cfg Config

	last        Sample // last sample of the previous batch
	phase       Phase
	justStopped bool
	clock       time.Duration // Σ dt
	stoppedAt   time.Duration
	startedAt   time.Duration
}

// NewIntegrator validates cfg and returns an idle integrator at rest at the
// origin.
func NewIntegrator(cfg Config) (*Integrator, error) {
	if cfg.Threshold < 0 || math.IsNaN(cfg.Threshold) {
		return nil, fmt.Errorf("motion: invalid threshold %v", cfg.Threshold)
	}
	if cfg.Dwell < 0 {
		return nil, fmt.Errorf("motion: invalid dwell %v", cfg.Dwell)
	}
	if cfg.Gravity <= 0 {
		cfg.Gravity = StandardGravity
	}
	return &Integrator{cfg: cfg}, nil
}

// Phase returns the current state.
func (m *Integrator) Phase() Phase { return m.phase }

// Last returns the most recent output sample.
func (m *Integrator) Last() Sample { return m.last }

// Seed sets the velocity and position the next batch integrates from.
func (m *Integrator) Seed(velocity, position [3]float64) {
	m.last.Velocity = velocity
	m.last.Position = position
}

// Reset returns to Idle at rest at the origin.
func (m *Integrator) Reset() {
	*m = Integrator{cfg: m.cfg}
}

// Process runs one batch. qs and acc (m/s², calibrated) must have the same
// length; dt is the sample period in seconds.
func (m *Integrator) Process(qs []orientation.Quaternion, acc [][3]float64, dt float64) (State, error) {
	if len(qs) != len(acc) {
		return State{}, fmt.Errorf("motion: %d quaternions for %d accelerometer samples", len(qs), len(acc))
	}
	step := time.Duration(dt * float64(time.Second))

	out := make([]Sample, len(qs))
	prev := m.last
	for i := range qs {
		m.clock += step
		cur := Sample{Linear: m.deadband(LinearAcceleration(qs[i], acc[i], m.cfg.Gravity))}

		if m.phase == Idle && m.exceeds(cur.Linear) {
			m.phase = AccelerationEvent
			m.startedAt = m.clock - step
		}

		switch m.phase {
		case AccelerationEvent:
			for k := 0; k < 3; k++ {
				cur.Velocity[k] = prev.Velocity[k] + (prev.Linear[k]+cur.Linear[k])/2*dt
				cur.Position[k] = prev.Position[k] + (prev.Velocity[k]+cur.Velocity[k])/2*dt
			}
			m.detectStop(&cur)
		default:
			cur.Velocity = prev.Velocity
			cur.Position = prev.Position
		}

		out[i] = cur
		prev = cur
	}
	m.last = prev

	st := State{Samples: out, Phase: m.phase, JustStopped: m.justStopped}
	if m.justStopped {
		st.EndTimer = m.clock - m.stoppedAt
	}
	if m.phase == AccelerationEvent {
		st.EventTime = m.clock - m.startedAt
	}
	return st, nil
}

// detectStop zeroes velocity once every axis has read exactly zero for
// longer than the dwell time.
func (m *Integrator) detectStop(cur *Sample) {
	if cur.Linear != ([3]float64{}) {
		m.justStopped = false
		return
	}
	if !m.justStopped {
		m.justStopped = true
		m.stoppedAt = m.clock
		return
	}
	if m.clock-m.stoppedAt > m.cfg.Dwell {
		cur.Velocity = [3]float64{}
		m.phase = Idle
		m.justStopped = false
	}
}

func (m *Integrator) exceeds(lin [3]float64) bool {
	for _, v := range lin {
		if math.Abs(v) > m.cfg.Threshold {
			return true
		}
	}
	return false
}

func (m *Integrator) deadband(lin [3]float64) [3]float64 {
	for k, v := range lin {
		if math.Abs(v) <= m.cfg.Threshold {
			lin[k] = 0
		}
	}
	return lin
}

// LinearAcceleration removes gravity from a calibrated accelerometer reading.
// Each sensor axis, scaled by g, is rotated into the earth frame; its
// vertical component is the share of gravity that axis measures.
func LinearAcceleration(q orientation.Quaternion, acc [3]float64, g float64) [3]float64 {
	var lin [3]float64
	for k := 0; k < 3; k++ {
		var axis [3]float64
		axis[k] = g
		lin[k] = acc[k] - q.Rotate(axis)[2]
	}
	return lin
}

// GravityInSensorFrame rotates earth gravity (0, 0, g) into the sensor frame.
func GravityInSensorFrame(q orientation.Quaternion, g float64) [3]float64 {
	return q.Conj().Rotate([3]float64{0, 0, g})
}
