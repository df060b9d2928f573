// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package orientation turns calibrated accelerometer, gyroscope and
// magnetometer readings into a quaternion attitude estimate.
package orientation

import (
	"math"
)

// PitchLimit is the clamp applied to pitch when the asin argument leaves
// [-1, 1].
const PitchLimit = 1.570795

// Pose is the presentational form of orientation, in degrees.
type Pose struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// EulerAngles holds roll, pitch and yaw in radians (Z-Y-X order).
type EulerAngles struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// ToEuler converts q to Z-Y-X Euler angles. Pitch is clamped to ±PitchLimit
// instead of going NaN when rounding pushes the asin argument out of range.
func ToEuler(q Quaternion) EulerAngles {
	roll := math.Atan2(2*(q.W*q.X+q.Y*q.Z), 1-2*(q.X*q.X+q.Y*q.Y))

	var pitch float64
	sinp := 2 * (q.W*q.Y - q.Z*q.X)
	switch {
	case sinp >= 1:
		pitch = PitchLimit
	case sinp <= -1:
		pitch = -PitchLimit
	default:
		pitch = math.Asin(sinp)
	}

	yaw := math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.Y*q.Y+q.Z*q.Z))
	return EulerAngles{Roll: roll, Pitch: pitch, Yaw: yaw}
}

// Pose converts to degrees.
func (e EulerAngles) Pose() Pose {
	return Pose{
		Roll:  e.Roll * 180.0 / math.Pi,
		Pitch: e.Pitch * 180.0 / math.Pi,
		Yaw:   e.Yaw * 180.0 / math.Pi,
	}
}

// ComputePoseFromAccel computes roll and pitch from accelerometer data only.
// Yaw is left at 0.
//
// Uses simple tilt formulas:
//
//	roll  = atan2(ay, az)
//	pitch = atan2(-ax, sqrt(ay² + az²))
func ComputePoseFromAccel(ax, ay, az float64) Pose {
	rollRad := math.Atan2(ay, az)
	pitchRad := math.Atan2(-ax, math.Sqrt(ay*ay+az*az))

	return Pose{
		Roll:  rollRad * 180.0 / math.Pi,
		Pitch: pitchRad * 180.0 / math.Pi,
	}
}

// QuaternionFromPose builds the Z-Y-X rotation for a pose in degrees.
func QuaternionFromPose(p Pose) Quaternion {
	r := p.Roll * math.Pi / 360
	pi := p.Pitch * math.Pi / 360
	y := p.Yaw * math.Pi / 360

	cr, sr := math.Cos(r), math.Sin(r)
	cp, sp := math.Cos(pi), math.Sin(pi)
	cy, sy := math.Cos(y), math.Sin(y)

	return Quaternion{
		W: cr*cp*cy + sr*sp*sy,
		X: sr*cp*cy - cr*sp*sy,
		Y: cr*sp*cy + sr*cp*sy,
		Z: cr*cp*sy - sr*sp*cy,
	}
}

// InitialQuaternion seeds a session from one accelerometer reading so the
// filter starts level instead of recovering from identity. A zero reading
// yields Identity.
func InitialQuaternion(acc [3]float64) Quaternion {
	if acc == ([3]float64{}) {
		return Identity
	}
	return QuaternionFromPose(ComputePoseFromAccel(acc[0], acc[1], acc[2]))
}
