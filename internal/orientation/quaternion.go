// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import "math"

// Quaternion is a unit quaternion mapping sensor-frame vectors into the
// earth frame (Z up): v_earth = q ⊗ v ⊗ q*.
type Quaternion struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Identity is the zero rotation.
var Identity = Quaternion{W: 1}

// Mul returns the Hamilton product q ⊗ r.
func (q Quaternion) Mul(r Quaternion) Quaternion {
	return Quaternion{
		W: q.W*r.W - q.X*r.X - q.Y*r.Y - q.Z*r.Z,
		X: q.W*r.X + q.X*r.W + q.Y*r.Z - q.Z*r.Y,
		Y: q.W*r.Y - q.X*r.Z + q.Y*r.W + q.Z*r.X,
		Z: q.W*r.Z + q.X*r.Y - q.Y*r.X + q.Z*r.W,
	}
}

// Conj returns the conjugate, which is the inverse for unit quaternions.
func (q Quaternion) Conj() Quaternion {
	return Quaternion{W: q.W, X: -q.X, Y: -q.Y, Z: -q.Z}
}

// Norm returns the Euclidean norm.
func (q Quaternion) Norm() float64 {
	return math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
}

// Normalize returns q scaled to unit length; the zero quaternion maps to
// Identity.
func (q Quaternion) Normalize() Quaternion {
	n := q.Norm()
	if n == 0 {
		return Identity
	}
	return Quaternion{W: q.W / n, X: q.X / n, Y: q.Y / n, Z: q.Z / n}
}

// Rotate maps a sensor-frame vector into the earth frame.
func (q Quaternion) Rotate(v [3]float64) [3]float64 {
	p := q.Mul(Quaternion{X: v[0], Y: v[1], Z: v[2]}).Mul(q.Conj())
	return [3]float64{p.X, p.Y, p.Z}
}

// ToRenderFrame converts from the sensor's Z-up frame to the Y-up render
// frame by conjugating with the Y/Z swap. The swap is a reflection, so the
// vector part changes sign as well as order.
func (q Quaternion) ToRenderFrame() Quaternion {
	return Quaternion{W: q.W, X: -q.X, Y: -q.Z, Z: -q.Y}
}

// AxisAngle builds the rotation of angle radians about a unit axis.
func AxisAngle(axis [3]float64, angle float64) Quaternion {
	s := math.Sin(angle / 2)
	return Quaternion{W: math.Cos(angle / 2), X: axis[0] * s, Y: axis[1] * s, Z: axis[2] * s}
}
