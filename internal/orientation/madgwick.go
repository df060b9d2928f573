// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import "math"

// Filter gains.
const (
	DefaultBeta    = 0.041
	ConvergingBeta = 2.5
)

// Madgwick is the gradient-descent AHRS of S. Madgwick. It holds no
// attitude of its own: the caller owns the quaternion and chains it from
// one sample to the next.
type Madgwick struct {
	Beta float64
	// Reference is the earth-frame field direction (bx, bz) on the x-z
	// plane. While zero it is derived from each sample.
	Reference [2]float64
}

// FieldReference returns the unit earth-frame field direction (bx, bz) seen
// by a sensor with attitude q measuring mag.
func FieldReference(q Quaternion, mag [3]float64) ([2]float64, bool) {
	mg, ok := unit(mag)
	if !ok {
		return [2]float64{}, false
	}
	h := q.Rotate(mg)
	return [2]float64{math.Sqrt(h[0]*h[0] + h[1]*h[1]), h[2]}, true
}

// Update advances q by one sample.
// gyro is in rad/s; acc and mag in any unit (both are normalized).
// A zero magnetometer falls back to the gyro+accelerometer update and a zero
// accelerometer to pure gyro integration.
func (m Madgwick) Update(q Quaternion, gyro, acc, mag [3]float64, dt float64) Quaternion {
	q0, q1, q2, q3 := q.W, q.X, q.Y, q.Z
	gx, gy, gz := gyro[0], gyro[1], gyro[2]

	// rate of change from the gyroscope: 0.5 q ⊗ (0, ω)
	qDot0 := 0.5 * (-q1*gx - q2*gy - q3*gz)
	qDot1 := 0.5 * (q0*gx + q2*gz - q3*gy)
	qDot2 := 0.5 * (q0*gy - q1*gz + q3*gx)
	qDot3 := 0.5 * (q0*gz + q1*gy - q2*gx)

	if a, ok := unit(acc); ok {
		var s [4]float64
		if mg, ok := unit(mag); ok {
			ref := m.Reference
			if ref == ([2]float64{}) {
				ref, _ = FieldReference(q, mg)
			}
			s = marg(q, a, mg, ref)
		} else {
			s = imuOnly(q, a)
		}
		n := math.Sqrt(s[0]*s[0] + s[1]*s[1] + s[2]*s[2] + s[3]*s[3])
		if n > 0 {
			qDot0 -= m.Beta * s[0] / n
			qDot1 -= m.Beta * s[1] / n
			qDot2 -= m.Beta * s[2] / n
			qDot3 -= m.Beta * s[3] / n
		}
	}

	return Quaternion{
		W: q0 + qDot0*dt,
		X: q1 + qDot1*dt,
		Y: q2 + qDot2*dt,
		Z: q3 + qDot3*dt,
	}.Normalize()
}

// imuOnly is the gradient Jᵀf of the gravity objective:
// f = Rᵀ(0,0,1) − a.
func imuOnly(q Quaternion, a [3]float64) [4]float64 {
	q0, q1, q2, q3 := q.W, q.X, q.Y, q.Z
	f0 := 2*(q1*q3-q0*q2) - a[0]
	f1 := 2*(q0*q1+q2*q3) - a[1]
	f2 := 1 - 2*(q1*q1+q2*q2) - a[2]
	return [4]float64{
		-2*q2*f0 + 2*q1*f1,
		2*q3*f0 + 2*q0*f1 - 4*q1*f2,
		-2*q0*f0 + 2*q3*f1 - 4*q2*f2,
		2*q1*f0 + 2*q2*f1,
	}
}

// marg adds the magnetic objective f = Rᵀ(bx,0,bz) − m.
func marg(q Quaternion, a, mg [3]float64, ref [2]float64) [4]float64 {
	q0, q1, q2, q3 := q.W, q.X, q.Y, q.Z
	bx, bz := ref[0], ref[1]

	f0 := bx*(1-2*(q2*q2+q3*q3)) + 2*bz*(q1*q3-q0*q2) - mg[0]
	f1 := 2*bx*(q1*q2-q0*q3) + 2*bz*(q0*q1+q2*q3) - mg[1]
	f2 := 2*bx*(q0*q2+q1*q3) + bz*(1-2*(q1*q1+q2*q2)) - mg[2]

	s := imuOnly(q, a)
	s[0] += -2*bz*q2*f0 + (-2*bx*q3+2*bz*q1)*f1 + 2*bx*q2*f2
	s[1] += 2*bz*q3*f0 + (2*bx*q2+2*bz*q0)*f1 + (2*bx*q3-4*bz*q1)*f2
	s[2] += (-4*bx*q2-2*bz*q0)*f0 + (2*bx*q1+2*bz*q3)*f1 + (2*bx*q0-4*bz*q2)*f2
	s[3] += (-4*bx*q3+2*bz*q1)*f0 + (-2*bx*q0+2*bz*q2)*f1 + 2*bx*q1*f2
	return s
}

func unit(v [3]float64) ([3]float64, bool) {
	n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if n == 0 {
		return v, false
	}
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}, true
}

// DegToRad converts a gyroscope reading from °/s to rad/s.
func DegToRad(v [3]float64) [3]float64 {
	const k = math.Pi / 180
	return [3]float64{v[0] * k, v[1] * k, v[2] * k}
}
