// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

var earthField = [3]float64{20, 0, -40}

// bodyReadings returns what a still sensor with attitude q measures.
func bodyReadings(q Quaternion) (acc, mag [3]float64) {
	inv := q.Conj()
	return inv.Rotate([3]float64{0, 0, 9.80665}), inv.Rotate(earthField)
}

func TestMadgwickStaysAtTruth(t *testing.T) {
	truth := QuaternionFromPose(Pose{Roll: 12, Pitch: -7, Yaw: 40})
	acc, mag := bodyReadings(truth)

	f := Madgwick{Beta: DefaultBeta}
	q := truth
	for i := 0; i < 500; i++ {
		q = f.Update(q, [3]float64{}, acc, mag, 0.01)
	}
	// the normalized gradient keeps a jitter of about beta·dt
	assertQuatInDelta(t, truth, q, 2e-3)
}

func TestMadgwickConvergesFromIdentity(t *testing.T) {
	truth := QuaternionFromPose(Pose{Roll: 20, Pitch: 15, Yaw: -60})
	acc, mag := bodyReadings(truth)

	q := Identity
	for _, beta := range []float64{ConvergingBeta, DefaultBeta} {
		f := Madgwick{Beta: beta}
		for i := 0; i < 1000; i++ {
			q = f.Update(q, [3]float64{}, acc, mag, 0.01)
		}
	}
	assertQuatInDelta(t, truth, q, 2e-3)
}

func TestFieldReference(t *testing.T) {
	truth := QuaternionFromPose(Pose{Roll: 25, Pitch: -10, Yaw: 130})
	_, mag := bodyReadings(truth)

	ref, ok := FieldReference(truth, mag)
	assert.True(t, ok)
	n := math.Hypot(earthField[0], earthField[2])
	assert.InDelta(t, earthField[0]/n, ref[0], 1e-9)
	assert.InDelta(t, earthField[2]/n, ref[1], 1e-9)

	_, ok = FieldReference(truth, [3]float64{})
	assert.False(t, ok)
}

func TestMadgwickFixedReference(t *testing.T) {
	truth := QuaternionFromPose(Pose{Roll: 20, Pitch: 15, Yaw: -60})
	acc, mag := bodyReadings(truth)
	ref, _ := FieldReference(truth, mag)

	q := Identity
	for _, beta := range []float64{ConvergingBeta, DefaultBeta} {
		f := Madgwick{Beta: beta, Reference: ref}
		for i := 0; i < 1000; i++ {
			q = f.Update(q, [3]float64{}, acc, mag, 0.01)
		}
	}
	assertQuatInDelta(t, truth, q, 2e-3)

	// a fixed reference pulls against a field whose dip has changed
	_, steep := bodyReadings(QuaternionFromPose(Pose{Pitch: 30}))
	free := Madgwick{Beta: DefaultBeta}
	fixed := Madgwick{Beta: DefaultBeta, Reference: [2]float64{1, 0}}
	assert.NotEqual(t, free.Update(Identity, [3]float64{}, [3]float64{0, 0, 1}, steep, 0.01),
		fixed.Update(Identity, [3]float64{}, [3]float64{0, 0, 1}, steep, 0.01))
}

func TestMadgwickIMUOnlyLevelsTilt(t *testing.T) {
	truth := QuaternionFromPose(Pose{Roll: -30, Pitch: 10})
	acc, _ := bodyReadings(truth)

	q := Identity
	for _, beta := range []float64{ConvergingBeta, DefaultBeta} {
		f := Madgwick{Beta: beta}
		for i := 0; i < 1000; i++ {
			q = f.Update(q, [3]float64{}, acc, [3]float64{}, 0.01)
		}
	}
	e := ToEuler(q).Pose()
	assert.InDelta(t, -30, e.Roll, 0.2)
	assert.InDelta(t, 10, e.Pitch, 0.2)
}

func TestMadgwickGyroOnlyIntegrates(t *testing.T) {
	f := Madgwick{Beta: DefaultBeta}
	q := Identity
	rate := DegToRad([3]float64{0, 0, 90})
	for i := 0; i < 100; i++ {
		q = f.Update(q, rate, [3]float64{}, [3]float64{}, 0.01)
	}
	// one second at 90°/s about Z
	assert.InDelta(t, 90, ToEuler(q).Pose().Yaw, 0.05)
	assert.InDelta(t, 1, q.Norm(), 1e-12)
}

func TestDegToRad(t *testing.T) {
	got := DegToRad([3]float64{180, -90, 0})
	assert.InDelta(t, math.Pi, got[0], 1e-15)
	assert.InDelta(t, -math.Pi/2, got[1], 1e-15)
	assert.Equal(t, 0.0, got[2])
}
