// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"math"
	"time"

	"github.com/relabs-tech/motion_tracker/internal/imu"
)

// Synthetic earth field used by the mock source, µT, sensor frame at yaw 0.
var mockEarthField = imu.Vec3{20, 0, -40}

const (
	mockODRCode   = 9  // 1000/(1+9) = 100 Hz
	mockSettle    = 8  // s at rest before motion starts
	mockYawRate   = 30 // °/s
	mockPulsePer  = 5.0
	mockPulseLen  = 0.4
	mockPulseAmpl = 0.5 // m/s²
)

type mockSource struct {
	batchSize int
	paced     bool
	sample    int
	next      time.Time
}

// NewMockSource creates a source that rests level for a few seconds, then
// rotates slowly about the vertical axis with a short back-and-forth push
// along world X every few seconds.
// The signal is a pure function of the sample index, so runs are repeatable.
// When paced is false batches are returned as fast as they are requested.
func NewMockSource(batchSize int, paced bool) BatchSource {
	if batchSize <= 0 || batchSize > imu.MaxBatchSize {
		batchSize = imu.MaxBatchSize
	}
	return &mockSource{batchSize: batchSize, paced: paced}
}

func (m *mockSource) Settings() [imu.SensorCount]imu.Settings {
	var acc, gyr, mag imu.Settings
	acc[imu.SensorModel] = ModelMPU9250Accel
	acc[imu.ODR] = mockODRCode
	acc[imu.Power] = 1

	gyr[imu.SensorModel] = ModelMPU9250Gyro
	gyr[imu.ODR] = mockODRCode
	gyr[imu.Power] = 1
	gyr[imu.Filter] = 1

	mag[imu.SensorModel] = ModelAK8963Mag
	mag[imu.FullScale] = 1 // 16-bit
	mag[imu.ODR] = 0x06    // 100 Hz
	mag[imu.Power] = 1
	return [imu.SensorCount]imu.Settings{acc, gyr, mag}
}

func (m *mockSource) odr() float64 {
	return 1000 / (1 + float64(mockODRCode))
}

func (m *mockSource) NextBatches(ctx context.Context) ([]imu.RawBatch, error) {
	if m.paced {
		period := time.Duration(float64(m.batchSize) / m.odr() * float64(time.Second))
		if m.next.IsZero() {
			m.next = time.Now()
		}
		m.next = m.next.Add(period)
		timer := time.NewTimer(time.Until(m.next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	raws := make([]imu.IMURaw, m.batchSize)
	for i := range raws {
		raws[i] = m.sampleAt(float64(m.sample) / m.odr())
		m.sample++
	}
	batches := imu.SplitBatch(raws)
	return batches[:], nil
}

func (m *mockSource) Close() error { return nil }

// sampleAt synthesizes one reading at time t seconds.
func (m *mockSource) sampleAt(t float64) imu.IMURaw {
	var rate, push float64
	if t >= mockSettle {
		t -= mockSettle
		rate = mockYawRate
		push = mockPush(t)
	} else {
		t = 0
	}
	yaw := rate * t * math.Pi / 180
	c, s := math.Cos(yaw), math.Sin(yaw)
	toBody := func(v imu.Vec3) imu.Vec3 {
		return imu.Vec3{c*v[0] + s*v[1], -s*v[0] + c*v[1], v[2]}
	}

	acc := toBody(imu.Vec3{push, 0, StandardGravity})
	mag := toBody(mockEarthField)

	const accLSB = 16384 / StandardGravity
	const gyrLSB = 131.0
	const magLSB = 1 / 0.15
	return imu.IMURaw{
		Source: "mock",
		Ax:     clampInt16(acc[0] * accLSB),
		Ay:     clampInt16(acc[1] * accLSB),
		Az:     clampInt16(acc[2] * accLSB),
		Gx:     0,
		Gy:     0,
		Gz:     clampInt16(rate * gyrLSB),
		Mx:     clampInt16(mag[0] * magLSB),
		My:     clampInt16(mag[1] * magLSB),
		Mz:     clampInt16(mag[2] * magLSB),
	}
}

// mockPush is a half-sine push followed by an equal pull, so velocity
// returns to zero at the end of each pulse pair.
func mockPush(t float64) float64 {
	phase := math.Mod(t, mockPulsePer)
	switch {
	case phase < mockPulseLen:
		return mockPulseAmpl * math.Sin(math.Pi*phase/mockPulseLen)
	case phase < 2*mockPulseLen:
		return -mockPulseAmpl * math.Sin(math.Pi*(phase-mockPulseLen)/mockPulseLen)
	}
	return 0
}

func clampInt16(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
