// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package fusion

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/motion_tracker/internal/calibration"
	"github.com/relabs-tech/motion_tracker/internal/imu"
	"github.com/relabs-tech/motion_tracker/internal/orientation"
	"github.com/relabs-tech/motion_tracker/internal/sensors"
)

// boardSettings describes an MPU9250 + AK8963 at 100 Hz.
func boardSettings(magPower byte) [imu.SensorCount]imu.Settings {
	var acc, gyr, mag imu.Settings
	acc[imu.SensorModel] = sensors.ModelMPU9250Accel
	acc[imu.ODR] = 9
	acc[imu.Power] = 1
	gyr[imu.SensorModel] = sensors.ModelMPU9250Gyro
	gyr[imu.ODR] = 9
	gyr[imu.Power] = 1
	gyr[imu.Filter] = 1
	mag[imu.SensorModel] = sensors.ModelAK8963Mag
	mag[imu.FullScale] = 1
	mag[imu.ODR] = 0x06
	mag[imu.Power] = magPower
	return [imu.SensorCount]imu.Settings{acc, gyr, mag}
}

func constant(n int, v imu.RawTriplet) []imu.RawTriplet {
	out := make([]imu.RawTriplet, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func newSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	s, err := NewSession(cfg)
	require.NoError(t, err)
	for i, st := range boardSettings(1) {
		require.NoError(t, s.UpdateSettings(imu.SensorType(i), st))
	}
	return s
}

func newPipeline(t *testing.T, cfg Config, magPower byte) *Pipeline {
	t.Helper()
	p, err := NewPipeline(cfg, calibration.Store{Dir: t.TempDir()})
	require.NoError(t, err)
	for i, st := range boardSettings(magPower) {
		require.NoError(t, p.UpdateSettings(imu.SensorType(i), st))
	}
	return p
}

var (
	level   = imu.RawTriplet{0, 0, 16384}
	still   = imu.RawTriplet{}
	turning = imu.RawTriplet{131, -262, 65}
	field   = imu.RawTriplet{133, 0, -267}
	// field seen with the sensor yawed 40° left
	field40 = imu.RawTriplet{102, -86, -267}
)

func TestBatchChainingUsesLastSample(t *testing.T) {
	s := newSession(t, DefaultConfig())

	first, err := s.Process(constant(8, level), constant(8, turning), constant(8, field))
	require.NoError(t, err)
	second, err := s.Process(constant(8, level), constant(8, turning), constant(8, field))
	require.NoError(t, err)

	agg := s.Sensors()
	gyro := orientation.DegToRad(agg.Sensor(imu.Gyroscope).Physical(turning))
	acc := agg.Sensor(imu.Accelerometer).Physical(level)
	mag := agg.Sensor(imu.Magnetometer).Physical(field)
	f := orientation.Madgwick{Beta: orientation.ConvergingBeta}

	want := f.Update(first.Quaternions[7], gyro, acc, mag, 0.01)
	assert.Equal(t, want, second.Quaternions[0])
	assert.NotEqual(t, f.Update(first.Quaternions[0], gyro, acc, mag, 0.01), second.Quaternions[0])

	// within a batch each sample chains from the one before
	for i := 1; i < 8; i++ {
		assert.Equal(t, f.Update(second.Quaternions[i-1], gyro, acc, mag, 0.01), second.Quaternions[i])
	}
	assert.Equal(t, second.Quaternions[7], s.Last())
	assert.Equal(t, uint64(2), second.Generation)
}

func TestProcessRejectsBatchSizeChanges(t *testing.T) {
	s := newSession(t, DefaultConfig())
	_, err := s.Process(constant(10, level), constant(10, still), constant(10, field))
	require.NoError(t, err)

	_, err = s.Process(constant(9, level), constant(9, still), constant(9, field))
	assert.ErrorIs(t, err, ErrBatchSize)

	_, err = s.Process(constant(10, level), constant(9, still), constant(10, field))
	assert.ErrorIs(t, err, ErrBatchSize)

	_, err = s.Process(nil, nil, nil)
	assert.ErrorIs(t, err, ErrBatchSize)

	_, err = s.Process(constant(40, level), constant(40, still), nil)
	assert.ErrorIs(t, err, ErrBatchSize)

	// the session is still usable
	_, err = s.Process(constant(10, level), constant(10, still), constant(10, field))
	assert.NoError(t, err)
}

func TestProcessNeedsSampleRate(t *testing.T) {
	s, err := NewSession(DefaultConfig())
	require.NoError(t, err)
	_, err = s.Process(constant(4, level), constant(4, still), nil)
	assert.ErrorIs(t, err, ErrNoSampleRate)

	assert.ErrorIs(t, s.UpdateSettings(imu.SensorType(5), imu.Settings{}), ErrUnknownSensor)
}

func TestSessionConverges(t *testing.T) {
	s := newSession(t, DefaultConfig())
	assert.Equal(t, orientation.ConvergingBeta, s.Beta())

	for i := 0; i < orientation.ConvergenceWindow-1; i++ {
		f, err := s.Process(constant(39, level), constant(39, still), constant(39, field))
		require.NoError(t, err)
		assert.Equal(t, "converging", f.State)
	}
	assert.Equal(t, [2]float64{}, s.MagReference())
	f, err := s.Process(constant(39, level), constant(39, still), constant(39, field))
	require.NoError(t, err)
	assert.Equal(t, "converged", f.State)
	assert.Equal(t, orientation.Converged, s.State())
	assert.Equal(t, orientation.DefaultBeta, s.Beta())
	ref := s.MagReference()
	assert.InDelta(t, 1, math.Hypot(ref[0], ref[1]), 1e-9)
	assert.Greater(t, ref[0], 0.0)

	// the reference stays put once fixed
	_, err = s.Process(constant(39, level), constant(39, still), constant(39, field40))
	require.NoError(t, err)
	assert.Equal(t, ref, s.MagReference())

	assert.Len(t, f.Render, 39)
	assert.Len(t, f.Euler, 39)
	assert.Len(t, f.Motion.Samples, 39)
	assert.Equal(t, 100.0, f.MaxODR)
	assert.InDelta(t, 0.01, f.SamplePeriod, 1e-15)
}

func TestSessionConvergenceCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConvergenceBatches = 3
	p := newPipeline(t, cfg, 1)

	for i := 0; i < 3; i++ {
		_, err := p.OnBatches([]imu.RawBatch{
			{Sensor: imu.Accelerometer, Samples: constant(39, level)},
			{Sensor: imu.Gyroscope, Samples: constant(39, still)},
			{Sensor: imu.Magnetometer, Samples: constant(39, field)},
		})
		require.NoError(t, err)
	}
	assert.Equal(t, orientation.ConvergenceFailed, p.State())
	assert.ErrorIs(t, p.WaitConverged(context.Background()), ErrConvergenceFailed)
}

func TestPipelineWaitsForActiveSensors(t *testing.T) {
	t.Run("magnetometer active", func(t *testing.T) {
		p := newPipeline(t, DefaultConfig(), 1)
		f, err := p.OnRawBatch(imu.Accelerometer, constant(5, level))
		require.NoError(t, err)
		assert.Nil(t, f)
		f, err = p.OnRawBatch(imu.Gyroscope, constant(5, still))
		require.NoError(t, err)
		assert.Nil(t, f)
		assert.Nil(t, p.Latest())

		f, err = p.OnRawBatch(imu.Magnetometer, constant(5, field))
		require.NoError(t, err)
		require.NotNil(t, f)
		assert.Same(t, f, p.Latest())
	})

	t.Run("magnetometer powered down", func(t *testing.T) {
		p := newPipeline(t, DefaultConfig(), 0)
		_, err := p.OnRawBatch(imu.Gyroscope, constant(5, still))
		require.NoError(t, err)
		f, err := p.OnRawBatch(imu.Accelerometer, constant(5, level))
		require.NoError(t, err)
		assert.NotNil(t, f)
	})

	t.Run("magnetometer batch while powered down is discarded", func(t *testing.T) {
		notify := func(p *Pipeline) *Frame {
			_, err := p.OnRawBatch(imu.Accelerometer, constant(5, level))
			require.NoError(t, err)
			f, err := p.OnRawBatch(imu.Gyroscope, constant(5, turning))
			require.NoError(t, err)
			require.NotNil(t, f)
			return f
		}
		want := newPipeline(t, DefaultConfig(), 0)
		got := newPipeline(t, DefaultConfig(), 0)

		notify(want)
		notify(got)
		f, err := got.OnRawBatch(imu.Magnetometer, constant(5, field40))
		require.NoError(t, err)
		assert.Nil(t, f)

		assert.Equal(t, notify(want).Quaternions, notify(got).Quaternions)
	})

	t.Run("repeated sensor restarts the notification", func(t *testing.T) {
		p := newPipeline(t, DefaultConfig(), 1)
		_, err := p.OnRawBatch(imu.Accelerometer, constant(5, level))
		require.NoError(t, err)
		_, err = p.OnRawBatch(imu.Gyroscope, constant(5, still))
		require.NoError(t, err)
		_, err = p.OnRawBatch(imu.Gyroscope, constant(5, still))
		require.NoError(t, err)
		f, err := p.OnRawBatch(imu.Magnetometer, constant(5, field))
		require.NoError(t, err)
		assert.Nil(t, f, "accelerometer batch was dropped with the partial notification")
	})

	t.Run("unknown sensor", func(t *testing.T) {
		p := newPipeline(t, DefaultConfig(), 1)
		_, err := p.OnRawBatch(imu.SensorType(9), constant(5, level))
		assert.ErrorIs(t, err, ErrUnknownSensor)
	})
}

func TestPipelineWithMockSource(t *testing.T) {
	p, err := NewPipeline(DefaultConfig(), calibration.Store{Dir: t.TempDir()})
	require.NoError(t, err)

	src := sensors.NewMockSource(39, false)
	for i, st := range src.Settings() {
		require.NoError(t, p.UpdateSettings(imu.SensorType(i), st))
	}

	frames, unsubscribe := p.Subscribe()
	ctx := context.Background()
	for i := 0; i < orientation.ConvergenceWindow; i++ {
		batches, err := src.NextBatches(ctx)
		require.NoError(t, err)
		_, err = p.OnBatches(batches)
		require.NoError(t, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, p.WaitConverged(waitCtx))

	received := 0
	for len(frames) > 0 {
		<-frames
		received++
	}
	assert.Equal(t, subscriberBuffer, received, "slow subscriber keeps the first buffered frames")

	unsubscribe()
	unsubscribe()
	_, open := <-frames
	assert.False(t, open)
}

func TestWaitConvergedHonoursContext(t *testing.T) {
	p := newPipeline(t, DefaultConfig(), 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.WaitConverged(ctx), context.DeadlineExceeded)
}

func TestAlignHeading(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConvergingBeta = cfg.Beta
	s := newSession(t, cfg)

	for i := 0; i < 80; i++ {
		_, err := s.Process(constant(39, level), constant(39, still), constant(39, field40))
		require.NoError(t, err)
	}
	before, err := s.Process(constant(39, level), constant(39, still), constant(39, field40))
	require.NoError(t, err)
	assert.InDelta(t, 40, before.Pose.Yaw, 0.5)

	theta, err := s.AlignHeading()
	require.NoError(t, err)
	assert.InDelta(t, 40, theta*180/math.Pi, 0.5)

	after, err := s.Process(constant(39, level), constant(39, still), constant(39, field40))
	require.NoError(t, err)
	assert.InDelta(t, 0, after.Pose.Yaw, 0.5)
	// the filter itself is untouched
	assert.InDelta(t, 40, orientation.ToEuler(after.Quaternions[38]).Pose().Yaw, 0.5)
}

func TestPipelineCalibration(t *testing.T) {
	p := newPipeline(t, DefaultConfig(), 1)
	assert.Equal(t, calibration.Identity(), p.LoadCalibration(imu.Magnetometer))

	params := calibration.Identity()
	params.Offset = [3]float64{10, -5, 3}
	require.NoError(t, p.SaveCalibration(imu.Magnetometer, params))
	assert.Equal(t, params, p.Calibration(imu.Magnetometer))

	fresh, err := NewPipeline(DefaultConfig(), p.store)
	require.NoError(t, err)
	fresh.LoadAllCalibrations()
	assert.Equal(t, params, fresh.Calibration(imu.Magnetometer))
	assert.Equal(t, calibration.Identity(), fresh.Calibration(imu.Accelerometer))

	assert.ErrorIs(t, p.SaveCalibration(imu.SensorType(3), params), ErrUnknownSensor)
}

func TestCursor(t *testing.T) {
	var c Cursor
	_, ok := c.Next(nil, time.Now())
	assert.False(t, ok)

	t0 := time.Unix(1000, 0)
	f := &Frame{Generation: 1, SamplePeriod: 0.01, Quaternions: make([]orientation.Quaternion, 5)}

	i, ok := c.Next(f, t0)
	require.True(t, ok)
	assert.Equal(t, 0, i)

	i, _ = c.Next(f, t0.Add(25*time.Millisecond))
	assert.Equal(t, 2, i)

	i, _ = c.Next(f, t0.Add(time.Second))
	assert.Equal(t, 4, i, "holds the last sample")

	next := &Frame{Generation: 2, SamplePeriod: 0.01, Quaternions: make([]orientation.Quaternion, 5)}
	i, _ = c.Next(next, t0.Add(2*time.Second))
	assert.Equal(t, 0, i, "new generation restarts")
}
