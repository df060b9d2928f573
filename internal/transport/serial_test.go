// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/motion_tracker/internal/calibration"
	"github.com/relabs-tech/motion_tracker/internal/fusion"
	"github.com/relabs-tech/motion_tracker/internal/imu"
	"github.com/relabs-tech/motion_tracker/internal/sensors"
)

func writeSettings(t *testing.T, w io.Writer) {
	t.Helper()
	for i, s := range sensors.NewMockSource(5, false).Settings() {
		require.NoError(t, imu.WriteFrame(w, imu.FrameSettings, imu.EncodeSettings(imu.SensorType(i), s)))
	}
}

func writeNotification(t *testing.T, w io.Writer, n int) {
	t.Helper()
	samples := map[imu.SensorType]imu.RawTriplet{
		imu.Accelerometer: {0, 0, 16384},
		imu.Gyroscope:     {0, 0, 0},
		imu.Magnetometer:  {133, 0, -267},
	}
	for sensor := imu.SensorType(0); sensor < imu.SensorCount; sensor++ {
		b := imu.RawBatch{Sensor: sensor, Samples: make([]imu.RawTriplet, n)}
		for i := range b.Samples {
			b.Samples[i] = samples[sensor]
		}
		payload, err := imu.EncodeBatch(b)
		require.NoError(t, err)
		require.NoError(t, imu.WriteFrame(w, imu.FrameBatch, payload))
	}
}

func newPipeline(t *testing.T) *fusion.Pipeline {
	t.Helper()
	p, err := fusion.NewPipeline(fusion.DefaultConfig(), calibration.Store{Dir: t.TempDir()})
	require.NoError(t, err)
	return p
}

func TestSerialSourceRun(t *testing.T) {
	var stream bytes.Buffer
	stream.WriteString("boot banner\r\n")
	writeSettings(t, &stream)
	writeNotification(t, &stream, 5)

	// corrupt frame: flipped checksum
	var bad bytes.Buffer
	writeNotification(t, &bad, 5)
	raw := bad.Bytes()
	raw[len(raw)-1] ^= 0xFF
	stream.Write(raw)

	// batch for a sensor that does not exist
	require.NoError(t, imu.WriteFrame(&stream, imu.FrameBatch, []byte{7, 0}))
	writeNotification(t, &stream, 5)

	src := NewSerialSource(io.NopCloser(&stream), "test")
	tapped := 0
	src.Tap = func(imu.Frame) { tapped++ }
	p := newPipeline(t)

	var frames []*fusion.Frame
	err := src.Run(context.Background(), p, func(f *fusion.Frame) { frames = append(frames, f) })
	require.NoError(t, err)

	// the corrupted notification lost its magnetometer batch; its other
	// batches are dropped when the next notification starts
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(1), frames[0].Generation)
	assert.Equal(t, uint64(2), frames[1].Generation)
	assert.Equal(t, 100.0, frames[1].MaxODR)
	assert.Same(t, frames[1], p.Latest())
	// 3 settings, 3+2 good batches, the invalid sensor, 3 batches
	assert.Equal(t, 12, tapped)
	assert.NoError(t, src.Close())
}

func TestSerialSourceSurvivesImpossibleLength(t *testing.T) {
	var stream bytes.Buffer
	writeSettings(t, &stream)
	stream.Write([]byte{0xA5, 0x5A, imu.FrameBatch, 0xFF, 0xFF})
	writeNotification(t, &stream, 5)

	src := NewSerialSource(io.NopCloser(&stream), "noise")
	p := newPipeline(t)

	var frames []*fusion.Frame
	err := src.Run(context.Background(), p, func(f *fusion.Frame) { frames = append(frames, f) })
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, 5, frames[0].Len())
}

func TestRunStopsWithContext(t *testing.T) {
	r, w := io.Pipe()
	src := NewSerialSource(r, "pipe")
	p := newPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, p, nil) }()

	writeSettings(t, w)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDispatch(t *testing.T) {
	p := newPipeline(t)

	_, err := Dispatch(p, imu.Frame{Kind: 0x7F})
	assert.ErrorContains(t, err, "unknown frame kind")

	_, err = Dispatch(p, imu.Frame{Kind: imu.FrameSettings, Payload: []byte{0}})
	assert.ErrorIs(t, err, imu.ErrShortFrame)

	var acc, gyr imu.Settings
	acc[imu.SensorModel] = sensors.ModelMPU9250Accel
	acc[imu.ODR] = 4
	acc[imu.Power] = 1
	gyr[imu.SensorModel] = sensors.ModelMPU9250Gyro
	gyr[imu.ODR] = 4
	gyr[imu.Power] = 1
	gyr[imu.Filter] = 1
	for sensor, st := range map[imu.SensorType]imu.Settings{imu.Accelerometer: acc, imu.Gyroscope: gyr} {
		f, err := Dispatch(p, imu.Frame{Kind: imu.FrameSettings, Payload: imu.EncodeSettings(sensor, st)})
		require.NoError(t, err)
		assert.Nil(t, f)
	}

	batch := func(sensor imu.SensorType, v imu.RawTriplet) imu.Frame {
		payload, err := imu.EncodeBatch(imu.RawBatch{Sensor: sensor, Samples: []imu.RawTriplet{v, v, v}})
		require.NoError(t, err)
		return imu.Frame{Kind: imu.FrameBatch, Payload: payload}
	}
	f, err := Dispatch(p, batch(imu.Gyroscope, imu.RawTriplet{}))
	require.NoError(t, err)
	assert.Nil(t, f)

	// magnetometer was never configured, so acc + gyr complete the notification
	f, err = Dispatch(p, batch(imu.Accelerometer, imu.RawTriplet{0, 0, 16384}))
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, 200.0, f.MaxODR)
	assert.Equal(t, 3, f.Len())
}
