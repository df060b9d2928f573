// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBatchLittleEndian(t *testing.T) {
	// acc, 1 sample: (1, -2, 16384)
	p := []byte{0x00, 0x01, 0x01, 0x00, 0xFE, 0xFF, 0x00, 0x40}
	b, err := DecodeBatch(p)
	require.NoError(t, err)
	assert.Equal(t, Accelerometer, b.Sensor)
	require.Len(t, b.Samples, 1)
	assert.Equal(t, RawTriplet{1, -2, 16384}, b.Samples[0])
}

func TestDecodeBatchErrors(t *testing.T) {
	t.Run("too short for header", func(t *testing.T) {
		_, err := DecodeBatch([]byte{0x00})
		assert.ErrorIs(t, err, ErrShortFrame)
	})

	t.Run("count larger than payload", func(t *testing.T) {
		_, err := DecodeBatch([]byte{0x01, 0x02, 0, 0, 0, 0, 0, 0})
		assert.ErrorIs(t, err, ErrShortFrame)
	})

	t.Run("unknown sensor tag", func(t *testing.T) {
		_, err := DecodeBatch([]byte{0x07, 0x00})
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrShortFrame))
	})
}

func TestEncodeBatchRejectsOversized(t *testing.T) {
	_, err := EncodeBatch(RawBatch{Sensor: Gyroscope, Samples: make([]RawTriplet, MaxBatchSize+1)})
	assert.Error(t, err)
}

func TestSettingsCodec(t *testing.T) {
	s := Settings{0x10, 1, 2, 1, 0, 0, 0, 0, 0, 9}
	sensor, got, err := DecodeSettings(EncodeSettings(Magnetometer, s))
	require.NoError(t, err)
	assert.Equal(t, Magnetometer, sensor)
	assert.Equal(t, s, got)
	assert.True(t, got.Active())
	assert.Equal(t, byte(0x10), got.Model())

	_, _, err = DecodeSettings([]byte{0x00, 1, 2})
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestReadFrameResynchronises(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0xA5, 0x11, 0x5A}) // noise, including a lone first sync byte
	payload, err := EncodeBatch(RawBatch{Sensor: Magnetometer, Samples: []RawTriplet{{10, 20, 30}}})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(&buf, FrameBatch, payload))
	require.NoError(t, WriteFrame(&buf, FrameSettings, EncodeSettings(Gyroscope, Settings{0x02, 0, 9, 1})))

	r := bufio.NewReader(&buf)

	f, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, FrameBatch, f.Kind)
	b, err := DecodeBatch(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, []RawTriplet{{10, 20, 30}}, b.Samples)

	f, err = ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, FrameSettings, f.Kind)

	_, err = ReadFrame(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameBadChecksum(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameSettings, EncodeSettings(Accelerometer, Settings{})))
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xFF

	_, err := ReadFrame(bufio.NewReader(bytes.NewReader(raw)))
	assert.ErrorIs(t, err, ErrBadChecksum)
}

func TestReadFrameTooLongThenResynchronises(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xA5, 0x5A, FrameBatch, 0xFF, 0xFF}) // sync word in line noise
	require.NoError(t, WriteFrame(&buf, FrameSettings, EncodeSettings(Accelerometer, Settings{0x01})))

	r := bufio.NewReader(&buf)
	_, err := ReadFrame(r)
	assert.ErrorIs(t, err, ErrFrameTooLong)

	f, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, FrameSettings, f.Kind)
}

func TestSplitBatch(t *testing.T) {
	samples := []IMURaw{
		{Ax: 1, Ay: 2, Az: 3, Gx: 4, Gy: 5, Gz: 6, Mx: 7, My: 8, Mz: 9},
		{Ax: -1, Gz: -6, Mz: -9},
	}
	out := SplitBatch(samples)
	assert.Equal(t, []RawTriplet{{1, 2, 3}, {-1, 0, 0}}, out[Accelerometer].Samples)
	assert.Equal(t, []RawTriplet{{4, 5, 6}, {0, 0, -6}}, out[Gyroscope].Samples)
	assert.Equal(t, []RawTriplet{{7, 8, 9}, {0, 0, -9}}, out[Magnetometer].Samples)
	assert.Equal(t, Magnetometer, out[Magnetometer].Sensor)
}

func TestParseSensorType(t *testing.T) {
	for _, s := range []SensorType{Accelerometer, Gyroscope, Magnetometer} {
		got, err := ParseSensorType(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseSensorType("baro")
	assert.Error(t, err)
}
