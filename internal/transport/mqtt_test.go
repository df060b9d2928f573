// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/motion_tracker/internal/fusion"
	"github.com/relabs-tech/motion_tracker/internal/imu"
	"github.com/relabs-tech/motion_tracker/internal/sensors"
)

func TestTopics(t *testing.T) {
	assert.Equal(t, "motion/raw/#", RawFilter("motion/raw"))
	assert.Equal(t, "motion/raw/gyr", BatchTopic("motion/raw", imu.Gyroscope))
	assert.Equal(t, "motion/raw/settings/mag", SettingsTopic("motion/raw", imu.Magnetometer))
}

func TestFrameFromMessage(t *testing.T) {
	tests := []struct {
		topic   string
		kind    byte
		wantErr bool
	}{
		{"motion/raw/acc", imu.FrameBatch, false},
		{"motion/raw/mag", imu.FrameBatch, false},
		{"motion/raw/settings/gyr", imu.FrameSettings, false},
		{"motion/raw/settings/baro", 0, true},
		{"motion/raw/temp", 0, true},
		{"other/acc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			f, err := FrameFromMessage("motion/raw", tt.topic, []byte{1, 2})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, f.Kind)
			assert.Equal(t, []byte{1, 2}, f.Payload)
		})
	}
}

func TestMQTTIngest(t *testing.T) {
	var batches []imu.RawBatch
	var frames []*fusion.Frame
	in := &MQTTIngest{
		Prefix:   "motion/raw",
		Pipeline: newPipeline(t),
		OnBatch:  func(b imu.RawBatch) { batches = append(batches, b) },
		OnFrame:  func(f *fusion.Frame) { frames = append(frames, f) },
	}

	for i, s := range sensors.NewMockSource(4, false).Settings() {
		sensor := imu.SensorType(i)
		require.NoError(t, in.handle(SettingsTopic(in.Prefix, sensor), imu.EncodeSettings(sensor, s)))
	}

	src := sensors.NewMockSource(4, false)
	raw, err := src.NextBatches(t.Context())
	require.NoError(t, err)
	for _, b := range raw {
		payload, err := imu.EncodeBatch(b)
		require.NoError(t, err)
		require.NoError(t, in.handle(BatchTopic(in.Prefix, b.Sensor), payload))
	}

	require.Len(t, batches, 3)
	assert.Equal(t, raw[2], batches[2])
	require.Len(t, frames, 1)
	assert.Equal(t, 4, frames[0].Len())

	assert.Error(t, in.handle("motion/raw/acc", []byte{0}))
}
