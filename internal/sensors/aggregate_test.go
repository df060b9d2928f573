// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/motion_tracker/internal/calibration"
	"github.com/relabs-tech/motion_tracker/internal/imu"
)

func settings(model, fsr, odr, power byte) imu.Settings {
	var s imu.Settings
	s[imu.SensorModel] = model
	s[imu.FullScale] = fsr
	s[imu.ODR] = odr
	s[imu.Power] = power
	return s
}

func TestAccelerometerOneG(t *testing.T) {
	a := NewAggregate()
	require.NoError(t, a.Update(imu.Accelerometer, settings(ModelMPU9250Accel, 0, 9, 1)))

	got := a.Sensor(imu.Accelerometer).Physical(imu.RawTriplet{0, 0, 16384})
	assert.InDelta(t, 0, got[0], 1e-12)
	assert.InDelta(t, 0, got[1], 1e-12)
	assert.InDelta(t, 9.80665, got[2], 1e-12)
}

func TestPhysicalAppliesCalibrationBeforeConversion(t *testing.T) {
	a := NewAggregate()
	require.NoError(t, a.Update(imu.Gyroscope, settings(ModelMPU9250Gyro, 0, 0, 1)))

	g := a.Sensor(imu.Gyroscope)
	p := calibration.Identity()
	p.Offset = [3]float64{131, 0, -131}
	g.SetCalibration(p)

	got := g.Physical(imu.RawTriplet{262, 131, 0})
	assert.InDelta(t, 1.0, got[0], 1e-12)
	assert.InDelta(t, 1.0, got[1], 1e-12)
	assert.InDelta(t, 1.0, got[2], 1e-12)
}

func TestFXOS8700HybridHalvesODR(t *testing.T) {
	a := NewAggregate()
	require.NoError(t, a.Update(imu.Accelerometer, settings(ModelFXOS8700Accel, 0, 0, 1)))
	assert.Equal(t, 800.0, a.SampleFrequency[imu.Accelerometer], "accelerometer alone runs at table rate")

	require.NoError(t, a.Update(imu.Magnetometer, settings(ModelFXOS8700Mag, 0, 0, 1)))
	assert.Equal(t, 400.0, a.SampleFrequency[imu.Accelerometer])
	assert.Equal(t, 400.0, a.SampleFrequency[imu.Magnetometer])
	assert.Equal(t, 400.0, a.Sensor(imu.Magnetometer).ODR())

	// powering the magnetometer down restores the accelerometer
	require.NoError(t, a.Update(imu.Magnetometer, settings(ModelFXOS8700Mag, 0, 0, 0)))
	assert.Equal(t, 800.0, a.SampleFrequency[imu.Accelerometer])
	assert.Equal(t, 0.0, a.SampleFrequency[imu.Magnetometer])
}

func TestNoCouplingAcrossDifferentDies(t *testing.T) {
	a := NewAggregate()
	require.NoError(t, a.Update(imu.Accelerometer, settings(ModelFXOS8700Accel, 0, 1, 1)))
	require.NoError(t, a.Update(imu.Magnetometer, settings(ModelAK8963Mag, 1, 0x06, 1)))

	assert.Equal(t, 400.0, a.SampleFrequency[imu.Accelerometer])
	assert.Equal(t, 100.0, a.SampleFrequency[imu.Magnetometer])
}

func TestMaxODR(t *testing.T) {
	cases := []struct {
		name          string
		acc, gyr, mag imu.Settings
		want          float64
	}{
		{"accelerometer fastest", settings(ModelMPU9250Accel, 0, 0, 1), settings(ModelMPU9250Gyro, 0, 9, 1), settings(ModelAK8963Mag, 1, 0x06, 1), 1000},
		{"gyroscope fastest", settings(ModelMPU9250Accel, 0, 9, 1), settings(ModelFXAS21002Gyro, 0, 0, 1), settings(ModelAK8963Mag, 1, 0x02, 1), 800},
		{"magnetometer fastest", settings(ModelFXOS8700Accel, 0, 6, 1), settings(ModelFXAS21002Gyro, 0, 6, 1), settings(ModelAK8963Mag, 1, 0x06, 1), 100},
		{"nothing characterized", imu.Settings{}, imu.Settings{}, imu.Settings{}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := NewAggregate()
			require.NoError(t, a.Update(imu.Accelerometer, tc.acc))
			require.NoError(t, a.Update(imu.Gyroscope, tc.gyr))
			require.NoError(t, a.Update(imu.Magnetometer, tc.mag))

			want := a.SampleFrequency[0]
			for _, f := range a.SampleFrequency {
				if f > want {
					want = f
				}
			}
			assert.Equal(t, want, a.MaxODR())
			assert.Equal(t, tc.want, a.MaxODR())
		})
	}
}

func TestUnknownModelDegradesToZero(t *testing.T) {
	a := NewAggregate()
	require.NoError(t, a.Update(imu.Gyroscope, settings(0x7F, 0, 0, 1)))

	assert.Equal(t, 0.0, a.ConversionRate[imu.Gyroscope])
	assert.Equal(t, 0.0, a.SampleFrequency[imu.Gyroscope])
	assert.Equal(t, imu.Vec3{}, a.Sensor(imu.Gyroscope).Physical(imu.RawTriplet{100, 200, 300}))
	assert.Equal(t, "", ModelName(a.Sensor(imu.Gyroscope)))

	// an out-of-table full-scale code degrades the conversion only
	require.NoError(t, a.Update(imu.Accelerometer, settings(ModelMPU9250Accel, 9, 9, 1)))
	assert.Equal(t, 0.0, a.ConversionRate[imu.Accelerometer])
	assert.Equal(t, 100.0, a.SampleFrequency[imu.Accelerometer])
}

func TestUpdateRejectsUnknownSensorType(t *testing.T) {
	assert.Error(t, NewAggregate().Update(imu.SensorType(7), imu.Settings{}))
}

func TestConversionTables(t *testing.T) {
	cases := []struct {
		name   string
		sensor imu.SensorType
		s      imu.Settings
		rate   float64
	}{
		{"mpu9250 accel 16g", imu.Accelerometer, settings(ModelMPU9250Accel, 3, 0, 1), StandardGravity / 2048},
		{"fxos8700 accel 2g", imu.Accelerometer, settings(ModelFXOS8700Accel, 0, 0, 1), StandardGravity / 4096},
		{"mpu9250 gyro 2000dps", imu.Gyroscope, settings(ModelMPU9250Gyro, 3, 0, 1), 1 / 16.4},
		{"fxas21002 gyro 250dps", imu.Gyroscope, settings(ModelFXAS21002Gyro, 3, 0, 1), 0.0078125},
		{"ak8963 16 bit", imu.Magnetometer, settings(ModelAK8963Mag, 1, 0x06, 1), 0.15},
		{"fxos8700 mag", imu.Magnetometer, settings(ModelFXOS8700Mag, 0, 0, 1), 0.1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := NewAggregate()
			require.NoError(t, a.Update(tc.sensor, tc.s))
			assert.InDelta(t, tc.rate, a.ConversionRate[tc.sensor], 1e-15)
			assert.InDelta(t, tc.rate, a.Sensor(tc.sensor).ConversionRate(), 1e-15)
		})
	}
}

func TestGyroscopeDLPFBypassRate(t *testing.T) {
	a := NewAggregate()
	s := settings(ModelMPU9250Gyro, 0, 7, 1)
	s[imu.Filter] = 7
	require.NoError(t, a.Update(imu.Gyroscope, s))
	assert.Equal(t, 1000.0, a.SampleFrequency[imu.Gyroscope])
}

func TestMockSource(t *testing.T) {
	src := NewMockSource(10, false)
	defer src.Close()

	a := NewAggregate()
	for i, s := range src.Settings() {
		require.NoError(t, a.Update(imu.SensorType(i), s))
	}
	assert.Equal(t, 100.0, a.MaxODR())

	batches, err := src.NextBatches(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, imu.SensorCount)
	for i, b := range batches {
		assert.Equal(t, imu.SensorType(i), b.Sensor)
		assert.Len(t, b.Samples, 10)
	}

	// at rest at t=0: gravity on z, field along +x/-z
	acc := a.Sensor(imu.Accelerometer).Physical(batches[imu.Accelerometer].Samples[0])
	assert.InDelta(t, StandardGravity, acc[2], 0.01)
	mag := a.Sensor(imu.Magnetometer).Physical(batches[imu.Magnetometer].Samples[0])
	assert.InDelta(t, 20, mag[0], 0.2)
	assert.InDelta(t, -40, mag[2], 0.2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.NextBatches(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
