// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import "fmt"

// SensorType tags which part of the triad a batch belongs to.
type SensorType uint8

const (
	Accelerometer SensorType = iota
	Gyroscope
	Magnetometer
)

// SensorCount is the size of the accelerometer/gyroscope/magnetometer triad.
const SensorCount = 3

// MaxBatchSize is the largest sample count a single notification carries.
const MaxBatchSize = 39

var sensorNames = [SensorCount]string{"acc", "gyr", "mag"}

func (s SensorType) String() string {
	if s.Valid() {
		return sensorNames[s]
	}
	return fmt.Sprintf("sensor(%d)", uint8(s))
}

// Valid reports whether s is one of the three known sensor types.
func (s SensorType) Valid() bool {
	return s < SensorCount
}

// ParseSensorType accepts the short names used in topics and file names.
func ParseSensorType(name string) (SensorType, error) {
	for i, n := range sensorNames {
		if n == name {
			return SensorType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown sensor type %q", name)
}

// Vec3 is a calibrated (physical unit) reading.
type Vec3 [3]float64

// RawTriplet is one raw LSB sample as delivered on the wire.
type RawTriplet [3]int16

// RawBatch is the set of samples one sensor delivered in a single notification.
type RawBatch struct {
	Sensor  SensorType   `json:"sensor"`
	Samples []RawTriplet `json:"samples"`
}

// IMURaw represents a single raw IMU+mag sample.
type IMURaw struct {
	Source string `json:"source"`

	Ax int16 `json:"ax"` // accel
	Ay int16 `json:"ay"`
	Az int16 `json:"az"`

	Gx int16 `json:"gx"` // gyro
	Gy int16 `json:"gy"`
	Gz int16 `json:"gz"`

	Mx int16 `json:"mx"` // magnetometer
	My int16 `json:"my"`
	Mz int16 `json:"mz"`
}

// SplitBatch turns combined samples (as read from a local IMU) into one
// RawBatch per sensor type, preserving sample order.
func SplitBatch(samples []IMURaw) [SensorCount]RawBatch {
	var out [SensorCount]RawBatch
	for t := range out {
		out[t] = RawBatch{Sensor: SensorType(t), Samples: make([]RawTriplet, len(samples))}
	}
	for i, s := range samples {
		out[Accelerometer].Samples[i] = RawTriplet{s.Ax, s.Ay, s.Az}
		out[Gyroscope].Samples[i] = RawTriplet{s.Gx, s.Gy, s.Gz}
		out[Magnetometer].Samples[i] = RawTriplet{s.Mx, s.My, s.Mz}
	}
	return out
}
