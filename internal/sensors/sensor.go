// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"github.com/relabs-tech/motion_tracker/internal/calibration"
	"github.com/relabs-tech/motion_tracker/internal/imu"
)

// Sensor is the contract shared by the accelerometer, gyroscope and
// magnetometer: settings in, calibrated physical readings out.
type Sensor interface {
	Type() imu.SensorType
	Model() byte
	Settings() imu.Settings
	Calibration() calibration.Parameters
	SetCalibration(p calibration.Parameters)

	// ConversionRate is physical units per LSB (m/s², °/s or µT).
	// 0 means the model is not characterized.
	ConversionRate() float64
	// ODR is the current output data rate in Hz, after cross-sensor coupling.
	ODR() float64

	// Physical converts one raw sample: ConversionRate · calibrate(raw).
	Physical(raw imu.RawTriplet) imu.Vec3

	models() map[byte]modelInfo
	resolve(settings imu.Settings, conversion, odr float64)
}

type sensorState struct {
	settings   imu.Settings
	cal        calibration.Parameters
	conversion float64
	odr        float64
}

func newSensorState() sensorState {
	return sensorState{cal: calibration.Identity()}
}

func (s *sensorState) Model() byte { return s.settings.Model() }
func (s *sensorState) Settings() imu.Settings { return s.settings }
func (s *sensorState) Calibration() calibration.Parameters { return s.cal }
func (s *sensorState) SetCalibration(p calibration.Parameters) { s.cal = p }
func (s *sensorState) ConversionRate() float64 { return s.conversion }
func (s *sensorState) ODR() float64 { return s.odr }

func (s *sensorState) resolve(settings imu.Settings, conversion, odr float64) {
	s.settings = settings
	s.conversion = conversion
	s.odr = odr
}

func (s *sensorState) Physical(raw imu.RawTriplet) imu.Vec3 {
	c := calibration.Apply([3]float64{float64(raw[0]), float64(raw[1]), float64(raw[2])}, s.cal)
	return imu.Vec3{c[0] * s.conversion, c[1] * s.conversion, c[2] * s.conversion}
}

// Accelerometer reports m/s².
type Accelerometer struct{ sensorState }

// Gyroscope reports °/s.
type Gyroscope struct{ sensorState }

// Magnetometer reports µT.
type Magnetometer struct{ sensorState }

func NewAccelerometer() *Accelerometer { return &Accelerometer{newSensorState()} }
func NewGyroscope() *Gyroscope { return &Gyroscope{newSensorState()} }
func NewMagnetometer() *Magnetometer { return &Magnetometer{newSensorState()} }

func (*Accelerometer) Type() imu.SensorType { return imu.Accelerometer }
func (*Gyroscope) Type() imu.SensorType { return imu.Gyroscope }
func (*Magnetometer) Type() imu.SensorType { return imu.Magnetometer }

func (*Accelerometer) models() map[byte]modelInfo { return accelModels }
func (*Gyroscope) models() map[byte]modelInfo { return gyroModels }
func (*Magnetometer) models() map[byte]modelInfo { return magModels }

// ModelName returns a human readable model name, or "" if unknown.
func ModelName(s Sensor) string {
	model, ok := s.models()[s.Settings().Model()]
	if !ok {
		return ""
	}
	return model.name
}
