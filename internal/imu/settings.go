// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

// SettingsLen is the number of bytes describing one sensor on the settings
// characteristic.
const SettingsLen = 10

// Byte offsets inside Settings.
const (
	SensorModel = iota
	FullScale
	ODR
	Power
	Filter
	Oversampling
	HighPass
	FIFO
	Extra1
	Extra2
)

// Settings is the per-sensor configuration block: model ID, full-scale-range
// code, ODR code, power mode and auxiliary filter codes.
type Settings [SettingsLen]byte

// Model returns the sensor model identifier.
func (s Settings) Model() byte { return s[SensorModel] }

// Active reports whether the sensor is powered (Power != 0).
func (s Settings) Active() bool { return s[Power] != 0 }
