// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"github.com/relabs-tech/motion_tracker/internal/imu"
)

// StandardGravity in m/s².
const StandardGravity = 9.80665

// Sensor model identifiers as reported in Settings[imu.SensorModel].
const (
	ModelMPU9250Accel  byte = 0x01
	ModelMPU9250Gyro   byte = 0x02
	ModelAK8963Mag     byte = 0x03
	ModelFXOS8700Accel byte = 0x10
	ModelFXOS8700Mag   byte = 0x11
	ModelFXAS21002Gyro byte = 0x12
)

// modelInfo describes how one sensor model turns settings codes into a
// conversion rate (physical units per LSB) and an ODR in Hz.
type modelInfo struct {
	name       string
	conversion func(s imu.Settings) float64
	odr        func(s imu.Settings) float64

	// partner is the model on the other sensor type that shares this die;
	// when both are active the ODR is halved (hybrid mode).
	partner     byte
	partnerType imu.SensorType
}

// lookup returns table[code] or 0 for an unknown code.
func lookup(table []float64, code byte) float64 {
	if int(code) >= len(table) {
		return 0
	}
	return table[code]
}

var (
	mpu9250AccelLSBPerG  = []float64{16384, 8192, 4096, 2048}
	mpu9250GyroLSBPerDPS = []float64{131, 65.5, 32.8, 16.4}

	fxos8700AccelLSBPerG = []float64{4096, 2048, 1024}
	fxos8700ODR          = []float64{800, 400, 200, 100, 50, 12.5, 6.25, 1.5625}

	fxas21002MilliDPSPerLSB = []float64{62.5, 31.25, 15.625, 7.8125}
	fxas21002ODR            = []float64{800, 400, 200, 100, 50, 25, 12.5, 12.5}

	ak8963MicroTeslaPerLSB = []float64{0.6, 0.15} // 14-bit, 16-bit
)

func perG(table []float64) func(imu.Settings) float64 {
	return func(s imu.Settings) float64 {
		lsb := lookup(table, s[imu.FullScale])
		if lsb == 0 {
			return 0
		}
		return StandardGravity / lsb
	}
}

func mpu9250Divided(s imu.Settings) float64 {
	internal := 1000.0
	if s[imu.Filter] == 7 {
		internal = 8000 // DLPF bypassed
	}
	return internal / (1 + float64(s[imu.ODR]))
}

var accelModels = map[byte]modelInfo{
	ModelMPU9250Accel: {
		name:       "MPU9250",
		conversion: perG(mpu9250AccelLSBPerG),
		odr: func(s imu.Settings) float64 {
			return 1000 / (1 + float64(s[imu.ODR]))
		},
	},
	ModelFXOS8700Accel: {
		name:        "FXOS8700",
		conversion:  perG(fxos8700AccelLSBPerG),
		odr:         func(s imu.Settings) float64 { return lookup(fxos8700ODR, s[imu.ODR]) },
		partner:     ModelFXOS8700Mag,
		partnerType: imu.Magnetometer,
	},
}

var gyroModels = map[byte]modelInfo{
	ModelMPU9250Gyro: {
		name: "MPU9250",
		conversion: func(s imu.Settings) float64 {
			lsb := lookup(mpu9250GyroLSBPerDPS, s[imu.FullScale])
			if lsb == 0 {
				return 0
			}
			return 1 / lsb
		},
		odr: mpu9250Divided,
	},
	ModelFXAS21002Gyro: {
		name: "FXAS21002",
		conversion: func(s imu.Settings) float64 {
			return lookup(fxas21002MilliDPSPerLSB, s[imu.FullScale]) / 1000
		},
		odr: func(s imu.Settings) float64 { return lookup(fxas21002ODR, s[imu.ODR]) },
	},
}

var magModels = map[byte]modelInfo{
	ModelAK8963Mag: {
		name:       "AK8963",
		conversion: func(s imu.Settings) float64 { return lookup(ak8963MicroTeslaPerLSB, s[imu.FullScale]) },
		odr: func(s imu.Settings) float64 {
			switch s[imu.ODR] {
			case 0x02: // continuous mode 1
				return 8
			case 0x06: // continuous mode 2
				return 100
			}
			return 0
		},
	},
	ModelFXOS8700Mag: {
		name:        "FXOS8700",
		conversion:  func(imu.Settings) float64 { return 0.1 },
		odr:         func(s imu.Settings) float64 { return lookup(fxos8700ODR, s[imu.ODR]) },
		partner:     ModelFXOS8700Accel,
		partnerType: imu.Accelerometer,
	},
}
