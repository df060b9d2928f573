// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/relabs-tech/motion_tracker/internal/imu"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/devices/v3/mpu9250"
	"periph.io/x/host/v3"
)

// MPU9250Options selects the SPI wiring and ranges of a locally attached
// MPU9250.
type MPU9250Options struct {
	SPIDevice  string
	CSPin      string
	BatchSize  int
	AccelRange byte // 0=±2g, 1=±4g, 2=±8g, 3=±16g
	GyroRange  byte // 0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s
	RateDiv    byte // sample rate = 1000 / (1 + RateDiv) Hz
}

type mpu9250Source struct {
	dev    *mpu9250.MPU9250
	opts   MPU9250Options
	ticker *time.Ticker
}

// NewMPU9250Source initializes an MPU9250 over SPI and returns a batch
// source that polls accelerometer and gyroscope at the configured rate.
// The magnetometer is reported as inactive.
func NewMPU9250Source(opts MPU9250Options) (BatchSource, error) {
	if opts.BatchSize <= 0 || opts.BatchSize > imu.MaxBatchSize {
		return nil, fmt.Errorf("MPU9250: batch size %d out of range 1..%d", opts.BatchSize, imu.MaxBatchSize)
	}
	if opts.AccelRange > 3 || opts.GyroRange > 3 {
		return nil, fmt.Errorf("MPU9250: range codes accel=%d gyro=%d out of range 0..3", opts.AccelRange, opts.GyroRange)
	}

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("MPU9250: periph host init: %w", err)
	}

	cs := gpioreg.ByName(opts.CSPin)
	if cs == nil {
		return nil, fmt.Errorf("MPU9250: CS pin %q not found", opts.CSPin)
	}

	tr, err := mpu9250.NewSpiTransport(opts.SPIDevice, cs)
	if err != nil {
		return nil, fmt.Errorf("MPU9250: SPI transport (%s): %w", opts.SPIDevice, err)
	}

	dev, err := mpu9250.New(*tr)
	if err != nil {
		return nil, fmt.Errorf("MPU9250: device creation: %w", err)
	}

	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("MPU9250: initialization: %w", err)
	}

	if res, err := dev.SelfTest(); err != nil {
		log.Printf("Warning: MPU9250 self-test failed: %v", err)
	} else {
		log.Printf("MPU9250 self-test passed:")
		log.Printf("  Accelerometer deviation: X: %.2f%%, Y: %.2f%%, Z: %.2f%%",
			res.AccelDeviation.X, res.AccelDeviation.Y, res.AccelDeviation.Z)
		log.Printf("  Gyroscope deviation: X: %.2f%%, Y: %.2f%%, Z: %.2f%%",
			res.GyroDeviation.X, res.GyroDeviation.Y, res.GyroDeviation.Z)
	}

	if err := dev.Calibrate(); err != nil {
		log.Printf("Warning: MPU9250 calibration failed: %v", err)
	} else {
		log.Printf("MPU9250 calibration complete")
	}

	// Ranges go last: self-test and calibration leave their own range behind.
	if err := dev.SetAccelRange(opts.AccelRange); err != nil {
		return nil, fmt.Errorf("MPU9250: set accel range: %w", err)
	}
	log.Printf("MPU9250: accelerometer range set to %d (±%dg)", opts.AccelRange, []int{2, 4, 8, 16}[opts.AccelRange])

	if err := dev.SetGyroRange(opts.GyroRange); err != nil {
		return nil, fmt.Errorf("MPU9250: set gyro range: %w", err)
	}
	log.Printf("MPU9250: gyroscope range set to %d (±%d°/s)", opts.GyroRange, []int{250, 500, 1000, 2000}[opts.GyroRange])

	s := &mpu9250Source{dev: dev, opts: opts}
	period := time.Duration(float64(time.Second) / s.rate())
	s.ticker = time.NewTicker(period)
	log.Printf("MPU9250: polling at %.1f Hz, %d samples per batch", s.rate(), opts.BatchSize)
	return s, nil
}

func (s *mpu9250Source) rate() float64 {
	return 1000 / (1 + float64(s.opts.RateDiv))
}

func (s *mpu9250Source) Settings() [imu.SensorCount]imu.Settings {
	var acc, gyr, mag imu.Settings
	acc[imu.SensorModel] = ModelMPU9250Accel
	acc[imu.FullScale] = s.opts.AccelRange
	acc[imu.ODR] = s.opts.RateDiv
	acc[imu.Power] = 1

	gyr[imu.SensorModel] = ModelMPU9250Gyro
	gyr[imu.FullScale] = s.opts.GyroRange
	gyr[imu.ODR] = s.opts.RateDiv
	gyr[imu.Power] = 1
	gyr[imu.Filter] = 1

	mag[imu.SensorModel] = ModelAK8963Mag
	return [imu.SensorCount]imu.Settings{acc, gyr, mag}
}

func (s *mpu9250Source) NextBatches(ctx context.Context) ([]imu.RawBatch, error) {
	raws := make([]imu.IMURaw, s.opts.BatchSize)
	for i := range raws {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ticker.C:
		}
		r, err := s.readRaw()
		if err != nil {
			return nil, err
		}
		raws[i] = r
	}
	batches := imu.SplitBatch(raws)
	// magnetometer is powered down; do not hand out zero triplets for it
	return batches[:imu.Magnetometer], nil
}

func (s *mpu9250Source) Close() error {
	s.ticker.Stop()
	return nil
}

// readRaw reads accelerometer and gyroscope.
func (s *mpu9250Source) readRaw() (imu.IMURaw, error) {
	ax, err := s.dev.GetAccelerationX()
	if err != nil {
		return imu.IMURaw{}, fmt.Errorf("MPU9250 accel X: %w", err)
	}
	ay, err := s.dev.GetAccelerationY()
	if err != nil {
		return imu.IMURaw{}, fmt.Errorf("MPU9250 accel Y: %w", err)
	}
	az, err := s.dev.GetAccelerationZ()
	if err != nil {
		return imu.IMURaw{}, fmt.Errorf("MPU9250 accel Z: %w", err)
	}

	gx, err := s.dev.GetRotationX()
	if err != nil {
		return imu.IMURaw{}, fmt.Errorf("MPU9250 gyro X: %w", err)
	}
	gy, err := s.dev.GetRotationY()
	if err != nil {
		return imu.IMURaw{}, fmt.Errorf("MPU9250 gyro Y: %w", err)
	}
	gz, err := s.dev.GetRotationZ()
	if err != nil {
		return imu.IMURaw{}, fmt.Errorf("MPU9250 gyro Z: %w", err)
	}

	return imu.IMURaw{
		Source: "mpu9250",
		Ax:     ax,
		Ay:     ay,
		Az:     az,
		Gx:     gx,
		Gy:     gy,
		Gz:     gz,
	}, nil
}
