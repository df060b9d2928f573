// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package fusion runs one batch at a time through calibration, the
// attitude filter and the motion integrator, and hands completed frames to
// consumers.
package fusion

import (
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/relabs-tech/motion_tracker/internal/imu"
	"github.com/relabs-tech/motion_tracker/internal/motion"
	"github.com/relabs-tech/motion_tracker/internal/orientation"
	"github.com/relabs-tech/motion_tracker/internal/sensors"
)

var (
	// ErrBatchSize reports a batch whose sample count differs from the
	// session's established size, or sensor batches that disagree.
	ErrBatchSize = errors.New("fusion: batch size mismatch")
	// ErrUnknownSensor reports a sensor tag outside acc/gyr/mag.
	ErrUnknownSensor = errors.New("fusion: unknown sensor type")
	// ErrNoSampleRate is returned while no sensor has a usable ODR.
	ErrNoSampleRate = errors.New("fusion: no sensor has a known output data rate")
	// ErrConvergenceFailed is returned by WaitConverged when the filter hit
	// its convergence cap.
	ErrConvergenceFailed = errors.New("fusion: orientation filter did not converge")
)

// Config tunes the filter and the motion integrator.
type Config struct {
	Beta                  float64
	ConvergingBeta        float64
	ConvergenceTolerance  float64
	MaxConvergenceBatches int
	Motion                motion.Config
}

// DefaultConfig returns the nominal gains and thresholds.
func DefaultConfig() Config {
	return Config{
		Beta:                  orientation.DefaultBeta,
		ConvergingBeta:        orientation.ConvergingBeta,
		ConvergenceTolerance:  0.05,
		MaxConvergenceBatches: 500,
		Motion:                motion.DefaultConfig(),
	}
}

// Session owns all state that must survive from one batch to the next.
// It is not safe for concurrent use; Pipeline serializes access.
type Session struct {
	cfg         Config
	sensors     *sensors.Aggregate
	filter      orientation.Madgwick
	convergence *orientation.Convergence
	heading     *orientation.HeadingAligner
	integrator  *motion.Integrator

	last       orientation.Quaternion // q[N-1] of the previous batch
	seeded     bool
	batchSize  int
	generation uint64
}

// NewSession returns a session in the Converging state with uncharacterized
// sensors and identity calibration.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Beta <= 0 || cfg.ConvergingBeta <= 0 {
		return nil, fmt.Errorf("fusion: filter gains must be positive (beta=%v converging=%v)", cfg.Beta, cfg.ConvergingBeta)
	}
	if cfg.ConvergenceTolerance <= 0 {
		return nil, fmt.Errorf("fusion: convergence tolerance must be positive, got %v", cfg.ConvergenceTolerance)
	}
	integrator, err := motion.NewIntegrator(cfg.Motion)
	if err != nil {
		return nil, err
	}
	return &Session{
		cfg:         cfg,
		sensors:     sensors.NewAggregate(),
		filter:      orientation.Madgwick{Beta: cfg.ConvergingBeta},
		convergence: orientation.NewConvergence(cfg.ConvergenceTolerance, cfg.MaxConvergenceBatches),
		heading:     orientation.NewHeadingAligner(),
		integrator:  integrator,
		last:        orientation.Identity,
	}, nil
}

// Sensors exposes the sensor triad for settings and calibration.
func (s *Session) Sensors() *sensors.Aggregate { return s.sensors }

// State returns the convergence phase.
func (s *Session) State() orientation.ConvergenceState { return s.convergence.State() }

// Beta returns the filter gain in use.
func (s *Session) Beta() float64 { return s.filter.Beta }

// MagReference returns the fixed earth-frame field direction (bx, bz), zero
// until the filter has settled with a magnetometer.
func (s *Session) MagReference() [2]float64 { return s.filter.Reference }

// Last returns the last quaternion of the previous batch.
func (s *Session) Last() orientation.Quaternion { return s.last }

// UpdateSettings installs a settings block and reruns ODR reconciliation.
func (s *Session) UpdateSettings(t imu.SensorType, settings imu.Settings) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownSensor, t)
	}
	return s.sensors.Update(t, settings)
}

// AlignHeading turns the current heading to north for all rendered output.
func (s *Session) AlignHeading() (float64, error) {
	theta, err := s.heading.Align(s.last)
	if err != nil {
		return 0, err
	}
	log.Printf("fusion: heading aligned, offset %.2f°", theta*180/math.Pi)
	return theta, nil
}

// Process runs one notification's worth of samples. acc and gyr must hold
// the same number of samples; mag may be empty when the magnetometer is off.
// The first successful batch fixes the batch size for the session.
func (s *Session) Process(acc, gyr, mag []imu.RawTriplet) (*Frame, error) {
	n := len(acc)
	if n == 0 || n > imu.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d samples", ErrBatchSize, n)
	}
	if len(gyr) != n || (len(mag) != 0 && len(mag) != n) {
		return nil, fmt.Errorf("%w: acc=%d gyr=%d mag=%d", ErrBatchSize, n, len(gyr), len(mag))
	}
	if s.batchSize != 0 && n != s.batchSize {
		return nil, fmt.Errorf("%w: got %d samples, session uses %d", ErrBatchSize, n, s.batchSize)
	}
	odr := s.sensors.MaxODR()
	if odr <= 0 {
		return nil, ErrNoSampleRate
	}
	dt := 1 / odr

	accSensor := s.sensors.Sensor(imu.Accelerometer)
	gyrSensor := s.sensors.Sensor(imu.Gyroscope)
	magSensor := s.sensors.Sensor(imu.Magnetometer)

	accPhys := make([][3]float64, n)
	for i := range acc {
		accPhys[i] = accSensor.Physical(acc[i])
	}

	if !s.seeded {
		s.last = orientation.InitialQuaternion(accPhys[0])
		s.seeded = true
	}

	qs := make([]orientation.Quaternion, n)
	prev := s.last
	var m [3]float64
	for i := 0; i < n; i++ {
		gyro := orientation.DegToRad(gyrSensor.Physical(gyr[i]))
		if len(mag) != 0 {
			m = magSensor.Physical(mag[i])
		}
		qs[i] = s.filter.Update(prev, gyro, accPhys[i], m, dt)
		prev = qs[i]
	}
	s.last = qs[n-1]
	s.batchSize = n

	if s.convergence.State() == orientation.Converging {
		switch s.convergence.Observe(qs[0]) {
		case orientation.Converged:
			s.settle(m)
			log.Printf("fusion: orientation converged after %d batches, beta set to %v", s.convergence.Batches(), s.cfg.Beta)
		case orientation.ConvergenceFailed:
			s.settle(m)
			log.Printf("fusion: WARNING: orientation did not converge within %d batches, continuing with beta %v", s.convergence.Batches(), s.cfg.Beta)
		}
	}

	mst, err := s.integrator.Process(qs, accPhys, dt)
	if err != nil {
		return nil, err
	}

	s.generation++
	return s.frame(qs, mst, odr), nil
}

// settle switches to the running gain and fixes the magnetic reference to
// the field seen at the settled attitude.
func (s *Session) settle(mag [3]float64) {
	s.filter.Beta = s.cfg.Beta
	if ref, ok := orientation.FieldReference(s.last, mag); ok {
		s.filter.Reference = ref
		log.Printf("fusion: magnetic reference fixed at bx=%.4f bz=%.4f", ref[0], ref[1])
	}
	s.integrator.Reset()
}

func (s *Session) frame(qs []orientation.Quaternion, mst motion.State, odr float64) *Frame {
	f := &Frame{
		Generation:   s.generation,
		MaxODR:       odr,
		SamplePeriod: 1 / odr,
		State:        s.convergence.State().String(),
		Quaternions:  qs,
		Render:       make([]orientation.Quaternion, len(qs)),
		Euler:        make([]orientation.EulerAngles, len(qs)),
		Motion:       mst,
	}
	for i, q := range qs {
		aligned := s.heading.Apply(q)
		f.Render[i] = aligned.ToRenderFrame()
		f.Euler[i] = orientation.ToEuler(aligned)
	}
	f.Pose = f.Euler[len(qs)-1].Pose()
	return f
}
