// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"fmt"
	"log"

	"github.com/relabs-tech/motion_tracker/internal/imu"
)

// Aggregate holds the sensor triad and the derived per-type sample
// frequency and conversion rate. Everything is recomputed whenever any
// sensor's settings change, since ODR coupling crosses sensor boundaries.
type Aggregate struct {
	sensors [imu.SensorCount]Sensor

	SampleFrequency [imu.SensorCount]float64 // Hz
	ConversionRate  [imu.SensorCount]float64 // physical units per LSB
}

// NewAggregate returns a triad with zero settings (not yet characterized)
// and identity calibration.
func NewAggregate() *Aggregate {
	return &Aggregate{
		sensors: [imu.SensorCount]Sensor{NewAccelerometer(), NewGyroscope(), NewMagnetometer()},
	}
}

// Sensor returns the sensor of type t.
func (a *Aggregate) Sensor(t imu.SensorType) Sensor {
	return a.sensors[t]
}

// Update installs new settings for one sensor and reruns the reconciler.
func (a *Aggregate) Update(t imu.SensorType, s imu.Settings) error {
	if !t.Valid() {
		return fmt.Errorf("sensors: settings for %v", t)
	}
	a.sensors[t].resolve(s, 0, 0)
	a.reconcile()
	return nil
}

// MaxODR is the largest ODR across the triad; it drives the fusion sample
// period.
func (a *Aggregate) MaxODR() float64 {
	m := 0.0
	for _, f := range a.SampleFrequency {
		if f > m {
			m = f
		}
	}
	return m
}

func (a *Aggregate) reconcile() {
	for t, s := range a.sensors {
		settings := s.Settings()
		model, ok := s.models()[settings.Model()]
		if !ok {
			if settings.Model() != 0 {
				log.Printf("sensors: WARNING: unknown %v model 0x%02X; conversion rate and ODR set to 0", imu.SensorType(t), settings.Model())
			}
			s.resolve(settings, 0, 0)
			a.ConversionRate[t] = 0
			a.SampleFrequency[t] = 0
			continue
		}

		// Coupling is decided before the sensor's own table is consulted.
		divisor := 1.0
		if model.partner != 0 && settings.Active() {
			other := a.sensors[model.partnerType].Settings()
			if other.Model() == model.partner && other.Active() {
				divisor = 2
			}
		}

		conversion := model.conversion(settings)
		odr := 0.0
		if settings.Active() {
			odr = model.odr(settings) / divisor
		}
		if conversion == 0 {
			log.Printf("sensors: WARNING: %v %s full-scale code %d not recognized", imu.SensorType(t), model.name, settings[imu.FullScale])
		}

		s.resolve(settings, conversion, odr)
		a.ConversionRate[t] = conversion
		a.SampleFrequency[t] = odr
	}
}
