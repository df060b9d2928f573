// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package fusion

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/relabs-tech/motion_tracker/internal/calibration"
	"github.com/relabs-tech/motion_tracker/internal/imu"
	"github.com/relabs-tech/motion_tracker/internal/orientation"
)

const subscriberBuffer = 8

// Pipeline is the boundary between the transport, which delivers batches
// from its own goroutine, and consumers reading completed frames. Batch
// processing is serialized; readers only ever see whole frames.
type Pipeline struct {
	store calibration.Store

	mu      sync.Mutex // guards session and pending
	session *Session
	pending [imu.SensorCount][]imu.RawTriplet
	have    [imu.SensorCount]bool

	frameMu   sync.RWMutex
	latest    *Frame
	settled   chan struct{} // closed when convergence leaves Converging
	subs      map[int]chan *Frame
	nextSubID int
}

// NewPipeline creates a pipeline around a fresh session.
func NewPipeline(cfg Config, store calibration.Store) (*Pipeline, error) {
	s, err := NewSession(cfg)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		store:   store,
		session: s,
		settled: make(chan struct{}),
		subs:    make(map[int]chan *Frame),
	}, nil
}

// UpdateSettings installs a 10-byte settings block for one sensor.
func (p *Pipeline) UpdateSettings(t imu.SensorType, settings imu.Settings) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.session.UpdateSettings(t, settings); err != nil {
		return err
	}
	agg := p.session.Sensors()
	log.Printf("fusion: %v settings updated: model=0x%02X odr=%.2f Hz conversion=%g, max ODR %.2f Hz",
		t, settings.Model(), agg.SampleFrequency[t], agg.ConversionRate[t], agg.MaxODR())
	return nil
}

// OnRawBatch accepts one sensor's batch of a notification. Once every
// active sensor has delivered, the batch is processed and the new frame is
// returned; until then it returns nil. The magnetometer is waited for only
// while it has a non-zero ODR; before that its batches are discarded.
func (p *Pipeline) OnRawBatch(t imu.SensorType, raw []imu.RawTriplet) (*Frame, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSensor, t)
	}

	p.mu.Lock()
	if t == imu.Magnetometer && !p.magActive() {
		// not part of any notification until its ODR is known
		p.mu.Unlock()
		return nil, nil
	}
	if p.have[t] {
		log.Printf("fusion: WARNING: second %v batch before notification completed, dropping partial notification", t)
		p.clearPending()
	}
	p.pending[t] = append([]imu.RawTriplet(nil), raw...)
	p.have[t] = true

	if !p.complete() {
		p.mu.Unlock()
		return nil, nil
	}
	acc, gyr, mag := p.pending[imu.Accelerometer], p.pending[imu.Gyroscope], p.pending[imu.Magnetometer]
	p.clearPending()
	defer p.mu.Unlock()
	frame, err := p.session.Process(acc, gyr, mag)
	if err != nil {
		return nil, err
	}
	p.publish(frame, p.session.State())
	return frame, nil
}

// OnBatches feeds all batches of one notification.
func (p *Pipeline) OnBatches(batches []imu.RawBatch) (*Frame, error) {
	var frame *Frame
	for _, b := range batches {
		f, err := p.OnRawBatch(b.Sensor, b.Samples)
		if err != nil {
			return nil, err
		}
		if f != nil {
			frame = f
		}
	}
	return frame, nil
}

func (p *Pipeline) complete() bool {
	if !p.have[imu.Accelerometer] || !p.have[imu.Gyroscope] {
		return false
	}
	return !p.magActive() || p.have[imu.Magnetometer]
}

func (p *Pipeline) magActive() bool {
	return p.session.Sensors().SampleFrequency[imu.Magnetometer] > 0
}

func (p *Pipeline) clearPending() {
	for i := range p.pending {
		p.pending[i] = nil
		p.have[i] = false
	}
}

func (p *Pipeline) publish(f *Frame, state orientation.ConvergenceState) {
	p.frameMu.Lock()
	defer p.frameMu.Unlock()
	p.latest = f
	if state != orientation.Converging {
		select {
		case <-p.settled:
		default:
			close(p.settled)
		}
	}
	for _, ch := range p.subs {
		select {
		case ch <- f:
		default:
			// slow consumer; it will pick up a later frame
		}
	}
}

// Latest returns the most recent completed frame, or nil before the first.
func (p *Pipeline) Latest() *Frame {
	p.frameMu.RLock()
	defer p.frameMu.RUnlock()
	return p.latest
}

// Subscribe returns a channel of completed frames and a function that ends
// the subscription. Frames are dropped for subscribers that fall behind.
func (p *Pipeline) Subscribe() (<-chan *Frame, func()) {
	p.frameMu.Lock()
	defer p.frameMu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan *Frame, subscriberBuffer)
	p.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.frameMu.Lock()
			delete(p.subs, id)
			p.frameMu.Unlock()
			close(ch)
		})
	}
}

// WaitConverged blocks until the filter converges, gives up, or ctx ends.
func (p *Pipeline) WaitConverged(ctx context.Context) error {
	p.frameMu.RLock()
	settled := p.settled
	p.frameMu.RUnlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-settled:
	}
	if p.State() == orientation.ConvergenceFailed {
		return ErrConvergenceFailed
	}
	return nil
}

// State returns the convergence phase.
func (p *Pipeline) State() orientation.ConvergenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.State()
}

// AlignHeading recomputes the heading offset from the latest orientation.
func (p *Pipeline) AlignHeading() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.AlignHeading()
}

// LoadCalibration reads the persisted calibration of one sensor (identity
// if none) and installs it.
func (p *Pipeline) LoadCalibration(t imu.SensorType) calibration.Parameters {
	params := p.store.Load(t)
	p.SetCalibration(t, params)
	return params
}

// LoadAllCalibrations loads every sensor's calibration.
func (p *Pipeline) LoadAllCalibrations() {
	for t := imu.SensorType(0); t < imu.SensorCount; t++ {
		p.LoadCalibration(t)
	}
}

// SaveCalibration persists params and installs them.
func (p *Pipeline) SaveCalibration(t imu.SensorType, params calibration.Parameters) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownSensor, t)
	}
	if err := p.store.Save(t, params); err != nil {
		return err
	}
	p.SetCalibration(t, params)
	return nil
}

// SetCalibration installs params without persisting them.
func (p *Pipeline) SetCalibration(t imu.SensorType, params calibration.Parameters) {
	if !t.Valid() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session.Sensors().Sensor(t).SetCalibration(params)
}

// Calibration returns the parameters in use for one sensor.
func (p *Pipeline) Calibration(t imu.SensorType) calibration.Parameters {
	if !t.Valid() {
		return calibration.Identity()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.Sensors().Sensor(t).Calibration()
}
