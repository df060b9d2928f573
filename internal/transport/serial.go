// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package transport feeds framed notifications from the wearable into a
// fusion pipeline.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/motion_tracker/internal/fusion"
	"github.com/relabs-tech/motion_tracker/internal/imu"
)

// Dispatch routes one decoded frame to the pipeline: settings frames to
// UpdateSettings, batch frames to OnRawBatch. It returns the completed
// fusion frame, if this batch completed a notification.
func Dispatch(p *fusion.Pipeline, f imu.Frame) (*fusion.Frame, error) {
	switch f.Kind {
	case imu.FrameSettings:
		sensor, settings, err := imu.DecodeSettings(f.Payload)
		if err != nil {
			return nil, err
		}
		return nil, p.UpdateSettings(sensor, settings)
	case imu.FrameBatch:
		b, err := imu.DecodeBatch(f.Payload)
		if err != nil {
			return nil, err
		}
		return p.OnRawBatch(b.Sensor, b.Samples)
	default:
		return nil, fmt.Errorf("transport: unknown frame kind 0x%02X", f.Kind)
	}
}

// SerialSource reads the wearable's serial bridge.
type SerialSource struct {
	// Tap, when set, sees every intact frame before it is dispatched.
	Tap func(imu.Frame)

	port   io.ReadCloser
	reader *bufio.Reader
	name   string

	closeOnce sync.Once
}

// OpenSerial opens portName at baud, 8N1.
func OpenSerial(portName string, baud int) (*SerialSource, error) {
	serialOpts := serial.OpenOptions{
		PortName:        portName,
		BaudRate:        uint(baud),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	}
	port, err := serial.Open(serialOpts)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", portName, err)
	}
	log.Printf("transport: serial port opened on %s at %d baud", portName, baud)
	return NewSerialSource(port, portName), nil
}

// NewSerialSource wraps an already open stream.
func NewSerialSource(port io.ReadCloser, name string) *SerialSource {
	return &SerialSource{port: port, reader: bufio.NewReader(port), name: name}
}

// Run reads frames until ctx ends or the stream closes, dispatching each to
// p. emit, when non-nil, receives every completed fusion frame.
// Corrupt frames and rejected batches are logged and skipped.
func (s *SerialSource) Run(ctx context.Context, p *fusion.Pipeline, emit func(*fusion.Frame)) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		f, err := imu.ReadFrame(s.reader)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, imu.ErrBadChecksum) {
				log.Printf("transport: %s: dropping frame with bad checksum", s.name)
				continue
			}
			if errors.Is(err, imu.ErrFrameTooLong) {
				log.Printf("transport: %s: %v, resynchronising", s.name, err)
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("transport: %s: %w", s.name, err)
		}

		if s.Tap != nil {
			s.Tap(f)
		}
		frame, err := Dispatch(p, f)
		if err != nil {
			log.Printf("transport: %s: %v", s.name, err)
			continue
		}
		if frame != nil && emit != nil {
			emit(frame)
		}
	}
}

// Close closes the underlying port. It is safe to call more than once.
func (s *SerialSource) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.port.Close() })
	return err
}
