// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/relabs-tech/motion_tracker/internal/config"
	"github.com/relabs-tech/motion_tracker/internal/fusion"
	"github.com/relabs-tech/motion_tracker/internal/imu"
	"github.com/relabs-tech/motion_tracker/internal/sensors"
	"github.com/relabs-tech/motion_tracker/internal/transport"
)

// RunMotionProducer reads batches from the configured transport, runs them
// through the fusion pipeline and publishes frames, poses and the raw
// notifications to MQTT until ctx ends.
func RunMotionProducer(ctx context.Context) error {
	cfg := config.Get()
	if cfg == nil {
		return errors.New("configuration not loaded")
	}
	return runProducer(ctx, cfg)
}

// RunMockProducer is RunMotionProducer on the synthetic source, whatever
// TRANSPORT says.
func RunMockProducer(ctx context.Context) error {
	cfg := config.Get()
	if cfg == nil {
		return errors.New("configuration not loaded")
	}
	mock := *cfg
	mock.Transport = config.TransportMock
	return runProducer(ctx, &mock)
}

func runProducer(ctx context.Context, cfg *config.Config) error {
	log.Printf("starting motion producer (transport=%s)", cfg.Transport)

	pipeline, err := fusion.NewPipeline(cfg.Fusion(), cfg.CalibrationStore())
	if err != nil {
		return err
	}
	pipeline.LoadAllCalibrations()

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDProducer)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	pub := framePublisher{
		client:      client,
		topicFrame:  cfg.TopicFrame,
		topicPose:   cfg.TopicPose,
		topicPrefix: cfg.TopicRawPrefix,
	}

	frames, unsubscribe := pipeline.Subscribe()
	defer unsubscribe()
	go func() {
		for f := range frames {
			if err := pub.publishFrame(f); err != nil {
				log.Printf("producer: %v", err)
			}
		}
	}()
	go logConvergence(ctx, pipeline)

	switch cfg.Transport {
	case config.TransportSerial:
		src, err := transport.OpenSerial(cfg.SerialPort, cfg.SerialBaudRate)
		if err != nil {
			return err
		}
		defer src.Close()
		src.Tap = func(f imu.Frame) {
			if err := pub.publishRawFrame(f); err != nil {
				log.Printf("producer: %v", err)
			}
		}
		return src.Run(ctx, pipeline, nil)

	default:
		src, err := openBatchSource(cfg)
		if err != nil {
			return err
		}
		defer src.Close()
		return pumpBatches(ctx, src, pipeline, pub)
	}
}

func openBatchSource(cfg *config.Config) (sensors.BatchSource, error) {
	switch cfg.Transport {
	case config.TransportMPU9250:
		return sensors.NewMPU9250Source(sensors.MPU9250Options{
			SPIDevice:  cfg.IMUSPIDevice,
			CSPin:      cfg.IMUCSPin,
			BatchSize:  cfg.BatchSize,
			AccelRange: cfg.IMUAccelRange,
			GyroRange:  cfg.IMUGyroRange,
			RateDiv:    cfg.IMUSampleRateDiv,
		})
	case config.TransportMock:
		return sensors.NewMockSource(cfg.BatchSize, true), nil
	}
	return nil, fmt.Errorf("no batch source for transport %q", cfg.Transport)
}

// pumpBatches installs the source's settings, then feeds its batches to
// the pipeline. Raw batches are published before they are fused.
func pumpBatches(ctx context.Context, src sensors.BatchSource, p *fusion.Pipeline, pub framePublisher) error {
	for i, s := range src.Settings() {
		sensor := imu.SensorType(i)
		if err := p.UpdateSettings(sensor, s); err != nil {
			return err
		}
		if err := pub.publishSettings(sensor, s); err != nil {
			log.Printf("producer: %v", err)
		}
	}

	for {
		batches, err := src.NextBatches(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, b := range batches {
			if err := pub.publishBatch(b); err != nil {
				log.Printf("producer: %v", err)
			}
		}
		if _, err := p.OnBatches(batches); err != nil {
			log.Printf("producer: batch rejected: %v", err)
		}
	}
}

func logConvergence(ctx context.Context, p *fusion.Pipeline) {
	start := time.Now()
	if err := p.WaitConverged(ctx); err != nil {
		if ctx.Err() == nil {
			log.Printf("producer: WARNING: %v", err)
		}
		return
	}
	log.Printf("producer: orientation converged after %s", time.Since(start).Round(time.Millisecond))
}
