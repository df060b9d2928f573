// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/relabs-tech/motion_tracker/internal/config"
	"github.com/relabs-tech/motion_tracker/internal/fusion"
	"github.com/relabs-tech/motion_tracker/internal/imu"
	"github.com/relabs-tech/motion_tracker/internal/sensors"
)

// RunMockConsole fuses the synthetic source locally and prints the attitude
// at CONSOLE_LOG_INTERVAL, walking through each frame with a Cursor.
// It needs no broker; without a loaded configuration the defaults apply.
func RunMockConsole(ctx context.Context) error {
	cfg := config.Get()
	if cfg == nil {
		cfg = config.Default()
	}

	pipeline, err := fusion.NewPipeline(cfg.Fusion(), cfg.CalibrationStore())
	if err != nil {
		return err
	}
	src := sensors.NewMockSource(cfg.BatchSize, true)
	defer src.Close()
	for i, s := range src.Settings() {
		if err := pipeline.UpdateSettings(imu.SensorType(i), s); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		for {
			batches, err := src.NextBatches(ctx)
			if err != nil {
				errCh <- err
				return
			}
			if _, err := pipeline.OnBatches(batches); err != nil {
				log.Printf("console: batch rejected: %v", err)
			}
		}
	}()

	ticker := time.NewTicker(time.Duration(cfg.ConsoleLogInterval) * time.Millisecond)
	defer ticker.Stop()

	var cursor fusion.Cursor
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case now := <-ticker.C:
			f := pipeline.Latest()
			i, ok := cursor.Next(f, now)
			if !ok {
				continue
			}
			fmt.Println(sampleLine(f, i))
		}
	}
}

// sampleLine formats sample i of f in degrees.
func sampleLine(f *fusion.Frame, i int) string {
	pose := f.Euler[i].Pose()
	q := f.Render[i]
	return fmt.Sprintf(
		"%-18s ROLL=%7.2f  PITCH=%7.2f  YAW=%7.2f  q=(%.3f %.3f %.3f %.3f)  %s",
		f.State, pose.Roll, pose.Pitch, pose.Yaw, q.W, q.X, q.Y, q.Z, f.Motion.Phase,
	)
}
