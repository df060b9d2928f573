// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// ./cmd/calibration/main.go
//
// Console magnetometer calibration.
//
// Collects raw magnetometer samples from the producer's raw MQTT topic while
// the device is rotated through every orientation, fits an ellipsoid
// (hard-iron offset plus full 3x3 soft-iron gain) and stores the result as
// JSON under CALIBRATION_DIR, where the producer and web server load it.
//
// Run:
//
//	go run ./cmd/calibration                        # collect over MQTT
//	go run ./cmd/calibration -points samples.csv    # refit saved samples
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/relabs-tech/motion_tracker/internal/app"
	"github.com/relabs-tech/motion_tracker/internal/config"
)

func main() {
	configPath := flag.String("config", "./motion_config.txt", "Path to configuration file")
	points := flag.String("points", "", "fit x,y,z samples from this CSV file instead of collecting")
	dump := flag.String("dump", "", "write the collected samples to this CSV file")
	duration := flag.Duration("duration", 60*time.Second, "maximum collection time")
	save := flag.Bool("save", true, "save the fitted calibration")
	flag.Parse()

	fmt.Println("=== Magnetometer Calibration (ellipsoid fit) ===")
	fmt.Println()

	if err := config.InitGlobal(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Non-blocking ENTER detector
	stopCh := make(chan struct{})
	go func() {
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
		close(stopCh)
	}()

	err := app.RunCalibrationConsole(ctx, app.CalibrationOptions{
		PointsFile: *points,
		DumpFile:   *dump,
		Duration:   *duration,
		Stop:       stopCh,
		Save:       *save,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}
