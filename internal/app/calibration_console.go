// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/motion_tracker/internal/calibration"
	"github.com/relabs-tech/motion_tracker/internal/config"
	"github.com/relabs-tech/motion_tracker/internal/imu"
	"github.com/relabs-tech/motion_tracker/internal/transport"
)

// CalibrationOptions controls the console magnetometer calibration.
type CalibrationOptions struct {
	PointsFile string          // fit samples from this CSV instead of collecting
	DumpFile   string          // write collected samples to this CSV
	Duration   time.Duration   // collection limit
	Stop       <-chan struct{} // ends collection early (ENTER)
	Save       bool
	Out        io.Writer
}

// RunCalibrationConsole collects raw magnetometer samples from the raw MQTT
// topic (or reads them from a CSV file), fits the ellipsoid and saves the
// result to the calibration store.
func RunCalibrationConsole(ctx context.Context, opts CalibrationOptions) error {
	cfg := config.Get()
	if cfg == nil {
		return errors.New("configuration not loaded")
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	var points [][3]float64
	var err error
	if opts.PointsFile != "" {
		points, err = readPointsFile(opts.PointsFile)
	} else {
		points, err = collectFromMQTT(ctx, cfg, opts)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(opts.Out, "collected %d samples\n", len(points))

	if opts.DumpFile != "" {
		if err := writePointsFile(opts.DumpFile, points); err != nil {
			return err
		}
		fmt.Fprintf(opts.Out, "samples written to %s\n", opts.DumpFile)
	}

	report, err := fitAndReport(ctx, cfg.Fitter(), points, opts.Out)
	if err != nil {
		return err
	}
	return saveReport(cfg.CalibrationStore(), report, opts)
}

// saveReport stores a converged fit.
func saveReport(store calibration.Store, report *FitReport, opts CalibrationOptions) error {
	if !report.Converged {
		fmt.Fprintln(opts.Out, "not saved: fit did not converge")
		return calibration.ErrNotConverged
	}
	if !opts.Save {
		fmt.Fprintln(opts.Out, "not saved (-save=false)")
		return nil
	}
	if err := store.Save(imu.Magnetometer, report.Parameters); err != nil {
		return err
	}
	fmt.Fprintf(opts.Out, "saved to %s\n", store.Path(imu.Magnetometer))
	return nil
}

func collectFromMQTT(ctx context.Context, cfg *config.Config, opts CalibrationOptions) ([][3]float64, error) {
	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDCalibration)
	if err != nil {
		return nil, err
	}
	defer client.Disconnect(250)

	c := &magCollector{}
	topic := transport.BatchTopic(cfg.TopicRawPrefix, imu.Magnetometer)
	if err := subscribe(client, topic, func(_ mqtt.Client, msg mqtt.Message) {
		c.add(msg.Payload())
	}); err != nil {
		return nil, err
	}

	fmt.Fprintln(opts.Out, "Rotate the device slowly through every orientation.")
	fmt.Fprintf(opts.Out, "Press ENTER to stop (or wait %s)...\n", opts.Duration)

	timer := time.NewTimer(opts.Duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		log.Printf("calibration: stopped by timeout")
	case <-opts.Stop:
	}
	return c.points(), nil
}

// magCollector gathers samples from raw magnetometer batch payloads.
type magCollector struct {
	mu  sync.Mutex
	pts [][3]float64
}

func (c *magCollector) add(payload []byte) {
	b, err := imu.DecodeBatch(payload)
	if err != nil {
		log.Printf("calibration: %v", err)
		return
	}
	if b.Sensor != imu.Magnetometer {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range b.Samples {
		c.pts = append(c.pts, [3]float64{float64(v[0]), float64(v[1]), float64(v[2])})
	}
}

func (c *magCollector) points() [][3]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][3]float64(nil), c.pts...)
}

// fitAndReport runs the fitter and prints the result with its quality
// figures. A fit that hit the iteration limit is still reported, with
// Converged false.
func fitAndReport(ctx context.Context, fitter calibration.Fitter, points [][3]float64, out io.Writer) (*FitReport, error) {
	fitter.Progress = func(iteration int, stdErr float64) {
		if iteration%fitProgressEvery == 0 {
			fmt.Fprintf(out, "  iteration %4d  std error %.6f\n", iteration, stdErr)
		}
	}
	res, err := fitter.Fit(ctx, points)
	if err != nil && !errors.Is(err, calibration.ErrNotConverged) {
		return nil, err
	}
	if err != nil {
		fmt.Fprintf(out, "WARNING: %v\n", err)
	}

	report := newFitReport(res, points)
	p := report.Parameters
	fmt.Fprintf(out, "iterations:       %d (std error %.6f)\n", res.Iterations, res.Error)
	fmt.Fprintf(out, "offset:           %9.3f %9.3f %9.3f\n", p.Offset[0], p.Offset[1], p.Offset[2])
	for i, row := range p.Gain {
		label := ""
		if i == 0 {
			label = "gain:"
		}
		fmt.Fprintf(out, "%-17s %9.6f %9.6f %9.6f\n", label, row[0], row[1], row[2])
	}
	c := report.MinMaxCenter
	fmt.Fprintf(out, "min/max center:   %9.3f %9.3f %9.3f\n", c[0], c[1], c[2])
	fmt.Fprintf(out, "sphere deviation: %.4f\n", report.SphereDeviation)
	return report, nil
}

func readPointsFile(path string) ([][3]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return calibration.ReadPoints(f)
}

func writePointsFile(path string, points [][3]float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := calibration.WritePoints(f, points); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
