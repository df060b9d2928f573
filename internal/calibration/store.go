// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/relabs-tech/motion_tracker/internal/imu"
)

// Store persists one line-oriented numeric file per sensor:
// 3 offset values followed by 9 gain values, row-major, one per line.
type Store struct {
	Dir string
}

// Path returns the calibration file location for a sensor.
func (s Store) Path(sensor imu.SensorType) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s_calibration.txt", sensor))
}

// Load reads the calibration for sensor. A missing, short or malformed file
// is not an error: identity parameters are returned and a warning is logged.
func (s Store) Load(sensor imu.SensorType) Parameters {
	path := s.Path(sensor)
	p, err := readParameters(path)
	if err != nil {
		log.Printf("calibration: WARNING: %s: %v; using identity calibration", sensor, err)
		return Identity()
	}
	log.Printf("calibration: loaded %s calibration from %s", sensor, path)
	return p
}

func readParameters(path string) (Parameters, error) {
	file, err := os.Open(path)
	if err != nil {
		return Parameters{}, fmt.Errorf("failed to open calibration file: %w", err)
	}
	defer file.Close()

	var vals [12]float64
	n := 0
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() && n < len(vals) {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return Parameters{}, fmt.Errorf("calibration line %d: %w", lineNum, err)
		}
		vals[n] = v
		n++
	}
	if err := scanner.Err(); err != nil {
		return Parameters{}, fmt.Errorf("error reading calibration file: %w", err)
	}
	if n < len(vals) {
		return Parameters{}, fmt.Errorf("calibration file has %d values, need %d", n, len(vals))
	}

	p := FromValues(vals)
	if err := p.Validate(); err != nil {
		return Parameters{}, err
	}
	return p, nil
}

// Save writes the calibration for sensor, creating the directory if needed.
func (s Store) Save(sensor imu.SensorType, p Parameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create calibration dir: %w", err)
	}

	var b strings.Builder
	for _, v := range p.Values() {
		fmt.Fprintf(&b, "%.9g\n", v)
	}

	path := s.Path(sensor)
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write calibration file: %w", err)
	}
	log.Printf("calibration: saved %s calibration to %s", sensor, path)
	return nil
}
