// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ReadPoints reads raw samples as x,y,z CSV rows. Lines starting with '#'
// are comments and a non-numeric first row is taken as a header.
func ReadPoints(r io.Reader) ([][3]float64, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = 3
	cr.TrimLeadingSpace = true

	var points [][3]float64
	for row := 1; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return points, nil
		}
		if err != nil {
			return nil, fmt.Errorf("calibration: points: %w", err)
		}
		p, err := parsePoint(rec)
		if err != nil {
			if row == 1 {
				continue
			}
			return nil, fmt.Errorf("calibration: points row %d: %w", row, err)
		}
		points = append(points, p)
	}
}

func parsePoint(rec []string) ([3]float64, error) {
	var p [3]float64
	for i, field := range rec {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return p, err
		}
		p[i] = v
	}
	return p, nil
}

// WritePoints writes samples in the format ReadPoints accepts.
func WritePoints(w io.Writer, points [][3]float64) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"x", "y", "z"}); err != nil {
		return err
	}
	for _, p := range points {
		rec := []string{
			strconv.FormatFloat(p[0], 'g', -1, 64),
			strconv.FormatFloat(p[1], 'g', -1, 64),
			strconv.FormatFloat(p[2], 'g', -1, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
