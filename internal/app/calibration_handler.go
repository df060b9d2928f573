// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/motion_tracker/internal/calibration"
	"github.com/relabs-tech/motion_tracker/internal/fusion"
	"github.com/relabs-tech/motion_tracker/internal/imu"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// progress messages are sent every this many refinement steps
const fitProgressEvery = 25

// WSMessage is a client request on /ws/calibration.
type WSMessage struct {
	Action string `json:"action"` // init, start, stop, fit, save, cancel
}

// WSResponse is a server message on /ws/calibration.
type WSResponse struct {
	Type      string     `json:"type"` // session, collecting, samples, stopped, progress, result, saved, cancelled, error
	Session   string     `json:"session,omitempty"`
	Samples   int        `json:"samples,omitempty"`
	Iteration int        `json:"iteration,omitempty"`
	StdError  float64    `json:"std_error,omitempty"`
	Result    *FitReport `json:"result,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// FitReport is a fit result plus the quality figures shown to the user.
type FitReport struct {
	calibration.FitResult
	MinMaxCenter    [3]float64 `json:"min_max_center"`
	SphereDeviation float64    `json:"sphere_deviation"`
	Samples         int        `json:"samples"`
}

func newFitReport(res calibration.FitResult, points [][3]float64) *FitReport {
	return &FitReport{
		FitResult:       res,
		MinMaxCenter:    calibration.MinMaxCenter(points),
		SphereDeviation: calibration.SphereDeviation(points, res.Parameters),
		Samples:         len(points),
	}
}

// calibrationHub routes raw magnetometer batches to every open calibration
// session and holds what sessions share.
type calibrationHub struct {
	pipeline *fusion.Pipeline
	fitter   calibration.Fitter

	mu       sync.Mutex
	sessions map[*CalibrationSession]struct{}
}

func newCalibrationHub(p *fusion.Pipeline, fitter calibration.Fitter) *calibrationHub {
	return &calibrationHub{
		pipeline: p,
		fitter:   fitter,
		sessions: make(map[*CalibrationSession]struct{}),
	}
}

// feed hands a raw batch to the sessions that are collecting.
func (h *calibrationHub) feed(b imu.RawBatch) {
	if b.Sensor != imu.Magnetometer {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		s.collect(b.Samples)
	}
}

// CalibrationSession is one websocket client running the magnetometer
// workflow: collect raw samples, fit, save.
type CalibrationSession struct {
	hub  *calibrationHub
	conn *websocket.Conn

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu         sync.Mutex
	id         uuid.UUID
	collecting bool
	points     [][3]float64
	report     *FitReport
	cancelFit  context.CancelFunc
	fitSeq     int
}

// ServeWS handles the WebSocket connection for calibration.
func (h *calibrationHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("calibration: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	s := &CalibrationSession{hub: h, conn: conn}
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, s)
		h.mu.Unlock()
		s.stopFit()
	}()

	// Main message loop
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("calibration: websocket read error: %v", err)
			}
			return
		}
		if err := s.handle(msg.Action); err != nil {
			s.sendError(err.Error())
		}
	}
}

func (s *CalibrationSession) handle(action string) error {
	switch action {
	case "init":
		s.stopFit()
		s.mu.Lock()
		s.id = uuid.New()
		s.collecting = false
		s.points = nil
		s.report = nil
		id := s.id
		s.mu.Unlock()
		log.Printf("calibration: session %s started", id)
		s.send(WSResponse{Type: "session", Session: id.String()})

	case "start":
		s.mu.Lock()
		if s.id == uuid.Nil {
			s.mu.Unlock()
			return errors.New("send init first")
		}
		s.collecting = true
		s.mu.Unlock()
		s.send(WSResponse{Type: "collecting"})

	case "stop":
		s.mu.Lock()
		s.collecting = false
		n := len(s.points)
		s.mu.Unlock()
		s.send(WSResponse{Type: "stopped", Samples: n})

	case "fit":
		return s.startFit()

	case "save":
		s.mu.Lock()
		report, id := s.report, s.id
		s.mu.Unlock()
		if report == nil {
			return errors.New("no converged fit result to save")
		}
		if err := s.hub.pipeline.SaveCalibration(imu.Magnetometer, report.Parameters); err != nil {
			return fmt.Errorf("save calibration: %w", err)
		}
		log.Printf("calibration: session %s saved magnetometer calibration", id)
		s.send(WSResponse{Type: "saved", Message: "magnetometer calibration saved and applied"})

	case "cancel":
		s.stopFit()
		s.mu.Lock()
		s.collecting = false
		s.mu.Unlock()
		log.Printf("calibration: cancelled by user")
		s.send(WSResponse{Type: "cancelled"})

	default:
		return fmt.Errorf("unknown action %q", action)
	}
	return nil
}

// collect appends raw magnetometer samples while collecting.
func (s *CalibrationSession) collect(samples []imu.RawTriplet) {
	s.mu.Lock()
	if !s.collecting {
		s.mu.Unlock()
		return
	}
	for _, v := range samples {
		s.points = append(s.points, [3]float64{float64(v[0]), float64(v[1]), float64(v[2])})
	}
	n := len(s.points)
	s.mu.Unlock()
	s.send(WSResponse{Type: "samples", Samples: n})
}

func (s *CalibrationSession) startFit() error {
	s.mu.Lock()
	if s.cancelFit != nil {
		s.mu.Unlock()
		return errors.New("fit already running")
	}
	points := append([][3]float64(nil), s.points...)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFit = cancel
	s.fitSeq++
	seq := s.fitSeq
	s.collecting = false
	s.mu.Unlock()

	go s.runFit(ctx, points, seq)
	return nil
}

func (s *CalibrationSession) runFit(ctx context.Context, points [][3]float64, seq int) {
	defer func() {
		s.mu.Lock()
		if s.fitSeq == seq && s.cancelFit != nil {
			s.cancelFit()
			s.cancelFit = nil
		}
		s.mu.Unlock()
	}()

	fitter := s.hub.fitter
	fitter.Progress = func(iteration int, stdErr float64) {
		if iteration%fitProgressEvery == 0 {
			s.send(WSResponse{Type: "progress", Iteration: iteration, StdError: stdErr})
		}
	}

	res, err := fitter.Fit(ctx, points)
	switch {
	case ctx.Err() != nil:
		// cancelled, or superseded by init
		return
	case errors.Is(err, calibration.ErrNotConverged):
		// shown for inspection, never saved
		s.setReport(nil)
		s.send(WSResponse{Type: "result", Result: newFitReport(res, points), Message: err.Error()})
	case err != nil:
		s.sendError(err.Error())
	default:
		report := newFitReport(res, points)
		s.setReport(report)
		log.Printf("calibration: fit of %d samples: offset=%.2f/%.2f/%.2f, %d iterations, sphere deviation %.4f",
			len(points), res.Parameters.Offset[0], res.Parameters.Offset[1], res.Parameters.Offset[2],
			res.Iterations, report.SphereDeviation)
		s.send(WSResponse{Type: "result", Result: report})
	}
}

func (s *CalibrationSession) setReport(r *FitReport) {
	s.mu.Lock()
	s.report = r
	s.mu.Unlock()
}

func (s *CalibrationSession) stopFit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelFit != nil {
		s.cancelFit()
		s.cancelFit = nil
	}
}

func (s *CalibrationSession) send(resp WSResponse) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(resp); err != nil {
		log.Printf("calibration: websocket write error: %v", err)
	}
}

func (s *CalibrationSession) sendError(message string) {
	s.send(WSResponse{Type: "error", Message: message})
}
