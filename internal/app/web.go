// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/motion_tracker/internal/config"
	"github.com/relabs-tech/motion_tracker/internal/fusion"
	"github.com/relabs-tech/motion_tracker/internal/imu"
	"github.com/relabs-tech/motion_tracker/internal/orientation"
	"github.com/relabs-tech/motion_tracker/internal/transport"
)

// RunWeb fuses the raw notifications published on MQTT and serves the
// result over HTTP and websockets, together with the magnetometer
// calibration workflow.
func RunWeb(ctx context.Context) error {
	cfg := config.Get()
	if cfg == nil {
		return errors.New("configuration not loaded")
	}

	pipeline, err := fusion.NewPipeline(cfg.Fusion(), cfg.CalibrationStore())
	if err != nil {
		return err
	}
	pipeline.LoadAllCalibrations()
	hub := newCalibrationHub(pipeline, cfg.Fitter())

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDWeb)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	ingest := &transport.MQTTIngest{
		Prefix:   cfg.TopicRawPrefix,
		Pipeline: pipeline,
		OnBatch:  hub.feed,
	}
	if err := subscribe(client, transport.RawFilter(cfg.TopicRawPrefix), ingest.Handle); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.WebServerPort),
		Handler: newWebMux(pipeline, hub),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("web server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newWebMux(p *fusion.Pipeline, hub *calibrationHub) *http.ServeMux {
	mux := http.NewServeMux()

	// JSON API endpoint: latest pose
	mux.HandleFunc("GET /api/orientation", func(w http.ResponseWriter, r *http.Request) {
		f := p.Latest()
		if f == nil {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, f.Pose)
	})

	mux.HandleFunc("GET /api/frame", func(w http.ResponseWriter, r *http.Request) {
		f := p.Latest()
		if f == nil {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, f)
	})

	mux.HandleFunc("POST /api/heading", func(w http.ResponseWriter, r *http.Request) {
		theta, err := p.AlignHeading()
		if errors.Is(err, orientation.ErrHeadingUndefined) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]float64{"offset_deg": theta * 180 / math.Pi})
	})

	mux.HandleFunc("GET /api/calibration/{sensor}", func(w http.ResponseWriter, r *http.Request) {
		sensor, err := imu.ParseSensorType(r.PathValue("sensor"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, p.Calibration(sensor))
	})

	mux.HandleFunc("/ws/frames", framesWS(p))
	mux.HandleFunc("/ws/calibration", hub.ServeWS)

	// Static files from ./web as the root
	mux.Handle("/", http.FileServer(http.Dir("web")))
	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("json encode error: %v", err)
	}
}

// framesWS streams every completed frame to the client. Frames are dropped
// for clients that cannot keep up.
func framesWS(p *fusion.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("frames: websocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		frames, unsubscribe := p.Subscribe()
		defer unsubscribe()

		// the client only ever closes; reading surfaces that
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if f := p.Latest(); f != nil {
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
		for {
			select {
			case <-closed:
				return
			case f := <-frames:
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				if err := conn.WriteJSON(f); err != nil {
					if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						log.Printf("frames: websocket write error: %v", err)
					}
					return
				}
			}
		}
	}
}
