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

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/motion_tracker/internal/config"
	"github.com/relabs-tech/motion_tracker/internal/fusion"
	"github.com/relabs-tech/motion_tracker/internal/orientation"
)

// RunConsoleMQTT prints the frames and poses published by the producer.
func RunConsoleMQTT(ctx context.Context) error {
	cfg := config.Get()
	if cfg == nil {
		return errors.New("configuration not loaded")
	}

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDConsole)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	err = subscribe(client, cfg.TopicPose, func(_ mqtt.Client, msg mqtt.Message) {
		var p orientation.Pose
		if err := json.Unmarshal(msg.Payload(), &p); err != nil {
			log.Printf("console: pose unmarshal error: %v", err)
			return
		}
		fmt.Printf("[POSE]  ROLL=%6.2f  PITCH=%6.2f  YAW=%6.2f\n", p.Roll, p.Pitch, p.Yaw)
	})
	if err != nil {
		return err
	}

	err = subscribe(client, cfg.TopicFrame, func(_ mqtt.Client, msg mqtt.Message) {
		var f fusion.Frame
		if err := json.Unmarshal(msg.Payload(), &f); err != nil {
			log.Printf("console: frame unmarshal error: %v", err)
			return
		}
		fmt.Println(frameLine(&f))
	})
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Println("console: shutting down")
	return nil
}

// frameLine summarizes the last sample of a frame.
func frameLine(f *fusion.Frame) string {
	if len(f.Motion.Samples) == 0 {
		return fmt.Sprintf("[FRAME #%d] empty", f.Generation)
	}
	last := f.Motion.Samples[len(f.Motion.Samples)-1]
	return fmt.Sprintf(
		"[FRAME #%d] %-18s n=%2d odr=%6.1fHz  ROLL=%6.2f PITCH=%6.2f YAW=%6.2f  %s v=(%.3f %.3f %.3f) p=(%.3f %.3f %.3f)",
		f.Generation, f.State, f.Len(), f.MaxODR,
		f.Pose.Roll, f.Pose.Pitch, f.Pose.Yaw,
		f.Motion.Phase,
		last.Velocity[0], last.Velocity[1], last.Velocity[2],
		last.Position[0], last.Position[1], last.Position[2],
	)
}
