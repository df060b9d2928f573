// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"fmt"
	"log"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/motion_tracker/internal/fusion"
	"github.com/relabs-tech/motion_tracker/internal/imu"
)

// Raw notifications are republished on MQTT with the serial payloads
// unchanged:
//
//	<prefix>/acc, <prefix>/gyr, <prefix>/mag   batch payloads
//	<prefix>/settings/<sensor>                 settings payloads (retained)

// RawFilter is the subscription filter covering every raw topic.
func RawFilter(prefix string) string { return prefix + "/#" }

// BatchTopic is the topic carrying one sensor's batches.
func BatchTopic(prefix string, s imu.SensorType) string { return prefix + "/" + s.String() }

// SettingsTopic is the retained topic carrying one sensor's settings block.
func SettingsTopic(prefix string, s imu.SensorType) string {
	return prefix + "/settings/" + s.String()
}

// FrameFromMessage maps a raw-topic message back onto the frame it was
// built from.
func FrameFromMessage(prefix, topic string, payload []byte) (imu.Frame, error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return imu.Frame{}, fmt.Errorf("transport: topic %q is outside %q", topic, prefix)
	}
	if name, ok := strings.CutPrefix(rest, "settings/"); ok {
		if _, err := imu.ParseSensorType(name); err != nil {
			return imu.Frame{}, fmt.Errorf("transport: topic %q: %w", topic, err)
		}
		return imu.Frame{Kind: imu.FrameSettings, Payload: payload}, nil
	}
	if _, err := imu.ParseSensorType(rest); err != nil {
		return imu.Frame{}, fmt.Errorf("transport: topic %q: %w", topic, err)
	}
	return imu.Frame{Kind: imu.FrameBatch, Payload: payload}, nil
}

// MQTTIngest feeds raw MQTT messages into a pipeline.
type MQTTIngest struct {
	Prefix   string
	Pipeline *fusion.Pipeline

	// OnBatch, when set, sees every decoded batch before it is dispatched.
	OnBatch func(imu.RawBatch)
	// OnFrame, when set, receives every completed fusion frame.
	OnFrame func(*fusion.Frame)
}

// Handle is an mqtt.MessageHandler.
func (in *MQTTIngest) Handle(_ mqtt.Client, msg mqtt.Message) {
	if err := in.handle(msg.Topic(), msg.Payload()); err != nil {
		log.Printf("transport: mqtt %s: %v", msg.Topic(), err)
	}
}

func (in *MQTTIngest) handle(topic string, payload []byte) error {
	f, err := FrameFromMessage(in.Prefix, topic, payload)
	if err != nil {
		return err
	}
	if f.Kind == imu.FrameBatch && in.OnBatch != nil {
		b, err := imu.DecodeBatch(f.Payload)
		if err != nil {
			return err
		}
		in.OnBatch(b)
	}
	if in.Pipeline == nil {
		return nil
	}
	frame, err := Dispatch(in.Pipeline, f)
	if err != nil {
		return err
	}
	if frame != nil && in.OnFrame != nil {
		in.OnFrame(frame)
	}
	return nil
}
