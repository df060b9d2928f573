// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"fmt"
	"log"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/motion_tracker/internal/fusion"
	"github.com/relabs-tech/motion_tracker/internal/imu"
	"github.com/relabs-tech/motion_tracker/internal/transport"
)

func connectMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("MQTT connect %s: %w", broker, token.Error())
	}
	log.Printf("%s: connected to MQTT broker at %s", clientID, broker)
	return client, nil
}

func subscribe(client mqtt.Client, topic string, handler mqtt.MessageHandler) error {
	token := client.Subscribe(topic, 0, handler)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("MQTT subscribe %s: %w", topic, token.Error())
	}
	log.Printf("subscribed to MQTT topic %s", topic)
	return nil
}

// publisher is the part of mqtt.Client the producer needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// framePublisher puts fusion output and raw notifications on MQTT.
type framePublisher struct {
	client      publisher
	topicFrame  string
	topicPose   string
	topicPrefix string
}

func (p framePublisher) send(topic string, retained bool, payload []byte) error {
	if token := p.client.Publish(topic, 0, retained, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT publish %s: %w", topic, token.Error())
	}
	return nil
}

// publishFrame sends the whole frame and, retained, the pose of its last
// sample.
func (p framePublisher) publishFrame(f *fusion.Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("json marshal error (frame): %w", err)
	}
	if err := p.send(p.topicFrame, false, payload); err != nil {
		return err
	}
	pose, err := json.Marshal(f.Pose)
	if err != nil {
		return fmt.Errorf("json marshal error (pose): %w", err)
	}
	return p.send(p.topicPose, true, pose)
}

func (p framePublisher) publishBatch(b imu.RawBatch) error {
	payload, err := imu.EncodeBatch(b)
	if err != nil {
		return err
	}
	return p.send(transport.BatchTopic(p.topicPrefix, b.Sensor), false, payload)
}

func (p framePublisher) publishSettings(sensor imu.SensorType, s imu.Settings) error {
	return p.send(transport.SettingsTopic(p.topicPrefix, sensor), true, imu.EncodeSettings(sensor, s))
}

// publishRawFrame republishes a serial frame on the matching raw topic.
func (p framePublisher) publishRawFrame(f imu.Frame) error {
	switch f.Kind {
	case imu.FrameBatch:
		b, err := imu.DecodeBatch(f.Payload)
		if err != nil {
			return err
		}
		return p.send(transport.BatchTopic(p.topicPrefix, b.Sensor), false, f.Payload)
	case imu.FrameSettings:
		sensor, _, err := imu.DecodeSettings(f.Payload)
		if err != nil {
			return err
		}
		return p.send(transport.SettingsTopic(p.topicPrefix, sensor), true, f.Payload)
	}
	return nil
}
