// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/motion_tracker/internal/config"
	"github.com/relabs-tech/motion_tracker/internal/fusion"
)

// Display contents accepted by DISPLAY_CONTENT.
const (
	DisplayAttitude = "attitude"
	DisplayMotion   = "motion"
)

const (
	displayWidth  = 128
	displayHeight = 64
	lineHeight    = 13
)

// latestFrame holds the most recent frame received over MQTT.
type latestFrame struct {
	mu    sync.RWMutex
	frame *fusion.Frame
}

func (l *latestFrame) set(f *fusion.Frame) {
	l.mu.Lock()
	l.frame = f
	l.mu.Unlock()
}

func (l *latestFrame) get() *fusion.Frame {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.frame
}

// RunDisplay shows the frames published by the producer on an SSD1306
// OLED.
func RunDisplay(ctx context.Context) error {
	cfg := config.Get()
	if cfg == nil {
		return errors.New("configuration not loaded")
	}

	// Initialize periph
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %w", err)
	}

	// Open I2C bus
	bus, err := i2creg.Open("")
	if err != nil {
		return fmt.Errorf("failed to open I2C bus: %w", err)
	}
	defer bus.Close()

	dev, err := ssd1306.NewI2C(displayBus(bus, cfg.DisplayI2CAddr), &ssd1306.DefaultOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize display: %w", err)
	}
	defer dev.Halt()
	log.Printf("display: initialized at 0x%02X", cfg.DisplayI2CAddr)

	if err := dev.Draw(dev.Bounds(), renderLines("Motion Tracker", "", "Waiting..."), image.Point{}); err != nil {
		log.Printf("display: error showing splash: %v", err)
	}

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDDisplay)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	var latest latestFrame
	err = subscribe(client, cfg.TopicFrame, func(_ mqtt.Client, msg mqtt.Message) {
		var f fusion.Frame
		if err := json.Unmarshal(msg.Payload(), &f); err != nil {
			log.Printf("display: frame unmarshal error: %v", err)
			return
		}
		latest.set(&f)
	})
	if err != nil {
		return err
	}

	ticker := time.NewTicker(time.Duration(cfg.DisplayUpdateInterval) * time.Millisecond)
	defer ticker.Stop()

	log.Println("display: starting update loop")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			img := renderFrame(cfg.DisplayContent, latest.get())
			if err := dev.Draw(dev.Bounds(), img, image.Point{}); err != nil {
				log.Printf("display: error updating display: %v", err)
			}
		}
	}
}

// ssd1306Addr is the address the ssd1306 driver always talks to.
const ssd1306Addr = 0x3C

// addrBus redirects every transaction to a fixed device address.
type addrBus struct {
	i2c.Bus
	addr uint16
}

func (b *addrBus) Tx(_ uint16, w, r []byte) error {
	return b.Bus.Tx(b.addr, w, r)
}

// displayBus returns a bus on which the ssd1306 driver reaches a panel
// strapped to addr.
func displayBus(bus i2c.Bus, addr uint16) i2c.Bus {
	if addr == 0 || addr == ssd1306Addr {
		return bus
	}
	return &addrBus{Bus: bus, addr: addr}
}

// renderFrame draws the selected content of f.
func renderFrame(content string, f *fusion.Frame) *image1bit.VerticalLSB {
	if f == nil || f.Len() == 0 {
		return renderLines(content, "Waiting...")
	}
	switch content {
	case DisplayMotion:
		last := f.Motion.Samples[len(f.Motion.Samples)-1]
		return renderLines(
			f.Motion.Phase.String(),
			fmt.Sprintf("V%5.2f%5.2f%5.2f", last.Velocity[0], last.Velocity[1], last.Velocity[2]),
			fmt.Sprintf("P%5.2f%5.2f%5.2f", last.Position[0], last.Position[1], last.Position[2]),
			f.State,
		)
	default:
		return renderLines(
			fmt.Sprintf("R: %6.1f", f.Pose.Roll),
			fmt.Sprintf("P: %6.1f", f.Pose.Pitch),
			fmt.Sprintf("Y: %6.1f", f.Pose.Yaw),
			f.State,
		)
	}
}

// renderLines draws up to four lines of 7x13 text.
func renderLines(lines ...string) *image1bit.VerticalLSB {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, displayWidth, displayHeight))
	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	for i, line := range lines {
		if i == displayHeight/lineHeight {
			break
		}
		drawer.Dot = fixed.P(0, (i+1)*lineHeight)
		drawer.DrawBytes([]byte(line))
	}
	return img
}
