// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relabs-tech/motion_tracker/internal/calibration"
	"github.com/relabs-tech/motion_tracker/internal/fusion"
	"github.com/relabs-tech/motion_tracker/internal/imu"
)

// Transport names accepted by TRANSPORT.
const (
	TransportSerial  = "serial"
	TransportMPU9250 = "mpu9250"
	TransportMock    = "mock"
)

// Config holds all application configuration values.
type Config struct {
	// MQTT
	MQTTBroker              string
	MQTTClientIDProducer    string
	MQTTClientIDConsole     string
	MQTTClientIDWeb         string
	MQTTClientIDCalibration string
	MQTTClientIDDisplay     string

	// Topics
	TopicFrame     string
	TopicPose      string
	TopicRawPrefix string

	// Batch source
	Transport      string
	SerialPort     string
	SerialBaudRate int
	BatchSize      int

	// Local MPU9250
	IMUSPIDevice     string
	IMUCSPin         string
	IMUAccelRange    byte // 0=±2g, 1=±4g, 2=±8g, 3=±16g
	IMUGyroRange     byte // 0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s
	IMUSampleRateDiv byte // output rate = 1000 / (1 + div)

	CalibrationDir string

	// Fusion
	FusionBeta                  float64
	FusionConvergingBeta        float64
	FusionConvergenceTolerance  float64
	FusionMaxConvergenceBatches int

	// Motion
	MotionThreshold float64
	MotionDwellMS   int

	// Ellipsoid fit
	FitTolerance     float64
	FitDamping       float64
	FitMaxIterations int

	// Timing
	ConsoleLogInterval int // milliseconds

	// Web Server
	WebServerPort int

	// SSD1306 display
	DisplayI2CAddr        uint16
	DisplayUpdateInterval int    // milliseconds
	DisplayContent        string // "attitude" or "motion"
}

// Package-level singleton: InitGlobal sets it once, Get reads it under a
// read lock.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns every setting at its default value. MQTT_BROKER has no
// default and must come from the file.
func Default() *Config {
	return &Config{
		MQTTClientIDProducer:    "motion-producer",
		MQTTClientIDConsole:     "motion-console",
		MQTTClientIDWeb:         "motion-web",
		MQTTClientIDCalibration: "motion-calibration",
		MQTTClientIDDisplay:     "motion-display",

		TopicFrame:     "motion/frame",
		TopicPose:      "motion/pose",
		TopicRawPrefix: "motion/raw",

		Transport:      TransportMock,
		SerialPort:     "/dev/ttyUSB0",
		SerialBaudRate: 115200,
		BatchSize:      imu.MaxBatchSize,

		IMUSPIDevice:     "/dev/spidev0.0",
		IMUCSPin:         "8",
		IMUSampleRateDiv: 9,

		CalibrationDir: "./calibration",

		FusionBeta:                  0.041,
		FusionConvergingBeta:        2.5,
		FusionConvergenceTolerance:  0.05,
		FusionMaxConvergenceBatches: 500,

		MotionThreshold: 0.025,
		MotionDwellMS:   100,

		FitTolerance:     1e-4,
		FitDamping:       0.01,
		FitMaxIterations: 5000,

		ConsoleLogInterval: 100,
		WebServerPort:      8080,

		DisplayI2CAddr:        0x3C,
		DisplayUpdateInterval: 200,
		DisplayContent:        "attitude",
	}
}

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()
	return Parse(file)
}

// Parse reads KEY=VALUE lines over the defaults. Blank lines and lines
// starting with '#' are ignored.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseInt(key, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

func parseByte(key, value string, max int, meaning string) (byte, error) {
	v, err := parseInt(key, value)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > max {
		if meaning != "" {
			return 0, fmt.Errorf("%s must be 0-%d (%s), got %d", key, max, meaning, v)
		}
		return 0, fmt.Errorf("%s must be 0-%d, got %d", key, max, v)
	}
	return byte(v), nil
}

func parseFloat(key, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_PRODUCER":
		c.MQTTClientIDProducer = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value
	case "MQTT_CLIENT_ID_WEB":
		c.MQTTClientIDWeb = value
	case "MQTT_CLIENT_ID_CALIBRATION":
		c.MQTTClientIDCalibration = value
	case "MQTT_CLIENT_ID_DISPLAY":
		c.MQTTClientIDDisplay = value

	// Topics
	case "TOPIC_FRAME":
		c.TopicFrame = value
	case "TOPIC_POSE":
		c.TopicPose = value
	case "TOPIC_RAW_PREFIX":
		c.TopicRawPrefix = strings.TrimSuffix(value, "/")

	// Batch source
	case "TRANSPORT":
		switch value {
		case TransportSerial, TransportMPU9250, TransportMock:
			c.Transport = value
		default:
			return fmt.Errorf("TRANSPORT must be %q, %q or %q, got %q", TransportSerial, TransportMPU9250, TransportMock, value)
		}
	case "SERIAL_PORT":
		c.SerialPort = value
	case "SERIAL_BAUD_RATE":
		c.SerialBaudRate, err = parseInt(key, value)
	case "BATCH_SIZE":
		c.BatchSize, err = parseInt(key, value)
		if err == nil && (c.BatchSize < 1 || c.BatchSize > imu.MaxBatchSize) {
			err = fmt.Errorf("BATCH_SIZE must be 1-%d, got %d", imu.MaxBatchSize, c.BatchSize)
		}

	// Local MPU9250
	case "IMU_SPI_DEVICE":
		c.IMUSPIDevice = value
	case "IMU_CS_PIN":
		c.IMUCSPin = value
	case "IMU_ACCEL_RANGE":
		c.IMUAccelRange, err = parseByte(key, value, 3, "0=±2g, 1=±4g, 2=±8g, 3=±16g")
	case "IMU_GYRO_RANGE":
		c.IMUGyroRange, err = parseByte(key, value, 3, "0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s")
	case "IMU_SMPLRT_DIV":
		c.IMUSampleRateDiv, err = parseByte(key, value, 255, "")

	case "CALIBRATION_DIR":
		c.CalibrationDir = value

	// Fusion
	case "FUSION_BETA":
		c.FusionBeta, err = parseFloat(key, value)
	case "FUSION_CONVERGING_BETA":
		c.FusionConvergingBeta, err = parseFloat(key, value)
	case "FUSION_CONVERGENCE_TOLERANCE":
		c.FusionConvergenceTolerance, err = parseFloat(key, value)
	case "FUSION_MAX_CONVERGENCE_BATCHES":
		c.FusionMaxConvergenceBatches, err = parseInt(key, value)

	// Motion
	case "MOTION_THRESHOLD":
		c.MotionThreshold, err = parseFloat(key, value)
	case "MOTION_DWELL_MS":
		c.MotionDwellMS, err = parseInt(key, value)

	// Ellipsoid fit
	case "FIT_TOLERANCE":
		c.FitTolerance, err = parseFloat(key, value)
	case "FIT_DAMPING":
		c.FitDamping, err = parseFloat(key, value)
	case "FIT_MAX_ITERATIONS":
		c.FitMaxIterations, err = parseInt(key, value)

	// Timing
	case "CONSOLE_LOG_INTERVAL":
		c.ConsoleLogInterval, err = parseInt(key, value)

	// Web Server
	case "WEB_SERVER_PORT":
		c.WebServerPort, err = parseInt(key, value)

	// Display
	case "DISPLAY_I2C_ADDR":
		var addr uint64
		addr, err = strconv.ParseUint(value, 0, 7)
		if err != nil {
			err = fmt.Errorf("invalid DISPLAY_I2C_ADDR %q: %w", value, err)
		}
		c.DisplayI2CAddr = uint16(addr)
	case "DISPLAY_UPDATE_INTERVAL":
		c.DisplayUpdateInterval, err = parseInt(key, value)
	case "DISPLAY_CONTENT":
		if value != "attitude" && value != "motion" {
			return fmt.Errorf("DISPLAY_CONTENT must be \"attitude\" or \"motion\", got %q", value)
		}
		c.DisplayContent = value

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

// validate checks required fields and ranges that depend on more than one
// key.
func (c *Config) validate() error {
	if c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required")
	}
	if c.Transport == TransportSerial && (c.SerialPort == "" || c.SerialBaudRate <= 0) {
		return fmt.Errorf("SERIAL_PORT and SERIAL_BAUD_RATE are required for the serial transport")
	}
	if c.Transport == TransportMPU9250 && c.IMUSPIDevice == "" {
		return fmt.Errorf("IMU_SPI_DEVICE is required for the mpu9250 transport")
	}
	if c.FusionBeta <= 0 || c.FusionConvergingBeta <= 0 {
		return fmt.Errorf("FUSION_BETA and FUSION_CONVERGING_BETA must be positive")
	}
	if c.FusionConvergenceTolerance <= 0 {
		return fmt.Errorf("FUSION_CONVERGENCE_TOLERANCE must be positive")
	}
	if c.FusionMaxConvergenceBatches < 0 {
		return fmt.Errorf("FUSION_MAX_CONVERGENCE_BATCHES must not be negative")
	}
	if c.MotionThreshold < 0 || c.MotionDwellMS < 0 {
		return fmt.Errorf("MOTION_THRESHOLD and MOTION_DWELL_MS must not be negative")
	}
	if c.FitTolerance <= 0 || c.FitMaxIterations <= 0 {
		return fmt.Errorf("FIT_TOLERANCE and FIT_MAX_ITERATIONS must be positive")
	}
	if c.ConsoleLogInterval <= 0 || c.DisplayUpdateInterval <= 0 {
		return fmt.Errorf("CONSOLE_LOG_INTERVAL and DISPLAY_UPDATE_INTERVAL must be positive")
	}
	return nil
}

// Fusion returns the filter and motion settings as a fusion.Config.
func (c *Config) Fusion() fusion.Config {
	cfg := fusion.DefaultConfig()
	cfg.Beta = c.FusionBeta
	cfg.ConvergingBeta = c.FusionConvergingBeta
	cfg.ConvergenceTolerance = c.FusionConvergenceTolerance
	cfg.MaxConvergenceBatches = c.FusionMaxConvergenceBatches
	cfg.Motion.Threshold = c.MotionThreshold
	cfg.Motion.Dwell = time.Duration(c.MotionDwellMS) * time.Millisecond
	return cfg
}

// Fitter returns the ellipsoid refinement settings.
func (c *Config) Fitter() calibration.Fitter {
	return calibration.Fitter{
		Tolerance:     c.FitTolerance,
		Damping:       c.FitDamping,
		MaxIterations: c.FitMaxIterations,
	}
}

// CalibrationStore returns the store rooted at CALIBRATION_DIR.
func (c *Config) CalibrationStore() calibration.Store {
	return calibration.Store{Dir: c.CalibrationDir}
}

// InitGlobal initializes the global configuration from file.
// Only the first call loads; later calls return nil.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance, or nil before InitGlobal.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
