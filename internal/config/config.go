package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/relabs-tech/inertial_orientation/internal/orientation"
)

// Source selects where one of the three measurement feeds comes from.
type Source string

const (
	SourceMock    Source = "mock"
	SourceMPU9250 Source = "mpu9250"
	SourceMQTT    Source = "mqtt"
	SourceNMEA    Source = "nmea"
)

func (s Source) valid() bool {
	switch s {
	case SourceMock, SourceMPU9250, SourceMQTT, SourceNMEA:
		return true
	}
	return false
}

// Config holds all application configuration values. The yaml tags are the
// lower-case forms of the KEY=VALUE keys.
type Config struct {
	// Filter
	SampleIntervalMS int     `yaml:"sample_interval_ms"`
	FilterAlgorithm  string  `yaml:"filter_algorithm"`
	FilterBeta       float64 `yaml:"filter_beta"`
	FilterKp         float64 `yaml:"filter_kp"`
	FilterKi         float64 `yaml:"filter_ki"`

	// Feeds
	AccelSource Source `yaml:"accel_source"`
	MagSource   Source `yaml:"mag_source"`
	GyroSource  Source `yaml:"gyro_source"`

	// MQTT
	MQTTBroker   string `yaml:"mqtt_broker"`
	MQTTClientID string `yaml:"mqtt_client_id"`

	// Topics
	TopicAccel       string `yaml:"topic_accel"`
	TopicMag         string `yaml:"topic_mag"`
	TopicGyro        string `yaml:"topic_gyro"`
	TopicInterval    string `yaml:"topic_interval"`
	TopicOrientation string `yaml:"topic_orientation"`

	// IMU Hardware
	IMUSPIDevice string `yaml:"imu_spi_device"`
	IMUCSPin     string `yaml:"imu_cs_pin"`
	// Accelerometer: 0=±2g, 1=±4g, 2=±8g, 3=±16g
	IMUAccelRange byte `yaml:"imu_accel_range"`
	// Gyroscope: 0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s
	IMUGyroRange byte `yaml:"imu_gyro_range"`

	// NMEA
	NMEASerialPort string `yaml:"nmea_serial_port"`
	NMEABaudRate   int    `yaml:"nmea_baud_rate"`

	// Web Server
	WebServerPort int `yaml:"web_server_port"`

	// Display
	DisplayI2CBus         string `yaml:"display_i2c_bus"`
	DisplayUpdateInterval int    `yaml:"display_update_interval"` // milliseconds

	// Console
	ConsoleLogInterval int `yaml:"console_log_interval"` // milliseconds
}

// Default returns a configuration that runs entirely on the simulated body.
func Default() *Config {
	return &Config{
		SampleIntervalMS:      orientation.DefaultSampleInterval,
		FilterAlgorithm:       string(orientation.AlgorithmMadgwick),
		AccelSource:           SourceMock,
		MagSource:             SourceMock,
		GyroSource:            SourceMock,
		MQTTBroker:            "tcp://localhost:1883",
		TopicAccel:            "inertial/accel",
		TopicMag:              "inertial/mag",
		TopicGyro:             "inertial/gyro",
		TopicInterval:         "inertial/interval",
		TopicOrientation:      "inertial/orientation",
		IMUSPIDevice:          "/dev/spidev0.0",
		IMUCSPin:              "8",
		NMEABaudRate:          115200,
		WebServerPort:         8080,
		DisplayUpdateInterval: 200,
		ConsoleLogInterval:    500,
	}
}

// Package-level singleton, set once by InitGlobal and read through Get.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Load reads a configuration file. Files ending in .yaml or .yml are
// decoded as YAML; anything else is read as KEY=VALUE lines.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		return ParseYAML(file)
	default:
		return Parse(file)
	}
}

// Parse reads KEY=VALUE lines on top of Default. Blank lines and lines
// starting with # are skipped; unknown keys are errors.
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

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		if err := cfg.setValue(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseYAML decodes a YAML document on top of Default. Unknown fields are
// errors, as in the KEY=VALUE format.
func ParseYAML(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("invalid yaml config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// Filter
	case "SAMPLE_INTERVAL_MS":
		c.SampleIntervalMS, err = parseInt(key, value)
	case "FILTER_ALGORITHM":
		c.FilterAlgorithm = value
	case "FILTER_BETA":
		c.FilterBeta, err = parseFloat(key, value)
	case "FILTER_KP":
		c.FilterKp, err = parseFloat(key, value)
	case "FILTER_KI":
		c.FilterKi, err = parseFloat(key, value)

	// Feeds
	case "ACCEL_SOURCE":
		c.AccelSource = Source(strings.ToLower(value))
	case "MAG_SOURCE":
		c.MagSource = Source(strings.ToLower(value))
	case "GYRO_SOURCE":
		c.GyroSource = Source(strings.ToLower(value))

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID":
		c.MQTTClientID = value

	// Topics
	case "TOPIC_ACCEL":
		c.TopicAccel = value
	case "TOPIC_MAG":
		c.TopicMag = value
	case "TOPIC_GYRO":
		c.TopicGyro = value
	case "TOPIC_INTERVAL":
		c.TopicInterval = value
	case "TOPIC_ORIENTATION":
		c.TopicOrientation = value

	// IMU Hardware
	case "IMU_SPI_DEVICE":
		c.IMUSPIDevice = value
	case "IMU_CS_PIN":
		c.IMUCSPin = value
	case "IMU_ACCEL_RANGE":
		c.IMUAccelRange, err = parseRange(key, value)
	case "IMU_GYRO_RANGE":
		c.IMUGyroRange, err = parseRange(key, value)

	// NMEA
	case "NMEA_SERIAL_PORT":
		c.NMEASerialPort = value
	case "NMEA_BAUD_RATE":
		c.NMEABaudRate, err = parseInt(key, value)

	// Web Server
	case "WEB_SERVER_PORT":
		c.WebServerPort, err = parseInt(key, value)

	// Display
	case "DISPLAY_I2C_BUS":
		c.DisplayI2CBus = value
	case "DISPLAY_UPDATE_INTERVAL":
		c.DisplayUpdateInterval, err = parseInt(key, value)

	// Console
	case "CONSOLE_LOG_INTERVAL":
		c.ConsoleLogInterval, err = parseInt(key, value)

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}
	return err
}

func parseInt(key, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

func parseFloat(key, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

func parseRange(key, value string) (byte, error) {
	v, err := parseInt(key, value)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > 3 {
		return 0, fmt.Errorf("%s must be 0-3, got %d", key, v)
	}
	return byte(v), nil
}

// Validate checks value ranges and that every selected source has what it
// needs.
func (c *Config) Validate() error {
	if c.SampleIntervalMS <= 0 {
		return fmt.Errorf("SAMPLE_INTERVAL_MS must be positive, got %d", c.SampleIntervalMS)
	}
	if _, err := orientation.ParseAlgorithm(c.FilterAlgorithm); err != nil {
		return fmt.Errorf("FILTER_ALGORITHM: %w", err)
	}
	if c.FilterBeta < 0 || c.FilterKp < 0 || c.FilterKi < 0 {
		return fmt.Errorf("filter gains must not be negative")
	}
	if c.IMUAccelRange > 3 {
		return fmt.Errorf("IMU_ACCEL_RANGE must be 0-3, got %d", c.IMUAccelRange)
	}
	if c.IMUGyroRange > 3 {
		return fmt.Errorf("IMU_GYRO_RANGE must be 0-3, got %d", c.IMUGyroRange)
	}

	for _, f := range []struct {
		key   string
		src   Source
		topic string
	}{
		{"ACCEL_SOURCE", c.AccelSource, c.TopicAccel},
		{"MAG_SOURCE", c.MagSource, c.TopicMag},
		{"GYRO_SOURCE", c.GyroSource, c.TopicGyro},
	} {
		if !f.src.valid() {
			return fmt.Errorf("%s must be one of mock, mpu9250, mqtt, nmea, got %q", f.key, f.src)
		}
		if f.src == SourceMQTT && f.topic == "" {
			return fmt.Errorf("%s is mqtt but its topic is empty", f.key)
		}
	}
	if c.MagSource == SourceMPU9250 {
		return fmt.Errorf("MAG_SOURCE cannot be mpu9250: the driver has no magnetometer")
	}

	if c.uses(SourceMQTT) && c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required")
	}
	if c.uses(SourceMPU9250) && (c.IMUSPIDevice == "" || c.IMUCSPin == "") {
		return fmt.Errorf("IMU_SPI_DEVICE and IMU_CS_PIN are required")
	}
	if c.uses(SourceNMEA) {
		if c.NMEASerialPort == "" {
			return fmt.Errorf("NMEA_SERIAL_PORT is required")
		}
		if c.NMEABaudRate <= 0 {
			return fmt.Errorf("NMEA_BAUD_RATE must be positive, got %d", c.NMEABaudRate)
		}
	}

	if c.WebServerPort <= 0 || c.WebServerPort > 65535 {
		return fmt.Errorf("WEB_SERVER_PORT out of range: %d", c.WebServerPort)
	}
	if c.DisplayUpdateInterval <= 0 {
		return fmt.Errorf("DISPLAY_UPDATE_INTERVAL must be positive, got %d", c.DisplayUpdateInterval)
	}
	if c.ConsoleLogInterval <= 0 {
		return fmt.Errorf("CONSOLE_LOG_INTERVAL must be positive, got %d", c.ConsoleLogInterval)
	}
	return nil
}

func (c *Config) uses(s Source) bool {
	return c.AccelSource == s || c.MagSource == s || c.GyroSource == s
}

// FilterOptions converts the filter keys for orientation.New.
func (c *Config) FilterOptions() orientation.Options {
	return orientation.Options{
		Algorithm:      orientation.Algorithm(strings.ToLower(c.FilterAlgorithm)),
		SampleInterval: c.SampleIntervalMS,
		Beta:           c.FilterBeta,
		Kp:             c.FilterKp,
		Ki:             c.FilterKi,
	}
}

// ClientID returns the MQTT client ID for one process role. With no
// MQTT_CLIENT_ID configured a random suffix keeps concurrent processes
// from kicking each other off the broker.
func (c *Config) ClientID(role string) string {
	if c.MQTTClientID == "" {
		return "inertial-" + role + "-" + uuid.NewString()[:8]
	}
	return c.MQTTClientID + "-" + role
}

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
