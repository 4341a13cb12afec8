package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/inertial_orientation/internal/orientation"
)

const sample = `
# feeds
ACCEL_SOURCE=mpu9250
GYRO_SOURCE=MPU9250
MAG_SOURCE=mqtt

SAMPLE_INTERVAL_MS = 10
FILTER_ALGORITHM=mahony
FILTER_KP=1.5
FILTER_KI=0.01

MQTT_BROKER=tcp://broker:1883
TOPIC_MAG=car/mag
IMU_SPI_DEVICE=/dev/spidev6.0
IMU_CS_PIN=18
IMU_ACCEL_RANGE=2
IMU_GYRO_RANGE=3
WEB_SERVER_PORT=9000
`

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, SourceMPU9250, cfg.AccelSource)
	assert.Equal(t, SourceMPU9250, cfg.GyroSource)
	assert.Equal(t, SourceMQTT, cfg.MagSource)
	assert.Equal(t, 10, cfg.SampleIntervalMS)
	assert.Equal(t, "car/mag", cfg.TopicMag)
	assert.Equal(t, byte(2), cfg.IMUAccelRange)
	assert.Equal(t, byte(3), cfg.IMUGyroRange)
	assert.Equal(t, 9000, cfg.WebServerPort)

	// Untouched keys keep their defaults.
	assert.Equal(t, "inertial/gyro", cfg.TopicGyro)
	assert.Equal(t, 500, cfg.ConsoleLogInterval)

	assert.Equal(t, orientation.Options{
		Algorithm:      orientation.AlgorithmMahony,
		SampleInterval: 10,
		Kp:             1.5,
		Ki:             0.01,
	}, cfg.FilterOptions())
}

func TestParseEmptyIsDefault(t *testing.T) {
	cfg, err := Parse(strings.NewReader("# nothing\n\n"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name, input, want string
	}{
		{"missing equals", "SAMPLE_INTERVAL_MS 20", "invalid config line 1"},
		{"unknown key", "\nCOLOR=blue", `config line 2: unknown config key: "COLOR"`},
		{"bad int", "SAMPLE_INTERVAL_MS=fast", "invalid SAMPLE_INTERVAL_MS"},
		{"bad float", "FILTER_BETA=x", "invalid FILTER_BETA"},
		{"range", "IMU_GYRO_RANGE=4", "IMU_GYRO_RANGE must be 0-3"},
		{"interval", "SAMPLE_INTERVAL_MS=0", "SAMPLE_INTERVAL_MS must be positive"},
		{"algorithm", "FILTER_ALGORITHM=kalman", "FILTER_ALGORITHM"},
		{"source", "GYRO_SOURCE=usb", "GYRO_SOURCE must be one of"},
		{"mag on mpu9250", "MAG_SOURCE=mpu9250", "no magnetometer"},
		{"mqtt without broker", "ACCEL_SOURCE=mqtt\nMQTT_BROKER=", "MQTT_BROKER is required"},
		{"mqtt without topic", "GYRO_SOURCE=mqtt\nTOPIC_GYRO=", "GYRO_SOURCE is mqtt"},
		{"nmea without port", "MAG_SOURCE=nmea", "NMEA_SERIAL_PORT is required"},
		{"web port", "WEB_SERVER_PORT=70000", "WEB_SERVER_PORT out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseYAML(t *testing.T) {
	cfg, err := ParseYAML(strings.NewReader(`
mag_source: nmea
nmea_serial_port: /dev/ttyUSB0
nmea_baud_rate: 38400
filter_beta: 0.1
imu_accel_range: 1
`))
	require.NoError(t, err)
	assert.Equal(t, SourceNMEA, cfg.MagSource)
	assert.Equal(t, "/dev/ttyUSB0", cfg.NMEASerialPort)
	assert.Equal(t, 38400, cfg.NMEABaudRate)
	assert.Equal(t, 0.1, cfg.FilterBeta)
	assert.Equal(t, byte(1), cfg.IMUAccelRange)
	assert.Equal(t, SourceMock, cfg.AccelSource)

	_, err = ParseYAML(strings.NewReader("colour: blue\n"))
	assert.Error(t, err)

	cfg, err = ParseYAML(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()

	txt := filepath.Join(dir, "inertial_config.txt")
	require.NoError(t, os.WriteFile(txt, []byte("CONSOLE_LOG_INTERVAL=250\n"), 0o644))
	cfg, err := Load(txt)
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.ConsoleLogInterval)

	yml := filepath.Join(dir, "inertial_config.yml")
	require.NoError(t, os.WriteFile(yml, []byte("console_log_interval: 750\n"), 0o644))
	cfg, err = Load(yml)
	require.NoError(t, err)
	assert.Equal(t, 750, cfg.ConsoleLogInterval)

	_, err = Load(filepath.Join(dir, "missing.txt"))
	assert.ErrorContains(t, err, "failed to open config file")
}

func TestClientID(t *testing.T) {
	cfg := Default()
	a, b := cfg.ClientID("web"), cfg.ClientID("web")
	assert.True(t, strings.HasPrefix(a, "inertial-web-"))
	assert.NotEqual(t, a, b)

	cfg.MQTTClientID = "bench"
	assert.Equal(t, "bench-web", cfg.ClientID("web"))
}
