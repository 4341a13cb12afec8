// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/devices/v3/mpu9250"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/inertial_orientation/internal/feed"
	"github.com/relabs-tech/inertial_orientation/internal/imu"
)

// Full-scale sensitivities indexed by the FS_SEL range code (0-3).
var (
	accelLSBPerG   = [4]float64{16384, 8192, 4096, 2048}
	gyroLSBPerDegS = [4]float64{131, 65.5, 32.8, 16.4}
)

// MPU9250 is an SPI-attached MPU9250 exposing its accelerometer and
// gyroscope as feeds. The upstream driver has no magnetometer support, so
// heading must come from another feed.
type MPU9250 struct {
	name       string
	accelRange byte
	gyroRange  byte

	mu  sync.Mutex // one SPI transaction at a time across both feeds
	dev *mpu9250.MPU9250

	accel *feed.Ticker
	gyro  *feed.Ticker
}

// Options selects the bus and sensor ranges.
type Options struct {
	Name       string // for logging, e.g. "left"
	SPIDevice  string // e.g. "/dev/spidev6.0"
	CSPin      string // GPIO name of the chip select, e.g. "18"
	AccelRange byte   // 0=±2g, 1=±4g, 2=±8g, 3=±16g
	GyroRange  byte   // 0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s
}

// OpenMPU9250 initializes the device, runs its self-test and applies the
// configured ranges. Samples are scaled but not bias corrected.
func OpenMPU9250(opts Options) (*MPU9250, error) {
	if opts.AccelRange > 3 || opts.GyroRange > 3 {
		return nil, fmt.Errorf("%s IMU: range codes must be 0-3 (accel=%d gyro=%d)", opts.Name, opts.AccelRange, opts.GyroRange)
	}

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("%s IMU: periph host init: %w", opts.Name, err)
	}

	cs := gpioreg.ByName(opts.CSPin)
	if cs == nil {
		return nil, fmt.Errorf("%s IMU: CS pin %q not found", opts.Name, opts.CSPin)
	}

	tr, err := mpu9250.NewSpiTransport(opts.SPIDevice, cs)
	if err != nil {
		return nil, fmt.Errorf("%s IMU: SPI transport (%s): %w", opts.Name, opts.SPIDevice, err)
	}

	dev, err := mpu9250.New(*tr)
	if err != nil {
		return nil, fmt.Errorf("%s IMU: device creation: %w", opts.Name, err)
	}

	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("%s IMU: initialization: %w", opts.Name, err)
	}

	// Self-test is informational only.
	if res, err := dev.SelfTest(); err != nil {
		log.Printf("Warning: %s IMU self-test failed: %v", opts.Name, err)
	} else {
		log.Printf("%s IMU self-test passed:", opts.Name)
		log.Printf("  Accelerometer deviation: X: %.2f%%, Y: %.2f%%, Z: %.2f%%",
			res.AccelDeviation.X, res.AccelDeviation.Y, res.AccelDeviation.Z)
		log.Printf("  Gyroscope deviation: X: %.2f%%, Y: %.2f%%, Z: %.2f%%",
			res.GyroDeviation.X, res.GyroDeviation.Y, res.GyroDeviation.Z)
	}

	if err := dev.SetAccelRange(opts.AccelRange); err != nil {
		return nil, fmt.Errorf("%s IMU: set accel range: %w", opts.Name, err)
	}
	log.Printf("%s IMU: accelerometer range set to %d (±%dg)", opts.Name, opts.AccelRange, []int{2, 4, 8, 16}[opts.AccelRange])

	if err := dev.SetGyroRange(opts.GyroRange); err != nil {
		return nil, fmt.Errorf("%s IMU: set gyro range: %w", opts.Name, err)
	}
	log.Printf("%s IMU: gyroscope range set to %d (±%d°/s)", opts.Name, opts.GyroRange, []int{250, 500, 1000, 2000}[opts.GyroRange])

	s := &MPU9250{
		name:       opts.Name,
		accelRange: opts.AccelRange,
		gyroRange:  opts.GyroRange,
		dev:        dev,
	}
	s.accel = feed.NewTicker(opts.Name+" accelerometer", s.ReadAccel, s.probe)
	s.gyro = feed.NewTicker(opts.Name+" gyroscope", s.ReadGyro, s.probe)
	return s, nil
}

// Accelerometer returns the accelerometer feed (units of g).
func (s *MPU9250) Accelerometer() *feed.Ticker { return s.accel }

// Gyroscope returns the gyroscope feed (rad/s).
func (s *MPU9250) Gyroscope() *feed.Ticker { return s.gyro }

// ReadAccel reads one accelerometer sample in g.
func (s *MPU9250) ReadAccel() (imu.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ax, err := s.dev.GetAccelerationX()
	if err != nil {
		return imu.Measurement{}, fmt.Errorf("%s IMU accel X: %w", s.name, err)
	}
	ay, err := s.dev.GetAccelerationY()
	if err != nil {
		return imu.Measurement{}, fmt.Errorf("%s IMU accel Y: %w", s.name, err)
	}
	az, err := s.dev.GetAccelerationZ()
	if err != nil {
		return imu.Measurement{}, fmt.Errorf("%s IMU accel Z: %w", s.name, err)
	}
	return ScaleAccel(ax, ay, az, s.accelRange), nil
}

// ReadGyro reads one gyroscope sample in rad/s.
func (s *MPU9250) ReadGyro() (imu.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gx, err := s.dev.GetRotationX()
	if err != nil {
		return imu.Measurement{}, fmt.Errorf("%s IMU gyro X: %w", s.name, err)
	}
	gy, err := s.dev.GetRotationY()
	if err != nil {
		return imu.Measurement{}, fmt.Errorf("%s IMU gyro Y: %w", s.name, err)
	}
	gz, err := s.dev.GetRotationZ()
	if err != nil {
		return imu.Measurement{}, fmt.Errorf("%s IMU gyro Z: %w", s.name, err)
	}
	return ScaleGyro(gx, gy, gz, s.gyroRange), nil
}

// probe is a cheap read used as the availability check.
func (s *MPU9250) probe(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.dev.GetAccelerationZ(); err != nil {
		log.Printf("%s IMU: probe failed: %v", s.name, err)
		return false, nil
	}
	return true, nil
}

// ScaleAccel converts raw counts to g for the given FS_SEL range code.
func ScaleAccel(x, y, z int16, rangeCode byte) imu.Measurement {
	lsb := accelLSBPerG[rangeCode&3]
	return imu.Measurement{X: float64(x) / lsb, Y: float64(y) / lsb, Z: float64(z) / lsb}
}

// ScaleGyro converts raw counts to rad/s for the given FS_SEL range code.
func ScaleGyro(x, y, z int16, rangeCode byte) imu.Measurement {
	k := math.Pi / 180 / gyroLSBPerDegS[rangeCode&3]
	return imu.Measurement{X: float64(x) * k, Y: float64(y) * k, Z: float64(z) * k}
}
