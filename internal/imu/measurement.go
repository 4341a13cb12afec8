package imu

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Kind identifies which physical quantity a feed measures.
type Kind int

const (
	Accelerometer Kind = iota
	Magnetometer
	Gyroscope
)

func (k Kind) String() string {
	switch k {
	case Accelerometer:
		return "accelerometer"
	case Magnetometer:
		return "magnetometer"
	case Gyroscope:
		return "gyroscope"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts the short names used in config files and topics.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "accel", "accelerometer":
		return Accelerometer, nil
	case "mag", "magnetometer":
		return Magnetometer, nil
	case "gyro", "gyroscope":
		return Gyroscope, nil
	}
	return 0, fmt.Errorf("unknown sensor kind %q", s)
}

// Measurement is a single 3-axis sample.
// Gyroscope samples are in rad/s; accelerometer and magnetometer samples
// may use any consistent unit since only their direction is used.
type Measurement struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Vec returns the sample as a gonum vector.
func (m Measurement) Vec() r3.Vec {
	return r3.Vec{X: m.X, Y: m.Y, Z: m.Z}
}

// Norm is the magnitude of the sample.
func (m Measurement) Norm() float64 {
	return r3.Norm(m.Vec())
}

// Finite reports whether every axis is a finite number.
func (m Measurement) Finite() bool {
	return !math.IsNaN(m.X) && !math.IsInf(m.X, 0) &&
		!math.IsNaN(m.Y) && !math.IsInf(m.Y, 0) &&
		!math.IsNaN(m.Z) && !math.IsInf(m.Z, 0)
}

// Sample is the JSON payload exchanged between producers and MQTT feeds.
type Sample struct {
	Source string `json:"source"` // producer name, e.g. "mpu9250"
	Measurement
	Time string `json:"time,omitempty"` // RFC3339Nano
}
