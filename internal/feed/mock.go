// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package feed

import (
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"

	"github.com/relabs-tech/inertial_orientation/internal/imu"
)

const (
	gravity   = 9.80665 // m/s²
	fieldNorm = 48.0    // µT, mid-latitude total intensity
	deg       = math.Pi / 180
)

// MockBody simulates a rigid body rocking gently while turning at a steady
// rate, and produces mutually consistent accelerometer, magnetometer and
// gyroscope samples for it. All ports created from one body share its clock.
type MockBody struct {
	start time.Time
	now   func() time.Time
}

// NewMockBody creates a simulated body whose motion starts now.
func NewMockBody() *MockBody {
	return &MockBody{start: time.Now(), now: time.Now}
}

// Port returns a polled port sampling the body for one sensor kind.
func (b *MockBody) Port(kind imu.Kind) *Ticker {
	return NewTicker("mock "+kind.String(), func() (imu.Measurement, error) {
		return b.Sample(kind, b.now().Sub(b.start).Seconds()), nil
	}, nil)
}

// Attitude returns the body orientation at t seconds as a ZYX rotation.
func (b *MockBody) Attitude(t float64) quat.Number {
	roll := 20 * deg * math.Sin(t)
	pitch := 15 * deg * math.Cos(t*0.7)
	yaw := 30 * deg * t

	qz := quat.Number{Real: math.Cos(yaw / 2), Kmag: math.Sin(yaw / 2)}
	qy := quat.Number{Real: math.Cos(pitch / 2), Jmag: math.Sin(pitch / 2)}
	qx := quat.Number{Real: math.Cos(roll / 2), Imag: math.Sin(roll / 2)}
	return quat.Mul(quat.Mul(qz, qy), qx)
}

// Sample returns the reading of one sensor at t seconds.
func (b *MockBody) Sample(kind imu.Kind, t float64) imu.Measurement {
	q := b.Attitude(t)
	switch kind {
	case imu.Accelerometer:
		return toSensor(q, quat.Number{Kmag: gravity})
	case imu.Magnetometer:
		return toSensor(q, quat.Number{Imag: fieldNorm})
	default:
		// Body rate from a central difference of the attitude:
		// ω = 2 q* ⊗ q̇.
		const h = 1e-4
		dq := quat.Scale(1/(2*h), quat.Sub(b.Attitude(t+h), b.Attitude(t-h)))
		w := quat.Scale(2, quat.Mul(quat.Conj(q), dq))
		return imu.Measurement{X: w.Imag, Y: w.Jmag, Z: w.Kmag}
	}
}

// toSensor expresses an earth-frame vector in the body frame.
func toSensor(q, v quat.Number) imu.Measurement {
	r := quat.Mul(quat.Mul(quat.Conj(q), v), q)
	return imu.Measurement{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}
