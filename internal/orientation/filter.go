package orientation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/relabs-tech/inertial_orientation/internal/imu"
)

// Defaults match the gains the fusion filters are usually tuned with
// for 50 Hz phone-class sensors.
const (
	DefaultSampleInterval = 20 // milliseconds
	DefaultBeta           = 0.4
	DefaultKp             = 0.5
	DefaultKi             = 0.0
)

// Algorithm selects the correction scheme of a Filter.
type Algorithm string

const (
	AlgorithmMadgwick Algorithm = "madgwick"
	AlgorithmMahony   Algorithm = "mahony"
)

var (
	ErrUnknownAlgorithm = errors.New("orientation: unknown filter algorithm")
	ErrInvalidInterval  = errors.New("orientation: sample interval must be positive")
)

// ParseAlgorithm is case-insensitive; the empty string selects Madgwick.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case "", AlgorithmMadgwick:
		return AlgorithmMadgwick, nil
	case AlgorithmMahony:
		return AlgorithmMahony, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
}

// Filter is a quaternion orientation estimator driven at a fixed sample
// interval. Implementations keep the quaternion at unit norm after every
// call and never produce NaN from finite inputs.
type Filter interface {
	// Update integrates one gyroscope sample over one sample interval and
	// corrects drift towards the accelerometer and magnetometer references.
	Update(gyro, accel, mag imu.Measurement)

	Quaternion() Quaternion
	Angles() Angles
	EulerAngles() EulerAngles

	// Reconfigure replaces the integration step and resets the estimate
	// to Identity.
	Reconfigure(sampleIntervalMs int)
	SampleInterval() int
}

// Options configures New. Zero gains are replaced by the defaults except Ki,
// where zero is the default.
type Options struct {
	Algorithm      Algorithm
	SampleInterval int // milliseconds
	Beta           float64
	Kp             float64
	Ki             float64
}

// New builds a filter from opts.
func New(opts Options) (Filter, error) {
	if opts.SampleInterval == 0 {
		opts.SampleInterval = DefaultSampleInterval
	}
	if opts.SampleInterval < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidInterval, opts.SampleInterval)
	}

	alg, err := ParseAlgorithm(string(opts.Algorithm))
	if err != nil {
		return nil, err
	}

	switch alg {
	case AlgorithmMahony:
		kp := opts.Kp
		if kp == 0 {
			kp = DefaultKp
		}
		return NewMahony(opts.SampleInterval, kp, opts.Ki), nil
	default:
		beta := opts.Beta
		if beta == 0 {
			beta = DefaultBeta
		}
		return NewMadgwick(opts.SampleInterval, beta), nil
	}
}

// state is shared by both filters.
type state struct {
	q        Quaternion
	interval int
}

func (s *state) Quaternion() Quaternion { return s.q }

func (s *state) Angles() Angles { return anglesOf(s.q) }

func (s *state) EulerAngles() EulerAngles { return MapAxes(anglesOf(s.q)) }

func (s *state) SampleInterval() int { return s.interval }

func (s *state) dt() float64 { return float64(s.interval) / 1000.0 }

func (s *state) reset(sampleIntervalMs int) {
	s.q = Identity
	s.interval = sampleIntervalMs
}

// usable reports whether all three samples are finite. Non-finite samples
// are dropped so the quaternion can never be poisoned.
func usable(gyro, accel, mag imu.Measurement) bool {
	return gyro.Finite() && accel.Finite() && mag.Finite()
}
