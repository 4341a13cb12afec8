package orientation

import (
	"math"
)

// Angles is the filter's native Euler output in radians.
// Heading, pitch and roll follow the aerospace ZYX convention of the
// fusion filters: heading about Z, pitch about Y, roll about X.
type Angles struct {
	Roll    float64
	Pitch   float64
	Heading float64
}

// EulerAngles is the public orientation in radians.
// It is always derived from the filter quaternion, never stored.
type EulerAngles struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// MapAxes converts the filter convention to the public one:
// pitch and roll are swapped and yaw is the negated heading.
// Consumers see inverted rotation sense if this step is skipped.
func MapAxes(a Angles) EulerAngles {
	return EulerAngles{
		Yaw:   -a.Heading,
		Pitch: a.Roll,
		Roll:  a.Pitch,
	}
}

// Pose is the canonical wire representation of orientation for the apps,
// in degrees.
type Pose struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Pose converts e to degrees.
func (e EulerAngles) Pose() Pose {
	return Pose{
		Roll:  e.Roll * 180.0 / math.Pi,
		Pitch: e.Pitch * 180.0 / math.Pi,
		Yaw:   e.Yaw * 180.0 / math.Pi,
	}
}
