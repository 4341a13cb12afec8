package orientation

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// Quaternion is a rotation from the earth frame to the sensor frame.
// Format is (w, x, y, z) = (Real, Imag, Jmag, Kmag).
type Quaternion = quat.Number

// Identity is the canonical initial orientation.
var Identity = Quaternion{Real: 1}

// normTolerance is the smallest quaternion norm that is still renormalised;
// anything below is treated as a collapsed state.
const normTolerance = 1e-12

// normalize returns q scaled to unit length, or Identity if q has
// collapsed or is not finite.
func normalize(q Quaternion) Quaternion {
	n := quat.Abs(q)
	if n < normTolerance || math.IsNaN(n) || math.IsInf(n, 0) {
		return Identity
	}
	return quat.Scale(1/n, q)
}

// anglesOf converts q to heading, pitch and roll.
func anglesOf(q Quaternion) Angles {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	ww, xx, yy, zz := w*w, x*x, y*y, z*z

	sinPitch := 2 * (x*z - y*w)
	if sinPitch > 1 {
		sinPitch = 1
	} else if sinPitch < -1 {
		sinPitch = -1
	}

	return Angles{
		Heading: math.Atan2(2*(x*y+z*w), ww+xx-yy-zz),
		Pitch:   -math.Asin(sinPitch),
		Roll:    math.Atan2(2*(y*z+x*w), ww-xx-yy+zz),
	}
}

// rateOf is the quaternion derivative 0.5 * q ⊗ (0, ω) for angular rate ω in rad/s.
func rateOf(q Quaternion, gx, gy, gz float64) Quaternion {
	return quat.Scale(0.5, quat.Mul(q, Quaternion{Imag: gx, Jmag: gy, Kmag: gz}))
}
