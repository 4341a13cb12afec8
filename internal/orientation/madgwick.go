package orientation

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/inertial_orientation/internal/imu"
)

// Madgwick is the gradient-descent orientation filter.
// Each update integrates the gyroscope and then steps the quaternion
// against the normalised gradient of the accel/mag alignment error,
// scaled by Beta (rad/s).
type Madgwick struct {
	state
	beta float64
}

var _ Filter = (*Madgwick)(nil)

func NewMadgwick(sampleIntervalMs int, beta float64) *Madgwick {
	f := &Madgwick{beta: beta}
	f.reset(sampleIntervalMs)
	return f
}

func (f *Madgwick) Beta() float64 { return f.beta }

func (f *Madgwick) Reconfigure(sampleIntervalMs int) {
	f.reset(sampleIntervalMs)
}

func (f *Madgwick) Update(gyro, accel, mag imu.Measurement) {
	if !usable(gyro, accel, mag) {
		return
	}

	q := f.q
	qDot := rateOf(q, gyro.X, gyro.Y, gyro.Z)

	// Without a gravity direction there is nothing to correct against.
	if a, ok := unit(accel); ok {
		var grad *mat.VecDense
		if m, ok := unit(mag); ok {
			grad = gradientMARG(q, a, m)
		} else {
			grad = gradientIMU(q, a)
		}
		if n := mat.Norm(grad, 2); n > 0 {
			step := Quaternion{
				Real: grad.AtVec(0),
				Imag: grad.AtVec(1),
				Jmag: grad.AtVec(2),
				Kmag: grad.AtVec(3),
			}
			qDot = quat.Sub(qDot, quat.Scale(f.beta/n, step))
		}
	}

	f.q = normalize(quat.Add(q, quat.Scale(f.dt(), qDot)))
}

// gravityTerms returns the objective rows and Jacobian aligning the
// predicted gravity direction with the measured one.
func gravityTerms(q Quaternion, a r3.Vec) ([]float64, []float64) {
	q0, q1, q2, q3 := q.Real, q.Imag, q.Jmag, q.Kmag
	f := []float64{
		2*(q1*q3-q0*q2) - a.X,
		2*(q0*q1+q2*q3) - a.Y,
		2*(0.5-q1*q1-q2*q2) - a.Z,
	}
	j := []float64{
		-2 * q2, 2 * q3, -2 * q0, 2 * q1,
		2 * q1, 2 * q0, 2 * q3, 2 * q2,
		0, -4 * q1, -4 * q2, 0,
	}
	return f, j
}

// fieldTerms does the same for the magnetic field, with the earth-frame
// reference (bx, 0, bz) derived from the measurement itself so that only
// heading is corrected, not inclination.
func fieldTerms(q Quaternion, m r3.Vec) ([]float64, []float64) {
	h := quat.Mul(quat.Mul(q, Quaternion{Imag: m.X, Jmag: m.Y, Kmag: m.Z}), quat.Conj(q))
	bx := r3.Norm(r3.Vec{X: h.Imag, Y: h.Jmag})
	bz := h.Kmag

	q0, q1, q2, q3 := q.Real, q.Imag, q.Jmag, q.Kmag
	f := []float64{
		2*bx*(0.5-q2*q2-q3*q3) + 2*bz*(q1*q3-q0*q2) - m.X,
		2*bx*(q1*q2-q0*q3) + 2*bz*(q0*q1+q2*q3) - m.Y,
		2*bx*(q0*q2+q1*q3) + 2*bz*(0.5-q1*q1-q2*q2) - m.Z,
	}
	j := []float64{
		-2 * bz * q2, 2 * bz * q3, -4*bx*q2 - 2*bz*q0, -4*bx*q3 + 2*bz*q1,
		-2*bx*q3 + 2*bz*q1, 2*bx*q2 + 2*bz*q0, 2*bx*q1 + 2*bz*q3, -2*bx*q0 + 2*bz*q2,
		2 * bx * q2, 2*bx*q3 - 4*bz*q1, 2*bx*q0 - 4*bz*q2, 2 * bx * q1,
	}
	return f, j
}

func gradientIMU(q Quaternion, a r3.Vec) *mat.VecDense {
	f, j := gravityTerms(q, a)
	return gradient(f, j)
}

func gradientMARG(q Quaternion, a, m r3.Vec) *mat.VecDense {
	fg, jg := gravityTerms(q, a)
	fb, jb := fieldTerms(q, m)
	return gradient(append(fg, fb...), append(jg, jb...))
}

// gradient computes Jᵀf for the stacked objective.
func gradient(f, j []float64) *mat.VecDense {
	jac := mat.NewDense(len(f), 4, j)
	var grad mat.VecDense
	grad.MulVec(jac.T(), mat.NewVecDense(len(f), f))
	return &grad
}

// unit normalises a reference sample; zero or vanishing vectors carry no
// direction and are reported as unusable.
func unit(m imu.Measurement) (r3.Vec, bool) {
	n := m.Norm()
	if n < normTolerance {
		return r3.Vec{}, false
	}
	return r3.Scale(1/n, m.Vec()), true
}
