package orientation

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/inertial_orientation/internal/imu"
)

// Mahony is the proportional-integral complementary filter.
// The cross product between measured and predicted reference directions
// is fed back into the angular rate with gains Kp and Ki.
type Mahony struct {
	state
	kp, ki   float64
	integral r3.Vec
}

var _ Filter = (*Mahony)(nil)

func NewMahony(sampleIntervalMs int, kp, ki float64) *Mahony {
	f := &Mahony{kp: kp, ki: ki}
	f.reset(sampleIntervalMs)
	return f
}

func (f *Mahony) Gains() (kp, ki float64) { return f.kp, f.ki }

func (f *Mahony) Reconfigure(sampleIntervalMs int) {
	f.reset(sampleIntervalMs)
	f.integral = r3.Vec{}
}

func (f *Mahony) Update(gyro, accel, mag imu.Measurement) {
	if !usable(gyro, accel, mag) {
		return
	}

	q := f.q
	dt := f.dt()
	w := gyro.Vec()

	if a, ok := unit(accel); ok {
		q0, q1, q2, q3 := q.Real, q.Imag, q.Jmag, q.Kmag

		// Predicted gravity in the sensor frame.
		v := r3.Vec{
			X: 2 * (q1*q3 - q0*q2),
			Y: 2 * (q0*q1 + q2*q3),
			Z: q0*q0 - q1*q1 - q2*q2 + q3*q3,
		}
		e := r3.Cross(a, v)

		if m, ok := unit(mag); ok {
			h := quat.Mul(quat.Mul(q, Quaternion{Imag: m.X, Jmag: m.Y, Kmag: m.Z}), quat.Conj(q))
			bx := r3.Norm(r3.Vec{X: h.Imag, Y: h.Jmag})
			bz := h.Kmag
			// Predicted field in the sensor frame.
			b := r3.Vec{
				X: 2*bx*(0.5-q2*q2-q3*q3) + 2*bz*(q1*q3-q0*q2),
				Y: 2*bx*(q1*q2-q0*q3) + 2*bz*(q0*q1+q2*q3),
				Z: 2*bx*(q0*q2+q1*q3) + 2*bz*(0.5-q1*q1-q2*q2),
			}
			e = r3.Add(e, r3.Cross(m, b))
		}

		if f.ki > 0 {
			f.integral = r3.Add(f.integral, r3.Scale(f.ki*dt, e))
			w = r3.Add(w, f.integral)
		}
		w = r3.Add(w, r3.Scale(f.kp, e))
	}

	qDot := rateOf(q, w.X, w.Y, w.Z)
	f.q = normalize(quat.Add(q, quat.Scale(dt, qDot)))
}
