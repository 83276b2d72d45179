package localize

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Transform is a 4x4 homogeneous rigid transform stored row-major.
//
//	| m[0]  m[1]  m[2]  m[3]  |   R | t
//	| m[4]  m[5]  m[6]  m[7]  |
//	| m[8]  m[9]  m[10] m[11] |
//	| m[12] m[13] m[14] m[15] |   0 0 0 1
type Transform [16]float64

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Translation creates a translation-only transform.
func Translation(v r3.Vector) Transform {
	m := Identity()
	m[3], m[7], m[11] = v.X, v.Y, v.Z
	return m
}

// RotationZ creates a rotation about the z axis (angle in radians).
func RotationZ(theta float64) Transform {
	c, s := math.Cos(theta), math.Sin(theta)
	return Transform{
		c, -s, 0, 0,
		s, c, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// FromRotationTranslation builds a transform from a row-major 3x3 rotation and a translation.
func FromRotationTranslation(r [9]float64, t r3.Vector) Transform {
	return Transform{
		r[0], r[1], r[2], t.X,
		r[3], r[4], r[5], t.Y,
		r[6], r[7], r[8], t.Z,
		0, 0, 0, 1,
	}
}

var errZeroQuaternion = errors.New("quaternion has zero norm")

// FromQuaternion builds a transform from a rotation quaternion and a translation.
// The quaternion is normalized first.
func FromQuaternion(q quat.Number, t r3.Vector) (Transform, error) {
	n := quat.Abs(q)
	if n < 1e-12 || math.IsNaN(n) || math.IsInf(n, 0) {
		return Identity(), errZeroQuaternion
	}
	q = quat.Scale(1/n, q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag

	r := [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	}
	return FromRotationTranslation(r, t), nil
}

// Mul returns m * o. Applying the result equals applying o first, then m.
func (m Transform) Mul(o Transform) Transform {
	var out Transform
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += m[r*4+k] * o[k*4+c]
			}
			out[r*4+c] = sum
		}
	}
	return out
}

// Inverse returns the inverse of a rigid transform: [R^T | -R^T t].
func (m Transform) Inverse() Transform {
	r := m.Rotation()
	rt := [9]float64{
		r[0], r[3], r[6],
		r[1], r[4], r[7],
		r[2], r[5], r[8],
	}
	t := m.Position()
	return FromRotationTranslation(rt, r3.Vector{
		X: -(rt[0]*t.X + rt[1]*t.Y + rt[2]*t.Z),
		Y: -(rt[3]*t.X + rt[4]*t.Y + rt[5]*t.Z),
		Z: -(rt[6]*t.X + rt[7]*t.Y + rt[8]*t.Z),
	})
}

// Apply transforms a position.
func (m Transform) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z + m[3],
		Y: m[4]*v.X + m[5]*v.Y + m[6]*v.Z + m[7],
		Z: m[8]*v.X + m[9]*v.Y + m[10]*v.Z + m[11],
	}
}

// ApplyPoint transforms a point, keeping its intensity.
func (m Transform) ApplyPoint(p Point) Point {
	v := m.Apply(p.Vec())
	return Point{X: v.X, Y: v.Y, Z: v.Z, Intensity: p.Intensity}
}

// ApplyCloud transforms every point of a cloud into a new cloud.
func (m Transform) ApplyCloud(cloud PointCloud) PointCloud {
	out := make(PointCloud, len(cloud))
	for i, p := range cloud {
		out[i] = m.ApplyPoint(p)
	}
	return out
}

// Position returns the translation part.
func (m Transform) Position() r3.Vector {
	return r3.Vector{X: m[3], Y: m[7], Z: m[11]}
}

// Rotation returns the row-major 3x3 rotation part.
func (m Transform) Rotation() [9]float64 {
	return [9]float64{
		m[0], m[1], m[2],
		m[4], m[5], m[6],
		m[8], m[9], m[10],
	}
}

// RotationAngle returns the magnitude of the rotation part in radians.
func (m Transform) RotationAngle() float64 {
	c := (m[0] + m[5] + m[10] - 1) / 2
	if c > 1 {
		c = 1
	} else if c < -1 {
		c = -1
	}
	return math.Acos(c)
}

// Quaternion returns the unit quaternion of the rotation part with a
// non-negative real component.
func (m Transform) Quaternion() quat.Number {
	var q quat.Number
	trace := m[0] + m[5] + m[10]
	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		q = quat.Number{Real: 0.25 / s, Imag: (m[9] - m[6]) * s, Jmag: (m[2] - m[8]) * s, Kmag: (m[4] - m[1]) * s}
	case m[0] > m[5] && m[0] > m[10]:
		s := 2 * math.Sqrt(1+m[0]-m[5]-m[10])
		q = quat.Number{Real: (m[9] - m[6]) / s, Imag: 0.25 * s, Jmag: (m[1] + m[4]) / s, Kmag: (m[2] + m[8]) / s}
	case m[5] > m[10]:
		s := 2 * math.Sqrt(1+m[5]-m[0]-m[10])
		q = quat.Number{Real: (m[2] - m[8]) / s, Imag: (m[1] + m[4]) / s, Jmag: 0.25 * s, Kmag: (m[6] + m[9]) / s}
	default:
		s := 2 * math.Sqrt(1+m[10]-m[0]-m[5])
		q = quat.Number{Real: (m[4] - m[1]) / s, Imag: (m[2] + m[8]) / s, Jmag: (m[6] + m[9]) / s, Kmag: 0.25 * s}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	if n := quat.Abs(q); n > 0 {
		q = quat.Scale(1/n, q)
	}
	return q
}

// QuaternionXYZW returns the rotation quaternion as x, y, z, w.
func (m Transform) QuaternionXYZW() [4]float64 {
	q := m.Quaternion()
	return [4]float64{q.Imag, q.Jmag, q.Kmag, q.Real}
}

// YawPitchRoll decomposes the rotation as R = Rz(yaw) * Ry(pitch) * Rx(roll).
// At gimbal lock yaw is reported as zero.
func (m Transform) YawPitchRoll() (yaw, pitch, roll float64) {
	if math.Abs(m[8]) >= 1 {
		if m[8] < 0 {
			return 0, math.Pi / 2, math.Atan2(m[1], m[2])
		}
		return 0, -math.Pi / 2, math.Atan2(-m[1], -m[2])
	}
	pitch = -math.Asin(m[8])
	cp := math.Cos(pitch)
	roll = math.Atan2(m[9]/cp, m[10]/cp)
	yaw = math.Atan2(m[4]/cp, m[0]/cp)
	return yaw, pitch, roll
}

// Orthonormalize projects the rotation part back onto SO(3) using an SVD
// and clears any drift in the bottom row.
func (m Transform) Orthonormalize() Transform {
	r := m.Rotation()
	a := mat.NewDense(3, 3, r[:])
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return m
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rot mat.Dense
	rot.Mul(&u, v.T())
	if mat.Det(&rot) < 0 {
		// Flip the axis of the smallest singular value.
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		rot.Mul(&u, v.T())
	}

	var out [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = rot.At(i, j)
		}
	}
	return FromRotationTranslation(out, m.Position())
}

// IsRigid reports whether the rotation part is orthonormal with determinant +1
// and the bottom row is 0 0 0 1, within tol.
func (m Transform) IsRigid(tol float64) bool {
	for _, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if math.Abs(m[12]) > tol || math.Abs(m[13]) > tol || math.Abs(m[14]) > tol || math.Abs(m[15]-1) > tol {
		return false
	}
	r := m.Rotation()
	a := mat.NewDense(3, 3, r[:])
	if math.Abs(mat.Det(a)-1) > tol {
		return false
	}
	var rtr mat.Dense
	rtr.Mul(a.T(), a)
	return mat.EqualApprox(&rtr, eye3(), tol)
}

func eye3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// ApproxEqual reports whether every element of a and b differs by at most tol.
func ApproxEqual(a, b Transform, tol float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

func (m Transform) String() string {
	yaw, pitch, roll := m.YawPitchRoll()
	t := m.Position()
	return fmt.Sprintf("t=(%.3f, %.3f, %.3f) ypr=(%.4f, %.4f, %.4f)", t.X, t.Y, t.Z, yaw, pitch, roll)
}
