// Package geom provides the small set of on-manifold rigid-motion
// operations the estimator needs: quaternion composition, rotation of a
// vector by a quaternion, and the exponential/logarithm maps used by
// preintegration to compose small rotation increments on the right.
//
// gonum.org/v1/gonum/num/quat supplies quaternion arithmetic; the manifold
// operations themselves (Exp/Log of so(3), pose composition) are not
// provided by any dependency in the stack, so they live here rather than
// being reimplemented ad hoc in every package that needs them.
package geom

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a position plus unit-quaternion orientation, the same shape used
// throughout the estimator (sensors.Pose mirrors this; geom stays free of
// the sensors package so it has no domain dependencies).
type Pose struct {
	Position    r3.Vector
	Orientation quat.Number
}

// Identity is the pose at the origin with no rotation.
var Identity = Pose{Orientation: quat.Number{Real: 1}}

// Normalize returns q scaled to unit norm. The zero quaternion normalizes to
// the identity rotation.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// RotateVector rotates v by the unit quaternion q: q * v * q^-1, computed
// via the quaternion sandwich product.
func RotateVector(q quat.Number, v r3.Vector) r3.Vector {
	vq := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, vq), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Compose returns a*b: applying b's rotation first, then a's, with a's
// position offset added in a's rotated frame (standard pose composition).
func Compose(a, b Pose) Pose {
	return Pose{
		Position:    a.Position.Add(RotateVector(a.Orientation, b.Position)),
		Orientation: Normalize(quat.Mul(a.Orientation, b.Orientation)),
	}
}

// Inverse returns the pose that undoes p.
func Inverse(p Pose) Pose {
	qInv := quat.Conj(Normalize(p.Orientation))
	return Pose{
		Position:    RotateVector(qInv, p.Position.Mul(-1)),
		Orientation: qInv,
	}
}

// ExpSO3 is the exponential map of so(3): it turns a rotation vector
// (axis*angle, rad) into the unit quaternion it generates. Used to compose a
// gyroscope increment onto the right of an accumulated rotation.
func ExpSO3(w r3.Vector) quat.Number {
	theta := w.Norm()
	if theta < 1e-12 {
		// First-order approximation avoids a divide-by-zero for a
		// (near-)stationary gyroscope.
		return Normalize(quat.Number{Real: 1, Imag: w.X / 2, Jmag: w.Y / 2, Kmag: w.Z / 2})
	}
	half := theta / 2
	s := math.Sin(half) / theta
	return quat.Number{Real: math.Cos(half), Imag: w.X * s, Jmag: w.Y * s, Kmag: w.Z * s}
}

// LogSO3 is the logarithm map of so(3): the inverse of ExpSO3, recovering
// the rotation vector from a unit quaternion.
func LogSO3(q quat.Number) r3.Vector {
	q = Normalize(q)
	imag := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	sinHalf := imag.Norm()
	if sinHalf < 1e-12 {
		return imag.Mul(2)
	}
	theta := 2 * math.Atan2(sinHalf, q.Real)
	return imag.Mul(theta / sinHalf)
}

// ToRotationMatrix returns the 3x3 rotation matrix equivalent to q, in
// row-major order, for callers that need to build Jacobians with
// gonum.org/v1/gonum/mat.
func ToRotationMatrix(q quat.Number) [3][3]float64 {
	q = Normalize(q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w)},
		{2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w)},
		{2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y)},
	}
}

// Skew returns the 3x3 skew-symmetric cross-product matrix of v, used to
// build the rotation/velocity/position Jacobians with respect to small bias
// perturbations.
func Skew(v r3.Vector) [3][3]float64 {
	return [3][3]float64{
		{0, -v.Z, v.Y},
		{v.Z, 0, -v.X},
		{-v.Y, v.X, 0},
	}
}
