package graphbuilder

import (
	"fmt"

	"github.com/golang/geo/r3"

	"github.com/viam-modules/viam-inertial-odometry/geom"
	"github.com/viam-modules/viam-inertial-odometry/sensors"
)

// VarID names a symbolic variable tracked by the smoother: a pose Xk,
// velocity Vk, or bias Bk at keyframe index k (spec.md §3 "Keyframe k").
type VarID string

// PoseVar, VelVar, and BiasVar build the VarID for keyframe key's pose,
// velocity, and bias variables respectively.
func PoseVar(key int) VarID { return VarID(fmt.Sprintf("X%d", key)) }
func VelVar(key int) VarID  { return VarID(fmt.Sprintf("V%d", key)) }
func BiasVar(key int) VarID { return VarID(fmt.Sprintf("B%d", key)) }

// Dim returns the tangent-space dimension of the variable named by id: 6 for
// a pose (3 rotation + 3 translation), 3 for a velocity, 6 for a bias (3
// accelerometer + 3 gyroscope).
func Dim(id VarID) int {
	switch id[0] {
	case 'X':
		return 6
	case 'V':
		return 3
	case 'B':
		return 6
	default:
		return 0
	}
}

// Values holds the current estimate for every tracked variable.
type Values struct {
	Poses      map[VarID]sensors.Pose
	Velocities map[VarID]r3.Vector
	Biases     map[VarID]sensors.Bias
}

// NewValues returns an empty Values.
func NewValues() Values {
	return Values{
		Poses:      map[VarID]sensors.Pose{},
		Velocities: map[VarID]r3.Vector{},
		Biases:     map[VarID]sensors.Bias{},
	}
}

// Clone returns a deep-enough copy of v: the maps are new, the values they
// hold are immutable structs.
func (v Values) Clone() Values {
	out := NewValues()
	for k, p := range v.Poses {
		out.Poses[k] = p
	}
	for k, vel := range v.Velocities {
		out.Velocities[k] = vel
	}
	for k, b := range v.Biases {
		out.Biases[k] = b
	}
	return out
}

// Merge copies every variable in other into v, overwriting existing entries.
func (v Values) Merge(other Values) {
	for k, p := range other.Poses {
		v.Poses[k] = p
	}
	for k, vel := range other.Velocities {
		v.Velocities[k] = vel
	}
	for k, b := range other.Biases {
		v.Biases[k] = b
	}
}

// Retract applies a small tangent-space perturbation delta to the variable
// named by id and returns the updated Values (a shallow copy with just that
// one entry replaced). Poses are perturbed on the right: a rotation
// increment followed by a translation increment, both expressed in the
// variable's own frame.
func (v Values) Retract(id VarID, delta []float64) Values {
	out := v.Clone()
	switch id[0] {
	case 'X':
		p := v.Poses[id]
		increment := geom.Pose{
			Orientation: geom.ExpSO3(r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]}),
			Position:    r3.Vector{X: delta[3], Y: delta[4], Z: delta[5]},
		}
		out.Poses[id] = geom.Compose(p, increment)
	case 'V':
		vel := v.Velocities[id]
		out.Velocities[id] = vel.Add(r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]})
	case 'B':
		b := v.Biases[id]
		out.Biases[id] = sensors.Bias{
			Accel: b.Accel.Add(r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]}),
			Gyro:  b.Gyro.Add(r3.Vector{X: delta[3], Y: delta[4], Z: delta[5]}),
		}
	}
	return out
}
