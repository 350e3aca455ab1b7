// Package inject provides fakes for the sensors package's domain types,
// used by keyframe/propagator/estimator tests in place of a real inertial
// sensor or lidar odometry pipeline.
package inject

import (
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/num/quat"

	s "github.com/viam-modules/viam-inertial-odometry/sensors"
)

// epoch is the base time scenario tests measure seconds from, matching the
// teacher's use of a fixed reference time in sensorprocess tests.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// SecondsToTime converts a scenario-relative offset in seconds to an
// absolute time.Time.
func SecondsToTime(seconds float64) time.Time {
	return epoch.Add(time.Duration(seconds * float64(time.Second)))
}

// ConstantIMU generates InertialSamples at a fixed rate with a constant
// reading, useful for the cold-start / steady-motion scenarios in spec §8.
type ConstantIMU struct {
	Acc  r3.Vector
	Gyro r3.Vector
}

// Samples returns n samples spaced dt apart starting at t0 (seconds).
func (c ConstantIMU) Samples(t0, dt float64, n int) []s.InertialSample {
	out := make([]s.InertialSample, n)
	for i := 0; i < n; i++ {
		out[i] = s.InertialSample{
			Time:               SecondsToTime(t0 + float64(i)*dt),
			LinearAcceleration: c.Acc,
			AngularVelocity:    spatialmath.AngularVelocity{X: c.Gyro.X, Y: c.Gyro.Y, Z: c.Gyro.Z},
		}
	}
	return out
}

// FixedLidarPose builds a LidarPose at position pos and identity orientation
// at time t (seconds), optionally flagged degenerate.
func FixedLidarPose(t float64, pos r3.Vector, degenerate bool) s.LidarPose {
	return s.LidarPose{
		Time:       SecondsToTime(t),
		Pose:       s.Pose{Position: pos, Orientation: quat.Number{Real: 1}},
		Degenerate: degenerate,
	}
}
