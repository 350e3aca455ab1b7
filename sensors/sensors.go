// Package sensors defines the inertial/lidar domain types consumed and
// produced by the estimator, and the frame-transform router (C6) that
// rotates raw inertial samples into the body frame the estimator uses.
package sensors

import (
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-modules/viam-inertial-odometry/geom"
)

// Pose is a 6-DoF rigid pose: a position and a unit-quaternion orientation.
type Pose = geom.Pose

// IdentityPose is the pose at the origin with no rotation.
var IdentityPose = geom.Identity

// InertialSample is one raw or body-frame-rotated inertial reading. Immutable
// once enqueued.
type InertialSample struct {
	Time               time.Time
	LinearAcceleration r3.Vector
	AngularVelocity    spatialmath.AngularVelocity
	// Orientation is optional; HasOrientation is false when the sensor did
	// not report one.
	Orientation    quat.Number
	HasOrientation bool
}

// LidarPose is one lidar-derived 6-DoF pose in the world frame. Immutable
// once enqueued.
type LidarPose struct {
	Time time.Time
	Pose Pose
	// Degenerate mirrors the upstream scan-matcher's covariance[0] == 1
	// flag: the observation is ill-conditioned along some axis.
	Degenerate bool
}

// Bias is a piecewise-constant accelerometer/gyroscope bias estimate.
type Bias struct {
	Accel r3.Vector
	Gyro  r3.Vector
}

// Norms returns the accelerometer and gyroscope bias magnitudes, used by the
// failure detector (spec §4.6).
func (b Bias) Norms() (accel, gyro float64) {
	return b.Accel.Norm(), b.Gyro.Norm()
}

// NavState is a rigid pose plus linear velocity in the world frame at a
// given instant.
type NavState struct {
	Pose     Pose
	Velocity r3.Vector
}

// Extrinsics is the fixed rigid transform between the lidar frame and the
// inertial sensor's body frame, configured at startup (extRot/extTrans in
// the source).
type Extrinsics struct {
	// LidarToBody is T_lb: composed onto lidar poses before they enter the
	// graph.
	LidarToBody Pose
	// BodyToLidar is T_bl, the inverse of LidarToBody: composed onto body
	// poses before they are emitted.
	BodyToLidar Pose
}
