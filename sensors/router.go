package sensors

import (
	"context"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-modules/viam-inertial-odometry/geom"
)

// ErrSampleOutOfBounds is returned by Router.Route when a raw sample
// violates the configured sanity bounds (spec §4.7).
var ErrSampleOutOfBounds = errors.New("inertial sample outside configured sanity bounds")

// Bounds are the sanity limits a raw inertial sample must satisfy to be
// routed onward; a zero-valued Bounds disables the check (Max == 0 means
// "unbounded" for that field).
type Bounds struct {
	MaxLinearAcceleration float64 // m/s^2, 0 disables
	MaxAngularVelocity    float64 // rad/s, 0 disables
}

// Router rotates raw inertial samples from their native sensor frame into
// the body frame used by the estimator (C6). The rotation is a fixed
// extrinsic configured at startup.
type Router struct {
	// ExtRot rotates a vector expressed in the sensor's native frame into
	// the body frame (extRot in the source).
	ExtRot quat.Number
	Bounds Bounds
	Logger logging.Logger
}

// NewRouter constructs a Router from a fixed extrinsic rotation.
func NewRouter(extRot quat.Number, bounds Bounds, logger logging.Logger) *Router {
	return &Router{ExtRot: extRot, Bounds: bounds, Logger: logger}
}

// Route rotates a raw reading into the body frame and validates it against
// the configured sanity bounds. Samples that violate the bounds are
// rejected with ErrSampleOutOfBounds; the caller drops them rather than
// enqueueing (spec §4.7).
func (r *Router) Route(
	ctx context.Context,
	t time.Time,
	rawAcc r3.Vector,
	rawGyro r3.Vector,
	rawOrientation quat.Number,
	hasOrientation bool,
) (InertialSample, error) {
	_, span := trace.StartSpan(ctx, "viaminertialodometry::sensors::Route")
	defer span.End()

	if r.Bounds.MaxLinearAcceleration > 0 && rawAcc.Norm() > r.Bounds.MaxLinearAcceleration {
		r.logReject("linear acceleration", rawAcc.Norm(), r.Bounds.MaxLinearAcceleration)
		return InertialSample{}, ErrSampleOutOfBounds
	}
	if r.Bounds.MaxAngularVelocity > 0 && rawGyro.Norm() > r.Bounds.MaxAngularVelocity {
		r.logReject("angular velocity", rawGyro.Norm(), r.Bounds.MaxAngularVelocity)
		return InertialSample{}, ErrSampleOutOfBounds
	}

	acc := geom.RotateVector(r.ExtRot, rawAcc)
	gyro := geom.RotateVector(r.ExtRot, rawGyro)

	sample := InertialSample{
		Time:               t,
		LinearAcceleration: acc,
		AngularVelocity:    spatialmath.AngularVelocity{X: gyro.X, Y: gyro.Y, Z: gyro.Z},
	}
	if hasOrientation {
		sample.Orientation = geom.Normalize(quat.Mul(r.ExtRot, rawOrientation))
		sample.HasOrientation = true
	}
	return sample, nil
}

func (r *Router) logReject(field string, value, bound float64) {
	if r.Logger != nil {
		r.Logger.Debugf("rejecting inertial sample: %s magnitude %v exceeds bound %v", field, value, bound)
	}
}
