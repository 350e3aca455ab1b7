package sensors

import (
	"context"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// SecondsToTimeForTest converts a scenario-relative offset in seconds to an
// absolute time.Time for use in this package's tests.
func SecondsToTimeForTest(seconds float64) time.Time {
	return testEpoch.Add(time.Duration(seconds * float64(time.Second)))
}

func TestRouterIdentityExtrinsic(t *testing.T) {
	logger := logging.NewTestLogger(t)
	r := NewRouter(quat.Number{Real: 1}, Bounds{}, logger)

	acc := r3.Vector{X: 0, Y: 0, Z: 9.81}
	gyro := r3.Vector{X: 0.1, Y: 0, Z: 0}

	sample, err := r.Route(context.Background(), SecondsToTimeForTest(1), acc, gyro, quat.Number{}, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sample.LinearAcceleration, test.ShouldResemble, acc)
	test.That(t, sample.AngularVelocity.X, test.ShouldEqual, gyro.X)
	test.That(t, sample.HasOrientation, test.ShouldBeFalse)
}

func TestRouterRejectsOutOfBounds(t *testing.T) {
	logger := logging.NewTestLogger(t)
	r := NewRouter(quat.Number{Real: 1}, Bounds{MaxLinearAcceleration: 20}, logger)

	_, err := r.Route(context.Background(), SecondsToTimeForTest(1), r3.Vector{X: 0, Y: 0, Z: 1000}, r3.Vector{}, quat.Number{}, false)
	test.That(t, err, test.ShouldEqual, ErrSampleOutOfBounds)
}

func TestRouterRotatesIntoBodyFrame(t *testing.T) {
	logger := logging.NewTestLogger(t)
	// 90 degree rotation about Z: x axis maps to y axis.
	half := 0.70710678118
	extRot := quat.Number{Real: half, Kmag: half}
	r := NewRouter(extRot, Bounds{}, logger)

	sample, err := r.Route(context.Background(), SecondsToTimeForTest(1), r3.Vector{X: 1}, r3.Vector{}, quat.Number{}, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sample.LinearAcceleration.X, test.ShouldBeLessThan, 1e-6)
	test.That(t, sample.LinearAcceleration.Y, test.ShouldBeGreaterThan, 0.99)
}
