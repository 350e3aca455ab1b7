package keyframe

import (
	"context"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-modules/viam-inertial-odometry/config"
	"github.com/viam-modules/viam-inertial-odometry/propagator"
	"github.com/viam-modules/viam-inertial-odometry/queue"
	"github.com/viam-modules/viam-inertial-odometry/sensors"
)

func testConfig() *config.Config {
	return &config.Config{
		GravityMagnitude:          9.81,
		AccelNoiseDensity:         0.01,
		GyroNoiseDensity:          0.001,
		AccelBiasRandomWalk:       0.0001,
		GyroBiasRandomWalk:        0.00001,
		BootstrapDt:               1.0 / 500.0,
		GraphResetInterval:        100,
		RelinearizationThreshold:  0.1,
		NominalCorrectionNoise:    config.NoiseDiagonal{X: 0.01, Y: 0.01, Z: 0.01},
		DegenerateCorrectionNoise: config.NoiseDiagonal{X: 1.0, Y: 1.0, Z: 1.0},
		PriorVelocityNoise:        config.NoiseDiagonal{X: 1e4, Y: 1e4, Z: 1e4},
		PriorBiasNoise:            config.NoiseDiagonal{X: 1e-3, Y: 1e-3, Z: 1e-3},
		MaxSpeed:    30,
		MaxBiasNorm: 1.0,
	}
}

func testSetup(t *testing.T) (*Controller, *propagator.Propagator, *queue.Queue) {
	cfg := testConfig()
	logger := logging.NewTestLogger(t)
	qOpt := queue.New()
	qImu := queue.New()
	router := sensors.NewRouter(quat.Number{Real: 1}, sensors.Bounds{}, logger)
	fwd := propagator.New(router, sensors.Extrinsics{}, cfg, logger, qOpt, qImu)
	c := New(cfg, sensors.Extrinsics{}, logger, qOpt)
	return c, fwd, qOpt
}

func TestOnLidarPoseDropsWithoutInertialContext(t *testing.T) {
	c, fwd, _ := testSetup(t)
	err := c.OnLidarPose(context.Background(), sensors.LidarPose{Time: time.Unix(1, 0), Pose: sensors.IdentityPose}, fwd)
	test.That(t, err, test.ShouldEqual, ErrNoInertialContext)
	test.That(t, c.Initialized, test.ShouldBeFalse)
}

func TestOnLidarPoseInitializesOnFirstCallWithContext(t *testing.T) {
	c, fwd, qOpt := testSetup(t)
	qOpt.Push(sensors.InertialSample{Time: time.Unix(0, 500000000), LinearAcceleration: r3.Vector{Z: 9.81}})

	err := c.OnLidarPose(context.Background(), sensors.LidarPose{Time: time.Unix(1, 0), Pose: sensors.IdentityPose}, fwd)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Initialized, test.ShouldBeTrue)
	test.That(t, c.Key, test.ShouldEqual, 1)
	test.That(t, fwd.DoneFirstOpt, test.ShouldBeFalse)
}

func TestOnLidarPoseSecondCallHandsOffToPropagator(t *testing.T) {
	c, fwd, qOpt := testSetup(t)
	qOpt.Push(sensors.InertialSample{Time: time.Unix(0, 500000000), LinearAcceleration: r3.Vector{Z: 9.81}})
	test.That(t, c.OnLidarPose(context.Background(), sensors.LidarPose{Time: time.Unix(1, 0), Pose: sensors.IdentityPose}, fwd), test.ShouldBeNil)

	for i := 0; i < 10; i++ {
		qOpt.Push(sensors.InertialSample{Time: time.Unix(1, int64(i)*100000000), LinearAcceleration: r3.Vector{Z: 9.81}})
	}
	err := c.OnLidarPose(context.Background(), sensors.LidarPose{Time: time.Unix(2, 0), Pose: sensors.IdentityPose}, fwd)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fwd.DoneFirstOpt, test.ShouldBeTrue)
	test.That(t, c.Key, test.ShouldEqual, 2)
}

func TestFailureDetectionResetsController(t *testing.T) {
	c, fwd, qOpt := testSetup(t)
	qOpt.Push(sensors.InertialSample{Time: time.Unix(0, 500000000), LinearAcceleration: r3.Vector{Z: 9.81}})
	test.That(t, c.OnLidarPose(context.Background(), sensors.LidarPose{Time: time.Unix(1, 0), Pose: sensors.IdentityPose}, fwd), test.ShouldBeNil)

	// Force a failure by lowering the speed threshold below any possible
	// speed: OnLidarPose overwrites PrevState with the smoother's estimate
	// before the failure check, so the check trips on whatever velocity the
	// next optimization reads back.
	c.Config.MaxSpeed = -1
	test.That(t, c.failed(), test.ShouldBeTrue)

	for i := 0; i < 10; i++ {
		qOpt.Push(sensors.InertialSample{Time: time.Unix(1, int64(i)*100000000), LinearAcceleration: r3.Vector{Z: 9.81}})
	}
	test.That(t, c.OnLidarPose(context.Background(), sensors.LidarPose{Time: time.Unix(2, 0), Pose: sensors.IdentityPose}, fwd), test.ShouldBeNil)
	test.That(t, c.Failures, test.ShouldEqual, 1)
}

func TestGraphResetIncrementsCounterAtConfiguredInterval(t *testing.T) {
	c, fwd, qOpt := testSetup(t)
	c.Config.GraphResetInterval = 1

	qOpt.Push(sensors.InertialSample{Time: time.Unix(0, 500000000), LinearAcceleration: r3.Vector{Z: 9.81}})
	test.That(t, c.OnLidarPose(context.Background(), sensors.LidarPose{Time: time.Unix(1, 0), Pose: sensors.IdentityPose}, fwd), test.ShouldBeNil)
	test.That(t, c.GraphResets, test.ShouldEqual, 0)

	for i := 0; i < 10; i++ {
		qOpt.Push(sensors.InertialSample{Time: time.Unix(1, int64(i)*100000000), LinearAcceleration: r3.Vector{Z: 9.81}})
	}
	test.That(t, c.OnLidarPose(context.Background(), sensors.LidarPose{Time: time.Unix(2, 0), Pose: sensors.IdentityPose}, fwd), test.ShouldBeNil)
	test.That(t, c.GraphResets, test.ShouldEqual, 1)
}
