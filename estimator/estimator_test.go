package estimator

import (
	"context"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-modules/viam-inertial-odometry/config"
	"github.com/viam-modules/viam-inertial-odometry/sensors"
	"github.com/viam-modules/viam-inertial-odometry/sensors/inject"
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
		MaxSpeed:                  30,
		MaxBiasNorm:                1.0,
	}
}

func feed(t *testing.T, e *Estimator, samples []sensors.InertialSample) {
	for _, s := range samples {
		test.That(t, e.OnInertialSample(context.Background(), s.Time, s.LinearAcceleration, r3.Vector{X: s.AngularVelocity.X, Y: s.AngularVelocity.Y, Z: s.AngularVelocity.Z}, quat.Number{}, false), test.ShouldBeNil)
	}
}

func TestColdStartProducesNoPoseUntilFirstOptimization(t *testing.T) {
	logger := logging.NewTestLogger(t)
	e := New(testConfig(), logger, sensors.Extrinsics{})
	ctx := context.Background()

	stationary := inject.ConstantIMU{Acc: r3.Vector{Z: 9.81}}
	feed(t, e, stationary.Samples(0, 0.5, 1))
	test.That(t, e.OnLidarPose(ctx, inject.FixedLidarPose(1, r3.Vector{}, false)), test.ShouldBeNil)

	select {
	case <-e.Poses():
		t.Fatal("expected no pose before the forward propagator is seeded")
	default:
	}
}

func TestStationaryInputEmitsPosesAfterHandoff(t *testing.T) {
	logger := logging.NewTestLogger(t)
	e := New(testConfig(), logger, sensors.Extrinsics{})
	ctx := context.Background()

	stationary := inject.ConstantIMU{Acc: r3.Vector{Z: 9.81}}
	feed(t, e, stationary.Samples(0, 0.5, 1))
	test.That(t, e.OnLidarPose(ctx, inject.FixedLidarPose(1, r3.Vector{}, false)), test.ShouldBeNil)

	feed(t, e, stationary.Samples(1, 0.1, 10))
	test.That(t, e.OnLidarPose(ctx, inject.FixedLidarPose(2, r3.Vector{}, false)), test.ShouldBeNil)

	feed(t, e, stationary.Samples(2.1, 0.1, 1))

	select {
	case <-e.Poses():
	default:
		t.Fatal("expected a pose after the forward propagator is seeded")
	}
}

func TestGaugesReportsPosesEmittedAndKeyframeKey(t *testing.T) {
	logger := logging.NewTestLogger(t)
	e := New(testConfig(), logger, sensors.Extrinsics{})
	ctx := context.Background()

	stationary := inject.ConstantIMU{Acc: r3.Vector{Z: 9.81}}
	feed(t, e, stationary.Samples(0, 0.5, 1))
	test.That(t, e.OnLidarPose(ctx, inject.FixedLidarPose(1, r3.Vector{}, false)), test.ShouldBeNil)

	feed(t, e, stationary.Samples(1, 0.1, 10))
	test.That(t, e.OnLidarPose(ctx, inject.FixedLidarPose(2, r3.Vector{}, false)), test.ShouldBeNil)

	feed(t, e, stationary.Samples(2.1, 0.1, 1))

	_, _, key, graphResets, failures, posesEmitted := e.Gauges()
	test.That(t, key, test.ShouldEqual, 2)
	test.That(t, graphResets, test.ShouldEqual, 0)
	test.That(t, failures, test.ShouldEqual, 0)
	test.That(t, posesEmitted, test.ShouldBeGreaterThan, 0)
}

func TestDegenerateLidarPoseStillInitializes(t *testing.T) {
	logger := logging.NewTestLogger(t)
	e := New(testConfig(), logger, sensors.Extrinsics{})
	ctx := context.Background()

	stationary := inject.ConstantIMU{Acc: r3.Vector{Z: 9.81}}
	feed(t, e, stationary.Samples(0, 0.5, 1))
	err := e.OnLidarPose(ctx, inject.FixedLidarPose(1, r3.Vector{}, true))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e.keyframe.Initialized, test.ShouldBeTrue)
}

func TestStartAndCloseDrainsBackgroundWorker(t *testing.T) {
	logger := logging.NewTestLogger(t)
	e := New(testConfig(), logger, sensors.Extrinsics{})
	e.Start(context.Background())
	e.Close()
}
