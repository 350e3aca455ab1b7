package config

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

func validConfig() *Config {
	return &Config{
		AccelNoiseDensity:         0.01,
		GyroNoiseDensity:          0.001,
		AccelBiasRandomWalk:       0.0001,
		GyroBiasRandomWalk:        0.00001,
		NominalCorrectionNoise:    NoiseDiagonal{X: 0.05, Y: 0.05, Z: 0.05},
		DegenerateCorrectionNoise: NoiseDiagonal{X: 1, Y: 1, Z: 1},
		GraphResetInterval:        100,
		BootstrapDt:               1.0 / 500.0,
	}
}

func TestValidateRequiresNoiseDensities(t *testing.T) {
	cfg := validConfig()
	cfg.AccelNoiseDensity = 0
	_, err := cfg.Validate("services.estimator.attributes.fake")
	test.That(t, err, test.ShouldNotBeNil)

	cfg = validConfig()
	cfg.GyroNoiseDensity = 0
	_, err = cfg.Validate("services.estimator.attributes.fake")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestValidateRequiresCorrectionNoiseDiagonals(t *testing.T) {
	cfg := validConfig()
	cfg.NominalCorrectionNoise = NoiseDiagonal{}
	_, err := cfg.Validate("services.estimator.attributes.fake")
	test.That(t, err, test.ShouldNotBeNil)

	cfg = validConfig()
	cfg.DegenerateCorrectionNoise = NoiseDiagonal{}
	_, err = cfg.Validate("services.estimator.attributes.fake")
	test.That(t, err, test.ShouldNotBeNil)

	cfg = validConfig()
	cfg.NominalCorrectionNoise.Y = 0
	_, err = cfg.Validate("services.estimator.attributes.fake")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestValidateRejectsNegativeGraphResetInterval(t *testing.T) {
	cfg := validConfig()
	cfg.GraphResetInterval = -1
	_, err := cfg.Validate("services.estimator.attributes.fake")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestValidateRejectsNonPositiveBootstrapDt(t *testing.T) {
	cfg := validConfig()
	cfg.BootstrapDt = 0
	_, err := cfg.Validate("services.estimator.attributes.fake")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := validConfig()
	deps, err := cfg.Validate("services.estimator.attributes.fake")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, deps, test.ShouldBeNil)
}

func TestApplyDefaultsFillsUnsetFields(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cfg := &Config{
		AccelNoiseDensity:   0.01,
		GyroNoiseDensity:    0.001,
		AccelBiasRandomWalk: 0.0001,
		GyroBiasRandomWalk:  0.00001,
	}
	ApplyDefaults(cfg, logger)

	test.That(t, cfg.GravityMagnitude, test.ShouldEqual, 9.81)
	test.That(t, cfg.GraphResetInterval, test.ShouldEqual, 100)
	test.That(t, cfg.RelinearizationThreshold, test.ShouldEqual, 0.1)
	test.That(t, cfg.RelinearizationSkip, test.ShouldEqual, 1)
	test.That(t, cfg.BootstrapDt, test.ShouldAlmostEqual, 1.0/500.0, 1e-12)
	test.That(t, cfg.MaxSpeed, test.ShouldEqual, 30.0)
	test.That(t, cfg.MaxBiasNorm, test.ShouldEqual, 1.0)
	test.That(t, cfg.PriorVelocityNoise, test.ShouldResemble, NoiseDiagonal{X: 1e4, Y: 1e4, Z: 1e4})
	test.That(t, cfg.PriorBiasNoise, test.ShouldResemble, NoiseDiagonal{X: 1e-3, Y: 1e-3, Z: 1e-3})
}

func TestApplyDefaultsPreservesSetFields(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cfg := validConfig()
	cfg.GravityMagnitude = 9.8
	cfg.MaxSpeed = 15
	ApplyDefaults(cfg, logger)

	test.That(t, cfg.GravityMagnitude, test.ShouldEqual, 9.8)
	test.That(t, cfg.MaxSpeed, test.ShouldEqual, 15.0)
}

func TestExtrinsicRotationIdentityForZeroRPY(t *testing.T) {
	cfg := validConfig()
	q := cfg.ExtrinsicRotation()
	test.That(t, q.Real, test.ShouldAlmostEqual, 1.0, 1e-9)
	test.That(t, q.Imag, test.ShouldAlmostEqual, 0.0, 1e-9)
	test.That(t, q.Jmag, test.ShouldAlmostEqual, 0.0, 1e-9)
	test.That(t, q.Kmag, test.ShouldAlmostEqual, 0.0, 1e-9)
}

func TestLidarToBodyRotationMatchesExtrinsicConvention(t *testing.T) {
	cfg := validConfig()
	cfg.LidarToBodyRotationRPY = r3.Vector{Z: 1.5707963267948966}
	q := cfg.LidarToBodyRotation()
	// A 90 degree yaw should produce a quaternion with zero real/imag/jmag
	// contributions from roll/pitch and a non-zero kmag term.
	test.That(t, q.Kmag, test.ShouldBeGreaterThan, 0.5)
}
