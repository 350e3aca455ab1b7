// Package config implements functions to assist with attribute evaluation
// for the inertial/lidar estimator.
package config

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/num/quat"
)

// newError returns an error specific to a failure in the estimator config.
func newError(configError string) error {
	return errors.Errorf("estimator configuration error: %s", configError)
}

// NoiseDiagonal is a 3-vector of per-axis standard deviations used as a
// diagonal covariance in the prior/correction noise models (spec.md §4.2,
// §4.4).
type NoiseDiagonal r3.Vector

// Config describes how to configure the estimator: sensor extrinsics,
// continuous-time noise densities, graph-reset cadence, and failure
// thresholds.
type Config struct {
	// Extrinsics: fixed rotation of the inertial sensor into the body frame
	// (extRot in the source), and the rigid transform between lidar and body
	// frames (extTrans/extQRPY in the source).
	ExtrinsicRotationRPY   r3.Vector `json:"extrinsic_rotation_rpy"`
	LidarToBodyTranslation r3.Vector `json:"lidar_to_body_translation"`
	LidarToBodyRotationRPY r3.Vector `json:"lidar_to_body_rotation_rpy"`

	// Continuous-time white-noise densities (spec.md §4.1).
	AccelNoiseDensity      float64 `json:"imu_acc_noise"`
	GyroNoiseDensity       float64 `json:"imu_gyr_noise"`
	AccelBiasRandomWalk    float64 `json:"imu_acc_bias_n"`
	GyroBiasRandomWalk     float64 `json:"imu_gyr_bias_n"`
	IntegrationNoise       float64 `json:"integration_noise"`

	// GravityMagnitude is the fixed gravity constant, m/s^2 (spec.md §4.1).
	GravityMagnitude float64 `json:"gravity_magnitude"`

	// Prior noise diagonals used to seed a fresh graph (spec.md §4.4 step 2).
	PriorVelocityNoise NoiseDiagonal `json:"prior_velocity_noise"`
	PriorBiasNoise     NoiseDiagonal `json:"prior_bias_noise"`

	// Pose-prior correction noise diagonals (spec.md §4.2).
	NominalCorrectionNoise    NoiseDiagonal `json:"nominal_correction_noise"`
	DegenerateCorrectionNoise NoiseDiagonal `json:"degenerate_correction_noise"`

	// GraphResetInterval is N, the keyframe count between graph resets
	// (spec.md §3; source uses 100).
	GraphResetInterval int `json:"graph_reset_interval"`

	// RelinearizationThreshold and RelinearizationSkip are the smoother's
	// fixed configuration constants (spec.md §4.3; source uses 0.1 and 1).
	RelinearizationThreshold float64 `json:"relinearization_threshold"`
	RelinearizationSkip      int     `json:"relinearization_skip"`

	// BootstrapDt is the fallback integration interval used when the
	// previous sample's timestamp is not yet known (spec.md §4.1).
	BootstrapDt float64 `json:"bootstrap_dt"`

	// Failure thresholds (spec.md §4.6).
	MaxSpeed    float64 `json:"max_speed"`
	MaxBiasNorm float64 `json:"max_bias_norm"`

	// Sanity bounds enforced by the router (spec.md §4.7); zero disables a
	// bound.
	MaxLinearAcceleration float64 `json:"max_linear_acceleration"`
	MaxAngularVelocity    float64 `json:"max_angular_velocity"`
}

// ExtrinsicRotation returns the configured sensor-to-body rotation as a unit
// quaternion, built from the configured roll/pitch/yaw.
func (c *Config) ExtrinsicRotation() quat.Number {
	return rpyToQuat(c.ExtrinsicRotationRPY)
}

// LidarToBodyRotation returns the configured lidar-to-body rotation as a
// unit quaternion.
func (c *Config) LidarToBodyRotation() quat.Number {
	return rpyToQuat(c.LidarToBodyRotationRPY)
}

func rpyToQuat(rpy r3.Vector) quat.Number {
	cr, sr := cosSin(rpy.X / 2)
	cp, sp := cosSin(rpy.Y / 2)
	cy, sy := cosSin(rpy.Z / 2)
	return quat.Number{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: sr*cp*cy - cr*sp*sy,
		Jmag: cr*sp*cy + sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	}
}

// Validate checks the configuration, returning the list of implicit
// dependencies (none for this config; kept for symmetry with other RDK-style
// config validators). It does not fill in defaults; ApplyDefaults does.
func (c *Config) Validate(path string) ([]string, error) {
	if c.GravityMagnitude < 0 {
		return nil, newError("gravity_magnitude must not be negative")
	}
	if c.AccelNoiseDensity <= 0 {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "imu_acc_noise")
	}
	if c.GyroNoiseDensity <= 0 {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "imu_gyr_noise")
	}
	if c.AccelBiasRandomWalk <= 0 {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "imu_acc_bias_n")
	}
	if c.GyroBiasRandomWalk <= 0 {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "imu_gyr_bias_n")
	}
	if c.NominalCorrectionNoise.X <= 0 || c.NominalCorrectionNoise.Y <= 0 || c.NominalCorrectionNoise.Z <= 0 {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "nominal_correction_noise")
	}
	if c.DegenerateCorrectionNoise.X <= 0 || c.DegenerateCorrectionNoise.Y <= 0 || c.DegenerateCorrectionNoise.Z <= 0 {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "degenerate_correction_noise")
	}
	if c.GraphResetInterval < 0 {
		return nil, errors.New("cannot specify graph_reset_interval less than zero")
	}
	if c.RelinearizationSkip < 0 {
		return nil, errors.New("cannot specify relinearization_skip less than zero")
	}
	if c.BootstrapDt <= 0 {
		return nil, errors.New("bootstrap_dt must be strictly positive")
	}
	return nil, nil
}

// ApplyDefaults sets any unset optional config parameters to the documented
// defaults from spec.md, logging each substitution.
func ApplyDefaults(c *Config, logger logging.Logger) {
	if c.GravityMagnitude == 0 {
		c.GravityMagnitude = 9.81
		logger.Debugf("no gravity_magnitude given, setting to default value of %v", c.GravityMagnitude)
	}
	if c.GraphResetInterval == 0 {
		c.GraphResetInterval = 100
		logger.Debugf("no graph_reset_interval given, setting to default value of %v", c.GraphResetInterval)
	}
	if c.RelinearizationThreshold == 0 {
		c.RelinearizationThreshold = 0.1
		logger.Debugf("no relinearization_threshold given, setting to default value of %v", c.RelinearizationThreshold)
	}
	if c.RelinearizationSkip == 0 {
		c.RelinearizationSkip = 1
		logger.Debugf("no relinearization_skip given, setting to default value of %v", c.RelinearizationSkip)
	}
	if c.BootstrapDt == 0 {
		c.BootstrapDt = 1.0 / 500.0
		logger.Debugf("no bootstrap_dt given, setting to default value of %v", c.BootstrapDt)
	}
	if c.MaxSpeed == 0 {
		c.MaxSpeed = 30
		logger.Debugf("no max_speed given, setting to default value of %v", c.MaxSpeed)
	}
	if c.MaxBiasNorm == 0 {
		c.MaxBiasNorm = 1.0
		logger.Debugf("no max_bias_norm given, setting to default value of %v", c.MaxBiasNorm)
	}
	if c.PriorVelocityNoise == (NoiseDiagonal{}) {
		c.PriorVelocityNoise = NoiseDiagonal{X: 1e4, Y: 1e4, Z: 1e4}
	}
	if c.PriorBiasNoise == (NoiseDiagonal{}) {
		c.PriorBiasNoise = NoiseDiagonal{X: 1e-3, Y: 1e-3, Z: 1e-3}
	}
}

func cosSin(theta float64) (cos, sin float64) {
	return math.Cos(theta), math.Sin(theta)
}
