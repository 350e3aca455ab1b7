// Package keyframe implements C4: orchestration of the preintegrator,
// graph builder, and smoother on every arriving lidar pose — initialization,
// periodic graph reset, factor insertion, failure detection, and hand-off
// of the freshly optimized state to the forward propagator (spec.md §4.4).
package keyframe

import (
	"context"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-modules/viam-inertial-odometry/config"
	"github.com/viam-modules/viam-inertial-odometry/geom"
	"github.com/viam-modules/viam-inertial-odometry/graphbuilder"
	"github.com/viam-modules/viam-inertial-odometry/preintegration"
	"github.com/viam-modules/viam-inertial-odometry/propagator"
	"github.com/viam-modules/viam-inertial-odometry/queue"
	"github.com/viam-modules/viam-inertial-odometry/sensors"
	"github.com/viam-modules/viam-inertial-odometry/smoother"
)

// ErrNoInertialContext is returned (as a non-fatal signal, not a failure)
// when onLidarPose is called before any inertial sample has arrived
// (spec.md §4.4 step 1).
var ErrNoInertialContext = errors.New("lidar pose dropped: no inertial context yet")

// Controller holds C4's state: the optimization-side preintegrator, the
// smoother, the keyframe counter, and the most recently accepted NavState
// and bias.
type Controller struct {
	Config     *config.Config
	Extrinsics sensors.Extrinsics
	Logger     logging.Logger

	QOpt *queue.Queue

	OptPreint *preintegration.Preintegration
	Smoother  *smoother.Smoother

	Key         int
	Initialized bool
	PrevState   sensors.NavState
	PrevBias    sensors.Bias

	// GraphResets and Failures are cumulative counts exposed to telemetry
	// (spec.md §4.8).
	GraphResets int
	Failures    int
}

// New constructs an uninitialized Controller.
func New(cfg *config.Config, extrinsics sensors.Extrinsics, logger logging.Logger, qOpt *queue.Queue) *Controller {
	return &Controller{
		Config:     cfg,
		Extrinsics: extrinsics,
		Logger:     logger,
		QOpt:       qOpt,
		OptPreint:  preintegration.New(gravityVector(cfg), noiseParams(cfg), sensors.Bias{}),
		Smoother:   smoother.New(cfg.RelinearizationThreshold, logger),
	}
}

func gravityVector(cfg *config.Config) r3.Vector {
	return r3.Vector{Z: -cfg.GravityMagnitude}
}

func noiseParams(cfg *config.Config) preintegration.NoiseParams {
	return preintegration.NoiseParams{
		AccNoise:         cfg.AccelNoiseDensity,
		GyroNoise:        cfg.GyroNoiseDensity,
		AccBiasN:         cfg.AccelBiasRandomWalk,
		GyroBiasN:        cfg.GyroBiasRandomWalk,
		IntegrationNoise: cfg.IntegrationNoise,
	}
}

// OnLidarPose is C4's entry point (spec.md §4.4). It must be called with the
// estimator's single coarse mutex held, mutually exclusive with the
// propagator's OnInertialSample. On a successful optimization it reseeds
// fwd via Reseed; on failure it clears fwd's doneFirstOpt so the next lidar
// pose reinitializes from scratch (spec.md §4.4 step 7).
func (c *Controller) OnLidarPose(ctx context.Context, lidarPose sensors.LidarPose, fwd *propagator.Propagator) error {
	_, span := trace.StartSpan(ctx, "viaminertialodometry::keyframe::OnLidarPose")
	defer span.End()

	if c.QOpt.Len() == 0 {
		return ErrNoInertialContext
	}

	if !c.Initialized {
		c.QOpt.DrainBefore(lidarPose.Time)
		if err := c.initialize(ctx, lidarPose); err != nil {
			return err
		}
		fwd.ForwardPreint.Reset(c.PrevBias)
		return nil
	}

	if c.Key == c.Config.GraphResetInterval {
		if err := c.resetGraph(ctx); err != nil {
			return err
		}
		c.GraphResets++
	}

	samples := c.QOpt.DrainBefore(lidarPose.Time)
	if err := c.integrateDrained(samples); err != nil {
		return err
	}

	transition := graphbuilder.BuildKeyframeFactors(c.Key-1, c.Key, c.OptPreint, c.PrevState, c.PrevBias, lidarPose, c.Extrinsics, c.Config)

	if err := c.Smoother.Update(ctx, transition.Factors, transition.Initial); err != nil {
		return err
	}
	if err := c.Smoother.Update(ctx, nil, graphbuilder.NewValues()); err != nil {
		return err
	}

	est := c.Smoother.Estimate()
	c.PrevState = sensors.NavState{
		Pose:     est.Poses[graphbuilder.PoseVar(c.Key)],
		Velocity: est.Velocities[graphbuilder.VelVar(c.Key)],
	}
	c.PrevBias = est.Biases[graphbuilder.BiasVar(c.Key)]
	c.OptPreint.Reset(c.PrevBias)

	if c.failed() {
		c.Failures++
		c.resetParams(fwd)
		return nil
	}

	if err := fwd.Reseed(c.PrevState, c.PrevBias, lidarPose.Time); err != nil {
		return err
	}
	c.Key++
	return nil
}

func (c *Controller) integrateDrained(samples []sensors.InertialSample) error {
	lastT := time.Time{}
	for _, s := range samples {
		dt := c.Config.BootstrapDt
		if !lastT.IsZero() {
			if d := s.Time.Sub(lastT).Seconds(); d > 0 {
				dt = d
			}
		}
		lastT = s.Time
		if err := c.OptPreint.Integrate(s.LinearAcceleration, angularVelocityVector(s.AngularVelocity), dt); err != nil {
			return err
		}
	}
	return nil
}

// initialize seeds the graph with priors on X0, V0, B0 (spec.md §4.4 step 2).
func (c *Controller) initialize(ctx context.Context, lidarPose sensors.LidarPose) error {
	x0 := geom.Compose(lidarPose.Pose, c.Extrinsics.LidarToBody)

	priorNoise := c.Config.PriorVelocityNoise
	biasNoise := c.Config.PriorBiasNoise

	initial := graphbuilder.NewValues()
	initial.Poses[graphbuilder.PoseVar(0)] = x0
	initial.Velocities[graphbuilder.VelVar(0)] = r3.Vector{}
	initial.Biases[graphbuilder.BiasVar(0)] = sensors.Bias{}

	factors := []graphbuilder.Factor{
		&graphbuilder.PosePriorFactor{
			Key:  0,
			Mean: x0,
			Sigma: [6]float64{
				c.Config.NominalCorrectionNoise.X, c.Config.NominalCorrectionNoise.Y, c.Config.NominalCorrectionNoise.Z,
				c.Config.NominalCorrectionNoise.X, c.Config.NominalCorrectionNoise.Y, c.Config.NominalCorrectionNoise.Z,
			},
		},
		&graphbuilder.VelocityPriorFactor{Key: 0, Sigma: [3]float64{priorNoise.X, priorNoise.Y, priorNoise.Z}},
		&graphbuilder.BiasPriorFactor{Key: 0, Sigma: [6]float64{biasNoise.X, biasNoise.Y, biasNoise.Z, biasNoise.X, biasNoise.Y, biasNoise.Z}},
	}

	if err := c.Smoother.Update(ctx, factors, initial); err != nil {
		return err
	}

	c.OptPreint.Reset(sensors.Bias{})
	c.Key = 1
	c.Initialized = true
	c.PrevState = sensors.NavState{Pose: x0}
	c.PrevBias = sensors.Bias{}
	return nil
}

// resetGraph implements spec.md §4.4 step 3: capture marginal covariances
// at the outgoing keyframe, tear down the smoother, and seed a fresh graph
// with a prior carrying those covariances.
func (c *Controller) resetGraph(ctx context.Context) error {
	poseCov := c.Smoother.MarginalCovariance(graphbuilder.PoseVar(c.Key - 1))
	velCov := c.Smoother.MarginalCovariance(graphbuilder.VelVar(c.Key - 1))
	biasCov := c.Smoother.MarginalCovariance(graphbuilder.BiasVar(c.Key - 1))

	c.Smoother = smoother.New(c.Config.RelinearizationThreshold, c.Logger)

	initial := graphbuilder.NewValues()
	initial.Poses[graphbuilder.PoseVar(0)] = c.PrevState.Pose
	initial.Velocities[graphbuilder.VelVar(0)] = c.PrevState.Velocity
	initial.Biases[graphbuilder.BiasVar(0)] = c.PrevBias

	factors := []graphbuilder.Factor{
		&graphbuilder.PosePriorFactor{Key: 0, Mean: c.PrevState.Pose, Sigma: diagSigma6(poseCov, c.Config.NominalCorrectionNoise)},
		&graphbuilder.VelocityPriorFactor{Key: 0, Mean: c.PrevState.Velocity, Sigma: diagSigma3(velCov, c.Config.PriorVelocityNoise)},
		&graphbuilder.BiasPriorFactor{Key: 0, Mean: c.PrevBias, Sigma: diagSigma6(biasCov, c.Config.PriorBiasNoise)},
	}

	if err := c.Smoother.Update(ctx, factors, initial); err != nil {
		return err
	}
	c.Key = 1
	return nil
}

// failed implements the failure check in spec.md §4.6.
func (c *Controller) failed() bool {
	if c.PrevState.Velocity.Norm() > c.Config.MaxSpeed {
		return true
	}
	accNorm, gyroNorm := c.PrevBias.Norms()
	return accNorm > c.Config.MaxBiasNorm || gyroNorm > c.Config.MaxBiasNorm
}

// resetParams implements spec.md §4.4 step 7: clear doneFirstOpt,
// lastImuT_imu (on the propagator), and systemInitialized, so the next
// lidar pose reinitializes.
func (c *Controller) resetParams(fwd *propagator.Propagator) {
	c.Initialized = false
	c.Key = 0
	fwd.DoneFirstOpt = false
	fwd.LastImuT = time.Time{}
}

func angularVelocityVector(av spatialmath.AngularVelocity) r3.Vector {
	return r3.Vector{X: av.X, Y: av.Y, Z: av.Z}
}

// diagSigma6 extracts the square root of the diagonal of a 6x6 marginal
// covariance as a per-axis sigma, falling back to fallback when cov is nil
// (e.g. the very first keyframe, whose marginal is not yet meaningful).
func diagSigma6(cov *mat.Dense, fallback config.NoiseDiagonal) [6]float64 {
	if cov == nil {
		return [6]float64{fallback.X, fallback.Y, fallback.Z, fallback.X, fallback.Y, fallback.Z}
	}
	var out [6]float64
	for i := 0; i < 6; i++ {
		out[i] = sqrtPositive(cov.At(i, i))
	}
	return out
}

func diagSigma3(cov *mat.Dense, fallback config.NoiseDiagonal) [3]float64 {
	if cov == nil {
		return [3]float64{fallback.X, fallback.Y, fallback.Z}
	}
	return [3]float64{
		sqrtPositive(cov.At(0, 0)),
		sqrtPositive(cov.At(1, 1)),
		sqrtPositive(cov.At(2, 2)),
	}
}

func sqrtPositive(v float64) float64 {
	if v <= 0 {
		return 1e-6
	}
	return math.Sqrt(v)
}
