// Package propagator implements C5: a second preintegrator seeded with the
// latest optimized bias, which integrates each inertial sample as it
// arrives to emit a pose at inertial-sample rate, and which the keyframe
// controller rewinds and re-propagates after every completed optimization
// (spec.md §4.5).
package propagator

import (
	"context"
	"time"

	"github.com/golang/geo/r3"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-modules/viam-inertial-odometry/config"
	"github.com/viam-modules/viam-inertial-odometry/geom"
	"github.com/viam-modules/viam-inertial-odometry/preintegration"
	"github.com/viam-modules/viam-inertial-odometry/queue"
	"github.com/viam-modules/viam-inertial-odometry/sensors"
)

// Pose is the emitted high-rate pose message: position, orientation, linear
// velocity, and angular velocity, in the lidar frame.
type Pose struct {
	Time            time.Time
	Position        r3.Vector
	Orientation     quat.Number
	LinearVelocity  r3.Vector
	AngularVelocity r3.Vector
}

// Propagator holds C5's forward preintegrator and the two queues fed by
// every arriving inertial sample.
type Propagator struct {
	Router     *sensors.Router
	Extrinsics sensors.Extrinsics
	Config     *config.Config
	Logger     logging.Logger

	QOpt *queue.Queue
	QImu *queue.Queue

	ForwardPreint *preintegration.Preintegration

	DoneFirstOpt  bool
	LastImuT      time.Time
	PrevStateOdom sensors.NavState
	PrevBiasOdom  sensors.Bias
}

// New constructs a Propagator. The forward preintegrator starts reset to
// zero bias; the keyframe controller resets it again at every
// initialization, and Reseed sets it up before DoneFirstOpt becomes true.
func New(router *sensors.Router, extrinsics sensors.Extrinsics, cfg *config.Config, logger logging.Logger, qOpt, qImu *queue.Queue) *Propagator {
	return &Propagator{
		Router:        router,
		Extrinsics:    extrinsics,
		Config:        cfg,
		Logger:        logger,
		QOpt:          qOpt,
		QImu:          qImu,
		ForwardPreint: preintegration.New(r3.Vector{Z: -cfg.GravityMagnitude}, noiseParams(cfg), sensors.Bias{}),
	}
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

// OnInertialSample is C5's entry point (spec.md §4.5). It must be called
// with the estimator's single coarse mutex held, mutually exclusive with
// the keyframe controller's OnLidarPose.
func (p *Propagator) OnInertialSample(
	ctx context.Context,
	t time.Time,
	rawAcc, rawGyro r3.Vector,
	rawOrientation quat.Number,
	hasOrientation bool,
) (*Pose, error) {
	_, span := trace.StartSpan(ctx, "viaminertialodometry::propagator::OnInertialSample")
	defer span.End()

	sample, err := p.Router.Route(ctx, t, rawAcc, rawGyro, rawOrientation, hasOrientation)
	if err != nil {
		return nil, err
	}

	p.QOpt.Push(sample)
	p.QImu.Push(sample)

	if !p.DoneFirstOpt {
		return nil, nil
	}

	dt := p.Config.BootstrapDt
	if !p.LastImuT.IsZero() {
		dt = t.Sub(p.LastImuT).Seconds()
	}
	if dt <= 0 {
		if p.Logger != nil {
			p.Logger.Warnf("not integrating inertial sample at %v: non-positive dt %v", t, dt)
		}
		return nil, nil
	}
	p.LastImuT = t

	gyroBias := currentGyroBias(p.ForwardPreint)

	if err := p.ForwardPreint.Integrate(sample.LinearAcceleration, angularVelocityVector(sample.AngularVelocity), dt); err != nil {
		return nil, err
	}

	currentState := p.ForwardPreint.Predict(p.PrevStateOdom, p.PrevBiasOdom)
	lidarPose := geom.Compose(currentState.Pose, p.Extrinsics.BodyToLidar)

	// The angular velocity emitted here is the raw gyroscope reading ADDED
	// to the current gyro bias estimate, not subtracted, as in the source
	// (spec.md §4.5, §9 open question). This is replicated intentionally.
	emittedAngularVelocity := angularVelocityVector(sample.AngularVelocity).Add(gyroBias)

	return &Pose{
		Time:            t,
		Position:        lidarPose.Position,
		Orientation:     lidarPose.Orientation,
		LinearVelocity:  currentState.Velocity,
		AngularVelocity: emittedAngularVelocity,
	}, nil
}

func currentGyroBias(p *preintegration.Preintegration) r3.Vector {
	return p.RefBias.Gyro
}

func angularVelocityVector(av spatialmath.AngularVelocity) r3.Vector {
	return r3.Vector{X: av.X, Y: av.Y, Z: av.Z}
}

// Reseed is called by the keyframe controller on a successful optimization
// (spec.md §4.4 step 8): it records the newly optimized state as the
// forward propagator's seed, drops stale Q_imu entries, resets the forward
// preintegrator with the new bias, and re-integrates every sample that
// arrived since the lidar pose's timestamp so the forward stream is
// consistent with the latest smoothed state.
func (p *Propagator) Reseed(prevState sensors.NavState, prevBias sensors.Bias, tLidar time.Time) error {
	p.PrevStateOdom = prevState
	p.PrevBiasOdom = prevBias

	discarded := p.QImu.DrainBefore(tLidar)
	p.ForwardPreint.Reset(prevBias)

	// lastT bases the first re-integrated sample's dt on the last discarded
	// Q_imu entry, matching the original's lastImuQT; when nothing was
	// discarded, lastT stays zero and the first dt falls back to
	// Config.BootstrapDt below (the original's lastImuQT < 0 case).
	var lastT time.Time
	if len(discarded) > 0 {
		lastT = discarded[len(discarded)-1].Time
	}

	remaining := p.QImu.DrainAll()
	for _, sample := range remaining {
		dt := p.Config.BootstrapDt
		if !lastT.IsZero() {
			if d := sample.Time.Sub(lastT).Seconds(); d > 0 {
				dt = d
			}
		}
		lastT = sample.Time
		if err := p.ForwardPreint.Integrate(sample.LinearAcceleration, angularVelocityVector(sample.AngularVelocity), dt); err != nil {
			return err
		}
	}
	p.LastImuT = lastT
	p.DoneFirstOpt = true
	return nil
}
