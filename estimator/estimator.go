// Package estimator wires the preintegrator, graph builder, smoother,
// keyframe controller, forward propagator, and sample router into the
// tightly-coupled inertial/lidar state estimator described in spec.md §§1-2.
// It owns the single coarse mutex that makes OnLidarPose and
// OnInertialSample mutually exclusive (spec.md §5).
package estimator

import (
	"context"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-modules/viam-inertial-odometry/config"
	"github.com/viam-modules/viam-inertial-odometry/keyframe"
	"github.com/viam-modules/viam-inertial-odometry/propagator"
	"github.com/viam-modules/viam-inertial-odometry/queue"
	"github.com/viam-modules/viam-inertial-odometry/sensors"
)

// Estimator is the top-level orchestrator: C4 (keyframe.Controller) and C5
// (propagator.Propagator) sharing the two queues from C6, all guarded by a
// single mutex.
type Estimator struct {
	mu sync.Mutex

	cfg        *config.Config
	logger     logging.Logger
	router     *sensors.Router
	keyframe   *keyframe.Controller
	propagator *propagator.Propagator

	poses chan propagator.Pose

	posesEmitted int

	cancel                  context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

// New constructs an Estimator from a validated Config and its fixed
// extrinsics, with a buffered output channel of emitted poses.
func New(cfg *config.Config, logger logging.Logger, extrinsics sensors.Extrinsics) *Estimator {
	qOpt := queue.New()
	qImu := queue.New()
	router := sensors.NewRouter(cfg.ExtrinsicRotation(), sensors.Bounds{
		MaxLinearAcceleration: cfg.MaxLinearAcceleration,
		MaxAngularVelocity:    cfg.MaxAngularVelocity,
	}, logger)

	return &Estimator{
		cfg:        cfg,
		logger:     logger,
		router:     router,
		keyframe:   keyframe.New(cfg, extrinsics, logger, qOpt),
		propagator: propagator.New(router, extrinsics, cfg, logger, qOpt, qImu),
		poses:      make(chan propagator.Pose, 256),
	}
}

// Poses returns the channel of emitted high-rate poses. The caller is
// responsible for draining it; Close stops sending and closes the channel.
func (e *Estimator) Poses() <-chan propagator.Pose {
	return e.poses
}

// Gauges reports a snapshot of the estimator's internal counters, for a
// telemetry.Reporter to sample.
func (e *Estimator) Gauges() (qOptDepth, qImuDepth, keyframeKey, graphResets, failures, posesEmitted int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.propagator.QOpt.Len(), e.propagator.QImu.Len(), e.keyframe.Key,
		e.keyframe.GraphResets, e.keyframe.Failures, e.posesEmitted
}

// OnLidarPose feeds one lidar-derived pose into the keyframe controller.
func (e *Estimator) OnLidarPose(ctx context.Context, lidarPose sensors.LidarPose) error {
	ctx, span := trace.StartSpan(ctx, "viaminertialodometry::estimator::OnLidarPose")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.keyframe.OnLidarPose(ctx, lidarPose, e.propagator)
	if err != nil && err != keyframe.ErrNoInertialContext {
		return err
	}
	return nil
}

// OnInertialSample feeds one raw inertial reading into the forward
// propagator, emitting a pose on e.Poses() when one is produced.
func (e *Estimator) OnInertialSample(
	ctx context.Context,
	t time.Time,
	rawAcc, rawGyro r3.Vector,
	rawOrientation quat.Number,
	hasOrientation bool,
) error {
	ctx, span := trace.StartSpan(ctx, "viaminertialodometry::estimator::OnInertialSample")
	defer span.End()

	e.mu.Lock()
	pose, err := e.propagator.OnInertialSample(ctx, t, rawAcc, rawGyro, rawOrientation, hasOrientation)
	if err == nil && pose != nil {
		e.posesEmitted++
	}
	e.mu.Unlock()

	if err != nil {
		if err == sensors.ErrSampleOutOfBounds {
			return nil
		}
		return err
	}
	if pose == nil {
		return nil
	}
	select {
	case e.poses <- *pose:
	default:
		e.logger.Debugf("pose output channel full, dropping pose at %v", pose.Time)
	}
	return nil
}

// Start launches the background worker that owns the output channel's
// lifetime; callers feed samples via OnLidarPose/OnInertialSample from
// whatever goroutines their sensor drivers use. Start exists to mirror the
// worker-lifecycle shape of the rest of the corpus even though this
// estimator's real concurrency boundary is the mutex above, not a goroutine
// pool of its own.
func (e *Estimator) Start(ctx context.Context) {
	cancelCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer e.activeBackgroundWorkers.Done()
		<-cancelCtx.Done()
	})
}

// Close stops the background worker and closes the pose output channel.
func (e *Estimator) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.activeBackgroundWorkers.Wait()
	close(e.poses)
}
