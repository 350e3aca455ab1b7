// Package telemetry implements C8: periodic export of the estimator's
// internal gauges — queue depths, keyframe cadence, and failure/reset
// counts — alongside the trace spans the rest of the module already emits
// (spec.md §4.8).
package telemetry

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils/perf"
)

var (
	measureQOptDepth      = stats.Int64("viaminertialodometry/qopt_depth", "entries waiting in Q_opt", stats.UnitDimensionless)
	measureQImuDepth      = stats.Int64("viaminertialodometry/qimu_depth", "entries waiting in Q_imu", stats.UnitDimensionless)
	measureKeyframeKey    = stats.Int64("viaminertialodometry/keyframe_key", "current keyframe index since last graph reset", stats.UnitDimensionless)
	measureGraphResets    = stats.Int64("viaminertialodometry/graph_resets", "cumulative count of periodic graph resets", stats.UnitDimensionless)
	measureFailures       = stats.Int64("viaminertialodometry/failures", "cumulative count of detected optimization failures", stats.UnitDimensionless)
	measurePosesEmitted   = stats.Int64("viaminertialodometry/poses_emitted", "cumulative count of poses emitted by the forward propagator", stats.UnitDimensionless)
)

var views = []*view.View{
	{Name: "qopt_depth", Measure: measureQOptDepth, Aggregation: view.LastValue()},
	{Name: "qimu_depth", Measure: measureQImuDepth, Aggregation: view.LastValue()},
	{Name: "keyframe_key", Measure: measureKeyframeKey, Aggregation: view.LastValue()},
	{Name: "graph_resets", Measure: measureGraphResets, Aggregation: view.LastValue()},
	{Name: "failures", Measure: measureFailures, Aggregation: view.LastValue()},
	{Name: "poses_emitted", Measure: measurePosesEmitted, Aggregation: view.LastValue()},
}

// Gauges is a snapshot of the estimator's internal counters, sampled once
// per reporting interval.
type Gauges struct {
	QOptDepth    int
	QImuDepth    int
	KeyframeKey  int
	GraphResets  int
	Failures     int
	PosesEmitted int
}

// Source is polled once per reporting interval to obtain the current
// Gauges. The estimator supplies this; Source must not block.
type Source func() Gauges

// Reporter periodically samples a Source and records it into the registered
// opencensus views, and drives the perf.Exporter that ships those views
// onward (spec.md §4.8).
type Reporter struct {
	source   Source
	interval time.Duration
	logger   logging.Logger
	exporter perf.Exporter

	cancel context.CancelFunc
	done   chan struct{}
}

// New registers the telemetry views and constructs a Reporter that samples
// source every interval.
func New(source Source, interval time.Duration, logger logging.Logger) (*Reporter, error) {
	if err := view.Register(views...); err != nil {
		return nil, err
	}

	exporter := perf.NewDevelopmentExporterWithOptions(perf.DevelopmentExporterOptions{
		ReportingInterval: interval,
	})

	return &Reporter{
		source:   source,
		interval: interval,
		logger:   logger,
		exporter: exporter,
		done:     make(chan struct{}),
	}, nil
}

// Start begins the periodic sampling loop and the perf exporter. It returns
// once both have started; call Stop to tear them down.
func (r *Reporter) Start(ctx context.Context) error {
	if err := r.exporter.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sample(ctx)
			}
		}
	}()
	return nil
}

func (r *Reporter) sample(ctx context.Context) {
	g := r.source()
	ctx, err := tag.New(ctx)
	if err != nil {
		r.logger.Debugf("telemetry: failed to create tag context: %v", err)
		return
	}
	stats.Record(ctx,
		measureQOptDepth.M(int64(g.QOptDepth)),
		measureQImuDepth.M(int64(g.QImuDepth)),
		measureKeyframeKey.M(int64(g.KeyframeKey)),
		measureGraphResets.M(int64(g.GraphResets)),
		measureFailures.M(int64(g.Failures)),
		measurePosesEmitted.M(int64(g.PosesEmitted)),
	)
}

// Stop stops the sampling loop and the perf exporter, blocking until the
// loop goroutine has exited.
func (r *Reporter) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
	r.exporter.Stop()
}
