// Package main is a runnable demo harness for the inertial/lidar estimator:
// it loads a JSON config, wires up an estimator.Estimator, and drains its
// pose stream to a posesink.Sink while a telemetry.Reporter samples its
// internal gauges. It does not serve an RDK service API; this repo is a
// library, not a module.
package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"github.com/viam-modules/viam-inertial-odometry/config"
	"github.com/viam-modules/viam-inertial-odometry/estimator"
	"github.com/viam-modules/viam-inertial-odometry/geom"
	"github.com/viam-modules/viam-inertial-odometry/posesink"
	"github.com/viam-modules/viam-inertial-odometry/sensors"
	"github.com/viam-modules/viam-inertial-odometry/telemetry"
)

// Versioning variables, replaced by LD flags.
var (
	Version     = "development"
	GitRevision = ""
)

func main() {
	utils.ContextualMain(mainWithArgs, logging.NewLogger("viaminertialodometry"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	var versionFields []interface{}
	if Version != "" {
		versionFields = append(versionFields, "version", Version)
	}
	if GitRevision != "" {
		versionFields = append(versionFields, "git_rev", GitRevision)
	}
	logger.Infow("viam-inertial-odometry", versionFields...)

	if len(args) < 2 {
		return errors.New("usage: estimator <config.json>")
	}

	cfg, err := loadConfig(args[1])
	if err != nil {
		return err
	}
	config.ApplyDefaults(cfg, logger)
	if _, err := cfg.Validate(args[1]); err != nil {
		return err
	}

	lidarToBody := sensors.Pose{
		Position:    cfg.LidarToBodyTranslation,
		Orientation: cfg.LidarToBodyRotation(),
	}
	extrinsics := sensors.Extrinsics{
		LidarToBody: lidarToBody,
		BodyToLidar: geom.Inverse(lidarToBody),
	}

	est := estimator.New(cfg, logger, extrinsics)
	est.Start(ctx)
	defer est.Close()

	sinkFilename := posesink.CreateTimestampFilename(os.TempDir(), "viaminertialodometry", time.Now())
	sink, err := posesink.Open(sinkFilename)
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(sink.Close)
	logger.Infof("writing poses to %s", sinkFilename)

	reporter, err := telemetry.New(func() telemetry.Gauges {
		qOpt, qImu, key, graphResets, failures, posesEmitted := est.Gauges()
		return telemetry.Gauges{
			QOptDepth:    qOpt,
			QImuDepth:    qImu,
			KeyframeKey:  key,
			GraphResets:  graphResets,
			Failures:     failures,
			PosesEmitted: posesEmitted,
		}
	}, time.Second, logger)
	if err != nil {
		return err
	}
	if err := reporter.Start(ctx); err != nil {
		return err
	}
	defer reporter.Stop()

	utils.PanicCapturingGo(func() {
		for pose := range est.Poses() {
			if err := sink.Write(pose); err != nil {
				logger.Errorw("failed to write pose", "error", err)
			}
		}
	})

	<-ctx.Done()
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := &config.Config{}
	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
