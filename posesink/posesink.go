// Package posesink implements C7: a newline-delimited JSON log of poses
// emitted by the forward propagator, for offline replay and debugging
// (spec.md §4.9).
package posesink

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/viam-modules/viam-inertial-odometry/propagator"
)

// TimeFormat is the timestamp format used in sink filenames.
const TimeFormat = "2006-01-02T15:04:05.0000Z"

// CreateTimestampFilename builds an absolute filename carrying the sink's
// name and a UTC timestamp, mirroring the teacher's data-file naming
// convention.
func CreateTimestampFilename(dataDirectory, name string, timeStamp time.Time) string {
	return filepath.Join(dataDirectory, name+"_poses_"+timeStamp.UTC().Format(TimeFormat)+".jsonl")
}

// poseRecord is the on-disk representation of one propagator.Pose.
type poseRecord struct {
	Time            time.Time `json:"time"`
	Position        [3]float64 `json:"position"`
	Orientation     [4]float64 `json:"orientation"` // real, i, j, k
	LinearVelocity  [3]float64 `json:"linear_velocity"`
	AngularVelocity [3]float64 `json:"angular_velocity"`
}

// Sink appends every pose it is given to a newline-delimited JSON file,
// flushing after each write so a crash loses at most the in-flight record.
type Sink struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// Open creates (or truncates) filename and returns a Sink writing to it.
func Open(filename string) (*Sink, error) {
	//nolint:gosec
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	return &Sink{f: f, w: bufio.NewWriter(f)}, nil
}

// Write appends one pose as a single JSON line.
func (s *Sink) Write(p propagator.Pose) error {
	record := poseRecord{
		Time:            p.Time,
		Position:        [3]float64{p.Position.X, p.Position.Y, p.Position.Z},
		Orientation:     [4]float64{p.Orientation.Real, p.Orientation.Imag, p.Orientation.Jmag, p.Orientation.Kmag},
		LinearVelocity:  [3]float64{p.LinearVelocity.X, p.LinearVelocity.Y, p.LinearVelocity.Z},
		AngularVelocity: [3]float64{p.AngularVelocity.X, p.AngularVelocity.Y, p.AngularVelocity.Z},
	}

	buf, err := json.Marshal(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(buf); err != nil {
		return err
	}
	if _, err := s.w.WriteString("\n"); err != nil {
		return err
	}
	return s.w.Flush()
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Close()
}
