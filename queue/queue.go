// Package queue implements the two FIFO inertial-sample queues described in
// spec.md §3/§5: Q_opt, drained by the keyframe controller up to the
// current lidar timestamp, and Q_imu, drained by the forward propagator and
// re-drained during re-propagation. Both hold the same sample stream
// independently; each sample is pushed to both queues exactly once.
package queue

import (
	"sync"
	"time"

	"github.com/viam-modules/viam-inertial-odometry/sensors"
)

// Queue is a simple ordered buffer of inertial samples. Pushes append;
// drains remove and return a prefix in arrival order. Safe for concurrent
// use, though the estimator's single coarse mutex (spec.md §5) means
// Queue's own lock is never contended in practice.
type Queue struct {
	mu      sync.Mutex
	samples []sensors.InertialSample
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Push appends a sample to the back of the queue.
func (q *Queue) Push(sample sensors.InertialSample) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.samples = append(q.samples, sample)
}

// Len returns the number of buffered samples.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.samples)
}

// DrainBefore removes and returns every sample with a timestamp strictly
// before cutoff, in arrival order.
func (q *Queue) DrainBefore(cutoff time.Time) []sensors.InertialSample {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := 0
	for i < len(q.samples) && q.samples[i].Time.Before(cutoff) {
		i++
	}
	drained := q.samples[:i]
	q.samples = q.samples[i:]
	return drained
}

// DrainAll removes and returns every buffered sample, in arrival order.
func (q *Queue) DrainAll() []sensors.InertialSample {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.samples
	q.samples = nil
	return drained
}
