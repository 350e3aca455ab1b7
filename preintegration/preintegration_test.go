package preintegration

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/viam-modules/viam-inertial-odometry/sensors"
)

func defaultNoise() NoiseParams {
	return NoiseParams{
		AccNoise:         0.01,
		GyroNoise:        0.001,
		AccBiasN:         0.0001,
		GyroBiasN:        0.00001,
		IntegrationNoise: 1e-8,
	}
}

func TestIntegrateRejectsNonPositiveDt(t *testing.T) {
	p := New(r3.Vector{Z: -9.81}, defaultNoise(), sensors.Bias{})

	err := p.Integrate(r3.Vector{Z: 9.81}, r3.Vector{}, 0)
	test.That(t, err, test.ShouldEqual, ErrInvalidTimestepping)

	err = p.Integrate(r3.Vector{Z: 9.81}, r3.Vector{}, -0.002)
	test.That(t, err, test.ShouldEqual, ErrInvalidTimestepping)
}

func TestStationaryIntegrationHoldsPosition(t *testing.T) {
	gravity := r3.Vector{Z: -9.81}
	p := New(gravity, defaultNoise(), sensors.Bias{})

	dt := BootstrapDt
	acc := r3.Vector{Z: 9.81} // gravity-compensating reading while stationary
	for i := 0; i < 500; i++ {
		err := p.Integrate(acc, r3.Vector{}, dt)
		test.That(t, err, test.ShouldBeNil)
	}

	test.That(t, p.DeltaTij(), test.ShouldAlmostEqual, 1.0, 1e-9)

	prevState := sensors.NavState{Pose: sensors.Pose{Orientation: p.DeltaR}}
	next := p.Predict(prevState, sensors.Bias{})

	// Gravity pulls the predicted position/velocity down over the one
	// second window; the upward-compensating accelerometer reading and
	// gravity should very nearly offset.
	test.That(t, next.Pose.Position.Z, test.ShouldBeBetween, -0.5, 0.5)
	test.That(t, next.Velocity.Z, test.ShouldBeBetween, -1.0, 1.0)
}

func TestResetClearsAccumulatedState(t *testing.T) {
	p := New(r3.Vector{Z: -9.81}, defaultNoise(), sensors.Bias{})
	test.That(t, p.Integrate(r3.Vector{Z: 9.81}, r3.Vector{X: 0.1}, BootstrapDt), test.ShouldBeNil)
	test.That(t, p.DeltaTij(), test.ShouldBeGreaterThan, 0)

	newBias := sensors.Bias{Accel: r3.Vector{X: 0.01}, Gyro: r3.Vector{Y: 0.001}}
	p.Reset(newBias)

	test.That(t, p.DeltaTij(), test.ShouldEqual, 0)
	test.That(t, p.DeltaV, test.ShouldResemble, r3.Vector{})
	test.That(t, p.DeltaP, test.ShouldResemble, r3.Vector{})
	test.That(t, p.RefBias, test.ShouldResemble, newBias)
}

func TestIntegrateAccumulatesTime(t *testing.T) {
	p := New(r3.Vector{Z: -9.81}, defaultNoise(), sensors.Bias{})
	for i := 0; i < 10; i++ {
		test.That(t, p.Integrate(r3.Vector{Z: 9.81}, r3.Vector{}, BootstrapDt), test.ShouldBeNil)
	}
	test.That(t, p.DeltaTij(), test.ShouldAlmostEqual, 10*BootstrapDt, 1e-9)
}
