// Package preintegration implements C1: bias-aware on-manifold integration
// of inertial samples into a single relative motion constraint (Δrotation,
// Δvelocity, Δposition) plus covariance and bias Jacobians, as described in
// spec §4.1. No preintegration library exists in the dependency set, so this
// package implements the standard on-manifold IMU preintegration recursion
// directly on top of gonum's quaternion and matrix packages.
package preintegration

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-modules/viam-inertial-odometry/geom"
	"github.com/viam-modules/viam-inertial-odometry/sensors"
)

// ErrInvalidTimestepping is returned by Integrate when dt is not strictly
// positive (spec §4.1 "Failure modes").
var ErrInvalidTimestepping = errors.New("InvalidTimestepping: dt must be strictly positive")

// BootstrapDt is used for the first sample after a reset, when the previous
// sample's timestamp is not yet known (spec §4.1 "Numerics").
const BootstrapDt = 1.0 / 500.0

// NoiseParams are the continuous-time white-noise densities and bias
// random-walk densities from spec §6.
type NoiseParams struct {
	AccNoise         float64 // m/s^2 / sqrt(Hz)
	GyroNoise        float64 // rad/s / sqrt(Hz)
	AccBiasN         float64 // m/s^3 / sqrt(Hz)
	GyroBiasN        float64 // rad/s^2 / sqrt(Hz)
	IntegrationNoise float64
}

// Preintegration accumulates inertial samples between two keyframes into a
// single relative motion constraint, parameterized by a reference bias
// (spec §4.1, §3 "Preintegration").
type Preintegration struct {
	RefBias sensors.Bias

	DeltaR quat.Number
	DeltaV r3.Vector
	DeltaP r3.Vector
	DeltaT float64

	// Cov is the 9x9 accumulated covariance over [rotation, velocity,
	// position] error states, in that block order.
	Cov *mat.Dense

	// Bias Jacobians: how each increment shifts for a small deviation of
	// the true bias from RefBias.
	JRBiasGyro *mat.Dense // 3x3, d(deltaR)/d(gyro bias), in the tangent space
	JVBiasAcc  *mat.Dense // 3x3
	JVBiasGyro *mat.Dense // 3x3
	JPBiasAcc  *mat.Dense // 3x3
	JPBiasGyro *mat.Dense // 3x3

	Gravity r3.Vector
	Noise   NoiseParams
}

// New constructs a Preintegration with fixed gravity and noise parameters,
// reset to the given reference bias.
func New(gravity r3.Vector, noise NoiseParams, bias sensors.Bias) *Preintegration {
	p := &Preintegration{Gravity: gravity, Noise: noise}
	p.Reset(bias)
	return p
}

// Reset clears the accumulated increment and re-parameterizes on a new
// reference bias. Always succeeds (spec §4.1 "Failure modes").
func (p *Preintegration) Reset(bias sensors.Bias) {
	p.RefBias = bias
	p.DeltaR = quat.Number{Real: 1}
	p.DeltaV = r3.Vector{}
	p.DeltaP = r3.Vector{}
	p.DeltaT = 0

	p.Cov = mat.NewDense(9, 9, nil)
	p.JRBiasGyro = mat.NewDense(3, 3, nil)
	p.JVBiasAcc = mat.NewDense(3, 3, nil)
	p.JVBiasGyro = mat.NewDense(3, 3, nil)
	p.JPBiasAcc = mat.NewDense(3, 3, nil)
	p.JPBiasGyro = mat.NewDense(3, 3, nil)
}

// DeltaTij returns the accumulated integration interval.
func (p *Preintegration) DeltaTij() float64 {
	return p.DeltaT
}

// Integrate folds one inertial sample into the accumulated increment.
// dt must be strictly positive.
func (p *Preintegration) Integrate(acc, gyro r3.Vector, dt float64) error {
	if dt <= 0 {
		return ErrInvalidTimestepping
	}

	correctedAcc := acc.Sub(p.RefBias.Accel)
	correctedGyro := gyro.Sub(p.RefBias.Gyro)

	rotatedAcc := geom.RotateVector(p.DeltaR, correctedAcc)

	// Position and velocity are updated using the rotation accumulated so
	// far (the frame at the start of this sub-interval), then the rotation
	// itself is advanced.
	p.DeltaP = p.DeltaP.Add(p.DeltaV.Mul(dt)).Add(rotatedAcc.Mul(0.5 * dt * dt))
	p.DeltaV = p.DeltaV.Add(rotatedAcc.Mul(dt))

	Rk := geom.ToRotationMatrix(p.DeltaR)
	dR := geom.ExpSO3(correctedGyro.Mul(dt))
	p.DeltaR = geom.Normalize(quat.Mul(p.DeltaR, dR))
	p.DeltaT += dt

	p.propagateCovariance(Rk, correctedAcc, correctedGyro, dt)
	p.propagateJacobians(Rk, correctedAcc, dt)

	return nil
}

// propagateJacobians updates the first-order Jacobians of the accumulated
// increment with respect to a small perturbation of the reference bias, so
// that Predict can absorb a bias correction without reintegrating. In the
// rotation Jacobian update, both the per-step rotation factor dR(gyro*dt)^T
// and the right-Jacobian correction term are approximated as identity, which
// holds for the small per-step dt used here.
func (p *Preintegration) propagateJacobians(Rk [3][3]float64, correctedAcc r3.Vector, dt float64) {
	skewAcc := matFromSkew(geom.Skew(correctedAcc))
	Rmat := matFrom3x3(Rk)

	// dP/dba += dV/dba*dt - 0.5*R*dt^2
	term := mat.NewDense(3, 3, nil)
	term.Scale(dt, p.JVBiasAcc)
	rTerm := mat.NewDense(3, 3, nil)
	rTerm.Scale(-0.5*dt*dt, Rmat)
	newJPBiasAcc := mat.NewDense(3, 3, nil)
	newJPBiasAcc.Add(p.JPBiasAcc, term)
	newJPBiasAcc.Add(newJPBiasAcc, rTerm)

	// dP/dbg += dV/dbg*dt - 0.5*R*dt^2*skew(acc)*dR/dbg
	term2 := mat.NewDense(3, 3, nil)
	term2.Scale(dt, p.JVBiasGyro)
	rSkewJ := mat.NewDense(3, 3, nil)
	rSkewJ.Mul(Rmat, skewAcc)
	rSkewJ.Mul(rSkewJ, p.JRBiasGyro)
	rSkewJ.Scale(-0.5*dt*dt, rSkewJ)
	newJPBiasGyro := mat.NewDense(3, 3, nil)
	newJPBiasGyro.Add(p.JPBiasGyro, term2)
	newJPBiasGyro.Add(newJPBiasGyro, rSkewJ)

	// dV/dba -= R*dt
	newJVBiasAcc := mat.NewDense(3, 3, nil)
	rDt := mat.NewDense(3, 3, nil)
	rDt.Scale(-dt, Rmat)
	newJVBiasAcc.Add(p.JVBiasAcc, rDt)

	// dV/dbg -= R*dt*skew(acc)*dR/dbg
	newJVBiasGyro := mat.NewDense(3, 3, nil)
	rSkewJv := mat.NewDense(3, 3, nil)
	rSkewJv.Mul(Rmat, skewAcc)
	rSkewJv.Mul(rSkewJv, p.JRBiasGyro)
	rSkewJv.Scale(-dt, rSkewJv)
	newJVBiasGyro.Add(p.JVBiasGyro, rSkewJv)

	// dR/dbg -= dt*I (dR(gyro*dt)^T ≈ I, right-Jacobian ≈ I)
	newJRBiasGyro := mat.NewDense(3, 3, nil)
	newJRBiasGyro.Scale(1, p.JRBiasGyro)
	ident := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		ident.Set(i, i, -dt)
	}
	newJRBiasGyro.Add(newJRBiasGyro, ident)

	p.JPBiasAcc, p.JPBiasGyro = newJPBiasAcc, newJPBiasGyro
	p.JVBiasAcc, p.JVBiasGyro = newJVBiasAcc, newJVBiasGyro
	p.JRBiasGyro = newJRBiasGyro
}

// propagateCovariance advances the 9x9 [rotation, velocity, position] error
// covariance by one linearized step, injecting continuous-time accelerometer
// and gyroscope noise densities discretized over dt.
func (p *Preintegration) propagateCovariance(Rk [3][3]float64, correctedAcc, correctedGyro r3.Vector, dt float64) {
	Rmat := matFrom3x3(Rk)
	skewAcc := matFromSkew(geom.Skew(correctedAcc))

	F := mat.NewDense(9, 9, nil)
	for i := 0; i < 9; i++ {
		F.Set(i, i, 1)
	}
	// d(deltaTheta_k+1)/d(deltaTheta_k) ~= I (right-Jacobian approx as above)
	// d(deltaV_k+1)/d(deltaTheta_k) = -R*skew(acc)*dt
	rSkew := mat.NewDense(3, 3, nil)
	rSkew.Mul(Rmat, skewAcc)
	rSkew.Scale(-dt, rSkew)
	setBlock(F, 3, 0, rSkew)
	// d(deltaV_k+1)/d(deltaV_k) = I already set on diagonal
	// d(deltaP_k+1)/d(deltaTheta_k) = -0.5*R*skew(acc)*dt^2
	rSkewP := mat.NewDense(3, 3, nil)
	rSkewP.Scale(0.5*dt, rSkew)
	setBlock(F, 6, 0, rSkewP)
	// d(deltaP_k+1)/d(deltaV_k) = dt*I
	dtI := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		dtI.Set(i, i, dt)
	}
	setBlock(F, 6, 3, dtI)

	G := mat.NewDense(9, 6, nil)
	negRdt := mat.NewDense(3, 3, nil)
	negRdt.Scale(-dt, Rmat)
	setBlock(G, 3, 0, negRdt) // d(deltaV)/d(acc noise)
	halfNegRdt2 := mat.NewDense(3, 3, nil)
	halfNegRdt2.Scale(-0.5*dt*dt, Rmat)
	setBlock(G, 6, 0, halfNegRdt2) // d(deltaP)/d(acc noise)
	negDtI := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		negDtI.Set(i, i, -dt)
	}
	setBlock(G, 0, 3, negDtI) // d(deltaTheta)/d(gyro noise)

	Qc := mat.NewDense(6, 6, nil)
	for i := 0; i < 3; i++ {
		Qc.Set(i, i, p.Noise.AccNoise*p.Noise.AccNoise)
		Qc.Set(i+3, i+3, p.Noise.GyroNoise*p.Noise.GyroNoise)
	}

	var GQ, GQGt mat.Dense
	GQ.Mul(G, Qc)
	GQGt.Mul(&GQ, G.T())

	var FP, FPFt mat.Dense
	FP.Mul(F, p.Cov)
	FPFt.Mul(&FP, F.T())

	newCov := mat.NewDense(9, 9, nil)
	newCov.Add(&FPFt, &GQGt)
	if p.Noise.IntegrationNoise > 0 {
		for i := 0; i < 9; i++ {
			newCov.Set(i, i, newCov.At(i, i)+p.Noise.IntegrationNoise*dt)
		}
	}
	p.Cov = newCov

	_ = correctedGyro // retained for signature symmetry with Integrate's callers
}

// Predict composes this preintegration's accumulated increment onto
// prevState, correcting for the (small) difference between prevBias and the
// preintegration's reference bias via the stored Jacobians, without
// reintegrating (spec §4.1).
func (p *Preintegration) Predict(prevState sensors.NavState, prevBias sensors.Bias) sensors.NavState {
	dba := prevBias.Accel.Sub(p.RefBias.Accel)
	dbg := prevBias.Gyro.Sub(p.RefBias.Gyro)

	correctedDeltaR := geom.Normalize(quat.Mul(p.DeltaR, geom.ExpSO3(applyJacobian(p.JRBiasGyro, dbg))))
	correctedDeltaV := p.DeltaV.Add(applyJacobian(p.JVBiasAcc, dba)).Add(applyJacobian(p.JVBiasGyro, dbg))
	correctedDeltaP := p.DeltaP.Add(applyJacobian(p.JPBiasAcc, dba)).Add(applyJacobian(p.JPBiasGyro, dbg))

	gravityTerm := p.Gravity.Mul(0.5 * p.DeltaT * p.DeltaT)
	gravityVelTerm := p.Gravity.Mul(p.DeltaT)

	newOrientation := geom.Normalize(quat.Mul(prevState.Pose.Orientation, correctedDeltaR))
	newVelocity := prevState.Velocity.Add(geom.RotateVector(prevState.Pose.Orientation, correctedDeltaV)).Add(gravityVelTerm)
	newPosition := prevState.Pose.Position.
		Add(prevState.Velocity.Mul(p.DeltaT)).
		Add(geom.RotateVector(prevState.Pose.Orientation, correctedDeltaP)).
		Add(gravityTerm)

	return sensors.NavState{
		Pose: sensors.Pose{
			Position:    newPosition,
			Orientation: newOrientation,
		},
		Velocity: newVelocity,
	}
}

func applyJacobian(j *mat.Dense, delta r3.Vector) r3.Vector {
	v := mat.NewVecDense(3, []float64{delta.X, delta.Y, delta.Z})
	var out mat.VecDense
	out.MulVec(j, v)
	return r3.Vector{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

func matFrom3x3(m [3][3]float64) *mat.Dense {
	d := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			d.Set(i, j, m[i][j])
		}
	}
	return d
}

func matFromSkew(m [3][3]float64) *mat.Dense {
	return matFrom3x3(m)
}

func setBlock(dst *mat.Dense, row, col int, src *mat.Dense) {
	r, c := src.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst.Set(row+i, col+j, src.At(i, j))
		}
	}
}
