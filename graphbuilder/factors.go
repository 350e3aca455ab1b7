// Package graphbuilder implements C2: construction of the factor set added
// to the smoother at each keyframe transition (spec.md §4.2) — an IMU
// factor, a bias-random-walk between-factor, and a lidar pose prior.
package graphbuilder

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-modules/viam-inertial-odometry/config"
	"github.com/viam-modules/viam-inertial-odometry/geom"
	"github.com/viam-modules/viam-inertial-odometry/preintegration"
	"github.com/viam-modules/viam-inertial-odometry/sensors"
)

// rotationError returns the rotation-vector error log(mean^-1 * actual),
// the small-angle discrepancy between two orientations.
func rotationError(mean, actual quat.Number) r3.Vector {
	return geom.LogSO3(quat.Mul(quat.Conj(geom.Normalize(mean)), geom.Normalize(actual)))
}

// Factor is one residual term in the graph. Keys names the variables it
// touches; Residual returns the whitened (noise-normalized) residual vector
// at the given linearization point. The smoother differentiates Residual
// numerically; no analytic Jacobian is required of a Factor implementation.
type Factor interface {
	Keys() []VarID
	Dim() int
	Residual(values Values) *mat.VecDense
}

// ImuFactor binds (Xi, Vi, Xj, Vj, Bi) through a Preintegration spanning the
// interval between keyframes i and j (spec.md §4.2 item 1).
type ImuFactor struct {
	From, To int
	Preint   *preintegration.Preintegration
	Gravity  r3.Vector
}

func (f *ImuFactor) Keys() []VarID {
	return []VarID{PoseVar(f.From), VelVar(f.From), PoseVar(f.To), VelVar(f.To), BiasVar(f.From)}
}

func (f *ImuFactor) Dim() int { return 9 }

func (f *ImuFactor) Residual(v Values) *mat.VecDense {
	prevState := sensors.NavState{Pose: v.Poses[PoseVar(f.From)], Velocity: v.Velocities[VelVar(f.From)]}
	prevBias := v.Biases[BiasVar(f.From)]

	predicted := f.Preint.Predict(prevState, prevBias)
	actual := sensors.NavState{Pose: v.Poses[PoseVar(f.To)], Velocity: v.Velocities[VelVar(f.To)]}

	rotErr := rotationError(predicted.Pose.Orientation, actual.Pose.Orientation)
	velErr := actual.Velocity.Sub(predicted.Velocity)
	posErr := actual.Pose.Position.Sub(predicted.Pose.Position)

	raw := mat.NewVecDense(9, []float64{
		rotErr.X, rotErr.Y, rotErr.Z,
		velErr.X, velErr.Y, velErr.Z,
		posErr.X, posErr.Y, posErr.Z,
	})
	return whiten(raw, f.Preint.Cov)
}

// BiasBetweenFactor binds (Bi, Bj) with zero mean and a diagonal noise that
// scales with the square root of the elapsed interval (spec.md §4.2 item 2).
type BiasBetweenFactor struct {
	From, To int
	Sigma    [6]float64 // accel x,y,z then gyro x,y,z
}

func (f *BiasBetweenFactor) Keys() []VarID { return []VarID{BiasVar(f.From), BiasVar(f.To)} }
func (f *BiasBetweenFactor) Dim() int      { return 6 }

func (f *BiasBetweenFactor) Residual(v Values) *mat.VecDense {
	from := v.Biases[BiasVar(f.From)]
	to := v.Biases[BiasVar(f.To)]
	d := to.Accel.Sub(from.Accel)
	g := to.Gyro.Sub(from.Gyro)
	raw := []float64{d.X, d.Y, d.Z, g.X, g.Y, g.Z}
	out := make([]float64, 6)
	for i := range raw {
		out[i] = raw[i] / f.Sigma[i]
	}
	return mat.NewVecDense(6, out)
}

// VelocityPriorFactor pins Vk to Mean with a diagonal noise, used to seed a
// fresh graph at initialization and after a periodic reset (spec.md §4.4
// steps 2 and 3).
type VelocityPriorFactor struct {
	Key   int
	Mean  r3.Vector
	Sigma [3]float64
}

func (f *VelocityPriorFactor) Keys() []VarID { return []VarID{VelVar(f.Key)} }
func (f *VelocityPriorFactor) Dim() int      { return 3 }

func (f *VelocityPriorFactor) Residual(v Values) *mat.VecDense {
	d := v.Velocities[VelVar(f.Key)].Sub(f.Mean)
	return mat.NewVecDense(3, []float64{d.X / f.Sigma[0], d.Y / f.Sigma[1], d.Z / f.Sigma[2]})
}

// BiasPriorFactor pins Bk to a given mean bias (zero unless overridden) with
// a diagonal noise (spec.md §4.4 steps 2 and 3).
type BiasPriorFactor struct {
	Key   int
	Mean  sensors.Bias
	Sigma [6]float64
}

func (f *BiasPriorFactor) Keys() []VarID { return []VarID{BiasVar(f.Key)} }
func (f *BiasPriorFactor) Dim() int      { return 6 }

func (f *BiasPriorFactor) Residual(v Values) *mat.VecDense {
	b := v.Biases[BiasVar(f.Key)]
	da := b.Accel.Sub(f.Mean.Accel)
	dg := b.Gyro.Sub(f.Mean.Gyro)
	raw := []float64{da.X, da.Y, da.Z, dg.X, dg.Y, dg.Z}
	out := make([]float64, 6)
	for i := range raw {
		out[i] = raw[i] / f.Sigma[i]
	}
	return mat.NewVecDense(6, out)
}

// PosePriorFactor pins Xk to a lidar-derived pose, with covariance chosen
// from the nominal or degenerate diagonal depending on the scan-matcher's
// reported degeneracy (spec.md §4.2 item 3).
type PosePriorFactor struct {
	Key   int
	Mean  sensors.Pose
	Sigma [6]float64 // rotation x,y,z then translation x,y,z
}

func (f *PosePriorFactor) Keys() []VarID { return []VarID{PoseVar(f.Key)} }
func (f *PosePriorFactor) Dim() int      { return 6 }

func (f *PosePriorFactor) Residual(v Values) *mat.VecDense {
	actual := v.Poses[PoseVar(f.Key)]
	rotErr := rotationError(f.Mean.Orientation, actual.Orientation)
	posErr := actual.Position.Sub(f.Mean.Position)
	raw := []float64{rotErr.X, rotErr.Y, rotErr.Z, posErr.X, posErr.Y, posErr.Z}
	out := make([]float64, 6)
	for i := range raw {
		out[i] = raw[i] / f.Sigma[i]
	}
	return mat.NewVecDense(6, out)
}

// KeyframeTransition is the set of factors and initial values produced for
// one lidar-triggered keyframe transition k-1 -> k (spec.md §4.2).
type KeyframeTransition struct {
	Factors []Factor
	Initial Values
}

// BuildKeyframeFactors constructs the IMU factor, bias-between factor, and
// pose prior for the transition from keyframe prevKey to key, and the
// predicted initial values to insert for (Xkey, Vkey, Bkey).
func BuildKeyframeFactors(
	prevKey, key int,
	preint *preintegration.Preintegration,
	prevState sensors.NavState,
	prevBias sensors.Bias,
	lidarPose sensors.LidarPose,
	extrinsics sensors.Extrinsics,
	cfg *config.Config,
) KeyframeTransition {
	gravity := r3.Vector{Z: -cfg.GravityMagnitude}

	imuFactor := &ImuFactor{From: prevKey, To: key, Preint: preint, Gravity: gravity}

	dt := preint.DeltaTij()
	sqrtDt := math.Sqrt(math.Max(dt, 1e-9))
	biasFactor := &BiasBetweenFactor{
		From: prevKey,
		To:   key,
		Sigma: [6]float64{
			cfg.AccelBiasRandomWalk * sqrtDt, cfg.AccelBiasRandomWalk * sqrtDt, cfg.AccelBiasRandomWalk * sqrtDt,
			cfg.GyroBiasRandomWalk * sqrtDt, cfg.GyroBiasRandomWalk * sqrtDt, cfg.GyroBiasRandomWalk * sqrtDt,
		},
	}

	priorMean := geom.Compose(lidarPose.Pose, extrinsics.LidarToBody)
	noiseDiag := cfg.NominalCorrectionNoise
	if lidarPose.Degenerate {
		noiseDiag = cfg.DegenerateCorrectionNoise
	}
	priorFactor := &PosePriorFactor{
		Key:  key,
		Mean: priorMean,
		Sigma: [6]float64{
			noiseDiag.X, noiseDiag.Y, noiseDiag.Z,
			noiseDiag.X, noiseDiag.Y, noiseDiag.Z,
		},
	}

	predicted := preint.Predict(prevState, prevBias)

	initial := NewValues()
	initial.Poses[PoseVar(key)] = predicted.Pose
	initial.Velocities[VelVar(key)] = predicted.Velocity
	initial.Biases[BiasVar(key)] = prevBias

	return KeyframeTransition{
		Factors: []Factor{imuFactor, biasFactor, priorFactor},
		Initial: initial,
	}
}

func whiten(raw *mat.VecDense, cov *mat.Dense) *mat.VecDense {
	n := raw.Len()
	var chol mat.Cholesky
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, cov.At(i, j))
		}
	}
	if ok := chol.Factorize(sym); !ok {
		// A non-positive-definite covariance (e.g. a zero-length interval)
		// falls back to an unweighted residual rather than failing the
		// whole keyframe transition.
		out := mat.NewVecDense(n, nil)
		out.CloneFromVec(raw)
		return out
	}
	var lower mat.TriDense
	chol.LTo(&lower)
	out := mat.NewVecDense(n, nil)
	if err := out.SolveVec(&lower, raw); err != nil {
		out.CloneFromVec(raw)
	}
	return out
}
