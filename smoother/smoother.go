// Package smoother implements C3: an incremental-update contract
// (Update/Estimate/MarginalCovariance) backed by a bounded Gauss-Newton
// batch solver. No Go binding for an incremental nonlinear least-squares
// smoother with Gaussian marginals exists in the dependency corpus (see
// SPEC_FULL.md §4.8); this package stands in for that dependency, re-running
// a small fixed number of Gauss-Newton iterations over the whole graph on
// every Update rather than truly relinearizing incrementally. The graph is
// kept small by the periodic reset in keyframe.Controller, so the
// batch cost stays bounded.
package smoother

import (
	"context"
	"math"

	"go.opencensus.io/trace"
	"go.viam.com/rdk/logging"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-modules/viam-inertial-odometry/graphbuilder"
)

const (
	maxGaussNewtonIterations = 10
	finiteDifferenceStep     = 1e-6
)

// Smoother holds the current graph (factors and variable estimates) and
// runs bounded Gauss-Newton optimization on Update.
type Smoother struct {
	factors []graphbuilder.Factor
	values  graphbuilder.Values

	// RelinearizationThreshold is the convergence tolerance on the update
	// step norm below which Gauss-Newton iteration stops early (spec.md
	// §4.3; source uses 0.1).
	RelinearizationThreshold float64

	Logger logging.Logger
}

// New returns an empty Smoother.
func New(relinearizationThreshold float64, logger logging.Logger) *Smoother {
	return &Smoother{
		values:                   graphbuilder.NewValues(),
		RelinearizationThreshold: relinearizationThreshold,
		Logger:                   logger,
	}
}

// Update incorporates new factors and initial values, then runs a bounded
// number of Gauss-Newton iterations over the whole graph. Calling Update
// twice in a row with no new factors (factors == nil) drives additional
// relinearization iterations, matching the "second, no-op update" allowance
// in spec.md §4.3.
func (s *Smoother) Update(ctx context.Context, factors []graphbuilder.Factor, initial graphbuilder.Values) error {
	_, span := trace.StartSpan(ctx, "viaminertialodometry::smoother::Update")
	defer span.End()

	s.factors = append(s.factors, factors...)
	for id, p := range initial.Poses {
		if _, ok := s.values.Poses[id]; !ok {
			s.values.Poses[id] = p
		}
	}
	for id, v := range initial.Velocities {
		if _, ok := s.values.Velocities[id]; !ok {
			s.values.Velocities[id] = v
		}
	}
	for id, b := range initial.Biases {
		if _, ok := s.values.Biases[id]; !ok {
			s.values.Biases[id] = b
		}
	}

	ordering, dim := s.variableOrdering()
	if dim == 0 {
		return nil
	}

	for iter := 0; iter < maxGaussNewtonIterations; iter++ {
		h, b := s.buildNormalEquations(ordering, dim)

		var delta mat.VecDense
		if err := delta.SolveVec(h, b); err != nil {
			if s.Logger != nil {
				s.Logger.Debugf("gauss-newton normal equations singular, stopping early: %v", err)
			}
			break
		}

		s.applyDelta(ordering, &delta)

		if vecNorm(&delta) < s.RelinearizationThreshold {
			break
		}
	}
	return nil
}

// Estimate returns the current best estimate for every tracked variable.
func (s *Smoother) Estimate() graphbuilder.Values {
	return s.values.Clone()
}

// MarginalCovariance returns the Gaussian marginal covariance at the queried
// variable, computed by inverting the full information matrix and returning
// the diagonal block for id. This is the batch stand-in for the smoother
// dependency's cheap incremental marginal query.
func (s *Smoother) MarginalCovariance(id graphbuilder.VarID) *mat.Dense {
	ordering, dim := s.variableOrdering()
	offset, ok := ordering[id]
	if !ok {
		return nil
	}
	h, _ := s.buildNormalEquations(ordering, dim)

	var inv mat.Dense
	if err := inv.Inverse(h); err != nil {
		if s.Logger != nil {
			s.Logger.Debugf("information matrix not invertible, returning nil marginal: %v", err)
		}
		return nil
	}

	n := graphbuilder.Dim(id)
	block := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			block.Set(i, j, inv.At(offset+i, offset+j))
		}
	}
	return block
}

// variableOrdering assigns a column offset to every variable touched by at
// least one factor or carried in the current values. The order follows map
// iteration and is not stable between calls; each caller uses one returned
// ordering for a whole solve or marginal query.
func (s *Smoother) variableOrdering() (map[graphbuilder.VarID]int, int) {
	seen := map[graphbuilder.VarID]bool{}
	var ids []graphbuilder.VarID
	add := func(id graphbuilder.VarID) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for id := range s.values.Poses {
		add(id)
	}
	for id := range s.values.Velocities {
		add(id)
	}
	for id := range s.values.Biases {
		add(id)
	}
	for _, f := range s.factors {
		for _, id := range f.Keys() {
			add(id)
		}
	}

	ordering := map[graphbuilder.VarID]int{}
	offset := 0
	for _, id := range ids {
		ordering[id] = offset
		offset += graphbuilder.Dim(id)
	}
	return ordering, offset
}

// buildNormalEquations accumulates J^T J into h and J^T r into b across all
// factors, differentiating each factor's residual numerically with respect
// to every variable it touches.
func (s *Smoother) buildNormalEquations(ordering map[graphbuilder.VarID]int, dim int) (*mat.Dense, *mat.VecDense) {
	h := mat.NewDense(dim, dim, nil)
	b := mat.NewVecDense(dim, nil)

	for _, f := range s.factors {
		keys := f.Keys()
		r0 := f.Residual(s.values)
		rdim := r0.Len()

		blocks := make([]*mat.Dense, len(keys))
		for ki, id := range keys {
			vdim := graphbuilder.Dim(id)
			jac := mat.NewDense(rdim, vdim, nil)
			for c := 0; c < vdim; c++ {
				delta := make([]float64, vdim)
				delta[c] = finiteDifferenceStep
				perturbed := s.values.Retract(id, delta)
				rPlus := f.Residual(perturbed)
				for rI := 0; rI < rdim; rI++ {
					jac.Set(rI, c, (rPlus.AtVec(rI)-r0.AtVec(rI))/finiteDifferenceStep)
				}
			}
			blocks[ki] = jac
		}

		for ki, id := range keys {
			off := ordering[id]
			vdim := graphbuilder.Dim(id)
			var jtR mat.VecDense
			jtR.MulVec(blocks[ki].T(), r0)
			for i := 0; i < vdim; i++ {
				b.SetVec(off+i, b.AtVec(off+i)-jtR.AtVec(i))
			}

			for kj, idj := range keys {
				offj := ordering[idj]
				vdimj := graphbuilder.Dim(idj)
				var jtj mat.Dense
				jtj.Mul(blocks[ki].T(), blocks[kj])
				for i := 0; i < vdim; i++ {
					for j := 0; j < vdimj; j++ {
						h.Set(off+i, offj+j, h.At(off+i, offj+j)+jtj.At(i, j))
					}
				}
			}
		}
	}

	// Small Levenberg damping keeps the normal equations solvable when a
	// variable is touched by only a rank-deficient set of factors (e.g. the
	// very first keyframe, before any IMU factor exists).
	for i := 0; i < dim; i++ {
		h.Set(i, i, h.At(i, i)+1e-9)
	}

	return h, b
}

func (s *Smoother) applyDelta(ordering map[graphbuilder.VarID]int, delta *mat.VecDense) {
	for id, off := range ordering {
		vdim := graphbuilder.Dim(id)
		d := make([]float64, vdim)
		for i := 0; i < vdim; i++ {
			d[i] = delta.AtVec(off + i)
		}
		s.values = s.values.Retract(id, d)
	}
}

func vecNorm(v *mat.VecDense) float64 {
	sum := 0.0
	for i := 0; i < v.Len(); i++ {
		sum += v.AtVec(i) * v.AtVec(i)
	}
	return math.Sqrt(sum)
}
