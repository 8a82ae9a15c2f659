package optimizer

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// LBFGS minimizes with a limited-memory BFGS quasi-Newton method, suitable
// for the deformable stage where the parameter vector holds hundreds to
// thousands of control-point displacements. The inverse-Hessian
// approximation is maintained implicitly by gonum's optimize package from
// recent gradient and parameter deltas.
//
// An optional Lower/Upper box may be supplied; both zero means
// unconstrained, which is the default configuration. The bound applies
// uniformly to every parameter and is enforced by projection, so it stays
// valid when the caller grows the parameter vector between runs (mesh
// refinement between pyramid levels).
type LBFGS struct {
	// GradientTolerance stops the search (Converged) once the gradient
	// infinity-norm falls below it.
	GradientTolerance float64

	// MaxIterations caps the number of major iterations.
	MaxIterations int

	// MaxEvaluations caps the number of objective evaluations.
	MaxEvaluations int

	// Lower and Upper bound every parameter. Both zero imposes no
	// constraint.
	Lower, Upper float64
}

// Minimize runs the quasi-Newton search from x0.
func (o *LBFGS) Minimize(p Problem, x0 []float64) (*Result, error) {
	if p.Func == nil || p.Grad == nil {
		return nil, fmt.Errorf("optimizer: LBFGS requires both value and gradient")
	}
	if o.MaxIterations < 1 {
		return nil, fmt.Errorf("optimizer: iteration cap must be at least 1, got %d", o.MaxIterations)
	}
	if o.Lower != 0 || o.Upper != 0 {
		if o.Lower > o.Upper {
			return nil, fmt.Errorf("optimizer: lower bound %g above upper bound %g", o.Lower, o.Upper)
		}
	}

	// gonum objectives cannot return errors, so the first failure is
	// captured here and the evaluation reports +Inf, which makes the line
	// search back off; the captured error wins over whatever status gonum
	// ends with.
	var evalErr error
	proj := make([]float64, len(x0))

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			if evalErr != nil {
				return math.Inf(1)
			}
			o.project(proj, x)
			v, err := p.Func(proj)
			if err != nil {
				evalErr = err
				return math.Inf(1)
			}
			return v
		},
		Grad: func(grad, x []float64) {
			if evalErr != nil {
				for i := range grad {
					grad[i] = 0
				}
				return
			}
			o.project(proj, x)
			if _, err := p.Grad(grad, proj); err != nil {
				evalErr = err
				for i := range grad {
					grad[i] = 0
				}
			}
		},
	}

	settings := &optimize.Settings{
		MajorIterations: o.MaxIterations,
		FuncEvaluations: o.MaxEvaluations,
	}
	tol := o.GradientTolerance
	if tol > 0 {
		settings.GradientThreshold = tol
	}

	res, err := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})
	if evalErr != nil {
		return nil, evalErr
	}
	if err != nil && res == nil {
		return nil, fmt.Errorf("optimizer: LBFGS failed: %w", err)
	}

	out := &Result{
		X:           make([]float64, len(res.X)),
		Value:       res.F,
		Iterations:  res.Stats.MajorIterations,
		Evaluations: res.Stats.FuncEvaluations,
	}
	o.project(out.X, res.X)

	switch res.Status {
	case optimize.IterationLimit:
		out.Reason = IterationLimit
	case optimize.FunctionEvaluationLimit, optimize.GradientEvaluationLimit:
		out.Reason = EvaluationLimit
	case optimize.GradientThreshold, optimize.FunctionConvergence, optimize.StepConvergence, optimize.Success:
		out.Reason = Converged
	default:
		// A line-search stall means no further descent direction could be
		// found; the best point so far is still a valid outcome. Anything
		// else is a real failure.
		if err != nil && !errors.Is(err, optimize.ErrLinesearcherFailure) {
			return nil, fmt.Errorf("optimizer: LBFGS failed: %w", err)
		}
		out.Reason = Converged
	}
	return out, nil
}

// project writes x clamped to the feasible box into dst. A 0/0 box means
// unconstrained.
func (o *LBFGS) project(dst, x []float64) {
	copy(dst, x)
	if o.Lower == 0 && o.Upper == 0 {
		return
	}
	for i := range dst {
		if dst[i] < o.Lower {
			dst[i] = o.Lower
		}
		if dst[i] > o.Upper {
			dst[i] = o.Upper
		}
	}
}
