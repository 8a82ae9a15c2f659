// Package optimizer provides the two parameter-search strategies used by the
// registration pipeline: a scaled regular-step gradient descent for the
// low-dimensional rigid stage and a limited-memory BFGS quasi-Newton method
// for the high-dimensional deformable stage.
//
// Exhausting an iteration or evaluation budget is an expected termination
// path, not an error: every run produces a Result carrying the best
// parameters found and the reason the search stopped. Errors are reserved
// for genuine failures such as a metric evaluation that cannot produce a
// finite value.
package optimizer

// Reason identifies why an optimization run terminated.
type Reason int

const (
	// Converged means the strategy's own convergence criterion was met
	// (minimum step length or gradient tolerance).
	Converged Reason = iota

	// IterationLimit means the iteration cap was reached first.
	IterationLimit

	// EvaluationLimit means the function-evaluation budget was exhausted.
	EvaluationLimit
)

// String returns a human-readable termination reason for run summaries.
func (r Reason) String() string {
	switch r {
	case Converged:
		return "converged"
	case IterationLimit:
		return "iteration-cap"
	case EvaluationLimit:
		return "evaluation-cap"
	default:
		return "unknown"
	}
}

// Problem is the objective being minimized. Grad writes the gradient into
// its first argument and returns the value at x; Func returns only the
// value. Both may fail, which aborts the run.
type Problem struct {
	Func func(x []float64) (float64, error)
	Grad func(grad, x []float64) (float64, error)
}

// Result reports the outcome of a run. X always holds the best parameters
// seen, even when the run stopped on a budget.
type Result struct {
	X           []float64
	Value       float64
	Reason      Reason
	Iterations  int
	Evaluations int
}

// Optimizer is a minimization strategy over a Problem starting from x0.
// Implementations mutate a private copy of x0, never the caller's slice.
type Optimizer interface {
	Minimize(p Problem, x0 []float64) (*Result, error)
}
