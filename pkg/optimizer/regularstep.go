package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// RegularStepGradientDescent minimizes by stepping a fixed length along the
// normalized, per-parameter-scaled gradient, halving the step whenever the
// gradient direction reverses. This is the strategy used for the rigid
// stage, where rotation parameters are in radians and translations in
// millimeters: without per-parameter scaling a step that is reasonable for
// a rotation is wildly too large for a translation and the search diverges.
type RegularStepGradientDescent struct {
	// InitialStepLength is the step taken in scaled parameter space at the
	// start of the search.
	InitialStepLength float64

	// MinimumStepLength terminates the search (Converged) once the step
	// has been relaxed below it.
	MinimumStepLength float64

	// MaxIterations caps the number of gradient steps.
	MaxIterations int

	// RelaxationFactor shrinks the step on a direction reversal. Zero
	// means 0.5.
	RelaxationFactor float64

	// Scales weights parameter space so that parameters with incomparable
	// units step at comparable physical rates: each gradient component is
	// divided by its scale, so a parameter with a LARGER scale moves less
	// per step. Rigid registration uses 1 for rotations (radians) and a
	// small scale like 1/1000 for translations (millimeters), damping
	// rotations relative to translations; an unscaled step that is
	// reasonable in millimeters is catastrophic in radians. Nil means all
	// ones.
	Scales []float64
}

// Minimize runs the descent from x0 and returns the best parameters found
// with the termination reason.
func (o *RegularStepGradientDescent) Minimize(p Problem, x0 []float64) (*Result, error) {
	if p.Grad == nil {
		return nil, fmt.Errorf("optimizer: regular-step gradient descent requires a gradient")
	}
	if o.InitialStepLength <= 0 || o.MinimumStepLength <= 0 {
		return nil, fmt.Errorf("optimizer: step lengths must be positive (initial %g, minimum %g)",
			o.InitialStepLength, o.MinimumStepLength)
	}
	if o.MaxIterations < 1 {
		return nil, fmt.Errorf("optimizer: iteration cap must be at least 1, got %d", o.MaxIterations)
	}
	relax := o.RelaxationFactor
	if relax <= 0 || relax >= 1 {
		relax = 0.5
	}

	n := len(x0)
	x := make([]float64, n)
	copy(x, x0)

	scales := o.Scales
	if scales == nil {
		scales = make([]float64, n)
		for i := range scales {
			scales[i] = 1
		}
	}
	if len(scales) != n {
		return nil, fmt.Errorf("optimizer: %d scales for %d parameters", len(scales), n)
	}

	grad := make([]float64, n)
	scaled := make([]float64, n)
	prevScaled := make([]float64, n)

	best := &Result{X: make([]float64, n), Value: math.Inf(1)}
	step := o.InitialStepLength

	for iter := 0; iter < o.MaxIterations; iter++ {
		value, err := p.Grad(grad, x)
		if err != nil {
			return nil, err
		}
		best.Evaluations++
		best.Iterations = iter + 1
		if value < best.Value {
			best.Value = value
			copy(best.X, x)
		}

		for i := range grad {
			scaled[i] = grad[i] / scales[i]
		}
		norm := floats.Norm(scaled, 2)
		if norm == 0 {
			// Flat gradient: nothing left to descend.
			best.Reason = Converged
			return best, nil
		}

		// Halve the step when the search direction turns back on itself,
		// which indicates the minimum was overstepped.
		if iter > 0 && floats.Dot(scaled, prevScaled) < 0 {
			step *= relax
		}
		if step < o.MinimumStepLength {
			best.Reason = Converged
			return best, nil
		}
		copy(prevScaled, scaled)

		for i := range x {
			x[i] -= step * scaled[i] / norm
		}
	}

	// Evaluate the final point so a last productive step is not discarded.
	if p.Func != nil {
		value, err := p.Func(x)
		if err != nil {
			return nil, err
		}
		best.Evaluations++
		if value < best.Value {
			best.Value = value
			copy(best.X, x)
		}
	}
	best.Reason = IterationLimit
	return best, nil
}
