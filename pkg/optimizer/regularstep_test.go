package optimizer

import (
	"fmt"
	"math"
	"testing"
)

// quadratic builds a separable convex bowl with minimum at c.
func quadratic(c []float64) Problem {
	return Problem{
		Func: func(x []float64) (float64, error) {
			v := 0.0
			for i := range x {
				d := x[i] - c[i]
				v += d * d
			}
			return v, nil
		},
		Grad: func(grad, x []float64) (float64, error) {
			v := 0.0
			for i := range x {
				d := x[i] - c[i]
				v += d * d
				grad[i] = 2 * d
			}
			return v, nil
		},
	}
}

func TestRegularStepConvergesOnQuadratic(t *testing.T) {
	target := []float64{3, -1, 2}
	o := &RegularStepGradientDescent{
		InitialStepLength: 1.0,
		MinimumStepLength: 1e-6,
		MaxIterations:     500,
	}

	res, err := o.Minimize(quadratic(target), []float64{0, 0, 0})
	if err != nil {
		t.Fatalf("Minimize: %v", err)
	}
	if res.Reason != Converged {
		t.Errorf("reason: got %s, want converged", res.Reason)
	}
	for i := range target {
		if math.Abs(res.X[i]-target[i]) > 1e-3 {
			t.Errorf("x[%d]: got %g, want %g", i, res.X[i], target[i])
		}
	}
	if res.Value > 1e-5 {
		t.Errorf("final value: got %g, want ~0", res.Value)
	}
}

func TestRegularStepIterationCap(t *testing.T) {
	o := &RegularStepGradientDescent{
		InitialStepLength: 0.1,
		MinimumStepLength: 1e-9,
		MaxIterations:     1,
	}
	res, err := o.Minimize(quadratic([]float64{10, 10}), []float64{0, 0})
	if err != nil {
		t.Fatalf("Minimize: %v", err)
	}
	if res.Reason != IterationLimit {
		t.Errorf("reason: got %s, want iteration-cap", res.Reason)
	}
	if got := res.Reason.String(); got != "iteration-cap" {
		t.Errorf("reason string: got %q", got)
	}
}

// TestRegularStepScales verifies that a large scale damps its parameter: with
// a symmetric bowl and a heavily scaled first parameter, the second parameter
// approaches its target much faster.
func TestRegularStepScales(t *testing.T) {
	o := &RegularStepGradientDescent{
		InitialStepLength: 0.5,
		MinimumStepLength: 1e-4,
		MaxIterations:     5,
		Scales:            []float64{100, 1},
	}
	res, err := o.Minimize(quadratic([]float64{5, 5}), []float64{0, 0})
	if err != nil {
		t.Fatalf("Minimize: %v", err)
	}
	move0 := math.Abs(res.X[0])
	move1 := math.Abs(res.X[1])
	if move0 >= move1 {
		t.Errorf("scaled parameter moved %g, unscaled %g; expected the scaled one to move less", move0, move1)
	}
}

func TestRegularStepPropagatesError(t *testing.T) {
	boom := Problem{
		Grad: func(grad, x []float64) (float64, error) {
			return 0, fmt.Errorf("metric blew up")
		},
	}
	o := &RegularStepGradientDescent{
		InitialStepLength: 1,
		MinimumStepLength: 1e-3,
		MaxIterations:     10,
	}
	if _, err := o.Minimize(boom, []float64{0}); err == nil {
		t.Errorf("expected the objective error to propagate")
	}
}

func TestRegularStepRejectsBadSetup(t *testing.T) {
	p := quadratic([]float64{0})
	cases := []*RegularStepGradientDescent{
		{InitialStepLength: 0, MinimumStepLength: 1e-3, MaxIterations: 10},
		{InitialStepLength: 1, MinimumStepLength: 1e-3, MaxIterations: 0},
		{InitialStepLength: 1, MinimumStepLength: 1e-3, MaxIterations: 10, Scales: []float64{1, 1}},
	}
	for i, o := range cases {
		if _, err := o.Minimize(p, []float64{0}); err == nil {
			t.Errorf("case %d: expected a configuration error", i)
		}
	}
}
