// Package transform implements the spatial transform models used by the
// registration pipeline: a rigid 6-DOF transform for global alignment and a
// cubic B-spline free-form deformation for local alignment. Both map points
// in physical (mm) space to points in physical space.
package transform

import (
	"errors"

	"volreg/pkg/volume"
)

// ErrInvalidParameterCount is returned by SetParameters when the supplied
// vector length does not match NumParameters.
var ErrInvalidParameterCount = errors.New("transform: parameter vector length does not match parameter count")

// Transform maps physical points to physical points and exposes its
// parameterization to the optimizer and the metric.
type Transform interface {
	// Apply maps a physical point through the transform.
	Apply(p volume.Point) volume.Point

	// NumParameters returns the length of the parameter vector.
	NumParameters() int

	// Parameters returns the parameter buffer owned by the transform. The
	// optimizer mutates this transform exclusively through SetParameters,
	// so callers must copy the slice if they need a snapshot.
	Parameters() []float64

	// SetParameters replaces the parameter vector. The supplied slice must
	// have exactly NumParameters elements.
	SetParameters(params []float64) error

	// LocalJacobian returns the 3x3 spatial Jacobian d(output)/d(input) of
	// the mapping at a physical point.
	LocalJacobian(p volume.Point) [3][3]float64

	// AccumulateParameterGradient adds (dT/dparams)^T * v at point p into
	// grad, which must have NumParameters elements. This is the pullback
	// used by the metric's chain rule; it is formulated as an accumulation
	// so that sparse transforms never materialize a dense Jacobian on the
	// per-sample hot path.
	AccumulateParameterGradient(p volume.Point, v volume.Point, grad []float64)
}
