// Package registration orchestrates a multi-resolution registration run:
// per pyramid level it smooths and downsamples both volumes, adapts the
// transform's resolution where applicable, and hands the metric to the
// optimizer, carrying the optimized parameters from each level into the
// next. The fixed and moving volumes are owned by the run and read-only;
// the transform is mutated in place across levels and is final after the
// last level.
package registration

import (
	"errors"
	"fmt"

	"volreg/pkg/metric"
	"volreg/pkg/optimizer"
	"volreg/pkg/transform"
	"volreg/pkg/volume"
)

// ErrInvalidConfiguration signals a caller error in the registration setup.
var ErrInvalidConfiguration = errors.New("registration: invalid configuration")

// ErrRegistrationFailed signals that a metric or transform evaluation could
// not produce a finite result, e.g. every sample mapped outside the moving
// volume. It aborts the run.
var ErrRegistrationFailed = errors.New("registration: evaluation failed")

// Level configures one pyramid level, coarsest first.
type Level struct {
	// Shrink is the integer image downsampling factor for metric
	// evaluation at this level. The transform always maps full physical
	// space; shrinking only thins the sample grid.
	Shrink int

	// Sigma is the Gaussian smoothing width in mm applied before
	// downsampling, decreasing toward the finest level.
	Sigma float64

	// MeshSize, when nonzero, requests a control-point mesh resolution for
	// a free-form transform at this level. Ignored for rigid transforms.
	MeshSize [3]int
}

// LevelReport records what happened at one pyramid level. InitialParameters
// always equals the previous level's final parameters (after any mesh
// adaptation): the scheduler never re-initializes the transform.
type LevelReport struct {
	Level             int
	Shrink            int
	Sigma             float64
	InitialParameters []float64
	FinalParameters   []float64
	MetricValue       float64
	Reason            optimizer.Reason
	Iterations        int
	Evaluations       int
}

// Method holds one registration run. All collaborators are passed in
// explicitly; the method owns nothing global.
type Method struct {
	Fixed  *volume.Volume
	Moving *volume.Volume

	// Transform is optimized in place and holds the result after Run.
	Transform transform.Transform

	// Optimizer is the search strategy: regular-step gradient descent for
	// the 6-parameter rigid case, LBFGS for free-form deformations.
	Optimizer optimizer.Optimizer

	// Levels is the coarse-to-fine schedule. At least one level.
	Levels []Level

	// Bins is the joint-histogram resolution per intensity axis.
	Bins int

	// SampleStride thins the metric sample set; 1 uses every voxel.
	SampleStride int

	// Workers bounds the per-evaluation parallelism. Zero uses all CPUs.
	Workers int

	// Verbose enables per-level progress logging.
	Verbose bool

	// Logf receives progress output when Verbose is set; nil means
	// fmt.Printf-style output is discarded.
	Logf func(format string, args ...any)
}

func (m *Method) logf(format string, args ...any) {
	if m.Verbose && m.Logf != nil {
		m.Logf(format, args...)
	}
}

func (m *Method) validate() error {
	if m.Fixed == nil || m.Moving == nil {
		return fmt.Errorf("%w: fixed and moving volumes are required", ErrInvalidConfiguration)
	}
	if m.Transform == nil {
		return fmt.Errorf("%w: a transform is required", ErrInvalidConfiguration)
	}
	if m.Optimizer == nil {
		return fmt.Errorf("%w: an optimizer is required", ErrInvalidConfiguration)
	}
	if len(m.Levels) == 0 {
		return fmt.Errorf("%w: at least one pyramid level is required", ErrInvalidConfiguration)
	}
	for i, lv := range m.Levels {
		if lv.Shrink < 1 {
			return fmt.Errorf("%w: level %d shrink factor must be >= 1, got %d",
				ErrInvalidConfiguration, i, lv.Shrink)
		}
		if lv.Sigma < 0 {
			return fmt.Errorf("%w: level %d smoothing sigma must be >= 0, got %g",
				ErrInvalidConfiguration, i, lv.Sigma)
		}
	}
	if m.Bins < 8 {
		return fmt.Errorf("%w: at least 8 histogram bins are required, got %d",
			ErrInvalidConfiguration, m.Bins)
	}
	if err := m.Fixed.Validate(); err != nil {
		return fmt.Errorf("%w: fixed volume: %v", ErrInvalidConfiguration, err)
	}
	if err := m.Moving.Validate(); err != nil {
		return fmt.Errorf("%w: moving volume: %v", ErrInvalidConfiguration, err)
	}
	return nil
}

// Run executes the full coarse-to-fine schedule and returns one report per
// level. Non-convergence within a level's budget is a normal outcome,
// surfaced through the report's Reason; only evaluation failures and
// configuration errors abort the run.
func (m *Method) Run() ([]LevelReport, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}

	reports := make([]LevelReport, 0, len(m.Levels))
	for i, lv := range m.Levels {
		m.logf("Level %d/%d: shrink %d, sigma %.2fmm\n", i+1, len(m.Levels), lv.Shrink, lv.Sigma)

		// Adapt the free-form mesh before touching the parameters so the
		// carried-over deformation survives the resolution change.
		if bs, ok := m.Transform.(*transform.BSpline); ok && lv.MeshSize != [3]int{} {
			if bs.MeshSize() != lv.MeshSize {
				m.logf("  refining control mesh %v -> %v\n", bs.MeshSize(), lv.MeshSize)
				if err := bs.Refine(lv.MeshSize); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
				}
			}
		}

		fixed, moving := m.pyramidLevel(lv)

		mi := metric.NewMutualInformation(fixed, moving, m.Bins)
		mi.SampleStride = m.SampleStride
		mi.Workers = m.Workers

		report := LevelReport{Level: i, Shrink: lv.Shrink, Sigma: lv.Sigma}
		report.InitialParameters = append([]float64(nil), m.Transform.Parameters()...)

		problem := optimizer.Problem{
			Func: func(x []float64) (float64, error) {
				if err := m.Transform.SetParameters(x); err != nil {
					return 0, err
				}
				v, err := mi.Value(m.Transform)
				if err != nil {
					return 0, fmt.Errorf("%w: level %d: %v", ErrRegistrationFailed, i, err)
				}
				return v, nil
			},
			Grad: func(grad, x []float64) (float64, error) {
				if err := m.Transform.SetParameters(x); err != nil {
					return 0, err
				}
				v, err := mi.ValueAndGradient(m.Transform, grad)
				if err != nil {
					return 0, fmt.Errorf("%w: level %d: %v", ErrRegistrationFailed, i, err)
				}
				return v, nil
			},
		}

		res, err := m.Optimizer.Minimize(problem, report.InitialParameters)
		if err != nil {
			return nil, err
		}
		if err := m.Transform.SetParameters(res.X); err != nil {
			return nil, err
		}

		report.FinalParameters = append([]float64(nil), res.X...)
		report.MetricValue = res.Value
		report.Reason = res.Reason
		report.Iterations = res.Iterations
		report.Evaluations = res.Evaluations
		reports = append(reports, report)

		m.logf("  %s after %d iterations (%d evaluations), metric %.6f\n",
			res.Reason, res.Iterations, res.Evaluations, res.Value)
	}
	return reports, nil
}

// pyramidLevel produces the smoothed, downsampled volume pair for a level.
// Shrink 1 with sigma 0 passes the originals through untouched.
func (m *Method) pyramidLevel(lv Level) (*volume.Volume, *volume.Volume) {
	if lv.Shrink == 1 && lv.Sigma <= 0 {
		return m.Fixed, m.Moving
	}
	fixed := m.Fixed.Smooth(lv.Sigma).Downsample(lv.Shrink)
	moving := m.Moving.Smooth(lv.Sigma).Downsample(lv.Shrink)
	return fixed, moving
}
