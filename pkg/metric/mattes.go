// Package metric implements the Mattes mutual-information similarity metric
// between a fixed and a transformed moving volume. Mutual information is
// estimated from a Parzen-window joint intensity histogram, which makes the
// metric robust to intensity scale differences between timepoints and
// scanners.
package metric

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"volreg/pkg/transform"
	"volreg/pkg/volume"
)

// MutualInformation measures alignment quality between Fixed and Moving
// under a transform. The value returned is the negated mutual information so
// that better alignment gives a smaller value, suitable for minimization.
type MutualInformation struct {
	Fixed  *volume.Volume
	Moving *volume.Volume

	// Bins is the number of histogram bins per intensity axis. Typical
	// values are 32-50.
	Bins int

	// SampleStride takes every n-th voxel of the fixed volume as a sample.
	// 1 means every voxel. The stride walks the flat voxel index, which
	// stratifies samples across the whole volume.
	SampleStride int

	// Workers is the number of goroutines used for sample accumulation.
	// Zero means runtime.NumCPU().
	Workers int

	// Intensity windows, derived from the volumes on first use.
	fixedMin, fixedWidth   float64
	movingMin, movingWidth float64
	initialized            bool
}

// parzenPad keeps a full 4-bin cubic window inside the histogram for any
// in-range intensity.
const parzenPad = 2

// NewMutualInformation builds a metric over the given pair with the
// supplied histogram resolution.
func NewMutualInformation(fixed, moving *volume.Volume, bins int) *MutualInformation {
	return &MutualInformation{
		Fixed:        fixed,
		Moving:       moving,
		Bins:         bins,
		SampleStride: 1,
	}
}

func (m *MutualInformation) init() error {
	if m.initialized {
		return nil
	}
	if m.Bins < 2*parzenPad+1 {
		return fmt.Errorf("metric: need at least %d histogram bins, got %d", 2*parzenPad+1, m.Bins)
	}
	if m.SampleStride < 1 {
		m.SampleStride = 1
	}

	fLo, fHi := m.Fixed.MinMax()
	mLo, mHi := m.Moving.MinMax()
	// Degenerate (constant) volumes still get a nonzero bin width so that
	// binning stays finite; all mass then lands in one bin and the metric
	// reports zero information rather than dividing by zero.
	m.fixedMin = fLo
	m.fixedWidth = (fHi - fLo) / float64(m.Bins-2*parzenPad)
	if m.fixedWidth <= 0 {
		m.fixedWidth = 1
	}
	m.movingMin = mLo
	m.movingWidth = (mHi - mLo) / float64(m.Bins-2*parzenPad)
	if m.movingWidth <= 0 {
		m.movingWidth = 1
	}
	m.initialized = true
	return nil
}

func (m *MutualInformation) workers() int {
	if m.Workers > 0 {
		return m.Workers
	}
	return runtime.NumCPU()
}

// cubicKernel is the cubic B-spline Parzen kernel with support [-2,2]. Its
// integral is 1, so each in-bounds sample distributes unit mass over its
// window.
func cubicKernel(t float64) float64 {
	t = math.Abs(t)
	switch {
	case t < 1:
		return 2.0/3.0 - t*t + t*t*t/2
	case t < 2:
		d := 2 - t
		return d * d * d / 6
	default:
		return 0
	}
}

// cubicKernelDeriv is the derivative of cubicKernel.
func cubicKernelDeriv(t float64) float64 {
	at := math.Abs(t)
	var d float64
	switch {
	case at < 1:
		d = -2*at + 1.5*at*at
	case at < 2:
		e := 2 - at
		d = -e * e / 2
	default:
		return 0
	}
	if t < 0 {
		return -d
	}
	return d
}

// histogram is one worker's partial joint histogram.
type histogram struct {
	joint   []float64 // Bins x Bins, fixed-major
	samples float64   // number of in-bounds samples accumulated
}

// Value evaluates the negated mutual information for the current state of t.
// It returns an error when no sample maps inside the moving volume, since
// the metric is undefined there and the registration cannot proceed.
func (m *MutualInformation) Value(t transform.Transform) (float64, error) {
	joint, samples, err := m.buildHistogram(t)
	if err != nil {
		return 0, err
	}
	value, _, _, _ := m.information(joint, samples)
	return value, nil
}

// ValueAndGradient evaluates the negated mutual information and its gradient
// with respect to the transform parameters, written into grad (which must
// have t.NumParameters() elements).
//
// The gradient is obtained with the chain rule: the derivative of the Parzen
// window with respect to the moving intensity, times the moving volume's
// physical intensity gradient, pulled back through the transform's parameter
// Jacobian.
func (m *MutualInformation) ValueAndGradient(t transform.Transform, grad []float64) (float64, error) {
	joint, samples, err := m.buildHistogram(t)
	if err != nil {
		return 0, err
	}
	value, _, pMoving, pJoint := m.information(joint, samples)

	// Precompute log(pJoint/pMoving) for every occupied bin pair; empty
	// bins contribute nothing to the gradient.
	bins := m.Bins
	logTerm := make([]float64, bins*bins)
	for f := 0; f < bins; f++ {
		for mb := 0; mb < bins; mb++ {
			pj := pJoint[f*bins+mb]
			if pj > 0 && pMoving[mb] > 0 {
				logTerm[f*bins+mb] = math.Log(pj / pMoving[mb])
			}
		}
	}

	for i := range grad {
		grad[i] = 0
	}
	if err := m.accumulateGradient(t, logTerm, samples, grad); err != nil {
		return 0, err
	}
	return value, nil
}

// buildHistogram runs the sampling pass: each fixed-volume sample is mapped
// through the transform, the moving intensity interpolated, and a Parzen
// window of mass 1 deposited into the joint histogram. Workers accumulate
// partial histograms which are summed afterward, so sample order never
// affects the result.
func (m *MutualInformation) buildHistogram(t transform.Transform) ([]float64, float64, error) {
	if err := m.init(); err != nil {
		return nil, 0, err
	}
	bins := m.Bins
	nWorkers := m.workers()
	total := m.Fixed.NumVoxels()

	partials := make([]histogram, nWorkers)
	var wg sync.WaitGroup
	for w := 0; w < nWorkers; w++ {
		partials[w].joint = make([]float64, bins*bins)
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			h := &partials[w]
			for s := w * m.SampleStride; s < total; s += nWorkers * m.SampleStride {
				fi, mc, ok := m.samplePair(t, s)
				if !ok {
					continue
				}
				m.deposit(h, fi, mc)
			}
		}(w)
	}
	wg.Wait()

	joint := make([]float64, bins*bins)
	samples := 0.0
	for w := range partials {
		for i, v := range partials[w].joint {
			joint[i] += v
		}
		samples += partials[w].samples
	}
	if samples == 0 {
		return nil, 0, fmt.Errorf("metric: no sample mapped inside the moving volume")
	}
	return joint, samples, nil
}

// samplePair maps flat fixed-voxel index s through the transform and returns
// the fixed bin index and the continuous moving bin coordinate. ok is false
// when the mapped point falls outside the moving volume.
func (m *MutualInformation) samplePair(t transform.Transform, s int) (int, float64, bool) {
	sx := s % m.Fixed.Size[0]
	sy := (s / m.Fixed.Size[0]) % m.Fixed.Size[1]
	sz := s / (m.Fixed.Size[0] * m.Fixed.Size[1])

	p := m.Fixed.IndexToPhysical(float64(sx), float64(sy), float64(sz))
	q := t.Apply(p)
	mv, ok := m.Moving.Interpolate(q)
	if !ok {
		return 0, 0, false
	}

	fv := m.Fixed.At(sx, sy, sz)
	fi := int((fv-m.fixedMin)/m.fixedWidth) + parzenPad
	if fi < parzenPad {
		fi = parzenPad
	}
	if fi > m.Bins-parzenPad-1 {
		fi = m.Bins - parzenPad - 1
	}
	mc := (mv-m.movingMin)/m.movingWidth + parzenPad
	return fi, mc, true
}

// deposit adds one sample's Parzen window to a partial histogram. The fixed
// axis uses nearest-bin assignment and the moving axis a cubic window over
// four bins; the window weights sum to 1 per sample.
func (m *MutualInformation) deposit(h *histogram, fi int, mc float64) {
	base := int(math.Floor(mc)) - 1
	for k := 0; k < 4; k++ {
		mb := base + k
		if mb < 0 || mb >= m.Bins {
			continue
		}
		w := cubicKernel(float64(mb) - mc)
		if w == 0 {
			continue
		}
		h.joint[fi*m.Bins+mb] += w
	}
	h.samples++
}

// information normalizes a joint histogram and computes the negated mutual
// information along with the marginal and joint PDFs. Bins with zero
// probability are treated as contributing zero information.
func (m *MutualInformation) information(joint []float64, samples float64) (float64, []float64, []float64, []float64) {
	bins := m.Bins
	pJoint := make([]float64, bins*bins)
	pFixed := make([]float64, bins)
	pMoving := make([]float64, bins)
	for f := 0; f < bins; f++ {
		for mb := 0; mb < bins; mb++ {
			p := joint[f*bins+mb] / samples
			pJoint[f*bins+mb] = p
			pFixed[f] += p
			pMoving[mb] += p
		}
	}

	mi := 0.0
	for f := 0; f < bins; f++ {
		if pFixed[f] == 0 {
			continue
		}
		for mb := 0; mb < bins; mb++ {
			p := pJoint[f*bins+mb]
			if p > 0 && pMoving[mb] > 0 {
				mi += p * math.Log(p/(pFixed[f]*pMoving[mb]))
			}
		}
	}
	return -mi, pFixed, pMoving, pJoint
}

// accumulateGradient runs the second sampling pass, pulling the histogram
// log-terms back through the interpolation derivative and the transform's
// parameter Jacobian. Per-worker gradient buffers are summed afterward.
//
// Derivation: with S = -MI and the joint PDF built from Parzen windows
// beta(mb - mc(x)), dS/dmu = (1/(N*binWidth)) * sum over samples and window
// bins of beta'(mb - mc) * log(pJoint/pMoving) * gradM . dT/dmu, where gradM
// is the moving image's physical intensity gradient at the mapped point.
func (m *MutualInformation) accumulateGradient(t transform.Transform, logTerm []float64, samples float64, grad []float64) error {
	nWorkers := m.workers()
	total := m.Fixed.NumVoxels()
	nParams := t.NumParameters()

	partials := make([][]float64, nWorkers)
	var wg sync.WaitGroup
	for w := 0; w < nWorkers; w++ {
		partials[w] = make([]float64, nParams)
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			g := partials[w]
			for s := w * m.SampleStride; s < total; s += nWorkers * m.SampleStride {
				m.sampleGradient(t, s, logTerm, samples, g)
			}
		}(w)
	}
	wg.Wait()

	for w := range partials {
		for i, v := range partials[w] {
			grad[i] += v
		}
	}
	return nil
}

// sampleGradient adds a single sample's gradient contribution into g.
func (m *MutualInformation) sampleGradient(t transform.Transform, s int, logTerm []float64, samples float64, g []float64) {
	sx := s % m.Fixed.Size[0]
	sy := (s / m.Fixed.Size[0]) % m.Fixed.Size[1]
	sz := s / (m.Fixed.Size[0] * m.Fixed.Size[1])

	p := m.Fixed.IndexToPhysical(float64(sx), float64(sy), float64(sz))
	q := t.Apply(p)
	mv, gradM, ok := m.Moving.InterpolateGradient(q)
	if !ok {
		return
	}

	fv := m.Fixed.At(sx, sy, sz)
	fi := int((fv-m.fixedMin)/m.fixedWidth) + parzenPad
	if fi < parzenPad {
		fi = parzenPad
	}
	if fi > m.Bins-parzenPad-1 {
		fi = m.Bins - parzenPad - 1
	}
	mc := (mv-m.movingMin)/m.movingWidth + parzenPad

	factor := 0.0
	base := int(math.Floor(mc)) - 1
	for k := 0; k < 4; k++ {
		mb := base + k
		if mb < 0 || mb >= m.Bins {
			continue
		}
		dw := cubicKernelDeriv(float64(mb) - mc)
		if dw == 0 {
			continue
		}
		factor += dw * logTerm[fi*m.Bins+mb]
	}
	if factor == 0 {
		return
	}
	scale := factor / (samples * m.movingWidth)
	v := volume.Point{scale * gradM[0], scale * gradM[1], scale * gradM[2]}
	t.AccumulateParameterGradient(p, v, g)
}
