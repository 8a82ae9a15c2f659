// Package resample materializes a transformed volume: each voxel of an
// output grid is mapped through a transform into a source volume and the
// intensity interpolated there. It also derives isotropic output grids for
// spacing normalization.
package resample

import (
	"runtime"
	"sync"

	"volreg/pkg/transform"
	"volreg/pkg/volume"
)

// Interpolation selects the intensity interpolation rule.
type Interpolation int

const (
	// Linear is trilinear interpolation, the standard choice for MRI.
	Linear Interpolation = iota

	// Nearest picks the closest voxel, for label-like data.
	Nearest
)

// Options controls a resampling run.
type Options struct {
	// Interpolation rule; Linear by default.
	Interpolation Interpolation

	// Background is written to output voxels that map outside the source
	// volume's domain.
	Background float64

	// Workers is the number of goroutines splitting the output slices.
	// Zero means runtime.NumCPU().
	Workers int
}

// Identity is a transform that maps every point to itself, used when
// resampling onto a new grid without spatial correction.
type Identity struct{}

func (Identity) Apply(p volume.Point) volume.Point { return p }
func (Identity) NumParameters() int                { return 0 }
func (Identity) Parameters() []float64             { return nil }
func (Identity) SetParameters(params []float64) error {
	if len(params) != 0 {
		return transform.ErrInvalidParameterCount
	}
	return nil
}
func (Identity) LocalJacobian(p volume.Point) [3][3]float64 {
	return [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}
func (Identity) AccumulateParameterGradient(p volume.Point, v volume.Point, grad []float64) {}

// Resample produces a volume on the reference grid where each voxel's
// intensity comes from mapping its physical location through t into src.
// The output geometry equals ref exactly; src is read-only. The operation
// is pure and carries no optimization state.
func Resample(src *volume.Volume, ref volume.Grid, t transform.Transform, opts Options) *volume.Volume {
	out := volume.NewFromGrid(ref)

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > ref.Size[2] {
		workers = ref.Size[2]
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for z := w; z < ref.Size[2]; z += workers {
				for y := 0; y < ref.Size[1]; y++ {
					for x := 0; x < ref.Size[0]; x++ {
						p := ref.IndexToPhysical(float64(x), float64(y), float64(z))
						q := t.Apply(p)

						var val float64
						var ok bool
						if opts.Interpolation == Nearest {
							val, ok = src.NearestNeighbor(q)
						} else {
							val, ok = src.Interpolate(q)
						}
						if !ok {
							val = opts.Background
						}
						out.Set(x, y, z, val)
					}
				}
			}
		}(w)
	}
	wg.Wait()
	return out
}

// IsotropicGrid derives an output grid with uniform voxel spacing covering
// the same physical region as src, keeping origin and direction. The size
// along each axis scales by the ratio of old to new spacing.
func IsotropicGrid(src volume.Grid, spacing float64) volume.Grid {
	out := src
	for i := 0; i < 3; i++ {
		n := int(float64(src.Size[i]) * src.Spacing[i] / spacing)
		if n < 1 {
			n = 1
		}
		out.Size[i] = n
		out.Spacing[i] = spacing
	}
	return out
}
