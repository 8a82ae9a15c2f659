// Package deformation derives per-voxel products of a finalized transform:
// the displacement field and the local Jacobian determinant field used to
// check that a deformation is physically plausible. These are post-hoc
// diagnostics only; nothing here feeds back into optimization.
package deformation

import (
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"

	"volreg/pkg/transform"
	"volreg/pkg/volume"
)

// DisplacementField evaluates T(p) - p at every voxel of the reference
// grid, returning one vector per voxel in raster order.
func DisplacementField(t transform.Transform, ref volume.Grid) []volume.Point {
	field := make([]volume.Point, ref.NumVoxels())
	i := 0
	for z := 0; z < ref.Size[2]; z++ {
		for y := 0; y < ref.Size[1]; y++ {
			for x := 0; x < ref.Size[0]; x++ {
				p := ref.IndexToPhysical(float64(x), float64(y), float64(z))
				field[i] = t.Apply(p).Sub(p)
				i++
			}
		}
	}
	return field
}

// JacobianReport summarizes the determinant field of a transform over a
// reference grid.
type JacobianReport struct {
	// Min and Max are the extreme determinant values over the field.
	Min, Max float64

	// NonPositive counts voxels where the determinant is <= 0, i.e. where
	// the local deformation folds and is not invertible.
	NonPositive int

	// Voxels is the total number of voxels evaluated.
	Voxels int
}

// Folded reports whether any voxel has a non-positive determinant. This is
// a warning condition: the run still succeeds and produces output.
func (r JacobianReport) Folded() bool {
	return r.NonPositive > 0
}

// DeterminantField computes det(dT/dp) at every voxel of the reference grid.
// A determinant of 1 means local volume preservation; values below 1 mean
// compression, above 1 expansion, and <= 0 a folded, non-invertible mapping.
func DeterminantField(t transform.Transform, ref volume.Grid) *volume.Volume {
	out := volume.NewFromGrid(ref)

	workers := runtime.NumCPU()
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
			j := mat.NewDense(3, 3, nil)
			for z := w; z < ref.Size[2]; z += workers {
				for y := 0; y < ref.Size[1]; y++ {
					for x := 0; x < ref.Size[0]; x++ {
						p := ref.IndexToPhysical(float64(x), float64(y), float64(z))
						local := t.LocalJacobian(p)
						for r := 0; r < 3; r++ {
							for c := 0; c < 3; c++ {
								j.Set(r, c, local[r][c])
							}
						}
						out.Set(x, y, z, mat.Det(j))
					}
				}
			}
		}(w)
	}
	wg.Wait()
	return out
}

// Validate computes the determinant field and reduces it to a report.
func Validate(t transform.Transform, ref volume.Grid) JacobianReport {
	field := DeterminantField(t, ref)
	report := JacobianReport{Voxels: len(field.Data)}
	if len(field.Data) == 0 {
		return report
	}
	report.Min = field.Data[0]
	report.Max = field.Data[0]
	for _, d := range field.Data {
		if d < report.Min {
			report.Min = d
		}
		if d > report.Max {
			report.Max = d
		}
		if d <= 0 {
			report.NonPositive++
		}
	}
	return report
}
