package transform

import (
	"fmt"
	"math"

	"volreg/pkg/volume"
)

// BSpline is a free-form deformation parameterized by a regular lattice of
// control-point displacement vectors over a physical domain, interpolated
// with cubic B-spline basis functions. A point's displacement depends on the
// 4x4x4 control points surrounding it.
//
// The parameter vector holds displacements grouped by component: all x
// displacements, then all y, then all z, each in control-point raster order.
// A mesh size of M cells per axis yields M+3 control points per axis.
type BSpline struct {
	origin  volume.Point // physical origin of the transform domain
	physDim [3]float64   // physical extent of the domain in mm
	mesh    [3]int       // lattice cells per axis
	cpSize  [3]int       // control points per axis (mesh+3)
	spacing [3]float64   // control-point spacing in mm (physDim/mesh)
	params  []float64
}

// NewBSpline creates an identity free-form deformation whose domain covers
// the given reference grid with the requested mesh size (cells per axis).
//
// The lattice is laid out on the physical bounding box of the grid; the
// reference grid's direction cosines are assumed identity for the lattice
// axes, which matches the rest of the pipeline's default geometry.
func NewBSpline(ref volume.Grid, mesh [3]int) (*BSpline, error) {
	for i := 0; i < 3; i++ {
		if mesh[i] < 1 {
			return nil, fmt.Errorf("transform: mesh size must be at least 1 per axis, got %v", mesh)
		}
	}
	b := &BSpline{origin: ref.Origin, mesh: mesh}
	for i := 0; i < 3; i++ {
		b.physDim[i] = ref.Spacing[i] * float64(ref.Size[i]-1)
		if b.physDim[i] <= 0 {
			// Degenerate single-voxel axis still needs a nonzero domain.
			b.physDim[i] = ref.Spacing[i]
		}
		b.cpSize[i] = mesh[i] + 3
		b.spacing[i] = b.physDim[i] / float64(mesh[i])
	}
	b.params = make([]float64, 3*b.numControlPoints())
	return b, nil
}

// MeshSize returns the current lattice resolution in cells per axis.
func (b *BSpline) MeshSize() [3]int { return b.mesh }

// NumParameters returns 3 displacement components per control point.
func (b *BSpline) NumParameters() int { return len(b.params) }

// Parameters returns the live parameter buffer.
func (b *BSpline) Parameters() []float64 { return b.params }

// SetParameters replaces the control-point displacements.
func (b *BSpline) SetParameters(params []float64) error {
	if len(params) != len(b.params) {
		return ErrInvalidParameterCount
	}
	copy(b.params, params)
	return nil
}

func (b *BSpline) numControlPoints() int {
	return b.cpSize[0] * b.cpSize[1] * b.cpSize[2]
}

func (b *BSpline) cpIndex(x, y, z int) int {
	return (z*b.cpSize[1]+y)*b.cpSize[0] + x
}

// cubicWeights evaluates the four cubic B-spline basis functions at the
// fractional cell position u in [0,1].
func cubicWeights(u float64) [4]float64 {
	u2 := u * u
	u3 := u2 * u
	return [4]float64{
		(1 - 3*u + 3*u2 - u3) / 6,
		(4 - 6*u2 + 3*u3) / 6,
		(1 + 3*u + 3*u2 - 3*u3) / 6,
		u3 / 6,
	}
}

// cubicDerivWeights evaluates the derivatives of the basis functions with
// respect to u.
func cubicDerivWeights(u float64) [4]float64 {
	u2 := u * u
	return [4]float64{
		(-1 + 2*u - u2) / 2,
		(-4*u + 3*u2) / 2,
		(1 + 2*u - 3*u2) / 2,
		u2 / 2,
	}
}

// support locates the lattice cell containing p and the fractional position
// within it, clamped so that evaluation outside the domain degrades to the
// nearest boundary cell instead of failing.
func (b *BSpline) support(p volume.Point) (cell [3]int, frac [3]float64) {
	for a := 0; a < 3; a++ {
		t := (p[a] - b.origin[a]) / b.spacing[a]
		c := int(math.Floor(t))
		if c < 0 {
			c = 0
		}
		if c > b.mesh[a]-1 {
			c = b.mesh[a] - 1
		}
		u := t - float64(c)
		if u < 0 {
			u = 0
		}
		if u > 1 {
			u = 1
		}
		cell[a] = c
		frac[a] = u
	}
	return cell, frac
}

// Displacement evaluates the deformation vector at a physical point.
func (b *BSpline) Displacement(p volume.Point) volume.Point {
	cell, frac := b.support(p)
	wx := cubicWeights(frac[0])
	wy := cubicWeights(frac[1])
	wz := cubicWeights(frac[2])

	nCP := b.numControlPoints()
	var disp volume.Point
	for n := 0; n < 4; n++ {
		for m := 0; m < 4; m++ {
			wyz := wy[m] * wz[n]
			for l := 0; l < 4; l++ {
				w := wx[l] * wyz
				idx := b.cpIndex(cell[0]+l, cell[1]+m, cell[2]+n)
				disp[0] += w * b.params[idx]
				disp[1] += w * b.params[nCP+idx]
				disp[2] += w * b.params[2*nCP+idx]
			}
		}
	}
	return disp
}

// Apply maps p to p plus its interpolated displacement.
func (b *BSpline) Apply(p volume.Point) volume.Point {
	return p.Add(b.Displacement(p))
}

// LocalJacobian returns I + du/dp at a physical point.
func (b *BSpline) LocalJacobian(p volume.Point) [3][3]float64 {
	cell, frac := b.support(p)
	w := [3][4]float64{cubicWeights(frac[0]), cubicWeights(frac[1]), cubicWeights(frac[2])}
	d := [3][4]float64{cubicDerivWeights(frac[0]), cubicDerivWeights(frac[1]), cubicDerivWeights(frac[2])}

	nCP := b.numControlPoints()
	var jac [3][3]float64
	for n := 0; n < 4; n++ {
		for m := 0; m < 4; m++ {
			for l := 0; l < 4; l++ {
				idx := b.cpIndex(cell[0]+l, cell[1]+m, cell[2]+n)
				coef := [3]float64{b.params[idx], b.params[nCP+idx], b.params[2*nCP+idx]}
				// Weight products with the derivative taken along each axis
				// in turn; du is in cell units, so divide by the spacing.
				dw := [3]float64{
					d[0][l] * w[1][m] * w[2][n] / b.spacing[0],
					w[0][l] * d[1][m] * w[2][n] / b.spacing[1],
					w[0][l] * w[1][m] * d[2][n] / b.spacing[2],
				}
				for i := 0; i < 3; i++ {
					for j := 0; j < 3; j++ {
						jac[i][j] += coef[i] * dw[j]
					}
				}
			}
		}
	}
	for i := 0; i < 3; i++ {
		jac[i][i] += 1
	}
	return jac
}

// AccumulateParameterGradient adds (dT/dparams)^T * v into grad. Each of the
// 64 support control points receives its interpolation weight times v in the
// matching displacement component; all other parameters have zero derivative.
func (b *BSpline) AccumulateParameterGradient(p volume.Point, v volume.Point, grad []float64) {
	cell, frac := b.support(p)
	wx := cubicWeights(frac[0])
	wy := cubicWeights(frac[1])
	wz := cubicWeights(frac[2])

	nCP := b.numControlPoints()
	for n := 0; n < 4; n++ {
		for m := 0; m < 4; m++ {
			wyz := wy[m] * wz[n]
			for l := 0; l < 4; l++ {
				w := wx[l] * wyz
				idx := b.cpIndex(cell[0]+l, cell[1]+m, cell[2]+n)
				grad[idx] += w * v[0]
				grad[nCP+idx] += w * v[1]
				grad[2*nCP+idx] += w * v[2]
			}
		}
	}
}

// Refine re-derives the lattice at a new mesh resolution over the same
// physical domain, carrying the optimized coarse displacements forward.
//
// When every axis exactly doubles, cubic B-spline subdivision is used and
// the deformation field is preserved exactly. For any other target mesh the
// coarse field is sampled at the new control-point locations, which is an
// approximation; multi-resolution schedules should prefer dyadic refinement.
func (b *BSpline) Refine(newMesh [3]int) error {
	for i := 0; i < 3; i++ {
		if newMesh[i] < 1 {
			return fmt.Errorf("transform: mesh size must be at least 1 per axis, got %v", newMesh)
		}
	}
	if newMesh == b.mesh {
		return nil
	}

	dyadic := true
	for i := 0; i < 3; i++ {
		if newMesh[i] != 2*b.mesh[i] {
			dyadic = false
			break
		}
	}

	if dyadic {
		b.subdivide()
		return nil
	}
	b.resampleLattice(newMesh)
	return nil
}

// subdivide doubles the mesh along every axis with the cubic B-spline
// subdivision stencils: a fine point coinciding with a coarse lattice
// position takes (c[i-1] + 6c[i] + c[i+1])/8 and a midpoint takes
// (c[i] + c[i+1])/2, applied separably per axis and component.
func (b *BSpline) subdivide() {
	for axis := 0; axis < 3; axis++ {
		oldCP := b.cpSize
		newCP := oldCP
		newCP[axis] = 2*b.mesh[axis] + 3

		oldN := oldCP[0] * oldCP[1] * oldCP[2]
		newN := newCP[0] * newCP[1] * newCP[2]
		out := make([]float64, 3*newN)

		oldIdx := func(x, y, z int) int { return (z*oldCP[1]+y)*oldCP[0] + x }
		newIdx := func(x, y, z int) int { return (z*newCP[1]+y)*newCP[0] + x }

		var outer [2]int
		switch axis {
		case 0:
			outer = [2]int{oldCP[1], oldCP[2]}
		case 1:
			outer = [2]int{oldCP[0], oldCP[2]}
		default:
			outer = [2]int{oldCP[0], oldCP[1]}
		}

		line := make([]float64, oldCP[axis])
		for c := 0; c < 3; c++ {
			for v := 0; v < outer[1]; v++ {
				for u := 0; u < outer[0]; u++ {
					for i := 0; i < oldCP[axis]; i++ {
						x, y, z := lineCoords(axis, i, u, v)
						line[i] = b.params[c*oldN+oldIdx(x, y, z)]
					}
					for k := 0; k < newCP[axis]; k++ {
						// Old control point j sits at lattice position j-1;
						// new control point k at position k-1 on the
						// half-spacing lattice. Position -1 is the single
						// negative case and is a midpoint (odd).
						pos := k - 1
						var val float64
						if pos >= 0 && pos%2 == 0 {
							j := pos/2 + 1
							val = (lineAt(line, j-1) + 6*lineAt(line, j) + lineAt(line, j+1)) / 8
						} else {
							i := (pos - 1) / 2 // Go truncation gives -1 for pos=-1
							j := i + 1
							val = (lineAt(line, j) + lineAt(line, j+1)) / 2
						}
						x, y, z := lineCoords(axis, k, u, v)
						out[c*newN+newIdx(x, y, z)] = val
					}
				}
			}
		}

		b.params = out
		b.cpSize = newCP
		b.mesh[axis] *= 2
		b.spacing[axis] = b.physDim[axis] / float64(b.mesh[axis])
	}
}

// lineCoords maps a position i along the given axis and (u,v) across it to
// (x,y,z) lattice coordinates.
func lineCoords(axis, i, u, v int) (int, int, int) {
	switch axis {
	case 0:
		return i, u, v
	case 1:
		return u, i, v
	default:
		return u, v, i
	}
}

// lineAt reads a coarse coefficient line with clamped end conditions so the
// subdivision stencil can reach one point past each end.
func lineAt(line []float64, j int) float64 {
	if j < 0 {
		j = 0
	}
	if j >= len(line) {
		j = len(line) - 1
	}
	return line[j]
}

// resampleLattice rebuilds the lattice at an arbitrary resolution by
// evaluating the current deformation at the new control-point locations.
func (b *BSpline) resampleLattice(newMesh [3]int) {
	old := *b
	oldParams := make([]float64, len(b.params))
	copy(oldParams, b.params)
	old.params = oldParams

	b.mesh = newMesh
	for i := 0; i < 3; i++ {
		b.cpSize[i] = newMesh[i] + 3
		b.spacing[i] = b.physDim[i] / float64(newMesh[i])
	}
	nCP := b.numControlPoints()
	b.params = make([]float64, 3*nCP)

	for z := 0; z < b.cpSize[2]; z++ {
		for y := 0; y < b.cpSize[1]; y++ {
			for x := 0; x < b.cpSize[0]; x++ {
				// Control point (x,y,z) sits at lattice position index-1.
				p := volume.Point{
					b.origin[0] + float64(x-1)*b.spacing[0],
					b.origin[1] + float64(y-1)*b.spacing[1],
					b.origin[2] + float64(z-1)*b.spacing[2],
				}
				d := old.Displacement(p)
				idx := b.cpIndex(x, y, z)
				b.params[idx] = d[0]
				b.params[nCP+idx] = d[1]
				b.params[2*nCP+idx] = d[2]
			}
		}
	}
}
