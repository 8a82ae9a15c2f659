// Package volume provides the 3D scalar volume type used throughout the
// registration pipeline. A Volume couples dense voxel data with physical-space
// geometry (origin, spacing, direction cosines) so that all registration
// components can work in millimeter coordinates rather than voxel indices.
package volume

import (
	"fmt"
	"math"
)

// Point is a location in physical (millimeter) space.
type Point [3]float64

// Add returns p + q componentwise.
func (p Point) Add(q Point) Point {
	return Point{p[0] + q[0], p[1] + q[1], p[2] + q[2]}
}

// Sub returns p - q componentwise.
func (p Point) Sub(q Point) Point {
	return Point{p[0] - q[0], p[1] - q[1], p[2] - q[2]}
}

// Dist returns the Euclidean distance between p and q.
func (p Point) Dist(q Point) float64 {
	dx := p[0] - q[0]
	dy := p[1] - q[1]
	dz := p[2] - q[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Grid describes the physical-space geometry of a volume without its data.
// The index-to-physical mapping is:
//
//	physical = Origin + Direction * (Spacing .* index)
//
// Direction must be orthonormal and Spacing strictly positive.
type Grid struct {
	// Size is the number of voxels along x, y, z.
	Size [3]int

	// Spacing is the physical size of a voxel in mm along each axis.
	Spacing [3]float64

	// Origin is the physical location of voxel (0,0,0).
	Origin Point

	// Direction holds the direction cosines as rows; identity means the
	// voxel axes are aligned with the physical axes.
	Direction [3][3]float64
}

// Volume is a dense 3D scalar field with physical geometry. Data is stored
// in x-fastest order: Data[z*Size[0]*Size[1] + y*Size[0] + x].
//
// Volumes are treated as immutable once constructed: every processing step
// in the pipeline produces a new Volume rather than mutating its input.
type Volume struct {
	Grid
	Data []float64
}

// IdentityDirection returns the identity direction-cosine matrix.
func IdentityDirection() [3][3]float64 {
	return [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// New allocates a zero-filled volume with identity direction cosines.
func New(size [3]int, spacing [3]float64, origin Point) *Volume {
	return &Volume{
		Grid: Grid{
			Size:      size,
			Spacing:   spacing,
			Origin:    origin,
			Direction: IdentityDirection(),
		},
		Data: make([]float64, size[0]*size[1]*size[2]),
	}
}

// NewFromGrid allocates a zero-filled volume with the given geometry.
func NewFromGrid(g Grid) *Volume {
	return &Volume{
		Grid: g,
		Data: make([]float64, g.Size[0]*g.Size[1]*g.Size[2]),
	}
}

// Validate checks the grid invariants: positive size and spacing, and an
// orthonormal direction matrix.
func (g Grid) Validate() error {
	for i := 0; i < 3; i++ {
		if g.Size[i] <= 0 {
			return fmt.Errorf("grid size must be positive, axis %d is %d", i, g.Size[i])
		}
		if g.Spacing[i] <= 0 {
			return fmt.Errorf("grid spacing must be positive, axis %d is %g", i, g.Spacing[i])
		}
	}
	// Rows of an orthonormal matrix have unit norm and are mutually orthogonal.
	const tol = 1e-6
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dot := 0.0
			for k := 0; k < 3; k++ {
				dot += g.Direction[i][k] * g.Direction[j][k]
			}
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(dot-want) > tol {
				return fmt.Errorf("direction matrix is not orthonormal (rows %d,%d dot %g)", i, j, dot)
			}
		}
	}
	return nil
}

// NumVoxels returns the total number of voxels in the grid.
func (g Grid) NumVoxels() int {
	return g.Size[0] * g.Size[1] * g.Size[2]
}

// IndexToPhysical maps a (possibly fractional) voxel index to physical space.
func (g Grid) IndexToPhysical(ix, iy, iz float64) Point {
	sx := g.Spacing[0] * ix
	sy := g.Spacing[1] * iy
	sz := g.Spacing[2] * iz
	var p Point
	for r := 0; r < 3; r++ {
		p[r] = g.Origin[r] + g.Direction[r][0]*sx + g.Direction[r][1]*sy + g.Direction[r][2]*sz
	}
	return p
}

// PhysicalToIndex maps a physical point to continuous voxel-index space.
// Because the direction matrix is orthonormal its inverse is its transpose.
func (g Grid) PhysicalToIndex(p Point) [3]float64 {
	dx := p[0] - g.Origin[0]
	dy := p[1] - g.Origin[1]
	dz := p[2] - g.Origin[2]
	var idx [3]float64
	for r := 0; r < 3; r++ {
		// Transpose: column r of Direction.
		v := g.Direction[0][r]*dx + g.Direction[1][r]*dy + g.Direction[2][r]*dz
		idx[r] = v / g.Spacing[r]
	}
	return idx
}

// Center returns the physical location of the geometric center of the grid.
func (g Grid) Center() Point {
	return g.IndexToPhysical(
		float64(g.Size[0]-1)/2,
		float64(g.Size[1]-1)/2,
		float64(g.Size[2]-1)/2,
	)
}

// SameGeometry reports whether two grids are identical in size, spacing,
// origin and direction.
func (g Grid) SameGeometry(o Grid) bool {
	return g == o
}

// At returns the voxel value at integer index (x,y,z). The caller must
// guarantee the index is in bounds.
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[(z*v.Size[1]+y)*v.Size[0]+x]
}

// Set stores a voxel value at integer index (x,y,z).
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[(z*v.Size[1]+y)*v.Size[0]+x] = value
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := &Volume{Grid: v.Grid, Data: make([]float64, len(v.Data))}
	copy(out.Data, v.Data)
	return out
}

// Inside reports whether a continuous index lies within the interpolatable
// domain of the volume.
func (v *Volume) Inside(idx [3]float64) bool {
	for i := 0; i < 3; i++ {
		if idx[i] < 0 || idx[i] > float64(v.Size[i]-1) {
			return false
		}
	}
	return true
}

// Interpolate evaluates the volume at a physical point using trilinear
// interpolation. The boolean result is false when the point falls outside
// the volume's domain, in which case the value is 0.
func (v *Volume) Interpolate(p Point) (float64, bool) {
	idx := v.PhysicalToIndex(p)
	if !v.Inside(idx) {
		return 0, false
	}
	val, _ := v.trilinear(idx)
	return val, true
}

// InterpolateGradient evaluates the volume at a physical point and also
// returns the physical-space intensity gradient (d intensity / d mm) of the
// trilinear interpolant there. The boolean result is false outside the
// domain.
func (v *Volume) InterpolateGradient(p Point) (float64, Point, bool) {
	idx := v.PhysicalToIndex(p)
	if !v.Inside(idx) {
		return 0, Point{}, false
	}
	val, gIdx := v.trilinear(idx)
	// Chain rule through index = Direction^T * (p - origin) / spacing:
	// d/dp = Direction * (gIdx / spacing).
	sx := gIdx[0] / v.Spacing[0]
	sy := gIdx[1] / v.Spacing[1]
	sz := gIdx[2] / v.Spacing[2]
	var g Point
	for r := 0; r < 3; r++ {
		g[r] = v.Direction[r][0]*sx + v.Direction[r][1]*sy + v.Direction[r][2]*sz
	}
	return val, g, true
}

// NearestNeighbor evaluates the volume at a physical point by rounding to
// the closest voxel. The boolean result is false outside the domain.
func (v *Volume) NearestNeighbor(p Point) (float64, bool) {
	idx := v.PhysicalToIndex(p)
	if !v.Inside(idx) {
		return 0, false
	}
	x := int(math.Round(idx[0]))
	y := int(math.Round(idx[1]))
	z := int(math.Round(idx[2]))
	return v.At(x, y, z), true
}

// trilinear evaluates the interpolant and its index-space derivative at a
// continuous index known to be inside the volume.
func (v *Volume) trilinear(idx [3]float64) (float64, [3]float64) {
	var i0 [3]int
	var f [3]float64
	for a := 0; a < 3; a++ {
		i0[a] = int(math.Floor(idx[a]))
		// Clamp so that i0+1 stays valid on the upper boundary.
		if i0[a] > v.Size[a]-2 {
			i0[a] = v.Size[a] - 2
		}
		if i0[a] < 0 {
			i0[a] = 0
		}
		f[a] = idx[a] - float64(i0[a])
	}

	// Degenerate axes (size 1) contribute no interpolation weight.
	var c [2][2][2]float64
	for dz := 0; dz < 2; dz++ {
		z := clampIndex(i0[2]+dz, v.Size[2])
		for dy := 0; dy < 2; dy++ {
			y := clampIndex(i0[1]+dy, v.Size[1])
			for dx := 0; dx < 2; dx++ {
				x := clampIndex(i0[0]+dx, v.Size[0])
				c[dz][dy][dx] = v.At(x, y, z)
			}
		}
	}

	fx, fy, fz := f[0], f[1], f[2]

	// Interpolate along x.
	c00 := c[0][0][0]*(1-fx) + c[0][0][1]*fx
	c01 := c[0][1][0]*(1-fx) + c[0][1][1]*fx
	c10 := c[1][0][0]*(1-fx) + c[1][0][1]*fx
	c11 := c[1][1][0]*(1-fx) + c[1][1][1]*fx

	// Then y.
	c0 := c00*(1-fy) + c01*fy
	c1 := c10*(1-fy) + c11*fy

	val := c0*(1-fz) + c1*fz

	// Piecewise-linear derivatives within the cell.
	gx0 := c[0][0][1] - c[0][0][0]
	gx1 := c[0][1][1] - c[0][1][0]
	gx2 := c[1][0][1] - c[1][0][0]
	gx3 := c[1][1][1] - c[1][1][0]
	gx := (gx0*(1-fy)+gx1*fy)*(1-fz) + (gx2*(1-fy)+gx3*fy)*fz

	gy0 := c01 - c00
	gy1 := c11 - c10
	gy := gy0*(1-fz) + gy1*fz

	gz := c1 - c0

	return val, [3]float64{gx, gy, gz}
}

func clampIndex(i, size int) int {
	if i < 0 {
		return 0
	}
	if i >= size {
		return size - 1
	}
	return i
}

// MinMax returns the smallest and largest voxel values in the volume.
func (v *Volume) MinMax() (float64, float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	lo, hi := v.Data[0], v.Data[0]
	for _, x := range v.Data[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}

// ForegroundCentroid computes the intensity-weighted centroid of all voxels
// whose value is at least threshold, in physical coordinates. The boolean
// result is false when no voxel reaches the threshold.
func (v *Volume) ForegroundCentroid(threshold float64) (Point, bool) {
	var sum Point
	mass := 0.0
	for z := 0; z < v.Size[2]; z++ {
		for y := 0; y < v.Size[1]; y++ {
			for x := 0; x < v.Size[0]; x++ {
				if v.At(x, y, z) < threshold {
					continue
				}
				p := v.IndexToPhysical(float64(x), float64(y), float64(z))
				sum[0] += p[0]
				sum[1] += p[1]
				sum[2] += p[2]
				mass++
			}
		}
	}
	if mass == 0 {
		return Point{}, false
	}
	return Point{sum[0] / mass, sum[1] / mass, sum[2] / mass}, true
}
