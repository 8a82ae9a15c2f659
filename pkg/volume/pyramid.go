package volume

import "math"

// Smooth returns a Gaussian-smoothed copy of the volume. Sigma is given in
// physical units (mm) and is converted to voxels per axis, so anisotropic
// spacing is handled correctly. A sigma of 0 returns an unfiltered copy.
//
// The filter is applied separably along each axis with a kernel truncated
// at 3 sigma, renormalized at the volume borders.
func (v *Volume) Smooth(sigma float64) *Volume {
	if sigma <= 0 {
		return v.Clone()
	}
	out := v.Clone()
	for axis := 0; axis < 3; axis++ {
		sigmaVox := sigma / v.Spacing[axis]
		kernel := gaussianKernel(sigmaVox)
		if len(kernel) <= 1 {
			continue
		}
		out = convolveAxis(out, kernel, axis)
	}
	return out
}

// gaussianKernel builds a normalized 1D Gaussian kernel for a sigma given
// in voxels, truncated at 3 sigma. Returns a single-tap kernel when sigma
// is too small to matter.
func gaussianKernel(sigmaVox float64) []float64 {
	radius := int(math.Ceil(3 * sigmaVox))
	if radius < 1 {
		return []float64{1}
	}
	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-float64(i*i) / (2 * sigmaVox * sigmaVox))
		kernel[i+radius] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// convolveAxis applies a 1D kernel along the given axis, renormalizing the
// kernel where it overhangs the volume border.
func convolveAxis(v *Volume, kernel []float64, axis int) *Volume {
	out := NewFromGrid(v.Grid)
	radius := len(kernel) / 2
	n := v.Size[axis]

	var step [3]int
	step[axis] = 1

	for z := 0; z < v.Size[2]; z++ {
		for y := 0; y < v.Size[1]; y++ {
			for x := 0; x < v.Size[0]; x++ {
				pos := [3]int{x, y, z}
				acc := 0.0
				wsum := 0.0
				for k := -radius; k <= radius; k++ {
					q := pos[axis] + k
					if q < 0 || q >= n {
						continue
					}
					var sx, sy, sz int
					switch axis {
					case 0:
						sx, sy, sz = q, y, z
					case 1:
						sx, sy, sz = x, q, z
					default:
						sx, sy, sz = x, y, q
					}
					w := kernel[k+radius]
					acc += w * v.At(sx, sy, sz)
					wsum += w
				}
				out.Set(x, y, z, acc/wsum)
			}
		}
	}
	return out
}

// Downsample reduces the volume resolution by an integer shrink factor per
// axis, keeping physical extent: spacing is multiplied by the factor and
// the origin shifts to the center of each new voxel block so that physical
// positions stay consistent. A factor of 1 returns a copy.
//
// Callers are expected to Smooth first; this routine averages each block
// of source voxels rather than point-sampling, which gives additional
// aliasing protection for free.
func (v *Volume) Downsample(factor int) *Volume {
	if factor <= 1 {
		return v.Clone()
	}
	var size [3]int
	var spacing [3]float64
	for i := 0; i < 3; i++ {
		size[i] = v.Size[i] / factor
		if size[i] < 1 {
			size[i] = 1
		}
		spacing[i] = v.Spacing[i] * float64(factor)
	}

	// The first output voxel covers source voxels [0, factor); its center in
	// source-index space is (factor-1)/2 on each axis.
	half := float64(factor-1) / 2
	origin := v.IndexToPhysical(half, half, half)

	out := &Volume{
		Grid: Grid{
			Size:      size,
			Spacing:   spacing,
			Origin:    origin,
			Direction: v.Direction,
		},
		Data: make([]float64, size[0]*size[1]*size[2]),
	}

	for z := 0; z < size[2]; z++ {
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[0]; x++ {
				acc := 0.0
				count := 0
				for dz := 0; dz < factor; dz++ {
					sz := z*factor + dz
					if sz >= v.Size[2] {
						break
					}
					for dy := 0; dy < factor; dy++ {
						sy := y*factor + dy
						if sy >= v.Size[1] {
							break
						}
						for dx := 0; dx < factor; dx++ {
							sx := x*factor + dx
							if sx >= v.Size[0] {
								break
							}
							acc += v.At(sx, sy, sz)
							count++
						}
					}
				}
				if count > 0 {
					out.Set(x, y, z, acc/float64(count))
				}
			}
		}
	}
	return out
}
