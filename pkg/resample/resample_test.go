package resample

import (
	"math"
	"testing"

	"volreg/pkg/transform"
	"volreg/pkg/volume"
)

func ramp(size int, spacing float64) *volume.Volume {
	v := volume.New([3]int{size, size, size}, [3]float64{spacing, spacing, spacing}, volume.Point{})
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				p := v.IndexToPhysical(float64(x), float64(y), float64(z))
				v.Set(x, y, z, p[0]+2*p[1]+3*p[2])
			}
		}
	}
	return v
}

// TestResampleIdentitySameGrid reproduces the source exactly: every output
// voxel maps onto a source voxel center.
func TestResampleIdentitySameGrid(t *testing.T) {
	src := ramp(6, 1.5)
	out := Resample(src, src.Grid, Identity{}, Options{Workers: 2})

	if !out.SameGeometry(src.Grid) {
		t.Fatalf("output geometry %+v differs from reference %+v", out.Grid, src.Grid)
	}
	for i := range src.Data {
		if math.Abs(out.Data[i]-src.Data[i]) > 1e-12 {
			t.Fatalf("voxel %d: got %g, want %g", i, out.Data[i], src.Data[i])
		}
	}
}

// TestResampleTranslation shifts a linear ramp: the interpolated value at a
// mapped interior point follows the ramp analytically.
func TestResampleTranslation(t *testing.T) {
	src := ramp(8, 1)
	r := transform.NewRigid(volume.Point{})
	if err := r.SetParameters([]float64{0, 0, 0, 1.5, 0.5, 1}); err != nil {
		t.Fatal(err)
	}

	out := Resample(src, src.Grid, r, Options{Background: -999})

	// Output voxel (2,2,2) sits at physical (2,2,2) and samples the source
	// at (3.5, 2.5, 3), where the ramp evaluates to 3.5 + 5 + 9.
	got := out.At(2, 2, 2)
	want := 3.5 + 2*2.5 + 3*3.0
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("translated sample: got %g, want %g", got, want)
	}

	// A voxel on the far face maps outside and takes the background value.
	if got := out.At(7, 7, 7); got != -999 {
		t.Errorf("out-of-domain voxel: got %g, want background", got)
	}
}

func TestResampleNearest(t *testing.T) {
	src := volume.New([3]int{4, 4, 4}, [3]float64{1, 1, 1}, volume.Point{})
	src.Set(1, 1, 1, 7)

	r := transform.NewRigid(volume.Point{})
	if err := r.SetParameters([]float64{0, 0, 0, 0.3, 0.3, 0.3}); err != nil {
		t.Fatal(err)
	}

	out := Resample(src, src.Grid, r, Options{Interpolation: Nearest})
	// (1,1,1) maps to (1.3,1.3,1.3), whose nearest voxel is still (1,1,1).
	if got := out.At(1, 1, 1); got != 7 {
		t.Errorf("nearest-neighbor sample: got %g, want 7", got)
	}
}

func TestIsotropicGrid(t *testing.T) {
	src := volume.Grid{
		Size:      [3]int{10, 10, 5},
		Spacing:   [3]float64{1, 1, 2},
		Origin:    volume.Point{3, 4, 5},
		Direction: volume.IdentityDirection(),
	}

	out := IsotropicGrid(src, 1.0)
	if out.Size != [3]int{10, 10, 10} {
		t.Errorf("size: got %v, want [10 10 10]", out.Size)
	}
	if out.Spacing != [3]float64{1, 1, 1} {
		t.Errorf("spacing: got %v, want unit", out.Spacing)
	}
	if out.Origin != src.Origin {
		t.Errorf("origin changed: %v", out.Origin)
	}
}
