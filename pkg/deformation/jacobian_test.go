package deformation

import (
	"math"
	"testing"

	"volreg/pkg/resample"
	"volreg/pkg/transform"
	"volreg/pkg/volume"
)

func refGrid() volume.Grid {
	return volume.Grid{
		Size:      [3]int{9, 9, 9},
		Spacing:   [3]float64{1, 1, 1},
		Origin:    volume.Point{0, 0, 0},
		Direction: volume.IdentityDirection(),
	}
}

func TestDeterminantIdentity(t *testing.T) {
	field := DeterminantField(resample.Identity{}, refGrid())
	for i, d := range field.Data {
		if math.Abs(d-1) > 1e-12 {
			t.Fatalf("identity determinant at %d: got %g, want 1", i, d)
		}
	}

	report := Validate(resample.Identity{}, refGrid())
	if report.Folded() {
		t.Errorf("identity reported as folded: %+v", report)
	}
	if report.NonPositive != 0 || report.Voxels != 9*9*9 {
		t.Errorf("report: %+v", report)
	}
}

// TestDeterminantRigid verifies volume preservation: any rotation plus
// translation has determinant exactly 1 everywhere.
func TestDeterminantRigid(t *testing.T) {
	r := transform.NewRigid(volume.Point{4, 4, 4})
	if err := r.SetParameters([]float64{0.3, -0.2, 0.5, 2, -1, 3}); err != nil {
		t.Fatal(err)
	}

	report := Validate(r, refGrid())
	if math.Abs(report.Min-1) > 1e-9 || math.Abs(report.Max-1) > 1e-9 {
		t.Errorf("rigid determinant range [%g, %g], want [1, 1]", report.Min, report.Max)
	}
}

// TestDeterminantFolded builds a deformation that reflects the x axis
// (u_x = -2x via the linear precision of the B-spline basis), whose Jacobian
// determinant is -1: the report must flag the folding.
func TestDeterminantFolded(t *testing.T) {
	ref := refGrid()
	b, err := transform.NewBSpline(ref, [3]int{2, 2, 2})
	if err != nil {
		t.Fatal(err)
	}

	params := b.Parameters()
	spacing := 8.0 / 2.0
	for z := 0; z < 5; z++ {
		for y := 0; y < 5; y++ {
			for x := 0; x < 5; x++ {
				idx := (z*5+y)*5 + x
				posX := float64(x-1) * spacing
				params[idx] = -2 * posX
			}
		}
	}

	report := Validate(b, ref)
	if !report.Folded() {
		t.Fatalf("reflection not reported as folded: %+v", report)
	}
	if report.NonPositive != report.Voxels {
		t.Errorf("expected every voxel non-positive, got %d of %d", report.NonPositive, report.Voxels)
	}
	if math.Abs(report.Min+1) > 1e-9 {
		t.Errorf("determinant: got %g, want -1", report.Min)
	}
}

// TestDisplacementField checks a pure translation field.
func TestDisplacementField(t *testing.T) {
	r := transform.NewRigid(volume.Point{})
	if err := r.SetParameters([]float64{0, 0, 0, 1, 2, 3}); err != nil {
		t.Fatal(err)
	}

	field := DisplacementField(r, refGrid())
	if len(field) != 9*9*9 {
		t.Fatalf("field length: got %d, want %d", len(field), 9*9*9)
	}
	want := volume.Point{1, 2, 3}
	for i, d := range field {
		if d.Dist(want) > 1e-12 {
			t.Fatalf("displacement at %d: got %v, want %v", i, d, want)
		}
	}
}
