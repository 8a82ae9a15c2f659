package registration

import (
	"errors"
	"math"
	"testing"

	"volreg/pkg/optimizer"
	"volreg/pkg/transform"
	"volreg/pkg/volume"
)

// blob builds a smooth Gaussian intensity blob for synthetic registration.
func blob(size int, spacing float64, center volume.Point, width float64) *volume.Volume {
	v := volume.New([3]int{size, size, size}, [3]float64{spacing, spacing, spacing}, volume.Point{})
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				p := v.IndexToPhysical(float64(x), float64(y), float64(z))
				d := p.Dist(center)
				v.Set(x, y, z, 100*math.Exp(-d*d/(2*width*width)))
			}
		}
	}
	return v
}

func TestValidateRejectsBadSetup(t *testing.T) {
	fixed := blob(8, 1, volume.Point{3.5, 3.5, 3.5}, 3)

	cases := []*Method{
		{Moving: fixed, Transform: transform.NewRigid(fixed.Center()),
			Optimizer: &optimizer.LBFGS{MaxIterations: 1}, Levels: []Level{{Shrink: 1}}, Bins: 16},
		{Fixed: fixed, Moving: fixed,
			Optimizer: &optimizer.LBFGS{MaxIterations: 1}, Levels: []Level{{Shrink: 1}}, Bins: 16},
		{Fixed: fixed, Moving: fixed, Transform: transform.NewRigid(fixed.Center()),
			Levels: []Level{{Shrink: 1}}, Bins: 16},
		{Fixed: fixed, Moving: fixed, Transform: transform.NewRigid(fixed.Center()),
			Optimizer: &optimizer.LBFGS{MaxIterations: 1}, Bins: 16},
		{Fixed: fixed, Moving: fixed, Transform: transform.NewRigid(fixed.Center()),
			Optimizer: &optimizer.LBFGS{MaxIterations: 1}, Levels: []Level{{Shrink: 0}}, Bins: 16},
		{Fixed: fixed, Moving: fixed, Transform: transform.NewRigid(fixed.Center()),
			Optimizer: &optimizer.LBFGS{MaxIterations: 1}, Levels: []Level{{Shrink: 1}}, Bins: 4},
	}
	for i, m := range cases {
		if _, err := m.Run(); !errors.Is(err, ErrInvalidConfiguration) {
			t.Errorf("case %d: expected ErrInvalidConfiguration, got %v", i, err)
		}
	}
}

// TestLevelChaining verifies the multi-resolution contract: each level starts
// from the previous level's final parameters, never from scratch.
func TestLevelChaining(t *testing.T) {
	fixed := blob(16, 2, volume.Point{15, 15, 15}, 8)
	moving := blob(16, 2, volume.Point{18, 15, 15}, 8)

	m := &Method{
		Fixed:     fixed,
		Moving:    moving,
		Transform: transform.NewRigid(fixed.Center()),
		Optimizer: &optimizer.RegularStepGradientDescent{
			InitialStepLength: 0.5,
			MinimumStepLength: 0.01,
			MaxIterations:     5,
			Scales:            []float64{1, 1, 1, 0.001, 0.001, 0.001},
		},
		Levels: []Level{
			{Shrink: 2, Sigma: 1.0},
			{Shrink: 1, Sigma: 0},
		},
		Bins: 16,
	}

	reports, err := m.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}

	for i, want := range reports[0].FinalParameters {
		if reports[1].InitialParameters[i] != want {
			t.Errorf("level 1 initial parameter %d: got %g, want final of level 0 %g",
				i, reports[1].InitialParameters[i], want)
		}
	}
	for i, want := range reports[1].FinalParameters {
		if got := m.Transform.Parameters()[i]; got != want {
			t.Errorf("transform parameter %d: got %g, want %g from the last report", i, got, want)
		}
	}
}

// TestMeshRefinementAcrossLevels checks that a free-form transform is adapted
// to each level's requested mesh and that its parameters carry across the
// resolution change.
func TestMeshRefinementAcrossLevels(t *testing.T) {
	fixed := blob(9, 2, volume.Point{8, 8, 8}, 5)
	moving := blob(9, 2, volume.Point{9, 8, 8}, 5)

	bs, err := transform.NewBSpline(fixed.Grid, [3]int{2, 2, 2})
	if err != nil {
		t.Fatal(err)
	}

	m := &Method{
		Fixed:     fixed,
		Moving:    moving,
		Transform: bs,
		Optimizer: &optimizer.LBFGS{GradientTolerance: 1e-3, MaxIterations: 2, MaxEvaluations: 20},
		Levels: []Level{
			{Shrink: 2, Sigma: 1.0, MeshSize: [3]int{2, 2, 2}},
			{Shrink: 1, Sigma: 0, MeshSize: [3]int{4, 4, 4}},
		},
		Bins: 16,
	}

	reports, err := m.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if bs.MeshSize() != [3]int{4, 4, 4} {
		t.Errorf("final mesh: got %v, want [4 4 4]", bs.MeshSize())
	}
	if got := len(reports[0].FinalParameters); got != 3*5*5*5 {
		t.Errorf("level 0 parameter count: got %d, want %d", got, 3*5*5*5)
	}
	if got := len(reports[1].InitialParameters); got != 3*7*7*7 {
		t.Errorf("level 1 parameter count: got %d, want %d", got, 3*7*7*7)
	}
}

// TestBoundedRefinementSchedule runs displacement bounds through a schedule
// whose mesh refinement grows the parameter vector between levels: the
// bounds must keep applying to every control point at every level, and the
// final displacements must respect them.
func TestBoundedRefinementSchedule(t *testing.T) {
	fixed := blob(9, 2, volume.Point{8, 8, 8}, 5)
	moving := blob(9, 2, volume.Point{9, 8, 8}, 5)

	bs, err := transform.NewBSpline(fixed.Grid, [3]int{2, 2, 2})
	if err != nil {
		t.Fatal(err)
	}

	m := &Method{
		Fixed:     fixed,
		Moving:    moving,
		Transform: bs,
		Optimizer: &optimizer.LBFGS{
			GradientTolerance: 1e-3,
			MaxIterations:     2,
			MaxEvaluations:    20,
			Lower:             -0.5,
			Upper:             0.5,
		},
		Levels: []Level{
			{Shrink: 2, Sigma: 1.0, MeshSize: [3]int{2, 2, 2}},
			{Shrink: 1, Sigma: 0, MeshSize: [3]int{4, 4, 4}},
		},
		Bins: 16,
	}

	if _, err := m.Run(); err != nil {
		t.Fatalf("Run with bounds across a refining schedule: %v", err)
	}
	if bs.MeshSize() != [3]int{4, 4, 4} {
		t.Errorf("final mesh: got %v, want [4 4 4]", bs.MeshSize())
	}
	for i, p := range bs.Parameters() {
		if p < -0.5-1e-12 || p > 0.5+1e-12 {
			t.Errorf("parameter %d escaped the bound box: %g", i, p)
		}
	}
}

// TestRigidRecovery registers two identical blobs offset by 5mm and expects
// the recovered translation within half a millimeter.
func TestRigidRecovery(t *testing.T) {
	fixed := blob(16, 2, volume.Point{15, 15, 15}, 8)
	moving := blob(16, 2, volume.Point{20, 15, 15}, 8)

	rigid := transform.NewRigid(fixed.Center())
	m := &Method{
		Fixed:     fixed,
		Moving:    moving,
		Transform: rigid,
		Optimizer: &optimizer.RegularStepGradientDescent{
			InitialStepLength: 1.0,
			MinimumStepLength: 0.001,
			MaxIterations:     300,
			Scales:            []float64{1, 1, 1, 0.001, 0.001, 0.001},
		},
		Levels: []Level{{Shrink: 1, Sigma: 0}},
		Bins:   16,
	}

	if _, err := m.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	p := rigid.Parameters()
	want := volume.Point{5, 0, 0}
	got := volume.Point{p[3], p[4], p[5]}
	if got.Dist(want) > 0.5 {
		t.Errorf("recovered translation %v, want %v within 0.5mm", got, want)
	}
}
