package normalize

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/stat"

	"volreg/pkg/volume"
)

func TestZScore(t *testing.T) {
	v := volume.New([3]int{4, 4, 4}, [3]float64{1, 1, 1}, volume.Point{})
	for i := range v.Data {
		v.Data[i] = float64(i%7) * 10
	}

	out, mean, std, err := ZScore(v)
	if err != nil {
		t.Fatalf("ZScore: %v", err)
	}

	// Population statistics (variance over n, not n-1).
	wantMean := stat.Mean(v.Data, nil)
	wantStd := stat.PopStdDev(v.Data, nil)
	if mean != wantMean || std != wantStd {
		t.Errorf("reported mean/std %g/%g, want %g/%g", mean, std, wantMean, wantStd)
	}

	gotMean := stat.Mean(out.Data, nil)
	gotStd := stat.PopStdDev(out.Data, nil)
	if math.Abs(gotMean) > 1e-12 {
		t.Errorf("normalized mean: got %g, want 0", gotMean)
	}
	if math.Abs(gotStd-1) > 1e-12 {
		t.Errorf("normalized std: got %g, want 1", gotStd)
	}

	// The input volume is untouched and geometry is preserved.
	if v.Data[1] != 10 {
		t.Errorf("input volume was modified: %g", v.Data[1])
	}
	if !out.SameGeometry(v.Grid) {
		t.Errorf("geometry changed: %+v vs %+v", out.Grid, v.Grid)
	}
}

func TestZScoreConstantVolume(t *testing.T) {
	v := volume.New([3]int{3, 3, 3}, [3]float64{1, 1, 1}, volume.Point{})
	for i := range v.Data {
		v.Data[i] = 42
	}
	if _, _, _, err := ZScore(v); err == nil {
		t.Errorf("expected an error for a constant volume")
	}
}
