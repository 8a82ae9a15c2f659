package nifti

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"volreg/pkg/volume"
)

// TestRoundTrip writes a volume with non-trivial geometry and reads it back,
// both uncompressed and gzipped.
func TestRoundTrip(t *testing.T) {
	src := volume.New([3]int{6, 5, 4}, [3]float64{1.5, 2.0, 2.5}, volume.Point{-10, 20, 5})
	for i := range src.Data {
		src.Data[i] = float64(i) * 0.25
	}

	dir := t.TempDir()
	for _, name := range []string{"vol.nii", "vol.nii.gz"} {
		path := filepath.Join(dir, name)
		if err := Write(path, src); err != nil {
			t.Fatalf("Write %s: %v", name, err)
		}

		got, err := Read(path)
		if err != nil {
			t.Fatalf("Read %s: %v", name, err)
		}

		if got.Size != src.Size {
			t.Errorf("%s: size %v, want %v", name, got.Size, src.Size)
		}
		for a := 0; a < 3; a++ {
			if math.Abs(got.Spacing[a]-src.Spacing[a]) > 1e-5 {
				t.Errorf("%s: spacing axis %d: got %g, want %g", name, a, got.Spacing[a], src.Spacing[a])
			}
			if math.Abs(got.Origin[a]-src.Origin[a]) > 1e-5 {
				t.Errorf("%s: origin axis %d: got %g, want %g", name, a, got.Origin[a], src.Origin[a])
			}
		}

		// Voxels survive the float32 narrowing for these values exactly.
		for i := range src.Data {
			if got.Data[i] != src.Data[i] {
				t.Fatalf("%s: voxel %d: got %g, want %g", name, i, got.Data[i], src.Data[i])
			}
		}
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.nii")
	if err := os.WriteFile(path, make([]byte, 600), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(path); err == nil {
		t.Errorf("expected an error for a zeroed header")
	}

	if _, err := Read(filepath.Join(dir, "missing.nii")); err == nil {
		t.Errorf("expected an error for a missing file")
	}
}
