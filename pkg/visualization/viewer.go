// Package visualization exports axis-aligned slice sequences of a volume as
// JPEG images, for quick visual inspection of registration results without
// a full medical image viewer.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"

	"volreg/pkg/volume"
)

// Viewer extracts and saves 2D slices of a volume. Intensities are windowed
// to the volume's min/max range once at construction so all slices of a
// sequence share the same grey scale.
type Viewer struct {
	vol *volume.Volume

	// intensity window for display mapping
	lo, hi float64
}

// NewViewer creates a viewer over the given volume.
func NewViewer(vol *volume.Volume) *Viewer {
	lo, hi := vol.MinMax()
	if hi == lo {
		hi = lo + 1
	}
	return &Viewer{vol: vol, lo: lo, hi: hi}
}

func (v *Viewer) gray(value float64) color.Gray16 {
	t := (value - v.lo) / (v.hi - v.lo)
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return color.Gray16{Y: uint16(t * 65535)}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	size := v.vol.Size
	var img *image.Gray16

	switch axis {
	case "x", "X":
		// Slice along the YZ plane.
		if position >= size[0] {
			return nil, fmt.Errorf("position %d exceeds width %d", position, size[0])
		}
		img = image.NewGray16(image.Rect(0, 0, size[2], size[1]))
		for y := 0; y < size[1]; y++ {
			for z := 0; z < size[2]; z++ {
				img.SetGray16(z, y, v.gray(v.vol.At(position, y, z)))
			}
		}

	case "y", "Y":
		// Slice along the XZ plane.
		if position >= size[1] {
			return nil, fmt.Errorf("position %d exceeds height %d", position, size[1])
		}
		img = image.NewGray16(image.Rect(0, 0, size[0], size[2]))
		for z := 0; z < size[2]; z++ {
			for x := 0; x < size[0]; x++ {
				img.SetGray16(x, z, v.gray(v.vol.At(x, position, z)))
			}
		}

	case "z", "Z":
		// Slice along the XY plane.
		if position >= size[2] {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, size[2])
		}
		img = image.NewGray16(image.Rect(0, 0, size[0], size[1]))
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[0]; x++ {
				img.SetGray16(x, y, v.gray(v.vol.At(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the specified axis.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.vol.Size[0]
	case "y", "Y":
		maxPos = v.vol.Size[1]
	case "z", "Z":
		maxPos = v.vol.Size[2]
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
