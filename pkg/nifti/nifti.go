// Package nifti reads and writes volumes in the NIfTI-1 file format (.nii,
// .nii.gz), the standard interchange format for volumetric MRI. Only the
// single-file variant is supported; voxel data is converted to float64 on
// read and written back as float32. Grid geometry travels in the sform
// affine rows and is preserved exactly through a read/write round trip.
package nifti

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"volreg/pkg/volume"
)

// NIfTI-1 datatype codes.
const (
	typeUint8   = 2
	typeInt16   = 4
	typeInt32   = 8
	typeFloat32 = 16
	typeFloat64 = 64
	typeInt8    = 256
	typeUint16  = 512
)

// header is the fixed 348-byte NIfTI-1 header. Field order and widths must
// match the on-disk layout exactly; encoding/binary serializes it directly.
type header struct {
	SizeofHdr    int32
	DataType     [10]byte
	DBName       [18]byte
	Extents      int32
	SessionError int16
	Regular      byte
	DimInfo      byte
	Dim          [8]int16
	IntentP1     float32
	IntentP2     float32
	IntentP3     float32
	IntentCode   int16
	Datatype     int16
	Bitpix       int16
	SliceStart   int16
	Pixdim       [8]float32
	VoxOffset    float32
	SclSlope     float32
	SclInter     float32
	SliceEnd     int16
	SliceCode    byte
	XYZTUnits    byte
	CalMax       float32
	CalMin       float32
	SliceDur     float32
	TOffset      float32
	Glmax        int32
	Glmin        int32
	Descrip      [80]byte
	AuxFile      [24]byte
	QformCode    int16
	SformCode    int16
	QuaternB     float32
	QuaternC     float32
	QuaternD     float32
	QoffsetX     float32
	QoffsetY     float32
	QoffsetZ     float32
	SrowX        [4]float32
	SrowY        [4]float32
	SrowZ        [4]float32
	IntentName   [16]byte
	Magic        [4]byte
}

// Read loads a volume from a .nii or .nii.gz file.
func Read(path string) (*volume.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("nifti: opening %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("nifti: reading %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	vol, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("nifti: reading %s: %w", path, err)
	}
	return vol, nil
}

func decode(r io.Reader) (*volume.Volume, error) {
	var hdr header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if hdr.SizeofHdr != 348 {
		return nil, fmt.Errorf("unsupported header size %d (big-endian or non-NIfTI file?)", hdr.SizeofHdr)
	}
	if hdr.Magic[0] != 'n' || hdr.Magic[2] != '1' {
		return nil, fmt.Errorf("bad magic %q, not a single-file NIfTI-1 image", hdr.Magic[:3])
	}
	if hdr.Dim[0] < 3 {
		return nil, fmt.Errorf("need a 3D image, got %d dimensions", hdr.Dim[0])
	}

	size := [3]int{int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])}
	n := size[0] * size[1] * size[2]
	if n <= 0 {
		return nil, fmt.Errorf("invalid image size %v", size)
	}
	// Trailing dimensions (time, vectors) must be singleton; this pipeline
	// works on one scalar volume per file.
	for d := 4; d <= int(hdr.Dim[0]) && d < 8; d++ {
		if hdr.Dim[d] > 1 {
			return nil, fmt.Errorf("non-scalar image: dim[%d] = %d", d, hdr.Dim[d])
		}
	}

	// Skip from the end of the header to the voxel data.
	offset := int64(hdr.VoxOffset)
	if offset < 348 {
		offset = 352
	}
	if _, err := io.CopyN(io.Discard, r, offset-348); err != nil {
		return nil, err
	}

	data, err := readVoxels(r, hdr.Datatype, n)
	if err != nil {
		return nil, err
	}

	// Intensity scaling, when present.
	if hdr.SclSlope != 0 && (hdr.SclSlope != 1 || hdr.SclInter != 0) {
		slope := float64(hdr.SclSlope)
		inter := float64(hdr.SclInter)
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	grid, err := gridFromHeader(&hdr, size)
	if err != nil {
		return nil, err
	}
	return &volume.Volume{Grid: grid, Data: data}, nil
}

func readVoxels(r io.Reader, datatype int16, n int) ([]float64, error) {
	data := make([]float64, n)
	switch datatype {
	case typeFloat32:
		buf := make([]float32, n)
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			data[i] = float64(v)
		}
	case typeFloat64:
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return nil, err
		}
	case typeInt16:
		buf := make([]int16, n)
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			data[i] = float64(v)
		}
	case typeUint16:
		buf := make([]uint16, n)
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			data[i] = float64(v)
		}
	case typeInt32:
		buf := make([]int32, n)
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			data[i] = float64(v)
		}
	case typeUint8:
		buf := make([]uint8, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			data[i] = float64(v)
		}
	case typeInt8:
		buf := make([]int8, n)
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			data[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("unsupported datatype code %d", datatype)
	}
	return data, nil
}

// gridFromHeader recovers origin, spacing and direction cosines. The sform
// affine is preferred; without one the grid falls back to pixdim spacing
// with the qoffset origin and identity direction.
func gridFromHeader(hdr *header, size [3]int) (volume.Grid, error) {
	g := volume.Grid{
		Size:      size,
		Direction: volume.IdentityDirection(),
	}

	if hdr.SformCode > 0 {
		srow := [3][4]float32{hdr.SrowX, hdr.SrowY, hdr.SrowZ}
		for col := 0; col < 3; col++ {
			norm := 0.0
			for row := 0; row < 3; row++ {
				v := float64(srow[row][col])
				norm += v * v
			}
			norm = math.Sqrt(norm)
			if norm == 0 {
				return g, fmt.Errorf("degenerate sform column %d", col)
			}
			g.Spacing[col] = norm
			for row := 0; row < 3; row++ {
				g.Direction[row][col] = float64(srow[row][col]) / norm
			}
		}
		g.Origin = volume.Point{float64(hdr.SrowX[3]), float64(hdr.SrowY[3]), float64(hdr.SrowZ[3])}
		return g, g.Validate()
	}

	for i := 0; i < 3; i++ {
		g.Spacing[i] = float64(hdr.Pixdim[i+1])
		if g.Spacing[i] <= 0 {
			g.Spacing[i] = 1
		}
	}
	g.Origin = volume.Point{float64(hdr.QoffsetX), float64(hdr.QoffsetY), float64(hdr.QoffsetZ)}
	return g, g.Validate()
}

// Write stores a volume as a single-file NIfTI-1 image with float32 voxels,
// gzip-compressed when the path ends in .gz.
func Write(path string, v *volume.Volume) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("nifti: writing %s: %w", path, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("nifti: writing %s: %w", path, err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		defer gz.Close()
		w = gz
	}

	if err := encode(w, v); err != nil {
		return fmt.Errorf("nifti: writing %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("nifti: writing %s: %w", path, err)
		}
	}
	return f.Close()
}

func encode(w io.Writer, v *volume.Volume) error {
	hdr := header{
		SizeofHdr: 348,
		Regular:   'r',
		Datatype:  typeFloat32,
		Bitpix:    32,
		VoxOffset: 352,
		SclSlope:  1,
		XYZTUnits: 2, // millimeters
		SformCode: 1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	hdr.Dim[0] = 3
	for i := 0; i < 3; i++ {
		hdr.Dim[i+1] = int16(v.Size[i])
		hdr.Pixdim[i+1] = float32(v.Spacing[i])
	}
	for i := 4; i < 8; i++ {
		hdr.Dim[i] = 1
	}
	hdr.Pixdim[0] = 1

	srow := [3]*[4]float32{&hdr.SrowX, &hdr.SrowY, &hdr.SrowZ}
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			srow[row][col] = float32(v.Direction[row][col] * v.Spacing[col])
		}
		srow[row][3] = float32(v.Origin[row])
	}
	hdr.QoffsetX = float32(v.Origin[0])
	hdr.QoffsetY = float32(v.Origin[1])
	hdr.QoffsetZ = float32(v.Origin[2])
	copy(hdr.Descrip[:], "volreg")

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	// Four-byte extension indicator, all zero: no extensions.
	if _, err := w.Write(make([]byte, 4)); err != nil {
		return err
	}

	buf := make([]float32, len(v.Data))
	for i, x := range v.Data {
		buf[i] = float32(x)
	}
	return binary.Write(w, binary.LittleEndian, buf)
}
