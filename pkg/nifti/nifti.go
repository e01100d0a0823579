// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and .nii.gz).
// Only the first three dimensions are used; images are returned as float64
// volumes with the scaling slope and intercept applied.
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"drawem/internal/models"
)

const (
	headerSize = 348
	dataOffset = 352
)

// Datatype is the NIfTI-1 voxel type code
type Datatype int16

// Supported voxel types
const (
	Uint8   Datatype = 2
	Int16   Datatype = 4
	Int32   Datatype = 8
	Float32 Datatype = 16
	Float64 Datatype = 64
	Int8    Datatype = 256
	Uint16  Datatype = 512
)

func (d Datatype) bytes() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

var (
	// ErrBadHeader is returned when the header size field is not 348 in either byte order
	ErrBadHeader = errors.New("not a NIfTI-1 header")

	// ErrUnsupportedDatatype is returned for voxel types outside the supported set
	ErrUnsupportedDatatype = errors.New("unsupported NIfTI datatype")

	// ErrTruncated is returned when the file holds fewer voxels than the header declares
	ErrTruncated = errors.New("truncated NIfTI data")
)

// header mirrors the on-disk NIfTI-1 header
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QOffsetX      float32
	QOffsetY      float32
	QOffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Read decodes an uncompressed NIfTI-1 stream
func Read(r io.Reader) (*models.Volume, error) {
	raw := make([]byte, dataOffset)
	if _, err := io.ReadFull(r, raw[:headerSize]); err != nil {
		return nil, fmt.Errorf("error reading NIfTI header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(order.Uint32(raw[:4])) != headerSize {
		order = binary.BigEndian
		if int32(order.Uint32(raw[:4])) != headerSize {
			return nil, ErrBadHeader
		}
	}

	var h header
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &h); err != nil {
		return nil, fmt.Errorf("error decoding NIfTI header: %w", err)
	}

	dt := Datatype(h.Datatype)
	size := dt.bytes()
	if size == 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDatatype, h.Datatype)
	}

	g := gridFromHeader(&h)

	// Skip extensions up to the voxel data
	offset := int64(h.VoxOffset)
	if offset < headerSize {
		offset = dataOffset
	}
	if _, err := io.CopyN(io.Discard, r, offset-headerSize); err != nil {
		return nil, fmt.Errorf("error skipping NIfTI extensions: %w", err)
	}

	n := g.NumVoxels()
	data := make([]byte, n*size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope == 0 {
		slope, inter = 1, 0
	}

	v := models.NewVolume(g)
	for i := range v.Data {
		v.Data[i] = decode(data[i*size:(i+1)*size], dt, order)*slope + inter
	}
	return v, nil
}

func gridFromHeader(h *header) models.Grid {
	dims := [3]int{1, 1, 1}
	for d := 0; d < 3; d++ {
		if int(h.Dim[0]) > d && h.Dim[d+1] > 0 {
			dims[d] = int(h.Dim[d+1])
		}
	}
	g := models.NewGrid(dims[0], dims[1], dims[2])

	spacing := [3]float64{1, 1, 1}
	for d := 0; d < 3; d++ {
		if p := math.Abs(float64(h.Pixdim[d+1])); p > 0 {
			spacing[d] = p
		}
	}
	g.VoxelSize = models.Vector3{X: spacing[0], Y: spacing[1], Z: spacing[2]}

	switch {
	case h.SformCode > 0:
		g.Origin = models.Vector3{X: float64(h.SrowX[3]), Y: float64(h.SrowY[3]), Z: float64(h.SrowZ[3])}
	case h.QformCode > 0:
		g.Origin = models.Vector3{X: float64(h.QOffsetX), Y: float64(h.QOffsetY), Z: float64(h.QOffsetZ)}
	}
	return g
}

func decode(b []byte, dt Datatype, order binary.ByteOrder) float64 {
	switch dt {
	case Uint8:
		return float64(b[0])
	case Int8:
		return float64(int8(b[0]))
	case Int16:
		return float64(int16(order.Uint16(b)))
	case Uint16:
		return float64(order.Uint16(b))
	case Int32:
		return float64(int32(order.Uint32(b)))
	case Float32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case Float64:
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}

// Write encodes v as a little-endian NIfTI-1 stream with the given voxel type.
// Values are rounded for integer types and saturate at the type range.
func Write(w io.Writer, v *models.Volume, dt Datatype) error {
	size := dt.bytes()
	if size == 0 {
		return fmt.Errorf("%w: %d", ErrUnsupportedDatatype, dt)
	}

	g := v.Grid
	h := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  int16(dt),
		Bitpix:    int16(size * 8),
		VoxOffset: dataOffset,
		SclSlope:  1,
		XYZTUnits: 2, // mm
		QformCode: 1,
		SformCode: 1,
		QOffsetX:  float32(g.Origin.X),
		QOffsetY:  float32(g.Origin.Y),
		QOffsetZ:  float32(g.Origin.Z),
		SrowX:     [4]float32{float32(g.VoxelSize.X), 0, 0, float32(g.Origin.X)},
		SrowY:     [4]float32{0, float32(g.VoxelSize.Y), 0, float32(g.Origin.Y)},
		SrowZ:     [4]float32{0, 0, float32(g.VoxelSize.Z), float32(g.Origin.Z)},
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, int16(g.Width), int16(g.Height), int16(g.Depth), 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, float32(g.VoxelSize.X), float32(g.VoxelSize.Y), float32(g.VoxelSize.Z), 0, 0, 0, 0}

	lo, hi := v.MinMax()
	h.CalMin, h.CalMax = float32(lo), float32(hi)

	buf := new(bytes.Buffer)
	buf.Grow(dataOffset + len(v.Data)*size)
	if err := binary.Write(buf, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("error encoding NIfTI header: %w", err)
	}
	buf.Write([]byte{0, 0, 0, 0})

	b := make([]byte, size)
	for _, x := range v.Data {
		encode(b, x, dt)
		buf.Write(b)
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("error writing NIfTI data: %w", err)
	}
	return nil
}

func encode(b []byte, x float64, dt Datatype) {
	le := binary.LittleEndian
	switch dt {
	case Uint8:
		b[0] = uint8(saturate(x, 0, math.MaxUint8))
	case Int8:
		b[0] = byte(int8(saturate(x, math.MinInt8, math.MaxInt8)))
	case Int16:
		le.PutUint16(b, uint16(int16(saturate(x, math.MinInt16, math.MaxInt16))))
	case Uint16:
		le.PutUint16(b, uint16(saturate(x, 0, math.MaxUint16)))
	case Int32:
		le.PutUint32(b, uint32(int32(saturate(x, math.MinInt32, math.MaxInt32))))
	case Float32:
		le.PutUint32(b, math.Float32bits(float32(x)))
	case Float64:
		le.PutUint64(b, math.Float64bits(x))
	}
}

func saturate(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, math.Round(x)))
}

func compressed(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

// ReadFile loads a volume, decompressing .gz files
func ReadFile(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening image: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if compressed(path) {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("error opening compressed image %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	v, err := Read(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// WriteFile saves a volume, compressing when the path ends in .gz
func WriteFile(path string, v *models.Volume, dt Datatype) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating image: %w", err)
	}

	var w io.Writer = f
	var zw *gzip.Writer
	if compressed(path) {
		zw = gzip.NewWriter(f)
		w = zw
	}

	if err := Write(w, v, dt); err != nil {
		f.Close()
		return err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			f.Close()
			return fmt.Errorf("error compressing image: %w", err)
		}
	}
	return f.Close()
}

// WriteLabels saves a label map as 16-bit integers
func WriteLabels(path string, labels *models.LabelMap) error {
	return WriteFile(path, labels.ToVolume(), Int16)
}

// ReadMask loads an image and marks every positive voxel
func ReadMask(path string) (*models.Mask, error) {
	v, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := models.NewMask(v.Grid)
	for i, x := range v.Data {
		if x > 0 {
			m.Data[i] = 1
		}
	}
	return m, nil
}
