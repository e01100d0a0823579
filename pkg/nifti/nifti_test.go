package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"drawem/internal/models"
)

func testVolume() *models.Volume {
	g := models.NewGrid(4, 3, 2)
	g.VoxelSize = models.Vector3{X: 0.8, Y: 0.8, Z: 1.5}
	g.Origin = models.Vector3{X: -10, Y: 5, Z: 2.5}
	v := models.NewVolume(g)
	for i := range v.Data {
		v.Data[i] = float64(i*10) - 50.25
	}
	return v
}

func TestRoundTrip(t *testing.T) {
	for _, path := range []string{"image.nii", "image.nii.gz"} {
		t.Run(path, func(t *testing.T) {
			v := testVolume()
			file := filepath.Join(t.TempDir(), path)
			if err := WriteFile(file, v, Float32); err != nil {
				t.Fatalf("Failed to write image: %v", err)
			}
			got, err := ReadFile(file)
			if err != nil {
				t.Fatalf("Failed to read image: %v", err)
			}

			if got.Width != 4 || got.Height != 3 || got.Depth != 2 {
				t.Fatalf("Expected 4x3x2, got %dx%dx%d", got.Width, got.Height, got.Depth)
			}
			if math.Abs(got.VoxelSize.Z-1.5) > 1e-6 || math.Abs(got.VoxelSize.X-0.8) > 1e-6 {
				t.Errorf("Expected voxel size (0.8, 0.8, 1.5), got %v", got.VoxelSize)
			}
			if got.Origin != v.Origin {
				t.Errorf("Expected origin %v, got %v", v.Origin, got.Origin)
			}
			for i := range v.Data {
				if math.Abs(got.Data[i]-v.Data[i]) > 1e-4 {
					t.Fatalf("Voxel %d: expected %v, got %v", i, v.Data[i], got.Data[i])
				}
			}
		})
	}
}

func TestIntegerTypes(t *testing.T) {
	v := testVolume()
	for _, dt := range []Datatype{Int16, Int32, Float64} {
		var buf bytes.Buffer
		if err := Write(&buf, v, dt); err != nil {
			t.Fatalf("Failed to write datatype %d: %v", dt, err)
		}
		got, err := Read(&buf)
		if err != nil {
			t.Fatalf("Failed to read datatype %d: %v", dt, err)
		}
		for i := range v.Data {
			want := v.Data[i]
			if dt != Float64 {
				want = math.Round(want)
			}
			if got.Data[i] != want {
				t.Fatalf("Datatype %d voxel %d: expected %v, got %v", dt, i, want, got.Data[i])
			}
		}
	}

	t.Run("Saturation", func(t *testing.T) {
		g := models.NewGrid(2, 1, 1)
		v := models.NewVolume(g)
		v.Data[0], v.Data[1] = -20, 300
		var buf bytes.Buffer
		if err := Write(&buf, v, Uint8); err != nil {
			t.Fatalf("Failed to write image: %v", err)
		}
		got, err := Read(&buf)
		if err != nil {
			t.Fatalf("Failed to read image: %v", err)
		}
		if got.Data[0] != 0 || got.Data[1] != 255 {
			t.Errorf("Expected [0 255], got %v", got.Data)
		}
	})
}

func TestScaling(t *testing.T) {
	v := testVolume()
	var buf bytes.Buffer
	if err := Write(&buf, v, Int32); err != nil {
		t.Fatalf("Failed to write image: %v", err)
	}
	raw := buf.Bytes()
	// scl_slope at byte 112, scl_inter at byte 116
	binary.LittleEndian.PutUint32(raw[112:], math.Float32bits(2))
	binary.LittleEndian.PutUint32(raw[116:], math.Float32bits(1))

	got, err := Read(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Failed to read image: %v", err)
	}
	if want := math.Round(v.Data[3])*2 + 1; got.Data[3] != want {
		t.Errorf("Expected %v, got %v", want, got.Data[3])
	}
}

func TestReadErrors(t *testing.T) {
	t.Run("BadHeader", func(t *testing.T) {
		_, err := Read(bytes.NewReader(make([]byte, dataOffset)))
		if !errors.Is(err, ErrBadHeader) {
			t.Errorf("Expected ErrBadHeader, got %v", err)
		}
	})

	t.Run("Truncated", func(t *testing.T) {
		var buf bytes.Buffer
		if err := Write(&buf, testVolume(), Float32); err != nil {
			t.Fatalf("Failed to write image: %v", err)
		}
		raw := buf.Bytes()
		_, err := Read(bytes.NewReader(raw[:len(raw)-4]))
		if !errors.Is(err, ErrTruncated) {
			t.Errorf("Expected ErrTruncated, got %v", err)
		}
	})

	t.Run("Datatype", func(t *testing.T) {
		if err := Write(&bytes.Buffer{}, testVolume(), Datatype(128)); !errors.Is(err, ErrUnsupportedDatatype) {
			t.Errorf("Expected ErrUnsupportedDatatype, got %v", err)
		}
	})
}

func TestLabelsAndMask(t *testing.T) {
	g := models.NewGrid(3, 1, 1)
	labels := models.NewLabelMap(g)
	labels.Data = []int{0, 2, 5}
	file := filepath.Join(t.TempDir(), "labels.nii.gz")
	if err := WriteLabels(file, labels); err != nil {
		t.Fatalf("Failed to write labels: %v", err)
	}
	mask, err := ReadMask(file)
	if err != nil {
		t.Fatalf("Failed to read mask: %v", err)
	}
	if mask.Count() != 2 || mask.Contains(0) {
		t.Errorf("Expected voxels 1 and 2 in mask, got %v", mask.Data)
	}
}
