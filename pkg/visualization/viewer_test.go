package visualization

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"testing"

	"drawem/internal/models"
)

// zRamp returns a volume whose value is the slice index along z, with the
// first voxel set to padding
func zRamp(width, height, depth int) *models.Volume {
	v := models.NewVolume(models.NewGrid(width, height, depth))
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v.Set(x, y, z, float64(z))
			}
		}
	}
	v.Data[0] = -1000
	return v
}

// TestExtractSlice verifies that slices are windowed and oriented correctly
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 5
	viewer := NewViewer(zRamp(width, height, depth), -1000)

	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}

		bounds := img.Bounds()
		if bounds.Dx() != width || bounds.Dy() != height {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d",
				width, height, bounds.Dx(), bounds.Dy())
		}

		gray, ok := img.(*image.Gray16)
		if !ok {
			t.Fatalf("Expected *image.Gray16, got %T", img)
		}
		expected := uint16(float64(z) / float64(depth-1) * 65535)
		got := gray.Gray16At(width/2, height/2).Y
		if diff := int(got) - int(expected); diff > 1 || diff < -1 {
			t.Errorf("Expected Z slice value ~%d at center, got %d", expected, got)
		}
	}

	// Padding falls below the window
	img, _ := viewer.ExtractSlice("z", 0)
	if got := img.(*image.Gray16).Gray16At(0, 0).Y; got != 0 {
		t.Errorf("Expected padding voxel to be black, got %d", got)
	}

	imgX, err := viewer.ExtractSlice("x", width/2)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if b := imgX.Bounds(); b.Dx() != depth || b.Dy() != height {
		t.Errorf("Expected X slice dimensions %dx%d, got %dx%d", depth, height, b.Dx(), b.Dy())
	}

	imgY, err := viewer.ExtractSlice("y", height/2)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if b := imgY.Bounds(); b.Dx() != width || b.Dy() != depth {
		t.Errorf("Expected Y slice dimensions %dx%d, got %dx%d", width, depth, b.Dx(), b.Dy())
	}

	if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err := viewer.ExtractSlice("z", depth+1); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
	if _, err := viewer.ExtractSlice("z", -1); err == nil {
		t.Error("Expected error for negative position, got nil")
	}
}

func TestLabelViewer(t *testing.T) {
	labels := models.NewLabelMap(models.NewGrid(4, 1, 1))
	labels.Data = []int{0, 1, 2, 4}
	viewer := NewLabelViewer(labels)

	img, err := viewer.ExtractSlice("z", 0)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}
	gray := img.(*image.Gray16)
	if got := gray.Gray16At(0, 0).Y; got != 0 {
		t.Errorf("Expected background to be black, got %d", got)
	}
	if got := gray.Gray16At(3, 0).Y; got != 65535 {
		t.Errorf("Expected largest label to be white, got %d", got)
	}

	// A flat window maps everything to black
	viewer.SetWindow(1, 1)
	img, _ = viewer.ExtractSlice("z", 0)
	if got := img.(*image.Gray16).Gray16At(3, 0).Y; got != 0 {
		t.Errorf("Expected black for an empty window, got %d", got)
	}
}

// TestSaveSliceSequence verifies that a sequence of slices can be saved
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	tempDir := t.TempDir()
	width, height, depth := 5, 5, 3
	viewer := NewViewer(zRamp(width, height, depth), -1000)

	outputDir := filepath.Join(tempDir, "slices")
	if err := viewer.SaveSliceSequence("z", "corrected", outputDir); err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}
	for z := 0; z < depth; z++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("corrected_z_%03d.jpg", z))
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Expected slice file does not exist: %s", filename)
		}
	}

	if err := viewer.SaveSliceSequence("invalid", "corrected", outputDir); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}

	paths, err := viewer.SaveMidSlices("mid", outputDir)
	if err != nil {
		t.Fatalf("Failed to save mid slices: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("Expected 3 mid slices, got %d", len(paths))
	}
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			t.Errorf("Saved file does not exist: %s", p)
		}
	}
}

// TestPhysicalSlice verifies that anisotropic slices are stretched to
// physical proportions and that label slices keep their grey levels
func TestPhysicalSlice(t *testing.T) {
	g := models.NewGrid(6, 4, 3)
	g.VoxelSize = models.Vector3{X: 1, Y: 1, Z: 2}

	labels := models.NewLabelMap(g)
	for i := range labels.Data {
		x, _, _ := g.Coords(i)
		if x >= 3 {
			labels.Data[i] = 2
		}
	}
	viewer := NewLabelViewer(labels)

	tests := []struct {
		axis          string
		width, height int
	}{
		{"z", 6, 4},
		{"x", 6, 4},
		{"y", 6, 6},
	}
	for _, tt := range tests {
		t.Run(tt.axis, func(t *testing.T) {
			img, err := viewer.PhysicalSlice(tt.axis, 1)
			if err != nil {
				t.Fatalf("PhysicalSlice failed: %v", err)
			}
			b := img.Bounds()
			if b.Dx() != tt.width || b.Dy() != tt.height {
				t.Errorf("Expected %dx%d, got %dx%d", tt.width, tt.height, b.Dx(), b.Dy())
			}
			for y := b.Min.Y; y < b.Max.Y; y++ {
				for x := b.Min.X; x < b.Max.X; x++ {
					r, _, _, _ := img.At(x, y).RGBA()
					if r != 0 && r != 65535 {
						t.Fatalf("Expected label grey levels only, got %d at (%d, %d)", r, x, y)
					}
				}
			}
		})
	}

	if _, err := viewer.PhysicalSlice("z", 5); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
}
