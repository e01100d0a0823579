// Package visualization exports quality control slices of volumes and
// segmentations as JPEG images.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/nfnt/resize"

	"drawem/internal/models"
)

// Viewer extracts 2D slices from a volume, mapping the intensity window
// [low, high] onto the full grey range
type Viewer struct {
	volume *models.Volume

	low  float64
	high float64

	// labels selects nearest neighbour resampling
	labels bool
}

// NewViewer creates a viewer windowed on the volume range, ignoring padding voxels
func NewViewer(volume *models.Volume, padding float64) *Viewer {
	low, high := volume.MinMaxExcluding(padding)
	return &Viewer{volume: volume, low: low, high: high}
}

// NewLabelViewer creates a viewer for a hard segmentation. Label 0 is black
// and the largest label is white.
func NewLabelViewer(labels *models.LabelMap) *Viewer {
	v := labels.ToVolume()
	_, high := v.MinMax()
	return &Viewer{volume: v, low: 0, high: high, labels: true}
}

// SetWindow overrides the intensity window
func (v *Viewer) SetWindow(low, high float64) {
	v.low, v.high = low, high
}

func (v *Viewer) grey(value float64) color.Gray16 {
	if v.high <= v.low {
		return color.Gray16{}
	}
	scaled := (value - v.low) / (v.high - v.low)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, scaled*65535)))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	g := v.volume.Grid
	var img *image.Gray16

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= g.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, g.Width)
		}
		img = image.NewGray16(image.Rect(0, 0, g.Depth, g.Height))
		for y := 0; y < g.Height; y++ {
			for z := 0; z < g.Depth; z++ {
				img.SetGray16(z, y, v.grey(v.volume.At(position, y, z)))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= g.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, g.Height)
		}
		img = image.NewGray16(image.Rect(0, 0, g.Width, g.Depth))
		for z := 0; z < g.Depth; z++ {
			for x := 0; x < g.Width; x++ {
				img.SetGray16(x, z, v.grey(v.volume.At(x, position, z)))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= g.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, g.Depth)
		}
		img = image.NewGray16(image.Rect(0, 0, g.Width, g.Height))
		for y := 0; y < g.Height; y++ {
			for x := 0; x < g.Width; x++ {
				img.SetGray16(x, y, v.grey(v.volume.At(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// PhysicalSlice extracts a slice and rescales it so that every pixel covers
// a square area, using the finer of the two in-plane voxel spacings
func (v *Viewer) PhysicalSlice(axis string, position int) (image.Image, error) {
	img, err := v.ExtractSlice(axis, position)
	if err != nil {
		return nil, err
	}

	size := v.volume.VoxelSize
	var du, dv float64
	switch strings.ToLower(axis) {
	case "x":
		du, dv = size.Z, size.Y
	case "y":
		du, dv = size.X, size.Z
	default:
		du, dv = size.X, size.Y
	}
	if du == dv || du <= 0 || dv <= 0 {
		return img, nil
	}

	step := math.Min(du, dv)
	b := img.Bounds()
	w := uint(math.Round(float64(b.Dx()) * du / step))
	h := uint(math.Round(float64(b.Dy()) * dv / step))

	interp := resize.Bilinear
	if v.labels {
		interp = resize.NearestNeighbor
	}
	return resize.Resize(w, h, img, interp), nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the specified axis,
// naming the files <prefix>_<axis>_<position>.jpg
func (v *Viewer) SaveSliceSequence(axis, prefix, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.volume.Width
	case "y", "Y":
		maxPos = v.volume.Height
	case "z", "Z":
		maxPos = v.volume.Depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%03d.jpg", prefix, axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// SaveMidSlices saves the central slice along each axis in physical
// proportions as <prefix>_<axis>.jpg and returns the written paths
func (v *Viewer) SaveMidSlices(prefix, outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	g := v.volume.Grid
	mid := map[string]int{"x": g.Width / 2, "y": g.Height / 2, "z": g.Depth / 2}
	var paths []string
	for _, axis := range []string{"x", "y", "z"} {
		img, err := v.PhysicalSlice(axis, mid[axis])
		if err != nil {
			return paths, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.jpg", prefix, axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return paths, err
		}
		paths = append(paths, filename)
	}
	return paths, nil
}
