package atlas

import (
	"errors"
	"math"
	"testing"

	"drawem/internal/models"
)

// createTestVolume builds a volume on a 3x2x2 grid from a per-voxel function
func createTestVolume(fn func(i int) float64) *models.Volume {
	v := models.NewVolume(models.NewGrid(3, 2, 2))
	for i := range v.Data {
		v.Data[i] = fn(i)
	}
	return v
}

func forEachKind(t *testing.T, fn func(t *testing.T, kind Kind)) {
	for _, kind := range []Kind{Dense, Sparse} {
		t.Run(kind.String(), func(t *testing.T) {
			fn(t, kind)
		})
	}
}

// TestAddImageSizeMismatch verifies that images must share the atlas grid
func TestAddImageSizeMismatch(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind Kind) {
		a := New(kind)
		if err := a.AddImage(createTestVolume(func(int) float64 { return 1 })); err != nil {
			t.Fatalf("Failed to add first image: %v", err)
		}

		other := models.NewVolume(models.NewGrid(2, 2, 2))
		err := a.AddImage(other)
		if !errors.Is(err, ErrSizeMismatch) {
			t.Errorf("Expected ErrSizeMismatch, got %v", err)
		}
		if a.NumberOfMaps() != 1 {
			t.Errorf("Expected 1 map after failed add, got %d", a.NumberOfMaps())
		}
	})
}

// TestNormalizeAtlas verifies clamping, per-voxel sums and the zero-sum rule
func TestNormalizeAtlas(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind Kind) {
		a := New(kind)
		a.AddImage(createTestVolume(func(i int) float64 { return float64(i) }))
		a.AddImage(createTestVolume(func(i int) float64 {
			if i == 0 {
				return 0
			}
			return -1 + float64(i%3)
		}))

		if err := a.NormalizeAtlas(); err != nil {
			t.Fatalf("NormalizeAtlas failed: %v", err)
		}

		for i := 0; i < a.NumberOfVoxels(); i++ {
			for k := 0; k < 2; k++ {
				if a.Value(k, i) < 0 {
					t.Errorf("Expected non-negative value at voxel %d class %d, got %f", i, k, a.Value(k, i))
				}
			}
			sum := a.Sum(i)
			if i == 0 {
				if sum != 0 {
					t.Errorf("Expected zero sum at voxel 0 without background, got %f", sum)
				}
				continue
			}
			if math.Abs(sum-1) > 1e-12 {
				t.Errorf("Expected sum 1 at voxel %d, got %f", i, sum)
			}
		}
	})
}

// TestNormalizeWithBackground verifies the background wins voxels with no mass
func TestNormalizeWithBackground(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind Kind) {
		a := New(kind)
		a.AddImage(createTestVolume(func(i int) float64 {
			if i < 4 {
				return 0
			}
			return 0.8
		}))
		if err := a.AddBackground(); err != nil {
			t.Fatalf("AddBackground failed: %v", err)
		}

		// Force an all-zero voxel
		a.SetValue(1, 2, 0)
		if err := a.NormalizeAtlas(); err != nil {
			t.Fatalf("NormalizeAtlas failed: %v", err)
		}

		if a.Value(1, 2) != 1 || a.Value(0, 2) != 0 {
			t.Errorf("Expected background 1 at empty voxel, got (%f, %f)", a.Value(0, 2), a.Value(1, 2))
		}
		for i := 0; i < a.NumberOfVoxels(); i++ {
			if math.Abs(a.Sum(i)-1) > 1e-12 {
				t.Errorf("Expected sum 1 at voxel %d, got %f", i, a.Sum(i))
			}
		}
	})
}

// TestAddBackground verifies the synthesized complement and the once-only rule
func TestAddBackground(t *testing.T) {
	a := New(Dense)
	if err := a.AddBackground(); !errors.Is(err, ErrNoMaps) {
		t.Errorf("Expected ErrNoMaps on empty atlas, got %v", err)
	}

	a.AddImage(createTestVolume(func(i int) float64 { return float64(i%2) * 0.5 }))
	a.AddImage(createTestVolume(func(i int) float64 { return float64(i%2) * 0.5 }))
	if err := a.AddBackground(); err != nil {
		t.Fatalf("AddBackground failed: %v", err)
	}

	if !a.HasBackground() || a.NumberOfMaps() != 3 {
		t.Fatalf("Expected 3 maps with background, got %d (background=%v)", a.NumberOfMaps(), a.HasBackground())
	}

	// Existing maps are left untouched
	if a.Value(0, 1) != 0.5 {
		t.Errorf("Expected class 0 unchanged at 0.5, got %f", a.Value(0, 1))
	}

	for i := 0; i < a.NumberOfVoxels(); i++ {
		expected := 1.0
		if i%2 == 1 {
			expected = 0
		}
		if a.Value(2, i) != expected {
			t.Errorf("Expected background %f at voxel %d, got %f", expected, i, a.Value(2, i))
		}
	}

	if err := a.AddBackground(); !errors.Is(err, ErrBackgroundExists) {
		t.Errorf("Expected ErrBackgroundExists, got %v", err)
	}

	// New maps are placed before the background
	a.AddImage(createTestVolume(func(int) float64 { return 0.25 }))
	if a.Value(2, 0) != 0.25 || a.Value(3, 0) != 1 {
		t.Errorf("Expected new map before background, got (%f, %f)", a.Value(2, 0), a.Value(3, 0))
	}
}

// TestHardSegmentation verifies argmax, tie breaking and unset voxels
func TestHardSegmentation(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind Kind) {
		a := New(kind)
		a.AddImage(createTestVolume(func(i int) float64 {
			if i == 5 {
				return 0
			}
			return 0.5
		}))
		a.AddImage(createTestVolume(func(i int) float64 {
			switch {
			case i == 5:
				return 0
			case i < 3:
				return 0.7
			default:
				return 0.5
			}
		}))

		seg := a.ComputeHardSegmentation()
		for i, label := range seg {
			expected := 0
			switch {
			case i == 5:
				expected = -1
			case i < 3:
				expected = 1
			}
			if label != expected {
				t.Errorf("Expected label %d at voxel %d, got %d", expected, i, label)
			}
		}

		mask := models.NewMask(a.Grid())
		if err := a.ExtractLabel(1, mask); err != nil {
			t.Fatalf("ExtractLabel failed: %v", err)
		}
		if mask.Count() != 3 {
			t.Errorf("Expected 3 voxels with label 1, got %d", mask.Count())
		}

		// Mutations invalidate the cached segmentation
		a.SetValue(1, 4, 0.9)
		if a.ComputeHardSegmentation()[4] != 1 {
			t.Error("Expected voxel 4 to switch to label 1 after update")
		}
	})
}

// TestCursor verifies First/Next traversal visits every voxel in order
func TestCursor(t *testing.T) {
	a := New(Sparse)
	a.AddImage(createTestVolume(func(i int) float64 { return float64(i) }))

	count := 0
	for a.First(); !a.Done(); a.Next() {
		if a.Get(0) != float64(a.Voxel()) {
			t.Errorf("Expected value %d under cursor, got %f", a.Voxel(), a.Get(0))
		}
		a.Put(0, 1)
		count++
	}

	if count != a.NumberOfVoxels() {
		t.Errorf("Expected %d visited voxels, got %d", a.NumberOfVoxels(), count)
	}
	if a.ValueAt(0, 2, 1, 1) != 1 {
		t.Errorf("Expected value 1 after cursor writes, got %f", a.ValueAt(0, 2, 1, 1))
	}
}

// TestSwapAndImage verifies class reordering and volume extraction
func TestSwapAndImage(t *testing.T) {
	a := New(Dense)
	a.AddImage(createTestVolume(func(int) float64 { return 0.1 }))
	a.AddImage(createTestVolume(func(int) float64 { return 0.9 }))

	if err := a.SwapMaps(0, 1); err != nil {
		t.Fatalf("SwapMaps failed: %v", err)
	}
	img, err := a.Image(0)
	if err != nil {
		t.Fatalf("Image failed: %v", err)
	}
	if img.Data[3] != 0.9 {
		t.Errorf("Expected 0.9 after swap, got %f", img.Data[3])
	}

	if _, err := a.Image(2); !errors.Is(err, ErrNoSuchMap) {
		t.Errorf("Expected ErrNoSuchMap, got %v", err)
	}
	if err := a.SwapMaps(0, 5); !errors.Is(err, ErrNoSuchMap) {
		t.Errorf("Expected ErrNoSuchMap, got %v", err)
	}
}

// TestSparseStorage verifies zero values are not stored
func TestSparseStorage(t *testing.T) {
	s := NewSparseStorage(10)
	s.Set(3, 0.5)
	s.Set(4, 0)
	s.Set(3, 0)
	s.Set(7, 0.2)

	if s.NonZero() != 1 {
		t.Errorf("Expected 1 stored entry, got %d", s.NonZero())
	}

	c := s.Clone()
	s.Set(7, 0)
	if c.Get(7) != 0.2 {
		t.Errorf("Expected clone to keep 0.2, got %f", c.Get(7))
	}
}
