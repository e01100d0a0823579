// Package atlas implements an ordered collection of per-tissue probability
// maps sharing one voxel grid.
package atlas

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"drawem/internal/models"
)

var (
	// ErrSizeMismatch is returned when an image does not match the atlas grid
	ErrSizeMismatch = errors.New("atlas: image size does not match atlas")

	// ErrNoMaps is returned by operations that need at least one probability map
	ErrNoMaps = errors.New("atlas: no probability maps found")

	// ErrBackgroundExists is returned when a background class is added twice
	ErrBackgroundExists = errors.New("atlas: background already added")

	// ErrNoSuchMap is returned for class indices out of range
	ErrNoSuchMap = errors.New("atlas: no such probability map")
)

// Atlas is an ordered set of K probability maps.
// When a background class exists it is always the last map.
type Atlas struct {
	kind          Kind
	grid          models.Grid
	maps          []Storage
	hasBackground bool

	// segmentation caches the hard labels, nil when stale
	segmentation []int

	// cursor is the voxel visited by First/Next
	cursor int

	logger logrus.FieldLogger
}

// New creates an empty atlas using the given storage kind
func New(kind Kind) *Atlas {
	return &Atlas{
		kind:   kind,
		logger: logrus.StandardLogger(),
	}
}

// SetLogger replaces the logger used for diagnostics
func (a *Atlas) SetLogger(logger logrus.FieldLogger) {
	a.logger = logger
}

// Kind returns the storage kind
func (a *Atlas) Kind() Kind { return a.kind }

// Grid returns the grid fixed by the first added image
func (a *Atlas) Grid() models.Grid { return a.grid }

// NumberOfMaps returns K
func (a *Atlas) NumberOfMaps() int { return len(a.maps) }

// NumberOfVoxels returns the number of voxels per map
func (a *Atlas) NumberOfVoxels() int { return a.grid.NumVoxels() }

// HasBackground reports whether the last map is a synthesized background class
func (a *Atlas) HasBackground() bool { return a.hasBackground }

// ConcurrentWrites reports whether distinct voxels may be written from
// several goroutines at once
func (a *Atlas) ConcurrentWrites() bool { return a.kind == Dense }

// AddImage appends a probability map. The first image fixes the grid.
// When a background class exists the new map is placed just before it.
func (a *Atlas) AddImage(v *models.Volume) error {
	pos := len(a.maps)
	if a.hasBackground {
		pos--
	}
	return a.InsertImage(pos, v)
}

// InsertImage places a probability map at class index pos
func (a *Atlas) InsertImage(pos int, v *models.Volume) error {
	if len(a.maps) == 0 {
		a.grid = v.Grid
	} else if !a.grid.SameSize(v.Grid) {
		return fmt.Errorf("%w: %dx%dx%d vs %dx%dx%d", ErrSizeMismatch,
			v.Width, v.Height, v.Depth, a.grid.Width, a.grid.Height, a.grid.Depth)
	}
	if pos < 0 || pos > len(a.maps) {
		return fmt.Errorf("%w: insert position %d", ErrNoSuchMap, pos)
	}

	s := newStorage(a.kind, a.grid.NumVoxels())
	for i, value := range v.Data {
		if value != 0 {
			s.Set(i, value)
		}
	}

	a.maps = append(a.maps, nil)
	copy(a.maps[pos+1:], a.maps[pos:])
	a.maps[pos] = s
	a.segmentation = nil
	return nil
}

// AddProbabilityMaps appends several maps in order
func (a *Atlas) AddProbabilityMaps(images []*models.Volume) error {
	for k, img := range images {
		if err := a.AddImage(img); err != nil {
			return fmt.Errorf("probability map %d: %w", k, err)
		}
	}
	return nil
}

// Value returns the probability of class k at voxel i
func (a *Atlas) Value(k, i int) float64 {
	return a.maps[k].Get(i)
}

// SetValue assigns the probability of class k at voxel i
func (a *Atlas) SetValue(k, i int, v float64) {
	a.maps[k].Set(i, v)
	a.segmentation = nil
}

// ValueAt returns the probability of class k at voxel (x, y, z)
func (a *Atlas) ValueAt(k, x, y, z int) float64 {
	return a.maps[k].Get(a.grid.Index(x, y, z))
}

// Values gathers all class probabilities at voxel i into dst
func (a *Atlas) Values(i int, dst []float64) []float64 {
	if cap(dst) < len(a.maps) {
		dst = make([]float64, len(a.maps))
	}
	dst = dst[:len(a.maps)]
	for k, m := range a.maps {
		dst[k] = m.Get(i)
	}
	return dst
}

// SetValues scatters src into the class probabilities at voxel i
func (a *Atlas) SetValues(i int, src []float64) {
	for k, m := range a.maps {
		m.Set(i, src[k])
	}
	a.segmentation = nil
}

// Sum returns the cross-class sum at voxel i
func (a *Atlas) Sum(i int) float64 {
	sum := 0.0
	for _, m := range a.maps {
		sum += m.Get(i)
	}
	return sum
}

// First moves the cursor to voxel 0
func (a *Atlas) First() { a.cursor = 0 }

// Next advances the cursor by one voxel
func (a *Atlas) Next() { a.cursor++ }

// Done reports whether the cursor moved past the last voxel
func (a *Atlas) Done() bool { return a.cursor >= a.grid.NumVoxels() }

// Voxel returns the linear index under the cursor
func (a *Atlas) Voxel() int { return a.cursor }

// Get returns the probability of class k under the cursor
func (a *Atlas) Get(k int) float64 { return a.maps[k].Get(a.cursor) }

// Put assigns the probability of class k under the cursor
func (a *Atlas) Put(k int, v float64) {
	a.maps[k].Set(a.cursor, v)
	a.segmentation = nil
}

// NormalizeAtlas clamps negative values to zero and divides every class by the
// per-voxel sum. Voxels with zero sum become all zero, except the background
// class which is set to 1.
func (a *Atlas) NormalizeAtlas() error {
	k := len(a.maps)
	if k == 0 {
		return ErrNoMaps
	}

	values := make([]float64, k)
	for i := 0; i < a.grid.NumVoxels(); i++ {
		for j, m := range a.maps {
			values[j] = max(m.Get(i), 0)
		}

		if sum := floats.Sum(values); sum != 0 {
			floats.Scale(1/sum, values)
			for j, m := range a.maps {
				m.Set(i, values[j])
			}
			continue
		}

		for j, m := range a.maps {
			m.Set(i, 0)
			if a.hasBackground && j == k-1 {
				m.Set(i, 1)
			}
		}
	}
	a.segmentation = nil
	return nil
}

// AddBackground synthesizes a background class as the complement of the
// summed class field rescaled to [0, 1] by its observed range
func (a *Atlas) AddBackground() error {
	if len(a.maps) == 0 {
		return ErrNoMaps
	}
	if a.hasBackground {
		return ErrBackgroundExists
	}

	n := a.grid.NumVoxels()
	sum := make([]float64, n)
	for _, m := range a.maps {
		for i := 0; i < n; i++ {
			sum[i] += m.Get(i)
		}
	}

	lo, hi := sum[0], sum[0]
	for _, v := range sum {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	background := newStorage(a.kind, n)
	for i, v := range sum {
		norm := 0.0
		switch {
		case hi > lo:
			norm = (v - lo) / (hi - lo)
		case v != 0:
			norm = 1
		}

		value := 1 - norm
		if value < 0 {
			value = 0
		}
		if value > 1 {
			value = 1
		}
		background.Set(i, value)
	}

	a.maps = append(a.maps, background)
	a.hasBackground = true
	a.segmentation = nil

	a.logger.WithFields(logrus.Fields{
		"min": lo,
		"max": hi,
	}).Debug("Added background probability map")
	return nil
}

// SwapMaps exchanges the maps of classes i and j
func (a *Atlas) SwapMaps(i, j int) error {
	if i < 0 || j < 0 || i >= len(a.maps) || j >= len(a.maps) {
		return fmt.Errorf("%w: swap %d and %d of %d", ErrNoSuchMap, i, j, len(a.maps))
	}
	a.maps[i], a.maps[j] = a.maps[j], a.maps[i]
	a.segmentation = nil
	return nil
}

// Image returns a copy of the map of class k as a volume
func (a *Atlas) Image(k int) (*models.Volume, error) {
	if k < 0 || k >= len(a.maps) {
		return nil, fmt.Errorf("%w: %d of %d", ErrNoSuchMap, k, len(a.maps))
	}
	out := models.NewVolume(a.grid)
	m := a.maps[k]
	for i := range out.Data {
		out.Data[i] = m.Get(i)
	}
	return out, nil
}

// ComputeHardSegmentation returns the per-voxel argmax over classes. Ties go to
// the lowest index and voxels with no positive class are labelled -1.
func (a *Atlas) ComputeHardSegmentation() []int {
	if a.segmentation != nil {
		return a.segmentation
	}

	seg := make([]int, a.grid.NumVoxels())
	for i := range seg {
		label, best := -1, 0.0
		for k, m := range a.maps {
			if v := m.Get(i); v > best {
				label, best = k, v
			}
		}
		seg[i] = label
	}
	a.segmentation = seg
	return seg
}

// ExtractLabel writes into dst a binary mask of voxels whose hard label is label
func (a *Atlas) ExtractLabel(label int, dst *models.Mask) error {
	if !a.grid.SameSize(dst.Grid) {
		return ErrSizeMismatch
	}
	seg := a.ComputeHardSegmentation()
	for i, l := range seg {
		if l == label {
			dst.Data[i] = 1
		} else {
			dst.Data[i] = 0
		}
	}
	return nil
}

// Clone returns an independent copy of the atlas
func (a *Atlas) Clone() *Atlas {
	out := &Atlas{
		kind:          a.kind,
		grid:          a.grid,
		maps:          make([]Storage, len(a.maps)),
		hasBackground: a.hasBackground,
		logger:        a.logger,
	}
	for k, m := range a.maps {
		out.maps[k] = m.Clone()
	}
	return out
}

// NewEmpty returns an atlas with the same grid, class count and background
// flag, holding all-zero maps
func (a *Atlas) NewEmpty() *Atlas {
	out := &Atlas{
		kind:          a.kind,
		grid:          a.grid,
		maps:          make([]Storage, len(a.maps)),
		hasBackground: a.hasBackground,
		logger:        a.logger,
	}
	for k := range a.maps {
		out.maps[k] = newStorage(a.kind, a.grid.NumVoxels())
	}
	return out
}

// SetHasBackground marks whether the last map is a background class
func (a *Atlas) SetHasBackground(b bool) {
	a.hasBackground = b
}

// Maps returns the per-class storages. Writes through them bypass the hard
// segmentation cache, so callers must call Invalidate afterwards.
func (a *Atlas) Maps() []Storage {
	out := make([]Storage, len(a.maps))
	copy(out, a.maps)
	return out
}

// Invalidate drops the cached hard segmentation
func (a *Atlas) Invalidate() {
	a.segmentation = nil
}
