package models

import (
	"math"
)

// Vector3 holds a physical (x, y, z) triple in mm
type Vector3 struct {
	X, Y, Z float64
}

// Grid describes the sampling lattice shared by every image of a segmentation run
type Grid struct {
	// Width is the number of voxels along x
	Width int

	// Height is the number of voxels along y
	Height int

	// Depth is the number of voxels along z
	Depth int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize Vector3

	// Origin is the world position of voxel (0, 0, 0) in mm
	Origin Vector3
}

// NewGrid returns a grid with unit voxel size and zero origin
func NewGrid(width, height, depth int) Grid {
	return Grid{
		Width:     width,
		Height:    height,
		Depth:     depth,
		VoxelSize: Vector3{1, 1, 1},
	}
}

// NumVoxels returns the number of voxels on the grid
func (g Grid) NumVoxels() int {
	return g.Width * g.Height * g.Depth
}

// Index converts voxel coordinates to a linear index in row-major order
func (g Grid) Index(x, y, z int) int {
	return z*g.Width*g.Height + y*g.Width + x
}

// Coords converts a linear index back to voxel coordinates
func (g Grid) Coords(i int) (x, y, z int) {
	slice := g.Width * g.Height
	z = i / slice
	i -= z * slice
	y = i / g.Width
	x = i - y*g.Width
	return x, y, z
}

// Inside reports whether the voxel coordinates lie on the grid
func (g Grid) Inside(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < g.Width && y < g.Height && z < g.Depth
}

// Clamp limits voxel coordinates to the grid, replicating border voxels
func (g Grid) Clamp(x, y, z int) (int, int, int) {
	return clampInt(x, g.Width), clampInt(y, g.Height), clampInt(z, g.Depth)
}

// ImageToWorld maps (possibly fractional) voxel coordinates to world coordinates in mm
func (g Grid) ImageToWorld(x, y, z float64) (float64, float64, float64) {
	return g.Origin.X + x*g.VoxelSize.X,
		g.Origin.Y + y*g.VoxelSize.Y,
		g.Origin.Z + z*g.VoxelSize.Z
}

// SameSize reports whether both grids hold the same number of voxels per axis
func (g Grid) SameSize(o Grid) bool {
	return g.Width == o.Width && g.Height == o.Height && g.Depth == o.Depth
}

// VoxelVolume returns the physical volume of one voxel in mm^3
func (g Grid) VoxelVolume() float64 {
	return g.VoxelSize.X * g.VoxelSize.Y * g.VoxelSize.Z
}

func clampInt(v, n int) int {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}

// Volume represents a scalar 3D image
type Volume struct {
	Grid

	// Data is the 3D volume data as a 1D array in row-major order
	Data []float64
}

// NewVolume allocates a zero-filled volume on the given grid
func NewVolume(g Grid) *Volume {
	return &Volume{Grid: g, Data: make([]float64, g.NumVoxels())}
}

// At returns the voxel value at (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set assigns the voxel value at (x, y, z)
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// Clone returns a deep copy of the volume
func (v *Volume) Clone() *Volume {
	out := &Volume{Grid: v.Grid, Data: make([]float64, len(v.Data))}
	copy(out.Data, v.Data)
	return out
}

// Fill assigns value to every voxel
func (v *Volume) Fill(value float64) {
	for i := range v.Data {
		v.Data[i] = value
	}
}

// MinMax returns the smallest and largest voxel value
func (v *Volume) MinMax() (float64, float64) {
	return v.MinMaxExcluding(math.NaN())
}

// MinMaxExcluding returns the value range ignoring voxels equal to padding.
// Both results are zero when every voxel is padding.
func (v *Volume) MinMaxExcluding(padding float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, value := range v.Data {
		if value == padding {
			continue
		}
		if value < lo {
			lo = value
		}
		if value > hi {
			hi = value
		}
	}
	if math.IsInf(lo, 1) {
		return 0, 0
	}
	return lo, hi
}

// Mask is a binary (0/1) image on a grid
type Mask struct {
	Grid

	// Data holds one byte per voxel
	Data []uint8
}

// NewMask allocates an empty mask on the given grid
func NewMask(g Grid) *Mask {
	return &Mask{Grid: g, Data: make([]uint8, g.NumVoxels())}
}

// Contains reports whether voxel i is inside the mask
func (m *Mask) Contains(i int) bool {
	return m.Data[i] != 0
}

// Count returns the number of voxels inside the mask
func (m *Mask) Count() int {
	n := 0
	for _, value := range m.Data {
		if value != 0 {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the mask
func (m *Mask) Clone() *Mask {
	out := &Mask{Grid: m.Grid, Data: make([]uint8, len(m.Data))}
	copy(out.Data, m.Data)
	return out
}

// LabelMap is an integer-labelled image such as a hard segmentation
type LabelMap struct {
	Grid

	// Data holds one label per voxel
	Data []int
}

// NewLabelMap allocates a zero-labelled image on the given grid
func NewLabelMap(g Grid) *LabelMap {
	return &LabelMap{Grid: g, Data: make([]int, g.NumVoxels())}
}

// At returns the label at (x, y, z)
func (l *LabelMap) At(x, y, z int) int {
	return l.Data[l.Index(x, y, z)]
}

// ToVolume converts the labels to a floating point volume
func (l *LabelMap) ToVolume() *Volume {
	out := NewVolume(l.Grid)
	for i, label := range l.Data {
		out.Data[i] = float64(label)
	}
	return out
}

// Neighbours6 lists the face-connected neighbour offsets
var Neighbours6 = [6][3]int{
	{-1, 0, 0}, {1, 0, 0},
	{0, -1, 0}, {0, 1, 0},
	{0, 0, -1}, {0, 0, 1},
}
