package atlas

// Kind selects the per-class storage used by an Atlas
type Kind int

const (
	// Dense stores every voxel of every class
	Dense Kind = iota

	// Sparse stores only the non-zero voxels of every class
	Sparse
)

// String returns the storage kind name
func (k Kind) String() string {
	switch k {
	case Dense:
		return "dense"
	case Sparse:
		return "sparse"
	default:
		return "unknown"
	}
}

// Storage holds one probability value per voxel of a single class
type Storage interface {
	// Get returns the value of voxel i
	Get(i int) float64

	// Set assigns the value of voxel i
	Set(i int, v float64)

	// Len returns the number of voxels addressed by the storage
	Len() int

	// Clone returns an independent copy
	Clone() Storage
}

func newStorage(kind Kind, n int) Storage {
	if kind == Sparse {
		return NewSparseStorage(n)
	}
	return NewDenseStorage(n)
}

// DenseStorage keeps values in a flat slice
type DenseStorage struct {
	data []float64
}

// NewDenseStorage allocates a zero-filled dense storage of n voxels
func NewDenseStorage(n int) *DenseStorage {
	return &DenseStorage{data: make([]float64, n)}
}

func (s *DenseStorage) Get(i int) float64    { return s.data[i] }
func (s *DenseStorage) Set(i int, v float64) { s.data[i] = v }
func (s *DenseStorage) Len() int             { return len(s.data) }

func (s *DenseStorage) Clone() Storage {
	out := &DenseStorage{data: make([]float64, len(s.data))}
	copy(out.data, s.data)
	return out
}

// SparseStorage keeps non-zero values in a map keyed by voxel index
type SparseStorage struct {
	n      int
	values map[int]float64
}

// NewSparseStorage allocates an all-zero sparse storage of n voxels
func NewSparseStorage(n int) *SparseStorage {
	return &SparseStorage{n: n, values: make(map[int]float64)}
}

func (s *SparseStorage) Get(i int) float64 { return s.values[i] }

func (s *SparseStorage) Set(i int, v float64) {
	if v == 0 {
		delete(s.values, i)
		return
	}
	s.values[i] = v
}

func (s *SparseStorage) Len() int { return s.n }

func (s *SparseStorage) Clone() Storage {
	out := &SparseStorage{n: s.n, values: make(map[int]float64, len(s.values))}
	for i, v := range s.values {
		out.values[i] = v
	}
	return out
}

// NonZero returns the number of stored entries
func (s *SparseStorage) NonZero() int { return len(s.values) }
