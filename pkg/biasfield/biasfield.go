// Package biasfield models smooth intensity inhomogeneity as a parametric
// field over world coordinates, fits it by weighted least squares and removes
// it from images.
package biasfield

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Magic identifies bias field files
const Magic uint32 = 815008

// Type tags the parametric family stored in a bias field file
type Type uint32

const (
	// BSpline is a tensor B-spline field (read support only for the tag)
	BSpline Type = 1

	// Polynomial is a full 3D polynomial up to a total degree
	Polynomial Type = 2
)

// String returns the field type name
func (t Type) String() string {
	switch t {
	case BSpline:
		return "bspline"
	case Polynomial:
		return "polynomial"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

var (
	// ErrBadMagic is returned when a file does not start with Magic
	ErrBadMagic = errors.New("biasfield: file format not recognized")

	// ErrUnsupportedType is returned for field types without an implementation
	ErrUnsupportedType = errors.New("biasfield: unsupported field type")

	// ErrCorrupt is returned when the header disagrees with the payload
	ErrCorrupt = errors.New("biasfield: corrupt coefficient block")

	// ErrSingularSystem is returned when the normal equations cannot be solved
	ErrSingularSystem = errors.New("biasfield: singular normal equations")

	// ErrSampleMismatch is returned when the sample slices differ in length
	ErrSampleMismatch = errors.New("biasfield: sample arrays differ in length")
)

// Field is a smooth scalar function of world position
type Field interface {
	// WeightedLeastSquares fits the field to residual samples at world positions
	WeightedLeastSquares(x, y, z, residual, weight []float64) error

	// Bias evaluates the field at a world position
	Bias(x, y, z float64) float64

	// Type returns the file type tag of the field
	Type() Type

	// WriteTo serializes the field in the bias field file format
	WriteTo(w io.Writer) (int64, error)
}

// header is the fixed prefix of every bias field file
type header struct {
	Magic  uint32
	Type   uint32
	Degree int32
	Count  int32
}

// Read decodes a bias field from r
func Read(r io.Reader) (Field, error) {
	var h header
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return nil, fmt.Errorf("error reading bias field header: %w", err)
	}
	if h.Magic != Magic {
		return nil, fmt.Errorf("%w: magic %d", ErrBadMagic, h.Magic)
	}

	switch Type(h.Type) {
	case Polynomial:
	case BSpline:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, BSpline)
	default:
		return nil, fmt.Errorf("%w: type %d", ErrBadMagic, h.Type)
	}

	if h.Degree < 0 || int(h.Count) != NumberOfCoefficients(int(h.Degree)) {
		return nil, fmt.Errorf("%w: degree %d with %d coefficients", ErrCorrupt, h.Degree, h.Count)
	}

	coeff := make([]float64, h.Count)
	if err := binary.Read(r, binary.BigEndian, coeff); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	p := NewPolynomial(int(h.Degree))
	copy(p.coeff, coeff)
	return p, nil
}

// ReadFile reads a bias field file
func ReadFile(path string) (Field, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening bias field: %w", err)
	}
	defer f.Close()

	return Read(bufio.NewReader(f))
}

// WriteFile writes a bias field file, creating parent directories as needed
func WriteFile(path string, field Field) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating bias field directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating bias field file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := field.WriteTo(w); err != nil {
		return fmt.Errorf("error writing bias field: %w", err)
	}
	return w.Flush()
}
