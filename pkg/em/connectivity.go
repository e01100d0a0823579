package em

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// Adjacency values stored in a connectivity matrix
const (
	// Identical marks a class with itself
	Identical = 0

	// Adjacent marks classes that may share a boundary
	Adjacent = 1

	// Distant marks classes that should not touch
	Distant = 2
)

// Connectivity is the square class adjacency matrix used by the MRF prior
type Connectivity struct {
	m *mat.Dense
}

// NewConnectivity returns an n x n matrix of zeros
func NewConnectivity(n int) *Connectivity {
	return &Connectivity{m: mat.NewDense(n, n, nil)}
}

// NewConnectivityFrom builds a matrix from row-major values
func NewConnectivityFrom(n int, values []int) (*Connectivity, error) {
	if len(values) != n*n {
		return nil, fmt.Errorf("connectivity matrix needs %d values, got %d", n*n, len(values))
	}
	c := NewConnectivity(n)
	for i, v := range values {
		c.m.Set(i/n, i%n, float64(v))
	}
	return c, nil
}

// ReadConnectivity parses n x n whitespace separated integers
func ReadConnectivity(r io.Reader, n int) (*Connectivity, error) {
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)

	values := make([]int, 0, n*n)
	for len(values) < n*n && scanner.Scan() {
		v, err := strconv.Atoi(scanner.Text())
		if err != nil {
			return nil, fmt.Errorf("invalid connectivity entry %q: %w", scanner.Text(), err)
		}
		values = append(values, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading connectivity matrix: %w", err)
	}
	return NewConnectivityFrom(n, values)
}

// ReadConnectivityFile reads an n x n connectivity matrix from a text file
func ReadConnectivityFile(path string, n int) (*Connectivity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening connectivity matrix: %w", err)
	}
	defer f.Close()
	return ReadConnectivity(f, n)
}

// Size returns the number of rows
func (c *Connectivity) Size() int {
	if c == nil {
		return 0
	}
	r, _ := c.m.Dims()
	return r
}

// At returns entry (i, j)
func (c *Connectivity) At(i, j int) int {
	return int(c.m.At(i, j))
}

// Set assigns entry (i, j)
func (c *Connectivity) Set(i, j, v int) {
	c.m.Set(i, j, float64(v))
}

// Grow returns a copy with one extra class appended for a partial volume
// between a and b. The new class is adjacent to its parents and distant from
// every other class, and the parents become distant from each other.
func (c *Connectivity) Grow(a, b int) *Connectivity {
	n := c.Size()
	out := NewConnectivity(n + 1)
	out.m.Slice(0, n, 0, n).(*mat.Dense).Copy(c.m)

	for i := 0; i < n; i++ {
		v := Distant
		if i == a || i == b {
			v = Adjacent
		}
		out.Set(n, i, v)
		out.Set(i, n, v)
	}
	out.Set(n, n, Identical)
	out.Set(a, b, Distant)
	out.Set(b, a, Distant)
	return out
}

// Swap exchanges rows i and j and columns i and j
func (c *Connectivity) Swap(i, j int) {
	if i == j {
		return
	}
	n := c.Size()
	for k := 0; k < n; k++ {
		vi, vj := c.m.At(i, k), c.m.At(j, k)
		c.m.Set(i, k, vj)
		c.m.Set(j, k, vi)
	}
	for k := 0; k < n; k++ {
		vi, vj := c.m.At(k, i), c.m.At(k, j)
		c.m.Set(k, i, vj)
		c.m.Set(k, j, vi)
	}
}

// Clone returns a deep copy
func (c *Connectivity) Clone() *Connectivity {
	return &Connectivity{m: mat.DenseCopyOf(c.m)}
}

// String formats the matrix one row per line
func (c *Connectivity) String() string {
	return fmt.Sprintf("%v", mat.Formatted(c.m))
}
