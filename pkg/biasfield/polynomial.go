package biasfield

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/mat"
)

// decimation keeps every n-th sample when fitting
const decimation = 3

// NumberOfCoefficients returns the number of monomials x^a y^b z^c with a+b+c <= degree
func NumberOfCoefficients(degree int) int {
	if degree < 0 {
		return 0
	}
	return (degree + 1) * (degree + 2) * (degree + 3) / 6
}

// PolynomialField is a 3D polynomial bias field of bounded total degree.
//
// Coefficients are ordered by x power, then y power, then z power, each
// ascending from zero, so coefficient 0 is the constant term.
type PolynomialField struct {
	degree int
	coeff  []float64
}

// NewPolynomial creates a zero polynomial field of the given total degree
func NewPolynomial(degree int) *PolynomialField {
	return &PolynomialField{
		degree: degree,
		coeff:  make([]float64, NumberOfCoefficients(degree)),
	}
}

// Degree returns the total degree
func (p *PolynomialField) Degree() int { return p.degree }

// Type returns Polynomial
func (p *PolynomialField) Type() Type { return Polynomial }

// Coefficients returns a copy of the coefficients
func (p *PolynomialField) Coefficients() []float64 {
	out := make([]float64, len(p.coeff))
	copy(out, p.coeff)
	return out
}

// SetCoefficients replaces the coefficients
func (p *PolynomialField) SetCoefficients(coeff []float64) error {
	if len(coeff) != len(p.coeff) {
		return fmt.Errorf("%w: expected %d coefficients, got %d", ErrCorrupt, len(p.coeff), len(coeff))
	}
	copy(p.coeff, coeff)
	return nil
}

// basis fills dst with the monomials evaluated at (x, y, z)
func (p *PolynomialField) basis(x, y, z float64, dst []float64) {
	c := 0
	curX := 1.0
	for xd := 0; xd <= p.degree; xd++ {
		curY := 1.0
		for yd := 0; yd <= p.degree-xd; yd++ {
			tmp := curX * curY
			for zd := 0; zd <= p.degree-xd-yd; zd++ {
				dst[c] = tmp
				c++
				tmp *= z
			}
			curY *= y
		}
		curX *= x
	}
}

// Bias evaluates the polynomial at a world position
func (p *PolynomialField) Bias(x, y, z float64) float64 {
	res := 0.0
	n := 0
	curX := 1.0
	for xd := 0; xd <= p.degree; xd++ {
		curY := 1.0
		for yd := 0; yd <= p.degree-xd; yd++ {
			tmp := curX * curY
			for zd := 0; zd <= p.degree-xd-yd; zd++ {
				res += tmp * p.coeff[n]
				n++
				tmp *= z
			}
			curY *= y
		}
		curX *= x
	}
	return res
}

// WeightedLeastSquares fits the coefficients to every third sample by solving
// the normal equations (A^T W A) c = A^T W b
func (p *PolynomialField) WeightedLeastSquares(x, y, z, residual, weight []float64) error {
	n := len(x)
	if len(y) != n || len(z) != n || len(residual) != n || len(weight) != n {
		return ErrSampleMismatch
	}

	nc := len(p.coeff)
	no := n / decimation

	// Only the upper triangle is accumulated
	ata := make([]float64, nc*nc)
	atb := make([]float64, nc)
	basis := make([]float64, nc)

	for rr := 0; rr < no; rr++ {
		r := rr * decimation
		w := weight[r]
		p.basis(x[r], y[r], z[r], basis)

		for j := 0; j < nc; j++ {
			bw := basis[j] * w
			row := ata[j*nc:]
			for i := j; i < nc; i++ {
				row[i] += bw * basis[i]
			}
			atb[j] += bw * residual[r]
		}
	}

	coeff, err := solveNormalEquations(ata, atb, nc)
	if err != nil {
		return fmt.Errorf("polynomial degree %d with %d samples: %w", p.degree, no, err)
	}
	copy(p.coeff, coeff)
	return nil
}

// solveNormalEquations solves the symmetric system given by the upper triangle
// of an n x n matrix. The system is equilibrated by its diagonal, factorized by
// Cholesky and solved by LU when the factorization fails.
func solveNormalEquations(upper, rhs []float64, n int) ([]float64, error) {
	scale := make([]float64, n)
	for i := 0; i < n; i++ {
		d := upper[i*n+i]
		if d <= 0 || math.IsNaN(d) {
			return nil, fmt.Errorf("%w: zero diagonal at %d", ErrSingularSystem, i)
		}
		scale[i] = 1 / math.Sqrt(d)
	}

	a := mat.NewSymDense(n, nil)
	b := mat.NewVecDense(n, nil)
	for j := 0; j < n; j++ {
		for i := j; i < n; i++ {
			a.SetSym(j, i, upper[j*n+i]*scale[i]*scale[j])
		}
		b.SetVec(j, rhs[j]*scale[j])
	}

	var sol mat.VecDense
	var chol mat.Cholesky
	if ok := chol.Factorize(a); ok {
		if err := chol.SolveVecTo(&sol, b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSingularSystem, err)
		}
	} else {
		// Fall back to a general solve
		dense := mat.NewDense(n, n, nil)
		dense.Copy(a)
		if err := sol.SolveVec(dense, b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSingularSystem, err)
		}
	}

	out := make([]float64, n)
	for i := range out {
		out[i] = sol.AtVec(i) * scale[i]
	}
	return out, nil
}

// WriteTo serializes the field as a big-endian bias field file
func (p *PolynomialField) WriteTo(w io.Writer) (int64, error) {
	h := header{
		Magic:  Magic,
		Type:   uint32(Polynomial),
		Degree: int32(p.degree),
		Count:  int32(len(p.coeff)),
	}
	if err := binary.Write(w, binary.BigEndian, h); err != nil {
		return 0, err
	}
	if err := binary.Write(w, binary.BigEndian, p.coeff); err != nil {
		return 16, err
	}
	return int64(16 + 8*len(p.coeff)), nil
}
