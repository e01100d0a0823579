package gaussian

import (
	"math"
	"testing"
)

// TestEvaluate checks the density against the closed form
func TestEvaluate(t *testing.T) {
	g := New(10, 4)

	for _, x := range []float64{10, 8, 13.5, -2} {
		expected := math.Exp(-(x-10)*(x-10)/8) / math.Sqrt(2*math.Pi*4)
		got := g.Evaluate(x)
		if math.Abs(got-expected) > 1e-12 {
			t.Errorf("Expected density %g at %g, got %g", expected, x, got)
		}
	}
}

// TestSymmetry checks the density is symmetric around the mean and peaks there
func TestSymmetry(t *testing.T) {
	g := New(-3, 0.25)

	left := g.Evaluate(-3.4)
	right := g.Evaluate(-2.6)
	if math.Abs(left-right) > 1e-12 {
		t.Errorf("Expected symmetric density, got %g and %g", left, right)
	}

	if math.Abs(g.Evaluate(-3)-g.Norm()) > 1e-12 {
		t.Errorf("Expected peak %g, got %g", g.Norm(), g.Evaluate(-3))
	}

	if math.Abs(g.LogEvaluate(-2.6)-math.Log(right)) > 1e-12 {
		t.Errorf("Expected log density %g, got %g", math.Log(right), g.LogEvaluate(-2.6))
	}
}

// TestInitialise checks parameters can be reset in place
func TestInitialise(t *testing.T) {
	var g Gaussian
	g.Initialise(1, 9)

	if g.Mean() != 1 || g.Variance() != 9 {
		t.Errorf("Expected (1, 9), got (%g, %g)", g.Mean(), g.Variance())
	}
}
