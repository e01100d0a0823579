// Package gaussian provides the univariate normal density used for tissue
// intensity models.
package gaussian

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// Gaussian is a univariate normal distribution parameterised by mean and variance
type Gaussian struct {
	mean     float64
	variance float64
	dist     distuv.Normal
}

// New returns a Gaussian with the given mean and variance (sigma squared)
func New(mean, variance float64) Gaussian {
	var g Gaussian
	g.Initialise(mean, variance)
	return g
}

// Initialise resets the distribution parameters
func (g *Gaussian) Initialise(mean, variance float64) {
	g.mean = mean
	g.variance = variance
	g.dist = distuv.Normal{Mu: mean, Sigma: math.Sqrt(variance)}
}

// Evaluate returns exp(-(x-mean)^2 / (2 variance)) / sqrt(2 pi variance)
func (g Gaussian) Evaluate(x float64) float64 {
	return g.dist.Prob(x)
}

// LogEvaluate returns the natural log of Evaluate
func (g Gaussian) LogEvaluate(x float64) float64 {
	return g.dist.LogProb(x)
}

// Norm returns the density peak 1/sqrt(2 pi variance)
func (g Gaussian) Norm() float64 {
	return 1 / math.Sqrt(2*math.Pi*g.variance)
}

// Mean returns the distribution mean
func (g Gaussian) Mean() float64 { return g.mean }

// Variance returns the distribution variance
func (g Gaussian) Variance() float64 { return g.variance }
