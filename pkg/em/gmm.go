package em

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"drawem/internal/models"
	"drawem/pkg/gaussian"
)

// InitialiseGMM prepares the classifier for plain mixture model estimation:
// the atlas only seeds the posteriors and drives the mask
func (e *EM) InitialiseGMM() error {
	if err := e.prepare(); err != nil {
		return err
	}
	if err := e.MStepGMM(false); err != nil {
		return fmt.Errorf("initial M-step failed: %w", err)
	}
	e.PrintGMM()
	return nil
}

// InitialiseGMMParameters spreads n class means evenly over the intensity
// range of the non-padding voxels and runs one E-step
func (e *EM) InitialiseGMMParameters(n int) error {
	if e.input == nil {
		return ErrNoInput
	}
	if n < 1 {
		return ErrNoClasses
	}

	lo, hi := e.input.MinMaxExcluding(e.padding)
	means := make([]float64, n)
	variances := make([]float64, n)
	proportions := make([]float64, n)

	step := 0.0
	if n > 1 {
		step = (hi - lo) / float64(n-1)
	}
	for k := 0; k < n; k++ {
		means[k] = lo + float64(k)*step
		variances[k] = math.Max(step*step, GMMVarianceFloor)
		proportions[k] = 1 / float64(n)
	}
	return e.SetGMMParameters(means, variances, proportions)
}

// SetGMMParameters sets the class parameters directly. Without prior maps
// uniform priors are created for the given number of classes. The
// posteriors are then computed with one E-step.
func (e *EM) SetGMMParameters(means, variances, proportions []float64) error {
	if e.input == nil {
		return ErrNoInput
	}
	n := len(means)
	if len(variances) != n || len(proportions) != n {
		return fmt.Errorf("%w: %d means, %d variances, %d proportions",
			ErrSizeMismatch, n, len(variances), len(proportions))
	}

	if len(e.classes) == 0 {
		uniform := models.NewVolume(e.input.Grid)
		uniform.Fill(1 / float64(n))
		for k := 0; k < n; k++ {
			if err := e.AddProbabilityMap(uniform); err != nil {
				return err
			}
		}
	} else if len(e.classes) != n {
		return fmt.Errorf("%w: %d parameters for %d classes", ErrSizeMismatch, n, len(e.classes))
	}

	if !e.initialised {
		if err := e.prepare(); err != nil {
			return err
		}
	}
	e.posterior = e.prior.Clone()

	for k := range e.classes {
		c := &e.classes[k]
		c.Mean = means[k]
		c.Variance = variances[k]
		c.Proportion = proportions[k]
	}
	e.PrintGMM()
	return e.EStepGMM(false)
}

// EStepGMM recomputes posteriors from the class Gaussians and mixing
// proportions only. With uniform set all proportions count as equal.
func (e *EM) EStepGMM(uniform bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	g := e.gaussians()
	priors := e.prior.Maps()
	posts := e.posterior.Maps()
	K := len(e.classes)

	ranges := e.split(e.input.NumVoxels(), true)
	anomalies := make([]int, len(ranges))
	e.run(ranges, "E-step", func(c int, r voxelRange) {
		like := make([]float64, K)
		prior := make([]float64, K)
		post := make([]float64, K)
		zero := make([]float64, K)
		for i := r.lo; i < r.hi; i++ {
			if !e.mask.Contains(i) {
				writeValues(posts, i, zero)
				continue
			}
			likelihoods(g, e.input.Data[i], like)
			for k := range post {
				prior[k] = priors[k].Get(i)
				post[k] = like[k]
				if !uniform {
					post[k] *= e.classes[k].Proportion
				}
			}
			anomalies[c] += e.posteriorAt(i, prior, post)
			writeValues(posts, i, post)
		}
	})
	e.posterior.Invalidate()
	e.logAnomalies("E-step", anomalies)
	return nil
}

// MStepGMM re-estimates class means, variances and proportions without
// super-label grouping
func (e *EM) MStepGMM(uniform bool) error {
	means, den, err := e.gmmMeans()
	if err != nil {
		return err
	}
	sig, _ := e.moments(means)
	masked := float64(e.mask.Count())

	for k := range e.classes {
		c := &e.classes[k]
		c.Mean = means[k]
		c.Variance = math.Max(sig[k]/den[k], GMMVarianceFloor)
		c.Proportion = gmmProportion(den[k], masked, len(e.classes), uniform)
	}
	return nil
}

// MStepVarGMM is MStepGMM with one variance shared by all classes
func (e *EM) MStepVarGMM(uniform bool) error {
	means, den, err := e.gmmMeans()
	if err != nil {
		return err
	}
	sig, _ := e.moments(means)
	masked := float64(e.mask.Count())

	sigSum, denSum := 0.0, 0.0
	for k := range e.classes {
		sigSum += sig[k]
		denSum += den[k]
	}

	for k := range e.classes {
		c := &e.classes[k]
		c.Mean = means[k]
		if sigSum > 0 {
			c.Variance = math.Max(sigSum/denSum, GMMVarianceFloor)
		}
		c.Proportion = gmmProportion(den[k], masked, len(e.classes), uniform)
	}
	return nil
}

func (e *EM) gmmMeans() (means, den []float64, err error) {
	if err := e.ready(); err != nil {
		return nil, nil, err
	}
	num, den := e.moments(nil)
	means = make([]float64, len(e.classes))
	for k := range e.classes {
		if den[k] <= 0 {
			return nil, nil, &EmptyClassError{Class: k}
		}
		means[k] = num[k] / den[k]
	}
	return means, den, nil
}

func gmmProportion(den, masked float64, classes int, uniform bool) float64 {
	if uniform || masked == 0 {
		return 1 / float64(classes)
	}
	return den / masked
}

// LogLikelihoodGMM computes the negative log-likelihood of the masked voxels
// under the mixture and returns its relative change
func (e *EM) LogLikelihoodGMM() (float64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	g := e.gaussians()

	ranges := e.split(e.input.NumVoxels(), false)
	partial := make([]float64, len(ranges))
	e.run(ranges, "log-likelihood", func(c int, r voxelRange) {
		sum := 0.0
		for i := r.lo; i < r.hi; i++ {
			if !e.mask.Contains(i) {
				continue
			}
			temp := e.mixture(g, e.input.Data[i])
			if temp > 0 && temp <= 1 {
				sum += math.Log(temp)
			}
		}
		partial[c] = sum
	})

	return e.relativeChange(-floats.Sum(partial)), nil
}

func (e *EM) mixture(g []gaussian.Gaussian, x float64) float64 {
	temp := 0.0
	for k := range g {
		temp += g[k].Evaluate(x) * e.classes[k].Proportion
	}
	return temp
}

// IterateGMM runs one mixture model iteration. The first iteration skips the
// E-step because the posteriors were just initialised.
func (e *EM) IterateGMM(iteration int, equalVar, uniform bool) (float64, error) {
	if iteration > 1 {
		if err := e.EStepGMM(uniform); err != nil {
			return 0, err
		}
	}
	var err error
	if equalVar {
		err = e.MStepVarGMM(uniform)
	} else {
		err = e.MStepGMM(uniform)
	}
	if err != nil {
		return 0, err
	}
	e.PrintGMM()
	return e.LogLikelihoodGMM()
}

// PointLogLikelihoodGMM returns the negative log of the mixture density at x
func (e *EM) PointLogLikelihoodGMM(x float64) (float64, error) {
	if len(e.classes) == 0 {
		return 0, ErrNoClasses
	}
	temp := e.mixture(e.gaussians(), x)
	if temp <= 0 || temp > 1 || math.IsNaN(temp) {
		return 0, fmt.Errorf("%w: %g at intensity %g", ErrProbabilityRange, temp, x)
	}
	return -math.Log(temp), nil
}
