package em

import (
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"drawem/pkg/atlas"
	"drawem/pkg/gaussian"
)

// gaussians builds one density per class from the current parameters
func (e *EM) gaussians() []gaussian.Gaussian {
	g := make([]gaussian.Gaussian, len(e.classes))
	for k, c := range e.classes {
		g[k] = gaussian.New(c.Mean, c.Variance)
	}
	return g
}

// likelihoods fills like with the class densities at x scaled by a common
// factor, so that only their ratios are meaningful
func likelihoods(g []gaussian.Gaussian, x float64, like []float64) {
	best := math.Inf(-1)
	for k := range g {
		like[k] = g[k].LogEvaluate(x)
		if like[k] > best {
			best = like[k]
		}
	}
	if math.IsInf(best, -1) || math.IsNaN(best) {
		for k := range like {
			like[k] = 0
		}
		return
	}
	for k := range like {
		like[k] = math.Exp(like[k] - best)
	}
}

// posteriorAt turns the per-class numerators in post into probabilities at
// voxel i, falling back to the priors when all mass vanished. It returns the
// number of anomalies found.
func (e *EM) posteriorAt(i int, prior, post []float64) int {
	den := 0.0
	for _, v := range post {
		den += v
	}

	if den > 0 && e.postPenalty != nil {
		pp := e.postPenalty.Data[i]
		blended := 0.0
		for k := range post {
			post[k] = (1-pp)*post[k]/den + pp*prior[k]
			blended += post[k]
		}
		den = blended
	}

	if den <= 0 || math.IsNaN(den) {
		copy(post, prior)
		x, y, z := e.input.Coords(i)
		e.logger.WithFields(logrus.Fields{
			"x": x, "y": y, "z": z,
		}).Warn("Division by 0 while computing probabilities, using prior")
		return 1
	}

	anomalies := 0
	for k := range post {
		v := post[k] / den
		if v < 0 || v > 1 {
			anomalies++
			v = math.Max(0, math.Min(1, v))
		}
		post[k] = v
	}
	return anomalies
}

// writeValues stores src into the maps at voxel i
func writeValues(maps []atlas.Storage, i int, src []float64) {
	for k, m := range maps {
		m.Set(i, src[k])
	}
}

// EStep recomputes the posteriors from the class Gaussians and the priors
func (e *EM) EStep() error {
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
				post[k] = like[k] * prior[k]
			}
			anomalies[c] += e.posteriorAt(i, prior, post)
			writeValues(posts, i, post)
		}
	})
	e.posterior.Invalidate()
	e.logAnomalies("E-step", anomalies)
	return nil
}

func (e *EM) logAnomalies(step string, anomalies []int) {
	total := 0
	for _, a := range anomalies {
		total += a
	}
	if total > 0 {
		e.logger.WithFields(logrus.Fields{
			"step":   step,
			"voxels": total,
		}).Warn("Probabilities out of range were corrected")
	}
}

// moments accumulates per-class sums over masked voxels. With mean set it
// accumulates the posterior-weighted squared deviation, otherwise the
// posterior-weighted intensity. den always receives the posterior mass.
func (e *EM) moments(mean []float64) (num, den []float64) {
	K := len(e.classes)
	posts := e.posterior.Maps()

	ranges := e.split(e.input.NumVoxels(), false)
	nums := make([][]float64, len(ranges))
	dens := make([][]float64, len(ranges))
	e.run(ranges, "M-step", func(c int, r voxelRange) {
		n := make([]float64, K)
		d := make([]float64, K)
		for i := r.lo; i < r.hi; i++ {
			if !e.mask.Contains(i) {
				continue
			}
			x := e.input.Data[i]
			for k, m := range posts {
				p := m.Get(i)
				if mean != nil {
					dx := x - mean[k]
					n[k] += p * dx * dx
				} else {
					n[k] += p * x
				}
				d[k] += p
			}
		}
		nums[c], dens[c] = n, d
	})

	// Sum in range order so results do not depend on scheduling
	num = make([]float64, K)
	den = make([]float64, K)
	for c := range ranges {
		floats.Add(num, nums[c])
		floats.Add(den, dens[c])
	}
	return num, den
}

// groupSums adds up per-class sums over classes sharing a super-label
func (e *EM) groupSums(values []float64) []float64 {
	totals := make(map[int]float64)
	for k, c := range e.classes {
		totals[c.Super] += values[k]
	}
	out := make([]float64, len(values))
	for k, c := range e.classes {
		out[k] = totals[c.Super]
	}
	return out
}

// MStep re-estimates class means, variances and proportions from the
// posteriors. Classes sharing a super-label get joint estimates.
func (e *EM) MStep() error {
	if err := e.ready(); err != nil {
		return err
	}
	num, den := e.moments(nil)
	masked := float64(e.mask.Count())

	gNum, gDen := e.groupSums(num), e.groupSums(den)
	means := make([]float64, len(e.classes))
	for k := range e.classes {
		if gDen[k] <= 0 {
			return &EmptyClassError{Class: k}
		}
		means[k] = gNum[k] / gDen[k]
	}

	sig, _ := e.moments(means)
	gSig := e.groupSums(sig)
	for k := range e.classes {
		c := &e.classes[k]
		c.Mean = means[k]
		c.Variance = math.Max(gSig[k]/gDen[k], VarianceFloor)
		if masked > 0 {
			c.Proportion = den[k] / masked
		}
	}
	return nil
}

// WStep computes the precision weighted intensity estimate and its weights
func (e *EM) WStep() error {
	if err := e.ready(); err != nil {
		return err
	}
	posts := e.posterior.Maps()

	ranges := e.split(e.input.NumVoxels(), false)
	e.run(ranges, "W-step", func(_ int, r voxelRange) {
		for i := r.lo; i < r.hi; i++ {
			e.estimate.Data[i] = e.padding
			e.weights.Data[i] = e.padding
			if !e.mask.Contains(i) {
				continue
			}
			num, den := 0.0, 0.0
			for k, m := range posts {
				p := m.Get(i)
				num += p * e.classes[k].Mean / e.classes[k].Variance
				den += p / e.classes[k].Variance
			}
			if den > 0 {
				e.estimate.Data[i] = num / den
				e.weights.Data[i] = den
			}
		}
	})
	return nil
}

// LogLikelihood computes the negative log-likelihood of the masked voxels
// under the posterior weighted mixture and returns its relative change.
// The first call returns 1.
func (e *EM) LogLikelihood() (float64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	g := e.gaussians()
	posts := e.posterior.Maps()

	ranges := e.split(e.input.NumVoxels(), false)
	partial := make([]float64, len(ranges))
	e.run(ranges, "log-likelihood", func(c int, r voxelRange) {
		sum := 0.0
		for i := r.lo; i < r.hi; i++ {
			if !e.mask.Contains(i) {
				continue
			}
			x := e.input.Data[i]
			temp := 0.0
			for k, m := range posts {
				gv := math.Min(g[k].Evaluate(x), 1)
				temp += gv * m.Get(i)
			}
			if temp > 0 && temp <= 1 {
				sum += math.Log(temp)
			}
		}
		partial[c] = sum
	})

	return e.relativeChange(-floats.Sum(partial)), nil
}

// relativeChange stores f and returns its relative decrease
func (e *EM) relativeChange(f float64) float64 {
	prev, first := e.f, !e.fSet
	e.f, e.fSet = f, true

	rel := 1.0
	switch {
	case first:
	case prev == 0 && f == 0:
		rel = 0
	case prev == 0:
	default:
		rel = (prev - f) / math.Abs(prev)
	}

	e.logger.WithFields(logrus.Fields{
		"loglikelihood": f,
		"diff":          prev - f,
		"rel":           rel,
	}).Info("Log likelihood")
	return rel
}

// Iterate runs one E-step, M-step and log-likelihood evaluation and returns
// the relative change of the log-likelihood
func (e *EM) Iterate(iteration int) (float64, error) {
	e.logger.WithField("iteration", iteration).Debug("EM iteration")
	if err := e.EStep(); err != nil {
		return 0, err
	}
	if err := e.MStep(); err != nil {
		return 0, err
	}
	e.Print()
	return e.LogLikelihood()
}

// UniformPrior replaces the priors of masked voxels with 1/K
func (e *EM) UniformPrior() error {
	if err := e.ready(); err != nil {
		return err
	}
	u := 1 / float64(len(e.classes))
	maps := e.prior.Maps()
	for i := 0; i < e.input.NumVoxels(); i++ {
		if !e.mask.Contains(i) {
			continue
		}
		for _, m := range maps {
			m.Set(i, u)
		}
	}
	e.prior.Invalidate()
	return nil
}
