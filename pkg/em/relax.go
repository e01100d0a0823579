package em

import (
	"github.com/sirupsen/logrus"

	"drawem/internal/models"
	"drawem/pkg/filters"
)

const (
	// RStepDefault is the relaxation factor used by the driver by default
	RStepDefault = 0.5

	// RelaxationSigma is the blur applied to posteriors in RStep, in mm
	RelaxationSigma = 2.0
)

// RStep relaxes the priors towards the smoothed posteriors: each prior
// becomes (1-rf)*blur(posterior) + rf*prior, combined through the adjacent
// entries of the connectivity matrix and renormalized. Voxels with no mass
// receive the uniform prior 1/K.
func (d *DrawEM) RStep(rf float64) error {
	if err := d.ready(); err != nil {
		return err
	}
	K := len(d.classes)

	blurred := make([]*models.Volume, K)
	for k := range blurred {
		img, err := d.posterior.Image(k)
		if err != nil {
			return err
		}
		blurred[k] = filters.GaussianBlur(img, RelaxationSigma)
	}

	var near [][]bool
	if d.mrfEnabled() {
		near = make([][]bool, K)
		for k := range near {
			near[k] = make([]bool, K)
			for j := range near[k] {
				near[k][j] = d.conn.At(k, j) <= Adjacent
			}
		}
	}

	priors := d.prior.Maps()
	ranges := d.split(d.input.NumVoxels(), true)
	empty := make([]int, len(ranges))
	d.run(ranges, "relaxation", func(c int, r voxelRange) {
		values := make([]float64, K)
		num := make([]float64, K)
		for i := r.lo; i < r.hi; i++ {
			if !d.mask.Contains(i) {
				continue
			}
			for k := range values {
				values[k] = (1-rf)*blurred[k].Data[i] + rf*priors[k].Get(i)
			}

			den := 0.0
			for k := range num {
				num[k] = values[k]
				if near != nil {
					num[k] = 0
					for j := range values {
						if near[k][j] {
							num[k] += values[k] * values[j]
						}
					}
				}
				den += num[k]
			}

			if den <= 0 {
				empty[c]++
				x, y, z := d.input.Coords(i)
				d.logger.WithFields(logrus.Fields{
					"x": x, "y": y, "z": z,
				}).Debug("Division by 0 while computing relaxed prior probabilities")
				for _, m := range priors {
					m.Set(i, 1/float64(K))
				}
				continue
			}
			for k, m := range priors {
				m.Set(i, num[k]/den)
			}
		}
	})
	d.prior.Invalidate()

	total := 0
	for _, n := range empty {
		total += n
	}
	if total > 0 {
		d.logger.WithField("voxels", total).Warn("Relaxed priors reset to uniform")
	}
	d.logger.WithField("factor", rf).Info("Relaxed priors")
	return nil
}
