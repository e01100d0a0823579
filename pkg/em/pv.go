package em

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"drawem/internal/models"
)

// AddPartialVolumeClass synthesizes a class for voxels mixing classes a and
// b, with the given coarse tissue group. The new class is placed after the
// existing classes, before the background when there is one, and its index
// is returned. Priors and posteriors are recomputed so that every masked
// voxel sums to 1 over the enlarged class set.
func (d *DrawEM) AddPartialVolumeClass(a, b int, tissue Tissue) (int, error) {
	if err := d.ready(); err != nil {
		return -1, err
	}
	if err := d.checkClass(a); err != nil {
		return -1, err
	}
	if err := d.checkClass(b); err != nil {
		return -1, err
	}

	ma, mb := d.classes[a].Mean, d.classes[b].Mean
	gamma, n := 0.0, 0
	for i, x := range d.input.Data {
		if !d.mask.Contains(i) {
			continue
		}
		fc := (ma - x) / (ma - mb)
		if fc >= 0 && fc <= 1 {
			gamma += fc
			n++
		}
	}
	if n == 0 {
		return -1, fmt.Errorf("%w: classes %d and %d", ErrNoMixelVoxels, a, b)
	}
	gamma /= float64(n)

	K := len(d.classes)
	posts := d.posterior.Maps()

	// New per-voxel values for all K+1 classes, computed before any state
	// changes. Column K holds the partial volume class.
	pv := models.NewVolume(d.input.Grid)
	values := make([][]float64, K)
	for k := range values {
		values[k] = make([]float64, d.input.NumVoxels())
	}
	for i := range pv.Data {
		if !d.mask.Contains(i) {
			continue
		}
		w := 0.0
		if p := posts[a].Get(i) * posts[b].Get(i); p > 0 {
			w = math.Sqrt(p) / 0.5
		}
		total := w
		for _, m := range posts {
			total += m.Get(i)
		}
		if total <= 0 {
			x, y, z := d.input.Coords(i)
			return -1, fmt.Errorf("%w at voxel %d,%d,%d", ErrZeroProbability, x, y, z)
		}
		pv.Data[i] = w / total
		for k, m := range posts {
			values[k][i] = m.Get(i) / total
		}
	}

	pos := K
	if d.hasBackground() {
		pos = K - 1
	}

	var conn *Connectivity
	if d.mrfEnabled() {
		conn = d.conn.Grow(a, b)
		if pos != K {
			conn.Swap(pos, K)
		}
	}

	parentA, parentB := a, b
	if parentA >= pos {
		parentA++
	}
	if parentB >= pos {
		parentB++
	}
	class := Class{
		Mean:     (1-gamma)*ma + gamma*mb,
		Variance: (1-gamma)*(1-gamma)*d.classes[a].Variance + gamma*gamma*d.classes[b].Variance,
		Tissue:   tissue,
		Super:    d.nextSuper(),
		PV:       &PartialVolume{A: parentA, B: parentB, Gamma: gamma},
	}

	if err := d.insert(pos, class, pv, pv, conn); err != nil {
		return -1, err
	}

	// Priors and posteriors both take the renormalized values
	priors := d.prior.Maps()
	posts = d.posterior.Maps()
	for i := range pv.Data {
		if !d.mask.Contains(i) {
			for _, m := range posts {
				m.Set(i, 0)
			}
			continue
		}
		for k := 0; k < K; k++ {
			idx := k
			if k >= pos {
				idx++
			}
			priors[idx].Set(i, values[k][i])
			posts[idx].Set(i, values[k][i])
		}
	}
	d.prior.Invalidate()
	d.posterior.Invalidate()

	d.logger.WithFields(logrus.Fields{
		"class":   pos,
		"parents": fmt.Sprintf("%d,%d", a, b),
		"gamma":   gamma,
		"mean":    class.Mean,
		"tissue":  tissue,
	}).Info("Added partial volume class")
	return pos, nil
}
