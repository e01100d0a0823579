package em

import (
	"drawem/internal/models"
	"drawem/pkg/atlas"
	"drawem/pkg/filters"
)

// tissueValues holds per-group probability sums indexed by Tissue
type tissueValues [TissueWM + 1]float64

// ConstructSegmentationHui labels each masked voxel with the coarse tissue
// group of its most probable class. Background and unmasked voxels are 0.
func (d *DrawEM) ConstructSegmentationHui() (*models.LabelMap, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	labels := models.NewLabelMap(d.input.Grid)
	posts := d.posterior.Maps()
	background := -1
	if d.hasBackground() {
		background = len(d.classes) - 1
	}

	for i := range labels.Data {
		if !d.mask.Contains(i) {
			continue
		}
		best, top := -1, 0.0
		for k, m := range posts {
			if v := m.Get(i); v > top {
				best, top = k, v
			}
		}
		if best >= 0 && best != background {
			labels.Data[i] = int(d.classes[best].Tissue)
		}
	}
	return labels, nil
}

// HuiPVCorrection moves probability mass between coarse tissue groups where
// the hard segmentation is anatomically implausible: CSF pockets enclosed by
// WM become WM, small WM islands become CSF, and WM or GM voxels bordering
// CSF or outliers lose mass to them. Each move keeps a fraction lambda of the
// original mass, 0.5 normally and 0 with changePosterior. Priors and
// posteriors are renormalized afterwards.
func (d *DrawEM) HuiPVCorrection(changePosterior bool) error {
	if err := d.ready(); err != nil {
		return err
	}
	labelled := false
	for _, c := range d.classes {
		if c.Tissue != TissueNone {
			labelled = true
			break
		}
	}
	if !labelled {
		return ErrNoTissueLabels
	}

	lambda := 0.5
	if changePosterior {
		lambda = 0
	}

	seg, err := d.ConstructSegmentationHui()
	if err != nil {
		return err
	}
	g := d.input.Grid
	wm := filters.ConnectedComponents(tissueMask(seg, TissueWM), filters.Face)
	csf := filters.ConnectedComponents(tissueMask(seg, TissueCSF), filters.Face)

	csfNeighboursWM := make([]int, csf.Count())
	csfNeighbours := make([]int, csf.Count())
	for i := range seg.Data {
		c := csf.Labels.Data[i] - 1
		if c <= 0 {
			continue
		}
		x, y, z := g.Coords(i)
		for _, o := range models.Neighbours6 {
			nx, ny, nz := g.Clamp(x+o[0], y+o[1], z+o[2])
			switch Tissue(seg.Data[g.Index(nx, ny, nz)]) {
			case TissueWM:
				csfNeighboursWM[c]++
			case TissueCSF:
				csfNeighbours[c]--
			}
		}
		csfNeighbours[c] += 6
	}

	priors := d.prior.Maps()
	posts := d.posterior.Maps()
	moved := 0

	for i := range seg.Data {
		a := d.tissueSums(priors, i)
		p := d.tissueSums(posts, i)
		changed := false

		// CSF components mostly bordered by WM
		if c := csf.Labels.Data[i] - 1; c > 0 && csfNeighboursWM[c] >= csfNeighbours[c]/2 {
			for _, v := range []*tissueValues{&a, &p} {
				v[TissueWM] += (1 - lambda) * v[TissueCSF]
				v[TissueCSF] *= lambda
			}
			changed = true
		}

		// WM components smaller than half the largest one
		if c := wm.Labels.Data[i] - 1; c > 0 && float64(wm.Sizes[c]) < 0.5*float64(wm.Sizes[0]) {
			for _, v := range []*tissueValues{&a, &p} {
				v[TissueCSF] += (1 - lambda) * (v[TissueWM] + v[TissueGM])
				v[TissueWM] *= lambda
				v[TissueGM] *= lambda
			}
			changed = true
		}

		if changed {
			d.setTissueSums(priors, i, a)
			d.setTissueSums(posts, i, p)
			moved++
		}
	}
	d.prior.Invalidate()
	d.posterior.Invalidate()

	if seg, err = d.ConstructSegmentationHui(); err != nil {
		return err
	}

	for i, label := range seg.Data {
		t := Tissue(label)
		if !d.mask.Contains(i) || (t != TissueWM && t != TissueGM) {
			continue
		}

		var ncsf, ngm, nout int
		x, y, z := g.Coords(i)
		for _, o := range models.Neighbours6 {
			nx, ny, nz := g.Clamp(x+o[0], y+o[1], z+o[2])
			n := g.Index(nx, ny, nz)
			switch Tissue(seg.Data[n]) {
			case TissueCSF:
				ncsf++
			case TissueGM:
				ngm++
			}
			if Tissue(seg.Data[n]) == TissueOutlier || !d.mask.Contains(n) {
				nout++
			}
		}

		a := d.tissueSums(priors, i)
		p := d.tissueSums(posts, i)
		changed := false

		if t == TissueWM {
			if a[TissueWM] == 0 {
				a[TissueWM] = 0.1
			}
			switch {
			case nout > 0 && ncsf > 0:
				// WM touching outliers and CSF becomes CSF
				for _, v := range []*tissueValues{&a, &p} {
					v[TissueCSF] += (1 - lambda) * (v[TissueWM] + v[TissueGM])
					v[TissueWM] *= lambda
					v[TissueGM] *= lambda
				}
				changed = true
			case (ncsf > 0 || nout > 0) && ngm > 0:
				// WM touching GM and CSF or outliers is split between GM and CSF
				for _, v := range []*tissueValues{&a, &p} {
					sum := v[TissueGM] + v[TissueCSF]
					fgm, fcsf := 0.5, 0.5
					if sum != 0 {
						fgm, fcsf = v[TissueGM]/sum, v[TissueCSF]/sum
					}
					v[TissueGM] += (1 - lambda) * v[TissueWM] * fgm
					v[TissueCSF] += (1 - lambda) * v[TissueWM] * fcsf
					v[TissueWM] *= lambda
				}
				changed = true
			}
		} else if nout > 0 {
			if a[TissueGM] == 0 {
				a[TissueGM] = 0.1
			}
			target := TissueNone
			switch {
			case ncsf > 0:
				// GM touching outliers and CSF becomes CSF
				target = TissueCSF
			case ngm == 0:
				// isolated GM touching outliers becomes outlier
				target = TissueOutlier
			}
			if target != TissueNone {
				for _, v := range []*tissueValues{&a, &p} {
					v[target] += (1 - lambda) * (v[TissueWM] + v[TissueGM])
					v[TissueWM] *= lambda
					v[TissueGM] *= lambda
				}
				changed = true
			}
		}

		if changed {
			d.setTissueSums(priors, i, a)
			d.setTissueSums(posts, i, p)
			moved++
		}
	}

	normalizeVoxels(priors, d.mask)
	normalizeVoxels(posts, d.mask)
	d.prior.Invalidate()
	d.posterior.Invalidate()

	d.logger.WithField("voxels", moved).Info("Hui partial volume correction")
	return nil
}

func tissueMask(seg *models.LabelMap, t Tissue) *models.Mask {
	m := models.NewMask(seg.Grid)
	for i, l := range seg.Data {
		if Tissue(l) == t {
			m.Data[i] = 1
		}
	}
	return m
}

// tissueSums adds up the class values of each tissue group at voxel i
func (d *DrawEM) tissueSums(maps []atlas.Storage, i int) tissueValues {
	var v tissueValues
	for k, c := range d.classes {
		if c.Tissue != TissueNone {
			v[c.Tissue] += maps[k].Get(i)
		}
	}
	return v
}

// setTissueSums scales the classes of each group so that they add up to the
// new group value, keeping their relative sizes. Groups with no mass are
// split evenly.
func (d *DrawEM) setTissueSums(maps []atlas.Storage, i int, values tissueValues) {
	old := d.tissueSums(maps, i)
	var count [TissueWM + 1]int
	for _, c := range d.classes {
		if c.Tissue != TissueNone {
			count[c.Tissue]++
		}
	}

	// Read every value before writing any
	current := make([]float64, len(d.classes))
	for k := range d.classes {
		current[k] = maps[k].Get(i)
	}
	for k, c := range d.classes {
		t := c.Tissue
		if t == TissueNone {
			continue
		}
		part := 1 / float64(count[t])
		if old[t] != 0 {
			part = current[k] / old[t]
		}
		maps[k].Set(i, part*values[t])
	}
}

// normalizeVoxels rescales the class values of every masked voxel to sum 1
func normalizeVoxels(maps []atlas.Storage, mask *models.Mask) {
	for i := range mask.Data {
		if !mask.Contains(i) {
			continue
		}
		sum := 0.0
		for _, m := range maps {
			sum += m.Get(i)
		}
		if sum <= 0 {
			continue
		}
		for _, m := range maps {
			m.Set(i, m.Get(i)/sum)
		}
	}
}
