package em

import (
	"math"

	"drawem/pkg/atlas"
)

// mrfWeight maps a connectivity entry to its energy weight
func mrfWeight(conn int) float64 {
	switch conn {
	case Identical:
		return 0
	case Distant:
		return 5
	default:
		return float64(conn)
	}
}

// mrfEnergy returns the neighbourhood prior factor of class t at voxel i.
// Neighbour posteriors are read from post, which is not written during the
// pass.
func (d *DrawEM) mrfEnergy(post []atlas.Storage, weights [][]float64, i, t int) float64 {
	if d.bigNN {
		return d.mrfEnergy26(post, weights, i, t)
	}

	g := d.input.Grid
	sx, sy, sz := 1/g.VoxelSize.X, 1/g.VoxelSize.Y, 1/g.VoxelSize.Z
	x, y, z := g.Coords(i)
	lx, ly, lz := g.Clamp(x-1, y-1, z-1)
	rx, ry, rz := g.Clamp(x+1, y+1, z+1)

	energy := 0.0
	for k, m := range post {
		w := weights[k][t]
		if w == 0 {
			continue
		}
		temp := sx * (m.Get(g.Index(rx, y, z)) + m.Get(g.Index(lx, y, z)))
		temp += sy * (m.Get(g.Index(x, ry, z)) + m.Get(g.Index(x, ly, z)))
		temp += sz * (m.Get(g.Index(x, y, rz)) + m.Get(g.Index(x, y, lz)))
		energy += temp * w
	}
	return math.Exp(-d.mrfStrength * d.beta * energy)
}

// mrfEnergy26 is mrfEnergy over the 26-neighbourhood with inverse distance
// weights
func (d *DrawEM) mrfEnergy26(post []atlas.Storage, weights [][]float64, i, t int) float64 {
	g := d.input.Grid
	x, y, z := g.Coords(i)
	lx, ly, lz := g.Clamp(x-1, y-1, z-1)
	rx, ry, rz := g.Clamp(x+1, y+1, z+1)

	var dist [3][3][3]float64
	for cx := lx; cx <= rx; cx++ {
		for cy := ly; cy <= ry; cy++ {
			for cz := lz; cz <= rz; cz++ {
				if cx == x && cy == y && cz == z {
					continue
				}
				dx := g.VoxelSize.X * float64(cx-x)
				dy := g.VoxelSize.Y * float64(cy-y)
				dz := g.VoxelSize.Z * float64(cz-z)
				dist[cx-x+1][cy-y+1][cz-z+1] = 1 / math.Sqrt(dx*dx+dy*dy+dz*dz)
			}
		}
	}

	energy := 0.0
	for k, m := range post {
		w := weights[k][t]
		if w == 0 {
			continue
		}
		temp := 0.0
		for cx := lx; cx <= rx; cx++ {
			for cy := ly; cy <= ry; cy++ {
				for cz := lz; cz <= rz; cz++ {
					if cx == x && cy == y && cz == z {
						continue
					}
					temp += dist[cx-x+1][cy-y+1][cz-z+1] * m.Get(g.Index(cx, cy, cz))
				}
			}
		}
		energy += temp * w
	}
	return math.Exp(-d.mrfStrength * d.beta * energy / 2)
}

// interEnergy returns the inter-atlas prior factor of class t at voxel i
func (d *DrawEM) interEnergy(i, t int) float64 {
	if d.interAtlas == nil || d.betaInter == 0 {
		return 1
	}
	energy := 0.0
	for k := range d.classes {
		conn := d.conn.At(k, t)
		if conn == Identical || k >= len(d.interAtlas) {
			continue
		}
		energy += d.interAtlas[k].Data[i] * float64(conn)
	}
	return math.Exp(-d.mrfStrength * d.betaInter * energy)
}

// mrfWeights tabulates mrfWeight over the connectivity matrix
func (d *DrawEM) mrfWeights() [][]float64 {
	K := len(d.classes)
	w := make([][]float64, K)
	for k := range w {
		w[k] = make([]float64, K)
		for t := range w[k] {
			w[k][t] = mrfWeight(d.conn.At(k, t))
		}
	}
	return w
}

// EStepMRF is EStep with the priors multiplied by the MRF energies computed
// from the previous posteriors. Without a fitting connectivity matrix it
// behaves like EStep.
func (d *DrawEM) EStepMRF() error {
	if err := d.ready(); err != nil {
		return err
	}
	if !d.mrfEnabled() {
		return d.EStep()
	}

	g := d.gaussians()
	weights := d.mrfWeights()
	priors := d.prior.Maps()
	previous := d.posterior.Maps()
	next := d.posterior.NewEmpty()
	posts := next.Maps()
	K := len(d.classes)

	ranges := d.split(d.input.NumVoxels(), true)
	anomalies := make([]int, len(ranges))
	d.run(ranges, "E-step with MRF", func(c int, r voxelRange) {
		like := make([]float64, K)
		prior := make([]float64, K)
		energy := make([]float64, K)
		post := make([]float64, K)
		for i := r.lo; i < r.hi; i++ {
			if !d.mask.Contains(i) {
				continue
			}
			den := 0.0
			for k := range energy {
				prior[k] = priors[k].Get(i)
				e := 1.0
				if d.beta != 0 {
					e *= d.mrfEnergy(previous, weights, i, k)
				}
				e *= d.interEnergy(i, k)
				energy[k] = prior[k] * e
				den += energy[k]
			}

			likelihoods(g, d.input.Data[i], like)
			for k := range post {
				post[k] = 0
				if den > 0 {
					post[k] = like[k] * energy[k] / den
				}
			}
			anomalies[c] += d.posteriorAt(i, prior, post)
			writeValues(posts, i, post)
		}
	})

	d.posterior = next
	d.logAnomalies("E-step with MRF", anomalies)
	return nil
}
