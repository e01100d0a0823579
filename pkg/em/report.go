package em

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"drawem/internal/models"
)

// Sigmas returns the class standard deviations
func (e *EM) Sigmas() []float64 {
	out := e.Variances()
	for k, v := range out {
		out[k] = math.Sqrt(v)
	}
	return out
}

// Print logs the class means and standard deviations
func (e *EM) Print() {
	e.logger.Infof("mean: %s", formatValues(e.Means()))
	e.logger.Infof("sigma: %s", formatValues(e.Sigmas()))
}

// PrintGMM logs the mixture parameters including proportions
func (e *EM) PrintGMM() {
	e.Print()
	e.logger.Infof("c: %s", formatValues(e.Proportions()))
}

func formatValues(values []float64) string {
	var sb strings.Builder
	for k, v := range values {
		if k > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%d: %.4f", k, v)
	}
	return sb.String()
}

// WriteGaussianParameters writes the class parameters as text. In plain
// mode each line holds "mean variance"; otherwise means and standard
// deviations are listed per tissue.
func (e *EM) WriteGaussianParameters(w io.Writer, plain bool) error {
	bw := bufio.NewWriter(w)
	if plain {
		for _, c := range e.classes {
			fmt.Fprintf(bw, "%v %v\n", c.Mean, c.Variance)
		}
		return bw.Flush()
	}

	fmt.Fprintln(bw, "mi:")
	for k, c := range e.classes {
		fmt.Fprintf(bw, "Tissue %d: (%v)\n", k, c.Mean)
	}
	fmt.Fprintln(bw, "sigma:")
	for k, c := range e.classes {
		fmt.Fprintf(bw, "Tissue %d: (%v)\n", k, math.Sqrt(c.Variance))
	}
	return bw.Flush()
}

// WeightsImage returns the W-step weights scaled by 100 times the smallest
// class variance. Padding voxels keep the padding value.
func (e *EM) WeightsImage() (*models.Volume, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	scale := 100 * floats.Min(e.Variances())

	out := e.weights.Clone()
	for i, v := range out.Data {
		if v != e.padding {
			out.Data[i] = v * scale
		}
	}
	return out, nil
}

// ConstructSegmentation labels each masked voxel with its most probable
// class plus one. Background, unmasked voxels and voxels without posterior
// mass are labelled 0.
func (e *EM) ConstructSegmentation() (*models.LabelMap, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	labels := models.NewLabelMap(e.input.Grid)
	posts := e.posterior.Maps()
	background := -1
	if e.hasBackground() {
		background = len(e.classes) - 1
	}

	empty := 0
	for i := range labels.Data {
		if !e.mask.Contains(i) {
			continue
		}
		best, top := -1, 0.0
		for k, m := range posts {
			if v := m.Get(i); v > top {
				best, top = k, v
			}
		}
		switch {
		case best < 0:
			empty++
		case best != background:
			labels.Data[i] = best + 1
		}
	}

	if empty > 0 {
		e.logger.WithField("voxels", empty).Warn("Voxels without posterior mass left unlabelled")
	}
	return labels, nil
}
