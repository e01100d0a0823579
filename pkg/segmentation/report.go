package segmentation

import (
	"fmt"
	"math"
	"os"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"drawem/internal/models"
	"drawem/pkg/em"
)

// PhaseEvent records a phase change of the iteration loop
type PhaseEvent struct {
	Iteration int    `yaml:"iteration"`
	Phase     string `yaml:"phase"`
	Detail    string `yaml:"detail,omitempty"`
}

// ClassReport holds the final parameters of one class. Mean and Sigma are
// in the log intensity domain; Intensity is exp(Mean).
type ClassReport struct {
	Index      int     `yaml:"index"`
	Mean       float64 `yaml:"mean"`
	Sigma      float64 `yaml:"sigma"`
	Intensity  float64 `yaml:"intensity"`
	Proportion float64 `yaml:"proportion"`
	Tissue     string  `yaml:"tissue"`
	Parents    []int   `yaml:"parents,omitempty"`
}

// LabelReport summarizes the voxels of one hard segmentation label
// in the bias corrected image
type LabelReport struct {
	Label  int     `yaml:"label"`
	Voxels int     `yaml:"voxels"`
	Volume float64 `yaml:"volume"`
	Mean   float64 `yaml:"mean"`
	StdDev float64 `yaml:"stdDev"`
	Median float64 `yaml:"median"`
}

// Report is the summary of a segmentation run
type Report struct {
	RunID           string        `yaml:"runId"`
	Iterations      int           `yaml:"iterations"`
	Converged       bool          `yaml:"converged"`
	LogLikelihood   float64       `yaml:"logLikelihood"`
	BiasFieldDegree int           `yaml:"biasFieldDegree"`
	Padding         float64       `yaml:"padding"`
	Phases          []PhaseEvent  `yaml:"phases"`
	Classes         []ClassReport `yaml:"classes"`
	Labels          []LabelReport `yaml:"labels"`
}

// classReports collects the class parameters of the classifier
func classReports(d *em.DrawEM) []ClassReport {
	sigmas := d.Sigmas()
	out := make([]ClassReport, d.NumberOfClasses())
	for k := range out {
		c, err := d.Class(k)
		if err != nil {
			continue
		}
		out[k] = ClassReport{
			Index:      k,
			Mean:       c.Mean,
			Sigma:      sigmas[k],
			Intensity:  math.Exp(c.Mean),
			Proportion: c.Proportion,
			Tissue:     c.Tissue.String(),
		}
		if c.PV != nil {
			out[k].Parents = []int{c.PV.A, c.PV.B}
		}
	}
	return out
}

// labelReports computes voxel counts, volumes and intensity statistics for
// labels 1..classes of the segmentation, ignoring padding voxels of image
func labelReports(labels *models.LabelMap, image *models.Volume, padding float64, classes int) []LabelReport {
	values := make([][]float64, classes+1)
	counts := make([]int, classes+1)
	for i, l := range labels.Data {
		if l <= 0 || l > classes {
			continue
		}
		counts[l]++
		if image.Data[i] != padding {
			values[l] = append(values[l], image.Data[i])
		}
	}

	out := make([]LabelReport, 0, classes)
	for l := 1; l <= classes; l++ {
		r := LabelReport{
			Label:  l,
			Voxels: counts[l],
			Volume: float64(counts[l]) * labels.VoxelVolume(),
		}
		if v := values[l]; len(v) > 0 {
			sort.Float64s(v)
			r.Mean = stat.Mean(v, nil)
			if len(v) > 1 {
				r.StdDev = stat.StdDev(v, nil)
			}
			r.Median = stat.Quantile(0.5, stat.Empirical, v, nil)
		}
		out = append(out, r)
	}
	return out
}

// WriteReport saves the report as YAML
func WriteReport(path string, report *Report) error {
	data, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("error marshaling report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing report: %w", err)
	}
	return nil
}

// ReadReport loads a report written by WriteReport
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading report: %w", err)
	}
	report := &Report{}
	if err := yaml.Unmarshal(data, report); err != nil {
		return nil, fmt.Errorf("error parsing report: %w", err)
	}
	return report, nil
}
