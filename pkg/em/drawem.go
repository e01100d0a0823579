package em

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"drawem/internal/models"
	"drawem/pkg/atlas"
	"drawem/pkg/biasfield"
)

// DrawEM extends EM with a Markov random field prior, polynomial bias field
// correction, prior relaxation, partial volume classes and the coarse tissue
// partial volume correction.
type DrawEM struct {
	*EM

	// uncorrected is the input before bias correction
	uncorrected *models.Volume

	field biasfield.Field

	hui         bool
	bigNN       bool
	mrfStrength float64
	beta        float64
	betaInter   float64

	// interAtlas holds one auxiliary map per class for the inter-atlas MRF
	interAtlas []*models.Volume
}

// NewDrawEM creates a classifier from prior probability maps, optional
// initial posteriors and an optional synthesized background class
func NewDrawEM(kind atlas.Kind, priors, posteriors []*models.Volume, background bool) (*DrawEM, error) {
	base, err := NewFromPriors(kind, priors, posteriors, background)
	if err != nil {
		return nil, err
	}
	return &DrawEM{
		EM:          base,
		mrfStrength: 1,
		beta:        1.0 / 3.0,
		betaInter:   1.0 / 3.0,
	}, nil
}

// SetInput sets the image to classify and the class connectivity matrix.
// A matrix whose size does not match the class count disables the MRF.
func (d *DrawEM) SetInput(image *models.Volume, conn *Connectivity) {
	d.uncorrected = image.Clone()
	d.EM.SetInput(image)

	d.conn = nil
	if conn == nil {
		return
	}
	d.conn = conn.Clone()
	if d.conn.Size() != len(d.classes) {
		d.logger.WithFields(logrus.Fields{
			"expected": len(d.classes),
			"actual":   d.conn.Size(),
		}).Warn("Connectivity matrix has wrong size, MRF disabled")
	}
}

// SetBiasField sets the field fitted by BStep
func (d *DrawEM) SetBiasField(field biasfield.Field) {
	d.field = field
}

// BiasField returns the current bias field, nil when none is set
func (d *DrawEM) BiasField() biasfield.Field {
	return d.field
}

// SetTissueLabels assigns a coarse tissue group to every class
func (d *DrawEM) SetTissueLabels(labels []Tissue) error {
	if len(labels) != len(d.classes) {
		return fmt.Errorf("%w: %d tissue labels for %d classes", ErrSizeMismatch, len(labels), len(d.classes))
	}
	for k, t := range labels {
		d.classes[k].Tissue = t
	}
	return nil
}

// SetHui enables the coarse tissue correction in Iterate
func (d *DrawEM) SetHui(enabled bool) { d.hui = enabled }

// SetMRFStrength scales the MRF energies
func (d *DrawEM) SetMRFStrength(strength float64) { d.mrfStrength = strength }

// SetBigNeighbourhood switches the MRF to the 26-neighbourhood
func (d *DrawEM) SetBigNeighbourhood(enabled bool) { d.bigNN = enabled }

// SetBeta sets the weight of the neighbourhood MRF term
func (d *DrawEM) SetBeta(beta float64) { d.beta = beta }

// SetBetaInter sets the weight of the inter-atlas MRF term
func (d *DrawEM) SetBetaInter(beta float64) { d.betaInter = beta }

// SetMRFInterAtlas enables the inter-atlas MRF term with one auxiliary map
// per class
func (d *DrawEM) SetMRFInterAtlas(maps []*models.Volume) error {
	g := d.prior.Grid()
	out := make([]*models.Volume, len(maps))
	for k, m := range maps {
		if !m.SameSize(g) {
			return fmt.Errorf("inter-atlas map %d: %w", k, ErrGridMismatch)
		}
		out[k] = m.Clone()
	}
	d.interAtlas = out
	return nil
}

// BStep fits the bias field to the residual between the uncorrected image
// and the W-step estimate, then regenerates the corrected input
func (d *DrawEM) BStep() error {
	if err := d.ready(); err != nil {
		return err
	}
	if d.field == nil {
		return ErrNoBiasField
	}

	corr := biasfield.NewCorrection(d.uncorrected, d.estimate, d.weights, d.mask, d.padding, d.field)
	corr.SetLogger(d.logger)
	if err := corr.Run(); err != nil {
		return err
	}
	d.input = corr.Apply()
	return nil
}

// Iterate runs one iteration: a plain E-step on iteration 0 and MRF E-steps
// afterwards, the optional coarse tissue correction, the M-step, and the W-
// and B-steps when a bias field is set. It returns the relative change of
// the log-likelihood.
func (d *DrawEM) Iterate(iteration int) (float64, error) {
	d.logger.WithField("iteration", iteration).Debug("Draw-EM iteration")

	var err error
	if iteration == 0 {
		err = d.EStep()
	} else {
		err = d.EStepMRF()
	}
	if err != nil {
		return 0, err
	}

	if d.hui {
		if err := d.HuiPVCorrection(false); err != nil {
			return 0, err
		}
	}

	if err := d.MStep(); err != nil {
		return 0, err
	}
	d.Print()

	if d.field != nil {
		if err := d.WStep(); err != nil {
			return 0, err
		}
		if err := d.BStep(); err != nil {
			return 0, err
		}
		d.Print()
	}
	return d.LogLikelihood()
}

// BiasCorrectedImage returns a copy of the current corrected input
func (d *DrawEM) BiasCorrectedImage() *models.Volume {
	return d.input.Clone()
}

// BiasFieldImage returns the difference between the uncorrected and the
// corrected image inside the mask and 0 elsewhere
func (d *DrawEM) BiasFieldImage() (*models.Volume, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	out := models.NewVolume(d.input.Grid)
	for i := range out.Data {
		if d.mask.Contains(i) {
			out.Data[i] = d.uncorrected.Data[i] - d.input.Data[i]
		}
	}
	return out, nil
}

// Connectivity returns a copy of the current connectivity matrix
func (d *DrawEM) Connectivity() *Connectivity {
	if d.conn == nil {
		return nil
	}
	return d.conn.Clone()
}

// PartialVolumeClasses returns the indices of synthesized classes
func (d *DrawEM) PartialVolumeClasses() []int {
	var out []int
	for k, c := range d.classes {
		if c.PV != nil {
			out = append(out, k)
		}
	}
	return out
}

// IsPartialVolume reports whether class k was synthesized by
// AddPartialVolumeClass
func (d *DrawEM) IsPartialVolume(k int) bool {
	return k >= 0 && k < len(d.classes) && d.classes[k].PV != nil
}

// mrfEnabled reports whether the connectivity matrix fits the classes
func (d *DrawEM) mrfEnabled() bool {
	return d.conn.Size() == len(d.classes)
}
