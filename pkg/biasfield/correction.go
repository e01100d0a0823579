package biasfield

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"drawem/internal/models"
)

var (
	// ErrNoTarget is returned when Run is called without a target image
	ErrNoTarget = errors.New("biasfield: correction has no target input")

	// ErrNoReference is returned when Run is called without a reference image
	ErrNoReference = errors.New("biasfield: correction has no reference input")

	// ErrNoField is returned when Run is called without a field to fit
	ErrNoField = errors.New("biasfield: correction has no bias field output")
)

// Correction fits a bias field to the difference between an observed target
// image and a reference reconstruction, then removes it
type Correction struct {
	// Target is the uncorrected image
	Target *models.Volume

	// Reference is the current reconstruction of the target
	Reference *models.Volume

	// Weights holds the per-voxel precision of the reference
	Weights *models.Volume

	// Mask restricts the fit. Nil means every voxel.
	Mask *models.Mask

	// Padding marks voxels excluded from the fit and from correction
	Padding float64

	// Field receives the fitted parameters
	Field Field

	logger logrus.FieldLogger
}

// NewCorrection returns a correction with the standard logger
func NewCorrection(target, reference, weights *models.Volume, mask *models.Mask, padding float64, field Field) *Correction {
	return &Correction{
		Target:    target,
		Reference: reference,
		Weights:   weights,
		Mask:      mask,
		Padding:   padding,
		Field:     field,
		logger:    logrus.StandardLogger(),
	}
}

// SetLogger replaces the logger used for diagnostics
func (c *Correction) SetLogger(logger logrus.FieldLogger) {
	c.logger = logger
}

// Run collects residual samples at every unpadded voxel inside the mask and
// fits the field to them
func (c *Correction) Run() error {
	if c.Reference == nil {
		return ErrNoReference
	}
	if c.Target == nil {
		return ErrNoTarget
	}
	if c.Field == nil {
		return ErrNoField
	}
	if !c.Target.SameSize(c.Reference.Grid) || (c.Weights != nil && !c.Target.SameSize(c.Weights.Grid)) {
		return fmt.Errorf("biasfield: reference and weights must match the target grid")
	}

	n := 0
	for i, v := range c.Target.Data {
		if v != c.Padding && c.inMask(i) {
			n++
		}
	}

	x := make([]float64, 0, n)
	y := make([]float64, 0, n)
	z := make([]float64, 0, n)
	b := make([]float64, 0, n)
	w := make([]float64, 0, n)

	for i, v := range c.Target.Data {
		if v == c.Padding || !c.inMask(i) {
			continue
		}
		vx, vy, vz := c.Target.Coords(i)
		wx, wy, wz := c.Target.ImageToWorld(float64(vx), float64(vy), float64(vz))
		x = append(x, wx)
		y = append(y, wy)
		z = append(z, wz)
		b = append(b, v-c.Reference.Data[i])
		if c.Weights != nil {
			w = append(w, c.Weights.Data[i])
		} else {
			w = append(w, 1)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"samples": n,
		"type":    c.Field.Type(),
	}).Info("Computing bias field")

	if err := c.Field.WeightedLeastSquares(x, y, z, b, w); err != nil {
		return fmt.Errorf("failed to fit bias field: %w", err)
	}
	return nil
}

func (c *Correction) inMask(i int) bool {
	return c.Mask == nil || c.Mask.Data[i] == 1
}

// Apply returns a copy of the target with the bias subtracted from every
// unpadded voxel
func (c *Correction) Apply() *models.Volume {
	out := c.Target.Clone()
	c.subtract(out, c.Target, false)
	return out
}

// ApplyToImage subtracts the bias from every unpadded voxel of img in place,
// optionally rounding the result
func (c *Correction) ApplyToImage(img *models.Volume, round bool) {
	c.subtract(img, img, round)
}

func (c *Correction) subtract(dst, src *models.Volume, round bool) {
	for i, v := range src.Data {
		if v == c.Padding {
			continue
		}
		value := v - c.bias(dst, i)
		if round {
			value = math.Round(value)
		}
		dst.Data[i] = value
	}
}

// ApplyMultiplicative divides every unpadded voxel of an integer-valued image
// by exp(bias/1000) and rounds
func (c *Correction) ApplyMultiplicative(img *models.Volume) {
	for i, v := range img.Data {
		if v == c.Padding {
			continue
		}
		img.Data[i] = math.Round(v / math.Exp(c.bias(img, i)/1000))
	}
}

// FieldImage samples the bias field on the grid of g
func (c *Correction) FieldImage(g models.Grid) *models.Volume {
	out := models.NewVolume(g)
	for i := range out.Data {
		out.Data[i] = c.bias(out, i)
	}
	return out
}

func (c *Correction) bias(img *models.Volume, i int) float64 {
	x, y, z := img.Coords(i)
	wx, wy, wz := img.ImageToWorld(float64(x), float64(y), float64(z))
	return c.Field.Bias(wx, wy, wz)
}
