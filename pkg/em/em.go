// Package em implements atlas-guided expectation maximisation for brain
// tissue classification, with Markov random field regularisation, bias field
// correction and partial volume modelling.
package em

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"

	"drawem/internal/models"
	"drawem/pkg/atlas"
)

const (
	// DefaultPadding is the padding value used until SetPadding is called
	DefaultPadding = -32768

	// VarianceFloor is the smallest variance estimated by MStep
	VarianceFloor = 0.005

	// GMMVarianceFloor is the smallest variance estimated by the GMM steps
	GMMVarianceFloor = 1.0
)

// EM is the atlas-based expectation maximisation classifier.
//
// The prior atlas holds one probability map per tissue class and the
// posterior holds the current class probabilities. Only voxels inside the
// mask take part in estimation; posteriors outside it are zero.
type EM struct {
	classTable

	// input is the image being classified
	input *models.Volume

	// estimate and weights are the precision weighted reconstruction and its
	// precision, filled by WStep
	estimate *models.Volume
	weights  *models.Volume

	mask    *models.Mask
	maskSet bool
	padding float64

	// initialPosteriors is set when posteriors were supplied by the caller
	initialPosteriors bool

	// postPenalty blends posteriors with priors per voxel when set
	postPenalty *models.Volume

	// f is the last negative log-likelihood
	f    float64
	fSet bool

	initialised bool

	workers  int
	logger   logrus.FieldLogger
	progress ProgressCallback
}

// New creates an empty classifier using the given atlas storage
func New(kind atlas.Kind) *EM {
	e := &EM{
		padding: DefaultPadding,
		workers: runtime.NumCPU(),
		logger:  logrus.StandardLogger(),
	}
	e.prior = atlas.New(kind)
	return e
}

// NewFromPriors creates a classifier from prior probability maps, optional
// initial posteriors and an optional synthesized background class
func NewFromPriors(kind atlas.Kind, priors, posteriors []*models.Volume, background bool) (*EM, error) {
	e := New(kind)
	if err := e.init(priors, posteriors, background); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *EM) init(priors, posteriors []*models.Volume, background bool) error {
	for k, p := range priors {
		if err := e.AddProbabilityMap(p); err != nil {
			return fmt.Errorf("failed to add prior %d: %w", k, err)
		}
	}
	if background {
		if err := e.AddBackground(); err != nil {
			return err
		}
	}
	if len(posteriors) > 0 {
		if err := e.SetInitialPosteriors(posteriors); err != nil {
			return err
		}
	}
	return nil
}

// AddProbabilityMap adds a tissue class with the given prior map
func (e *EM) AddProbabilityMap(prior *models.Volume) error {
	if e.initialised {
		return ErrInitialised
	}
	pos := len(e.classes)
	if e.hasBackground() {
		pos--
	}
	if err := e.prior.InsertImage(pos, prior); err != nil {
		return fmt.Errorf("%w: %v", ErrGridMismatch, err)
	}

	c := Class{Super: e.nextSuper()}
	e.classes = append(e.classes, Class{})
	copy(e.classes[pos+1:], e.classes[pos:])
	e.classes[pos] = c
	return nil
}

// AddBackground synthesizes a background class from the existing priors.
// The background is always the last class.
func (e *EM) AddBackground() error {
	if e.initialised {
		return ErrInitialised
	}
	if err := e.prior.AddBackground(); err != nil {
		return err
	}
	e.classes = append(e.classes, Class{Super: e.nextSuper()})
	return nil
}

// SetInitialPosteriors replaces the initial posteriors, which otherwise start
// as a copy of the priors
func (e *EM) SetInitialPosteriors(posteriors []*models.Volume) error {
	if e.initialised {
		return ErrInitialised
	}
	post := atlas.New(e.prior.Kind())
	post.SetLogger(e.logger)
	if err := post.AddProbabilityMaps(posteriors); err != nil {
		return fmt.Errorf("%w: %v", ErrGridMismatch, err)
	}
	e.posterior = post
	e.initialPosteriors = true
	return nil
}

// SetInput sets the image to classify
func (e *EM) SetInput(image *models.Volume) {
	e.input = image.Clone()
}

// SetMask restricts estimation to the voxels of mask
func (e *EM) SetMask(mask *models.Mask) {
	e.mask = mask.Clone()
	e.maskSet = true
}

// SetPadding sets the intensity marking voxels outside the image
func (e *EM) SetPadding(padding float64) {
	e.padding = padding
}

// SetPostPenalty enables blending of posteriors with priors. Each voxel of
// weights lies in [0, 1]: 0 keeps the posterior and 1 keeps the prior.
func (e *EM) SetPostPenalty(weights *models.Volume) error {
	if e.input != nil && !weights.SameSize(e.input.Grid) {
		return ErrGridMismatch
	}
	e.postPenalty = weights.Clone()
	return nil
}

// SetSuperlabels groups classes whose parameters are estimated jointly.
// Classes with equal entries form one group.
func (e *EM) SetSuperlabels(groups []int) error {
	if len(groups) != len(e.classes) {
		return fmt.Errorf("%w: %d superlabels for %d classes", ErrSizeMismatch, len(groups), len(e.classes))
	}
	for k, g := range groups {
		e.classes[k].Super = g
	}
	return nil
}

// SetWorkers sets the number of goroutines used by voxel passes
func (e *EM) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	e.workers = n
}

// SetLogger replaces the logger used for diagnostics
func (e *EM) SetLogger(logger logrus.FieldLogger) {
	e.logger = logger
	e.prior.SetLogger(logger)
	if e.posterior != nil {
		e.posterior.SetLogger(logger)
	}
}

// SetProgressCallback sets a function called as voxel passes progress
func (e *EM) SetProgressCallback(callback ProgressCallback) {
	e.progress = callback
}

// Initialise normalizes the atlas, creates the posteriors and mask, and runs
// one M-step to obtain initial class parameters
func (e *EM) Initialise() error {
	if err := e.prepare(); err != nil {
		return err
	}
	if err := e.MStep(); err != nil {
		return fmt.Errorf("initial M-step failed: %w", err)
	}
	e.Print()
	return nil
}

// prepare validates inputs and sets up posteriors, mask and work images
func (e *EM) prepare() error {
	if e.input == nil {
		return ErrNoInput
	}
	if len(e.classes) == 0 {
		return ErrNoClasses
	}
	if !e.input.SameSize(e.prior.Grid()) {
		return ErrGridMismatch
	}

	if err := e.prior.NormalizeAtlas(); err != nil {
		return err
	}

	if e.initialPosteriors {
		if e.posterior.NumberOfMaps() != len(e.classes) {
			return fmt.Errorf("%w: %d initial posteriors for %d classes",
				ErrSizeMismatch, e.posterior.NumberOfMaps(), len(e.classes))
		}
		if !e.posterior.Grid().SameSize(e.input.Grid) {
			return ErrGridMismatch
		}
		e.posterior.SetHasBackground(e.prior.HasBackground())
		if err := e.posterior.NormalizeAtlas(); err != nil {
			return err
		}
	} else {
		e.posterior = e.prior.Clone()
	}

	if e.postPenalty != nil && !e.postPenalty.SameSize(e.input.Grid) {
		return ErrGridMismatch
	}

	e.estimate = models.NewVolume(e.input.Grid)
	e.weights = models.NewVolume(e.input.Grid)

	if err := e.CreateMask(); err != nil {
		return err
	}
	e.initialised = true

	e.logger.WithFields(logrus.Fields{
		"classes":    len(e.classes),
		"voxels":     e.input.NumVoxels(),
		"masked":     e.mask.Count(),
		"background": e.hasBackground(),
		"storage":    e.prior.Kind(),
	}).Info("Initialised classifier")
	return nil
}

// CreateMask builds the estimation mask from the voxels that are not padding
// and have a positive prior for some class. A mask set with SetMask is
// limited to those voxels.
func (e *EM) CreateMask() error {
	if e.input == nil {
		return ErrNoInput
	}
	if e.maskSet {
		if !e.mask.SameSize(e.input.Grid) {
			return ErrGridMismatch
		}
	} else {
		e.mask = models.NewMask(e.input.Grid)
		for i := range e.mask.Data {
			e.mask.Data[i] = 1
		}
	}

	removed := 0
	for i := range e.mask.Data {
		if e.mask.Data[i] != 0 && !e.valid(i) {
			e.mask.Data[i] = 0
			removed++
		}
	}
	if e.maskSet && removed > 0 {
		e.logger.WithField("voxels", removed).Info("Removed padding and zero prior voxels from mask")
	}
	return nil
}

// valid reports whether voxel i is not padding and has a positive prior
func (e *EM) valid(i int) bool {
	if e.input.Data[i] == e.padding {
		return false
	}
	maps := e.prior.Maps()
	if len(maps) == 0 {
		return true
	}
	for _, m := range maps {
		if m.Get(i) > 0 {
			return true
		}
	}
	return false
}

func (e *EM) ready() error {
	if !e.initialised {
		return ErrNotInitialised
	}
	return nil
}

// Input returns the current (bias corrected) image
func (e *EM) Input() *models.Volume { return e.input }

// Estimate returns the precision weighted reconstruction from WStep
func (e *EM) Estimate() *models.Volume { return e.estimate }

// Weights returns the per-voxel precision from WStep
func (e *EM) Weights() *models.Volume { return e.weights }

// Mask returns the estimation mask
func (e *EM) Mask() *models.Mask { return e.mask }

// Padding returns the padding intensity
func (e *EM) Padding() float64 { return e.padding }

// HasBackground reports whether the last class is a synthesized background
func (e *EM) HasBackground() bool { return e.hasBackground() }

// LogLikelihoodValue returns the negative log-likelihood of the last
// LogLikelihood call
func (e *EM) LogLikelihoodValue() float64 { return e.f }

// Class returns the parameters of class k
func (e *EM) Class(k int) (Class, error) {
	if err := e.checkClass(k); err != nil {
		return Class{}, err
	}
	c := e.classes[k]
	if c.PV != nil {
		pv := *c.PV
		c.PV = &pv
	}
	return c, nil
}

// Means returns the class means
func (e *EM) Means() []float64 {
	out := make([]float64, len(e.classes))
	for k, c := range e.classes {
		out[k] = c.Mean
	}
	return out
}

// Variances returns the class variances
func (e *EM) Variances() []float64 {
	out := make([]float64, len(e.classes))
	for k, c := range e.classes {
		out[k] = c.Variance
	}
	return out
}

// Proportions returns the class mixing proportions
func (e *EM) Proportions() []float64 {
	out := make([]float64, len(e.classes))
	for k, c := range e.classes {
		out[k] = c.Proportion
	}
	return out
}

// ProbMap returns the posterior probability map of class k
func (e *EM) ProbMap(k int) (*models.Volume, error) {
	if e.posterior == nil {
		return nil, ErrNotInitialised
	}
	if err := e.checkClass(k); err != nil {
		return nil, err
	}
	return e.posterior.Image(k)
}

// Prior returns the prior probability map of class k
func (e *EM) Prior(k int) (*models.Volume, error) {
	if err := e.checkClass(k); err != nil {
		return nil, err
	}
	return e.prior.Image(k)
}
