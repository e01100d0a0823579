// Package segmentation runs the Draw-EM tissue classification pipeline:
// it loads the image and atlas, drives the classifier through its
// refinement phases and writes the results.
package segmentation

import (
	"fmt"
	"math"
	"os"

	"github.com/sirupsen/logrus"

	"drawem/internal/models"
	"drawem/pkg/biasfield"
	"drawem/pkg/em"
	"drawem/pkg/nifti"
	"drawem/pkg/visualization"
)

// phase is a refinement stage entered each time the log-likelihood settles
type phase int

const (
	phaseBiasField phase = iota
	phasePostPenalty
	phaseMRF
	phaseRelaxation
	phasePartialVolume
	phaseStop
)

func (p phase) String() string {
	switch p {
	case phaseBiasField:
		return "biasField"
	case phasePostPenalty:
		return "postPenalty"
	case phaseMRF:
		return "mrf"
	case phaseRelaxation:
		return "relaxation"
	case phasePartialVolume:
		return "partialVolume"
	default:
		return "stop"
	}
}

// Result holds the products of a finished run
type Result struct {
	Classifier   *em.DrawEM
	Segmentation *models.LabelMap

	// Corrected is the bias corrected image in the original intensity domain
	Corrected *models.Volume

	Report *Report
}

// Segmenter runs the segmentation pipeline.
//
// The pipeline consists of several steps:
// 1. Loading the image, priors and optional inputs
// 2. Log-transforming intensities
// 3. Initialising the classifier
// 4. Iterating EM, advancing one refinement phase each time the log-likelihood settles
// 5. Writing the results
//
// The phases are the bias field degree ramp, post-penalty, MRF, prior
// relaxation and partial volume classes.
type Segmenter struct {
	params   *Params
	logger   logrus.FieldLogger
	progress em.ProgressCallback

	// image is the log-transformed input and padding its remapped padding
	image   *models.Volume
	padding float64

	priors      []*models.Volume
	posteriors  []*models.Volume
	mask        *models.Mask
	postPenalty *models.Volume
	conn        *em.Connectivity
	interAtlas  []*models.Volume

	classifier *em.DrawEM

	// loop state
	phase      phase
	degree     int
	biasUpdate bool
	mrfUpdate  bool
	mrfTimes   int
	relaxTimes int
	relaxed    bool
	pvOn       bool
	settled    int

	result *Result
}

// NewSegmenter creates a new segmenter with the provided parameters
func NewSegmenter(params *Params) *Segmenter {
	return &Segmenter{
		params: params,
		logger: logrus.StandardLogger(),
	}
}

// SetLogger replaces the logger used by the pipeline and the classifier
func (s *Segmenter) SetLogger(logger logrus.FieldLogger) {
	s.logger = logger
}

// SetProgressCallback sets a function called as voxel passes progress
func (s *Segmenter) SetProgressCallback(callback em.ProgressCallback) {
	s.progress = callback
}

// Result returns the products of the last successful Process call
func (s *Segmenter) Result() *Result {
	return s.result
}

// Process runs the complete segmentation pipeline
func (s *Segmenter) Process() error {
	if s.params.SaveIntermediaryResults {
		if err := os.MkdirAll(s.params.IntermediaryDir, 0755); err != nil {
			return fmt.Errorf("failed to create intermediary directory: %w", err)
		}
	}

	s.logger.Info("Step 1: Loading images...")
	if err := s.loadImages(); err != nil {
		return fmt.Errorf("failed to load images: %w", err)
	}

	s.logger.Info("Step 2: Log-transforming intensities...")
	s.image, s.padding = LogTransform(s.image, s.params.Padding)
	s.logger.WithField("padding", s.padding).Debug("Remapped padding")

	s.logger.Info("Step 3: Initialising classifier...")
	if err := s.initialise(); err != nil {
		return fmt.Errorf("failed to initialise classifier: %w", err)
	}

	s.logger.Info("Step 4: Running EM...")
	report := &Report{RunID: s.params.RunID, Padding: s.params.Padding}
	if err := s.iterate(report); err != nil {
		return fmt.Errorf("failed to segment image: %w", err)
	}

	s.logger.Info("Step 5: Writing results...")
	if err := s.writeResults(report); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}

// loadImages reads every input named by the parameters
func (s *Segmenter) loadImages() error {
	var err error
	if s.image, err = nifti.ReadFile(s.params.Input); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"file": s.params.Input,
		"size": fmt.Sprintf("%dx%dx%d", s.image.Width, s.image.Height, s.image.Depth),
	}).Info("Loaded input image")

	if s.priors, err = readVolumes(s.params.Priors); err != nil {
		return err
	}
	for k, prior := range s.priors {
		lo, hi := prior.MinMax()
		s.logger.WithFields(logrus.Fields{
			"class": k, "file": s.params.Priors[k], "min": lo, "max": hi,
		}).Info("Loaded prior")
	}
	if s.posteriors, err = readVolumes(s.params.Posteriors); err != nil {
		return err
	}
	if s.interAtlas, err = readVolumes(s.params.InterAtlas); err != nil {
		return err
	}

	if s.params.Mask != "" {
		if s.mask, err = nifti.ReadMask(s.params.Mask); err != nil {
			return err
		}
	}
	if s.params.PostPenalty != "" {
		if s.postPenalty, err = nifti.ReadFile(s.params.PostPenalty); err != nil {
			return err
		}
	}
	return nil
}

func readVolumes(paths []string) ([]*models.Volume, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	out := make([]*models.Volume, len(paths))
	for i, path := range paths {
		v, err := nifti.ReadFile(path)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// LogTransform returns the natural logarithm of the positive intensities of
// img. Zero and padding voxels become padding, which is remapped below the
// smallest logarithm so that no transformed intensity can collide with it.
// The remapped padding is returned with the image.
func LogTransform(img *models.Volume, padding float64) (*models.Volume, float64) {
	out := img.Clone()
	padded := make([]bool, len(out.Data))
	minLog := 1000.0

	for i, v := range img.Data {
		switch {
		case v == padding || v == 0:
			padded[i] = true
		case v > 0:
			out.Data[i] = math.Log(v)
			minLog = math.Min(minLog, math.Floor(out.Data[i]))
		}
	}

	newPadding := minLog - 1
	for i := range out.Data {
		if padded[i] {
			out.Data[i] = newPadding
		}
	}
	return out, newPadding
}

// ExpTransform inverts LogTransform, restoring the original padding value
func ExpTransform(img *models.Volume, logPadding, padding float64) *models.Volume {
	out := img.Clone()
	for i, v := range out.Data {
		if v == logPadding {
			out.Data[i] = padding
		} else {
			out.Data[i] = math.Exp(v)
		}
	}
	return out
}

// initialise builds and configures the classifier
func (s *Segmenter) initialise() error {
	p := s.params
	d, err := em.NewDrawEM(p.Kind, s.priors, s.posteriors, p.Background)
	if err != nil {
		return err
	}
	d.SetLogger(s.logger)
	d.SetWorkers(p.Workers)
	if s.progress != nil {
		d.SetProgressCallback(s.progress)
	}

	if p.Connectivity != "" {
		if s.conn, err = em.ReadConnectivityFile(p.Connectivity, d.NumberOfClasses()); err != nil {
			return err
		}
	}
	d.SetInput(s.image, s.conn)
	d.SetPadding(s.padding)

	if p.BigNeighbourhood {
		d.SetBigNeighbourhood(true)
	}
	if p.MRFStrength != 0 {
		d.SetMRFStrength(p.MRFStrength)
	}
	if p.Beta != 0 {
		d.SetBeta(p.Beta)
	}
	if p.BetaInter != 0 {
		d.SetBetaInter(p.BetaInter)
	}
	if len(s.interAtlas) > 0 {
		if err := d.SetMRFInterAtlas(s.interAtlas); err != nil {
			return err
		}
	}
	if p.Superlabels != nil {
		if err := d.SetSuperlabels(p.Superlabels); err != nil {
			return err
		}
	}
	if p.Tissues != nil {
		if err := d.SetTissueLabels(p.Tissues); err != nil {
			return err
		}
	} else if p.Hui {
		return em.ErrNoTissueLabels
	}
	d.SetHui(p.Hui)

	if s.mask != nil {
		d.SetMask(s.mask)
	}
	if err := d.Initialise(); err != nil {
		return err
	}

	s.classifier = d
	s.phase = phaseBiasField
	s.degree = 1
	s.mrfTimes = p.MRFTimes
	if s.mrfTimes <= 0 {
		s.mrfTimes = p.MaxIterations
	}
	s.relaxTimes = p.RelaxTimes
	return nil
}

// iterate runs EM until the last phase completes or the iteration limit is
// reached
func (s *Segmenter) iterate(report *Report) error {
	d := s.classifier
	stop := false
	iter := 0

	for ; !stop && iter < s.params.MaxIterations; iter++ {
		if !s.mrfUpdate || s.mrfTimes <= 0 {
			if err := d.EStep(); err != nil {
				return err
			}
		} else {
			if err := d.EStepMRF(); err != nil {
				return err
			}
			s.mrfTimes--
		}

		if s.params.Hui && iter%2 == 1 {
			if err := d.HuiPVCorrection(false); err != nil {
				return err
			}
		}

		if s.biasUpdate {
			if err := d.WStep(); err != nil {
				return err
			}
			if err := d.BStep(); err != nil {
				return err
			}
		}
		if err := d.MStep(); err != nil {
			return err
		}
		d.Print()

		rel, err := d.LogLikelihood()
		if err != nil {
			return err
		}
		s.logger.WithFields(logrus.Fields{
			"iteration": iter,
			"phase":     s.phase,
			"rel_diff":  rel,
		}).Info("EM iteration")

		if rel < s.params.RelDiff {
			if stop, err = s.advance(iter, report); err != nil {
				return err
			}
			s.settled = 0
		} else {
			s.settled++
		}
	}

	if s.params.Hui {
		if err := d.HuiPVCorrection(true); err != nil {
			return err
		}
	}

	report.Iterations = iter
	report.Converged = stop
	report.LogLikelihood = d.LogLikelihoodValue()
	if s.biasUpdate {
		report.BiasFieldDegree = s.degree
	}
	return nil
}

// advance moves to the next phase that has work to do and performs its
// one-off action. It reports whether the loop should stop.
func (s *Segmenter) advance(iter int, report *Report) (bool, error) {
	d := s.classifier
	p := s.params
	record := func(detail string) {
		report.Phases = append(report.Phases, PhaseEvent{Iteration: iter, Phase: s.phase.String(), Detail: detail})
		s.logger.WithFields(logrus.Fields{
			"iteration": iter,
			"phase":     s.phase,
		}).Info(detail)
	}

	for {
		switch s.phase {
		case phaseBiasField:
			// Raise the degree only after at least one unsettled iteration
			if s.degree < p.BiasFieldDegree && s.settled > 0 {
				s.degree++
				d.SetBiasField(biasfield.NewPolynomial(s.degree))
				s.biasUpdate = true
				record(fmt.Sprintf("bias field degree %d", s.degree))
				if s.degree == p.BiasFieldDegree {
					s.phase++
				}
				return false, nil
			}
			s.phase++

		case phasePostPenalty:
			if s.postPenalty != nil {
				if err := d.SetPostPenalty(s.postPenalty); err != nil {
					return false, err
				}
				record("post-penalty enabled")
				s.phase++
				return false, nil
			}
			s.phase++

		case phaseMRF:
			if !s.mrfUpdate && s.conn != nil {
				s.mrfUpdate = true
				record("MRF enabled")
				s.phase++
				return false, nil
			}
			s.phase++

		case phaseRelaxation:
			if p.Relax && !s.relaxed {
				if err := d.RStep(p.RelaxFactor); err != nil {
					return false, err
				}
				s.relaxTimes--
				record(fmt.Sprintf("priors relaxed with factor %v", p.RelaxFactor))
				if s.relaxTimes <= 0 {
					s.relaxed = true
					s.phase++
				}
				return false, nil
			}
			s.phase++

		case phasePartialVolume:
			if len(p.PartialVolumes) > 0 && !s.pvOn {
				for _, pv := range p.PartialVolumes {
					tissue, err := em.ParseTissue(pv.Tissue)
					if err != nil {
						return false, err
					}
					pos, err := d.AddPartialVolumeClass(pv.ClassA, pv.ClassB, tissue)
					if err != nil {
						return false, err
					}
					record(fmt.Sprintf("partial volume class %d between %d and %d", pos, pv.ClassA, pv.ClassB))
				}
				s.pvOn = true
				s.phase++
				return false, nil
			}
			s.phase++

		default:
			record("converged")
			return true, nil
		}
	}
}

// writeResults saves every requested output and builds the report
func (s *Segmenter) writeResults(report *Report) error {
	d := s.classifier
	out := s.params.Output

	seg, err := d.ConstructSegmentation()
	if err != nil {
		return err
	}
	corrected := ExpTransform(d.BiasCorrectedImage(), s.padding, s.params.Padding)

	if out.Segmentation != "" {
		s.logger.WithField("file", out.Segmentation).Info("Saving segmentation")
		if err := nifti.WriteLabels(out.Segmentation, seg); err != nil {
			return err
		}
	}

	if out.Corrected != "" {
		s.logger.WithField("file", out.Corrected).Info("Saving bias corrected image")
		if err := nifti.WriteFile(out.Corrected, corrected, nifti.Float32); err != nil {
			return err
		}
	}

	if out.BiasField != "" {
		field, err := d.BiasFieldImage()
		if err != nil {
			return err
		}
		s.logger.WithField("file", out.BiasField).Info("Saving bias field")
		if err := nifti.WriteFile(out.BiasField, field, nifti.Float32); err != nil {
			return err
		}
	}

	if out.BiasFieldCoefficients != "" {
		if field := d.BiasField(); field != nil {
			s.logger.WithField("file", out.BiasFieldCoefficients).Info("Saving bias field coefficients")
			if err := biasfield.WriteFile(out.BiasFieldCoefficients, field); err != nil {
				return err
			}
		} else {
			s.logger.Warn("No bias field was estimated, coefficients not saved")
		}
	}

	for k, path := range out.Probabilities {
		prob, err := d.ProbMap(k)
		if err != nil {
			return err
		}
		s.logger.WithFields(logrus.Fields{"class": k, "file": path}).Info("Saving probability map")
		if err := nifti.WriteFile(path, prob, nifti.Float32); err != nil {
			return err
		}
	}

	if out.Parameters != "" {
		f, err := os.Create(out.Parameters)
		if err != nil {
			return fmt.Errorf("error creating parameter file: %w", err)
		}
		if err := d.WriteGaussianParameters(f, false); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}

	report.Classes = classReports(d)
	report.Labels = labelReports(seg, corrected, s.params.Padding, d.NumberOfClasses())
	if out.Report != "" {
		s.logger.WithField("file", out.Report).Info("Saving report")
		if err := WriteReport(out.Report, report); err != nil {
			return err
		}
	}

	if s.params.SaveIntermediaryResults {
		s.saveQC(seg, corrected)
	}

	s.result = &Result{
		Classifier:   d,
		Segmentation: seg,
		Corrected:    corrected,
		Report:       report,
	}
	return nil
}

// saveQC writes the central slices of the corrected image and the
// segmentation. Failures are logged, not returned.
func (s *Segmenter) saveQC(seg *models.LabelMap, corrected *models.Volume) {
	dir := s.params.IntermediaryDir
	viewers := map[string]*visualization.Viewer{
		"corrected":    visualization.NewViewer(corrected, s.params.Padding),
		"segmentation": visualization.NewLabelViewer(seg),
	}
	for name, v := range viewers {
		if _, err := v.SaveMidSlices(name, dir); err != nil {
			s.logger.WithError(err).Warnf("Failed to save %s slices", name)
		}
	}
}
