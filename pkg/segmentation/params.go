package segmentation

import (
	"fmt"

	"drawem/pkg/atlas"
	"drawem/pkg/config"
	"drawem/pkg/em"
)

// Outputs names the files written after segmentation. Empty paths are skipped.
type Outputs struct {
	Segmentation          string
	Corrected             string
	BiasField             string
	BiasFieldCoefficients string

	// Probabilities maps class indices to posterior map paths
	Probabilities map[int]string

	Parameters string
	Report     string
}

// Params holds the segmentation parameters
type Params struct {
	// Input is the image to segment
	Input string

	// Priors are the prior probability maps, one per class
	Priors []string

	// Posteriors optionally seed the first E-step
	Posteriors []string

	// Mask, PostPenalty and Connectivity are optional inputs
	Mask         string
	PostPenalty  string
	Connectivity string

	// InterAtlas lists auxiliary maps for the inter-atlas MRF term
	InterAtlas []string

	// MaxIterations bounds the total number of EM iterations over all phases
	MaxIterations int

	// RelDiff is the relative log-likelihood change that advances the phase
	RelDiff float64

	// BiasFieldDegree is the final polynomial degree, 0 or 1 disables bias correction
	BiasFieldDegree int

	// Padding marks voxels outside the image
	Padding float64

	Workers    int
	Kind       atlas.Kind
	Background bool

	MRFStrength      float64
	BigNeighbourhood bool
	Beta             float64
	BetaInter        float64

	// MRFTimes is the number of MRF E-steps once the MRF is switched on
	MRFTimes int

	Relax       bool
	RelaxFactor float64
	RelaxTimes  int

	// PartialVolumes lists the classes synthesized in the last phase
	PartialVolumes []config.PartialVolume

	// Hui enables the coarse tissue correction, which needs Tissues
	Hui bool

	// Tissues holds the coarse group of every class, nil when unset
	Tissues []em.Tissue

	// Superlabels holds the group of every class, nil when unset
	Superlabels []int

	Output Outputs

	// SaveIntermediaryResults writes QC slices to IntermediaryDir
	SaveIntermediaryResults bool
	IntermediaryDir         string

	// RunID identifies the run in the report
	RunID string
}

// ParamsFromConfig converts a loaded configuration into segmentation parameters
func ParamsFromConfig(cfg *config.Config) (*Params, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	seg := cfg.Segmentation
	p := &Params{
		Input:            seg.Input,
		Priors:           seg.Priors,
		Posteriors:       seg.Posteriors,
		Mask:             seg.Mask,
		PostPenalty:      seg.PostPenalty,
		Connectivity:     cfg.MRF.ConnectivityFile,
		InterAtlas:       cfg.MRF.InterAtlas,
		MaxIterations:    seg.MaxIterations,
		RelDiff:          seg.RelDiff,
		BiasFieldDegree:  seg.BiasFieldDegree,
		Padding:          em.DefaultPadding,
		Workers:          seg.Workers,
		Kind:             atlas.Dense,
		Background:       seg.Background,
		MRFStrength:      cfg.MRF.Strength,
		BigNeighbourhood: cfg.MRF.BigNeighbourhood,
		Beta:             cfg.MRF.Beta,
		BetaInter:        cfg.MRF.BetaInter,
		MRFTimes:         cfg.MRF.Times,
		Relax:            cfg.Relaxation.Enabled,
		RelaxFactor:      cfg.Relaxation.Factor,
		RelaxTimes:       cfg.Relaxation.Times,
		PartialVolumes:   cfg.PartialVolume.Classes,
		Hui:              cfg.PartialVolume.Hui,
		Output: Outputs{
			Segmentation:          cfg.Output.Segmentation,
			Corrected:             cfg.Output.Corrected,
			BiasField:             cfg.Output.BiasField,
			BiasFieldCoefficients: cfg.Output.BiasFieldCoefficients,
			Probabilities:         cfg.Output.Probabilities,
			Parameters:            cfg.Output.Parameters,
			Report:                cfg.Output.Report,
		},
		SaveIntermediaryResults: cfg.Output.SaveIntermediaryResults,
		IntermediaryDir:         cfg.Output.IntermediaryDir,
	}
	if seg.Padding != nil {
		p.Padding = *seg.Padding
	}
	if seg.SparseAtlas {
		p.Kind = atlas.Sparse
	}
	if p.MRFTimes <= 0 {
		p.MRFTimes = p.MaxIterations
	}

	classes := len(seg.Priors)
	if seg.Background {
		classes++
	}

	tissues := cfg.PartialVolume.Tissues
	groups := [][]int{tissues.Outlier, tissues.CSF, tissues.GM, tissues.WM}
	if len(tissues.Outlier)+len(tissues.CSF)+len(tissues.GM)+len(tissues.WM) > 0 {
		p.Tissues = make([]em.Tissue, classes)
		for g, members := range groups {
			for _, k := range members {
				if k < 0 || k >= classes {
					return nil, fmt.Errorf("tissue class %d out of range [0, %d)", k, classes)
				}
				p.Tissues[k] = em.TissueOutlier + em.Tissue(g)
			}
		}
	} else if p.Hui {
		return nil, fmt.Errorf("partial volume correction needs tissue labels")
	}

	if len(cfg.PartialVolume.Superlabels) > 0 {
		p.Superlabels = make([]int, classes)
		for k := range p.Superlabels {
			p.Superlabels[k] = k
		}
		for _, group := range cfg.PartialVolume.Superlabels {
			for _, k := range group {
				if k < 0 || k >= classes {
					return nil, fmt.Errorf("superlabel class %d out of range [0, %d)", k, classes)
				}
				p.Superlabels[k] = group[0]
			}
		}
	}

	return p, nil
}
