package em

import (
	"fmt"
	"strings"

	"drawem/internal/models"
	"drawem/pkg/atlas"
)

// Tissue is a coarse tissue group used by the partial volume correction
type Tissue int

const (
	TissueNone Tissue = iota
	TissueOutlier
	TissueCSF
	TissueGM
	TissueWM
)

// String returns the tissue group name
func (t Tissue) String() string {
	switch t {
	case TissueOutlier:
		return "outlier"
	case TissueCSF:
		return "csf"
	case TissueGM:
		return "gm"
	case TissueWM:
		return "wm"
	default:
		return "none"
	}
}

// ParseTissue converts a tissue group name to a Tissue. The empty string
// is TissueNone.
func ParseTissue(name string) (Tissue, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return TissueNone, nil
	case "outlier":
		return TissueOutlier, nil
	case "csf":
		return TissueCSF, nil
	case "gm":
		return TissueGM, nil
	case "wm":
		return TissueWM, nil
	}
	return TissueNone, fmt.Errorf("unknown tissue %q", name)
}

// PartialVolume records the parents and mixing fraction of a synthesized class
type PartialVolume struct {
	// A and B are the parent class indices
	A, B int

	// Gamma is the fraction of B in the mixture
	Gamma float64
}

// Class holds the per-tissue model parameters
type Class struct {
	Mean       float64
	Variance   float64
	Proportion float64

	// Tissue is the coarse group of the class
	Tissue Tissue

	// Super groups classes whose parameters are estimated jointly
	Super int

	// PV is set for partial volume classes
	PV *PartialVolume
}

// classTable owns every per-class array so that classes are always added
// and reordered in all of them at once
type classTable struct {
	classes   []Class
	prior     *atlas.Atlas
	posterior *atlas.Atlas
	conn      *Connectivity
}

// NumberOfClasses returns K
func (t *classTable) NumberOfClasses() int {
	return len(t.classes)
}

// hasBackground reports whether the last class is a synthesized background
func (t *classTable) hasBackground() bool {
	return t.prior != nil && t.prior.HasBackground()
}

func (t *classTable) checkClass(k int) error {
	if k < 0 || k >= len(t.classes) {
		return fmt.Errorf("%w: %d of %d", ErrNoSuchClass, k, len(t.classes))
	}
	return nil
}

// nextSuper returns a super-label not used by any class
func (t *classTable) nextSuper() int {
	next := len(t.classes)
	for _, c := range t.classes {
		if c.Super >= next {
			next = c.Super + 1
		}
	}
	return next
}

// insert adds class c at position pos with the given prior and posterior
// maps. When conn is non-nil it replaces the connectivity matrix and must
// already have the inserted class in position pos.
func (t *classTable) insert(pos int, c Class, prior, posterior *models.Volume, conn *Connectivity) error {
	if pos < 0 || pos > len(t.classes) {
		return fmt.Errorf("%w: insert position %d", ErrNoSuchClass, pos)
	}

	// Validate everything first so that a failure leaves the table untouched
	g := t.prior.Grid()
	if !prior.SameSize(g) || (t.posterior != nil && !posterior.SameSize(g)) {
		return ErrGridMismatch
	}
	if conn != nil && conn.Size() != len(t.classes)+1 {
		return fmt.Errorf("%w: connectivity size %d for %d classes", ErrSizeMismatch, conn.Size(), len(t.classes)+1)
	}

	if err := t.prior.InsertImage(pos, prior); err != nil {
		return err
	}
	if t.posterior != nil {
		if err := t.posterior.InsertImage(pos, posterior); err != nil {
			return err
		}
	}

	t.classes = append(t.classes, Class{})
	copy(t.classes[pos+1:], t.classes[pos:])
	t.classes[pos] = c

	// Partial volume parents shift with the insertion
	for k := range t.classes {
		pv := t.classes[k].PV
		if k == pos || pv == nil {
			continue
		}
		if pv.A >= pos {
			pv.A++
		}
		if pv.B >= pos {
			pv.B++
		}
	}

	if conn != nil {
		t.conn = conn
	}
	return nil
}
