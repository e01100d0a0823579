package em

import (
	"errors"
	"fmt"
)

var (
	// ErrNoInput is returned when a step runs before SetInput
	ErrNoInput = errors.New("em: no input image")

	// ErrNoClasses is returned when no probability maps were added
	ErrNoClasses = errors.New("em: no tissue classes")

	// ErrNotInitialised is returned when a step needs Initialise to have run
	ErrNotInitialised = errors.New("em: classifier not initialised")

	// ErrNoSuchClass is returned for class indices out of range
	ErrNoSuchClass = errors.New("em: no such tissue class")

	// ErrGridMismatch is returned when an image does not match the atlas grid
	ErrGridMismatch = errors.New("em: image grid does not match atlas")

	// ErrNoMixelVoxels is returned when a partial volume class has no voxel
	// with an intensity between its parent means
	ErrNoMixelVoxels = errors.New("em: no voxels between parent class means")

	// ErrZeroProbability is returned when a voxel loses all probability mass
	// during partial volume insertion
	ErrZeroProbability = errors.New("em: zero total probability")

	// ErrNoBiasField is returned by BStep without a bias field
	ErrNoBiasField = errors.New("em: no bias field set")

	// ErrNoTissueLabels is returned by the partial volume correction when no
	// class carries a coarse tissue label
	ErrNoTissueLabels = errors.New("em: tissue labels not set")

	// ErrSizeMismatch is returned when per-class arguments have the wrong length
	ErrSizeMismatch = errors.New("em: argument length does not match class count")
)

// EmptyClassError reports a class without posterior mass, whose mean cannot be
// estimated
type EmptyClassError struct {
	Class int
}

func (e *EmptyClassError) Error() string {
	return fmt.Sprintf("em: tissue %d: division by zero while computing tissue mean", e.Class)
}

// ErrInitialised is returned when classes are added after Initialise
var ErrInitialised = errors.New("em: classifier already initialised")

// ErrProbabilityRange is returned when a mixture density leaves (0, 1]
var ErrProbabilityRange = errors.New("em: probability out of range")
