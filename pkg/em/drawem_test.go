package em

import (
	"errors"
	"math"
	"strings"
	"testing"

	"drawem/internal/models"
	"drawem/pkg/atlas"
	"drawem/pkg/biasfield"
)

func newDrawEM(t *testing.T, priors, posteriors []*models.Volume, background bool, img *models.Volume, conn *Connectivity) *DrawEM {
	t.Helper()
	d, err := NewDrawEM(atlas.Dense, priors, posteriors, background)
	if err != nil {
		t.Fatalf("Failed to create classifier: %v", err)
	}
	d.SetLogger(quietLogger())
	d.SetWorkers(3)
	d.SetInput(img, conn)
	if err := d.Initialise(); err != nil {
		t.Fatalf("Initialise failed: %v", err)
	}
	return d
}

// loneVoxelSetup has one class 0 voxel in the centre of a class 1 block
func loneVoxelSetup(t *testing.T) *DrawEM {
	g := models.NewGrid(5, 5, 5)
	centre := g.Index(2, 2, 2)
	img := models.NewVolume(g)
	a := models.NewVolume(g)
	b := models.NewVolume(g)
	for i := range img.Data {
		img.Data[i] = 50 + float64(i%3-1)
		a.Data[i], b.Data[i] = 0.1, 0.9
	}
	a.Data[centre], b.Data[centre] = 0.9, 0.1

	conn, err := NewConnectivityFrom(2, []int{0, Distant, Distant, 0})
	if err != nil {
		t.Fatalf("Failed to build connectivity: %v", err)
	}
	return newDrawEM(t, flatPriors(g, 2), []*models.Volume{a, b}, false, img, conn)
}

// TestMRFSuppressesLoneVoxel compares the class 0 posterior of an isolated
// voxel with and without the MRF
func TestMRFSuppressesLoneVoxel(t *testing.T) {
	centre := models.NewGrid(5, 5, 5).Index(2, 2, 2)

	plain := loneVoxelSetup(t)
	if err := plain.EStep(); err != nil {
		t.Fatalf("EStep failed: %v", err)
	}

	for _, bigNN := range []bool{false, true} {
		mrf := loneVoxelSetup(t)
		mrf.SetBigNeighbourhood(bigNN)
		if err := mrf.EStepMRF(); err != nil {
			t.Fatalf("EStepMRF failed: %v", err)
		}

		without := plain.posterior.Value(0, centre)
		with := mrf.posterior.Value(0, centre)
		if with >= without {
			t.Errorf("Expected MRF (big neighbourhood %v) to suppress class 0, got %f >= %f", bigNN, with, without)
		}
		checkNormalized(t, "posterior", mrf.EM, mrf.posterior)
	}
}

// TestMRFInterAtlas verifies that a second atlas can overturn the label the
// neighbourhood term alone would keep
func TestMRFInterAtlas(t *testing.T) {
	g := models.NewGrid(5, 5, 5)
	img := volumeFrom(g, func(x, y, z int) float64 { return 50 + float64((x+y+z)%3-1) })
	a := volumeFrom(g, func(int, int, int) float64 { return 0.6 })
	b := volumeFrom(g, func(int, int, int) float64 { return 0.4 })
	aux := []*models.Volume{
		models.NewVolume(g),
		volumeFrom(g, func(int, int, int) float64 { return 1 }),
	}

	setup := func(t *testing.T) *DrawEM {
		conn, err := NewConnectivityFrom(2, []int{0, Distant, Distant, 0})
		if err != nil {
			t.Fatalf("Failed to build connectivity: %v", err)
		}
		return newDrawEM(t, flatPriors(g, 2), []*models.Volume{a, b}, false, img, conn)
	}

	tests := []struct {
		name      string
		inter     bool
		betaInter float64
		label     int
	}{
		{"IntraOnly", false, 0, 1},
		{"WeakInter", true, 1.0 / 3.0, 1},
		{"StrongInter", true, 3, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := setup(t)
			if tt.inter {
				if err := d.SetMRFInterAtlas(aux); err != nil {
					t.Fatalf("SetMRFInterAtlas failed: %v", err)
				}
				d.SetBetaInter(tt.betaInter)
			}
			if err := d.EStepMRF(); err != nil {
				t.Fatalf("EStepMRF failed: %v", err)
			}
			seg, err := d.ConstructSegmentation()
			if err != nil {
				t.Fatalf("ConstructSegmentation failed: %v", err)
			}
			for i, label := range seg.Data {
				if label != tt.label {
					t.Fatalf("Expected label %d at voxel %d, got %d", tt.label, i, label)
				}
			}
			checkNormalized(t, "posterior", d.EM, d.posterior)
		})
	}

	d := setup(t)
	if err := d.SetMRFInterAtlas([]*models.Volume{models.NewVolume(models.NewGrid(2, 2, 2))}); !errors.Is(err, ErrGridMismatch) {
		t.Errorf("Expected ErrGridMismatch, got %v", err)
	}
}

// TestMRFDisabledOnSizeMismatch verifies the fallback to the plain E-step
func TestMRFDisabledOnSizeMismatch(t *testing.T) {
	g := models.NewGrid(10, 10, 10)
	img := twoTissueImage(g)

	plain := newDrawEM(t, flatPriors(g, 2), splitPosteriors(g, 0.9), false, img, NewConnectivity(3))
	if plain.mrfEnabled() {
		t.Fatal("Expected MRF to be disabled for a 3x3 matrix and 2 classes")
	}
	ref := newDrawEM(t, flatPriors(g, 2), splitPosteriors(g, 0.9), false, img, nil)

	if err := plain.EStepMRF(); err != nil {
		t.Fatalf("EStepMRF failed: %v", err)
	}
	if err := ref.EStep(); err != nil {
		t.Fatalf("EStep failed: %v", err)
	}
	for _, i := range []int{0, 444, 999} {
		if math.Abs(plain.posterior.Value(0, i)-ref.posterior.Value(0, i)) > 1e-12 {
			t.Errorf("Expected plain E-step result at voxel %d", i)
		}
	}
}

// pvImage is twoTissueImage with a column of intermediate intensities
func pvImage(g models.Grid) *models.Volume {
	img := twoTissueImage(g)
	for i := range img.Data {
		if x, _, _ := g.Coords(i); x == 5 {
			img.Data[i] = 30
		}
	}
	return img
}

// TestAddPartialVolumeClass checks the grown model without background
func TestAddPartialVolumeClass(t *testing.T) {
	g := models.NewGrid(10, 10, 10)
	conn, _ := NewConnectivityFrom(2, []int{0, 1, 1, 0})
	d := newDrawEM(t, flatPriors(g, 2), splitPosteriors(g, 0.9), false, pvImage(g), conn)
	if err := d.SetTissueLabels([]Tissue{TissueCSF, TissueWM}); err != nil {
		t.Fatalf("SetTissueLabels failed: %v", err)
	}
	means := d.Means()

	k, err := d.AddPartialVolumeClass(0, 1, TissueGM)
	if err != nil {
		t.Fatalf("AddPartialVolumeClass failed: %v", err)
	}
	if k != 2 {
		t.Errorf("Expected new class at index 2, got %d", k)
	}
	if d.NumberOfClasses() != 3 {
		t.Errorf("Expected 3 classes, got %d", d.NumberOfClasses())
	}
	if !d.IsPartialVolume(2) || d.IsPartialVolume(0) {
		t.Errorf("Expected only class 2 to be a partial volume class, got %v", d.PartialVolumeClasses())
	}

	c, _ := d.Class(2)
	if c.Tissue != TissueGM {
		t.Errorf("Expected tissue gm, got %s", c.Tissue)
	}
	if c.PV.Gamma <= 0 || c.PV.Gamma >= 1 {
		t.Errorf("Expected gamma in (0, 1), got %f", c.PV.Gamma)
	}
	if c.Mean <= means[0] || c.Mean >= means[1] {
		t.Errorf("Expected mean between %f and %f, got %f", means[0], means[1], c.Mean)
	}

	m := d.Connectivity()
	if m.Size() != 3 {
		t.Fatalf("Expected 3x3 connectivity, got %d", m.Size())
	}
	expected := [][]int{
		{0, Distant, Adjacent},
		{Distant, 0, Adjacent},
		{Adjacent, Adjacent, 0},
	}
	for i := range expected {
		for j := range expected[i] {
			if m.At(i, j) != expected[i][j] {
				t.Errorf("Expected connectivity (%d,%d) = %d, got %d", i, j, expected[i][j], m.At(i, j))
			}
		}
	}

	checkNormalized(t, "posterior", d.EM, d.posterior)
	checkNormalized(t, "prior", d.EM, d.prior)

	// The grown model keeps iterating
	if _, err := d.Iterate(1); err != nil {
		t.Fatalf("Iterate after PV insertion failed: %v", err)
	}
}

// TestAddPartialVolumeClassBackground checks that the background stays last
func TestAddPartialVolumeClassBackground(t *testing.T) {
	g := models.NewGrid(10, 10, 10)
	priors := splitPosteriors(g, 0.9)
	for _, p := range priors {
		for i := range p.Data {
			if x, _, _ := g.Coords(i); x == 0 || x == 9 {
				p.Data[i] *= 0.5
			}
		}
	}
	conn, _ := NewConnectivityFrom(3, []int{0, 1, 1, 1, 0, 1, 1, 1, 0})
	d := newDrawEM(t, priors, nil, true, pvImage(g), conn)
	if !d.HasBackground() {
		t.Fatal("Expected a background class")
	}
	before := d.Means()

	k, err := d.AddPartialVolumeClass(0, 1, TissueGM)
	if err != nil {
		t.Fatalf("AddPartialVolumeClass failed: %v", err)
	}
	if k != 2 {
		t.Errorf("Expected new class at index 2, got %d", k)
	}
	after := d.Means()
	if len(after) != 4 {
		t.Fatalf("Expected 4 classes, got %d", len(after))
	}
	if after[3] != before[2] {
		t.Errorf("Expected background mean %f to stay last, got %f", before[2], after[3])
	}
	if !d.prior.HasBackground() || !d.posterior.HasBackground() {
		t.Error("Expected both atlases to keep the background flag")
	}

	m := d.Connectivity()
	checks := []struct {
		i, j, v int
	}{
		{0, 1, Distant},
		{2, 0, Adjacent},
		{2, 1, Adjacent},
		{2, 3, Distant},
		{3, 2, Distant},
		{3, 3, 0},
		{3, 0, Adjacent},
	}
	for _, c := range checks {
		if m.At(c.i, c.j) != c.v {
			t.Errorf("Expected connectivity (%d,%d) = %d, got %d", c.i, c.j, c.v, m.At(c.i, c.j))
		}
	}
	checkNormalized(t, "posterior", d.EM, d.posterior)
}

// TestAddPartialVolumeNoMixels verifies the model is unchanged on failure
func TestAddPartialVolumeNoMixels(t *testing.T) {
	g := models.NewGrid(10, 10, 10)
	d := newDrawEM(t, flatPriors(g, 2), splitPosteriors(g, 1), false, twoTissueImage(g), nil)

	// Means are 10 and 50; no voxel lies strictly between 12 and 48
	d.classes[0].Mean, d.classes[1].Mean = 12.5, 47.5
	_, err := d.AddPartialVolumeClass(0, 1, TissueGM)
	if !errors.Is(err, ErrNoMixelVoxels) {
		t.Fatalf("Expected ErrNoMixelVoxels, got %v", err)
	}
	if d.NumberOfClasses() != 2 {
		t.Errorf("Expected 2 classes after failure, got %d", d.NumberOfClasses())
	}
	if _, err := d.AddPartialVolumeClass(0, 5, TissueGM); !errors.Is(err, ErrNoSuchClass) {
		t.Errorf("Expected ErrNoSuchClass, got %v", err)
	}
}

// TestRStep verifies relaxed priors stay normalized
func TestRStep(t *testing.T) {
	g := models.NewGrid(10, 10, 10)
	conns := map[string]*Connectivity{"without connectivity": nil}
	conns["with connectivity"], _ = NewConnectivityFrom(2, []int{0, 1, 1, 0})

	for name, conn := range conns {
		t.Run(name, func(t *testing.T) {
			d := newDrawEM(t, flatPriors(g, 2), splitPosteriors(g, 0.9), false, twoTissueImage(g), conn)
			if err := d.EStep(); err != nil {
				t.Fatalf("EStep failed: %v", err)
			}
			if err := d.RStep(RStepDefault); err != nil {
				t.Fatalf("RStep failed: %v", err)
			}
			checkNormalized(t, "prior", d.EM, d.prior)

			// Far from the boundary the prior follows the posterior
			i := g.Index(1, 5, 5)
			if d.prior.Value(0, i) <= 0.5 {
				t.Errorf("Expected relaxed prior above 0.5, got %f", d.prior.Value(0, i))
			}
		})
	}
}

// TestHuiPVCorrection moves a CSF pocket inside WM into WM
func TestHuiPVCorrection(t *testing.T) {
	g := models.NewGrid(9, 5, 5)
	pocket := g.Index(6, 2, 2)
	csf, gm, wm := models.NewVolume(g), models.NewVolume(g), models.NewVolume(g)
	img := models.NewVolume(g)
	for i := range img.Data {
		x, _, _ := g.Coords(i)
		switch {
		case x < 3 || i == pocket:
			csf.Data[i], gm.Data[i], wm.Data[i] = 0.8, 0.1, 0.1
			img.Data[i] = 10
		default:
			csf.Data[i], gm.Data[i], wm.Data[i] = 0.1, 0.1, 0.8
			img.Data[i] = 50
		}
		img.Data[i] += float64(i%3 - 1)
	}

	d := newDrawEM(t, flatPriors(g, 3), []*models.Volume{csf, gm, wm}, false, img, nil)
	if err := d.HuiPVCorrection(false); !errors.Is(err, ErrNoTissueLabels) {
		t.Fatalf("Expected ErrNoTissueLabels, got %v", err)
	}
	if err := d.SetTissueLabels([]Tissue{TissueCSF, TissueGM, TissueWM}); err != nil {
		t.Fatalf("SetTissueLabels failed: %v", err)
	}

	if err := d.HuiPVCorrection(false); err != nil {
		t.Fatalf("HuiPVCorrection failed: %v", err)
	}

	expected := []float64{0.4, 0.1, 0.5}
	for k, v := range expected {
		if got := d.posterior.Value(k, pocket); math.Abs(got-v) > 1e-9 {
			t.Errorf("Expected posterior %f for class %d in pocket, got %f", v, k, got)
		}
	}
	seg, err := d.ConstructSegmentationHui()
	if err != nil {
		t.Fatalf("ConstructSegmentationHui failed: %v", err)
	}
	if Tissue(seg.Data[pocket]) != TissueWM {
		t.Errorf("Expected pocket to be wm, got %s", Tissue(seg.Data[pocket]))
	}
	if Tissue(seg.Data[g.Index(0, 0, 0)]) != TissueCSF {
		t.Errorf("Expected large csf component to stay csf, got %s", Tissue(seg.Data[0]))
	}

	checkNormalized(t, "posterior", d.EM, d.posterior)
	checkNormalized(t, "prior", d.EM, d.prior)
}

// TestBStep verifies that a linear intensity ramp is removed
func TestBStep(t *testing.T) {
	g := models.NewGrid(10, 10, 10)
	img := twoTissueImage(g)
	for i := range img.Data {
		x, _, _ := g.Coords(i)
		img.Data[i] += 0.2 * float64(x)
	}

	d := newDrawEM(t, flatPriors(g, 2), splitPosteriors(g, 0.9), false, img, nil)
	if err := d.BStep(); !errors.Is(err, ErrNoBiasField) {
		t.Errorf("Expected ErrNoBiasField, got %v", err)
	}
	d.SetBiasField(biasfield.NewPolynomial(1))

	for i := 0; i < 4; i++ {
		if _, err := d.Iterate(i); err != nil {
			t.Fatalf("Iterate %d failed: %v", i, err)
		}
	}

	field, err := d.BiasFieldImage()
	if err != nil {
		t.Fatalf("BiasFieldImage failed: %v", err)
	}
	corrected := d.BiasCorrectedImage()
	for _, i := range []int{0, 123, 999} {
		if math.Abs(field.Data[i]+corrected.Data[i]-img.Data[i]) > 1e-9 {
			t.Errorf("Expected field plus corrected to equal input at voxel %d", i)
		}
	}
	if d.BiasField().Type() != biasfield.Polynomial {
		t.Errorf("Expected polynomial bias field, got %v", d.BiasField().Type())
	}
}

// TestConnectivity covers parsing, growth and swapping
func TestConnectivity(t *testing.T) {
	c, err := ReadConnectivity(strings.NewReader("0 1 2\n1 0 1\n2 1 0\n"), 3)
	if err != nil {
		t.Fatalf("ReadConnectivity failed: %v", err)
	}
	if c.Size() != 3 || c.At(0, 2) != Distant || c.At(1, 2) != Adjacent {
		t.Errorf("Unexpected matrix:\n%s", c)
	}

	if _, err := ReadConnectivity(strings.NewReader("0 1 x 0"), 2); err == nil {
		t.Error("Expected error for non-numeric entry")
	}
	if _, err := ReadConnectivity(strings.NewReader("0 1 1"), 2); err == nil {
		t.Error("Expected error for short matrix")
	}

	grown := c.Grow(0, 1)
	if grown.Size() != 4 {
		t.Fatalf("Expected size 4, got %d", grown.Size())
	}
	if grown.At(0, 1) != Distant || grown.At(1, 0) != Distant {
		t.Error("Expected parents to become distant")
	}
	if grown.At(3, 0) != Adjacent || grown.At(3, 1) != Adjacent || grown.At(3, 2) != Distant || grown.At(3, 3) != Identical {
		t.Errorf("Unexpected new row:\n%s", grown)
	}
	if c.At(0, 1) != Adjacent {
		t.Error("Expected Grow to leave the original untouched")
	}

	grown.Swap(2, 3)
	if grown.At(2, 0) != Adjacent || grown.At(3, 0) != Distant || grown.At(2, 3) != Distant {
		t.Errorf("Unexpected swapped matrix:\n%s", grown)
	}

	var empty *Connectivity
	if empty.Size() != 0 {
		t.Errorf("Expected size 0 for nil matrix, got %d", empty.Size())
	}
}

// TestGMM runs the plain mixture model without atlas priors
func TestGMM(t *testing.T) {
	g := models.NewGrid(10, 10, 10)
	e := New(atlas.Dense)
	e.SetLogger(quietLogger())
	e.SetInput(twoTissueImage(g))

	if err := e.InitialiseGMMParameters(3); err != nil {
		t.Fatalf("InitialiseGMMParameters failed: %v", err)
	}
	means := e.Means()
	for k, expected := range []float64{8, 30, 52} {
		if math.Abs(means[k]-expected) > 1e-9 {
			t.Errorf("Expected initial mean %f for class %d, got %f", expected, k, means[k])
		}
	}
	if math.Abs(e.Variances()[0]-484) > 1e-9 {
		t.Errorf("Expected initial variance 484, got %f", e.Variances()[0])
	}

	e = New(atlas.Dense)
	e.SetLogger(quietLogger())
	e.SetInput(twoTissueImage(g))
	if err := e.SetGMMParameters([]float64{8, 52}, []float64{16, 16}, []float64{0.5, 0.5}); err != nil {
		t.Fatalf("SetGMMParameters failed: %v", err)
	}
	for i := 1; i <= 5; i++ {
		if _, err := e.IterateGMM(i, i%2 == 0, false); err != nil {
			t.Fatalf("IterateGMM %d failed: %v", i, err)
		}
	}
	means = e.Means()
	if math.Abs(means[0]-10) > 1e-3 || math.Abs(means[1]-50) > 1e-3 {
		t.Errorf("Expected means 10 and 50, got %v", means)
	}
	props := e.Proportions()
	if math.Abs(props[0]-0.5) > 1e-3 {
		t.Errorf("Expected proportion 0.5, got %f", props[0])
	}

	nll, err := e.PointLogLikelihoodGMM(10)
	if err != nil {
		t.Fatalf("PointLogLikelihoodGMM failed: %v", err)
	}
	if nll <= 0 {
		t.Errorf("Expected positive negative log-likelihood, got %f", nll)
	}
	if _, err := e.PointLogLikelihoodGMM(1e6); !errors.Is(err, ErrProbabilityRange) {
		t.Errorf("Expected ErrProbabilityRange far from all classes, got %v", err)
	}

	if err := e.SetGMMParameters([]float64{1}, []float64{1}, []float64{1}); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("Expected ErrSizeMismatch, got %v", err)
	}
}
