package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"

	"drawem/pkg/config"
	"drawem/pkg/segmentation"
)

// listFlag collects a comma separated list, or repeated flags
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(value string) error {
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*l = append(*l, v)
		}
	}
	return nil
}

// pvFlag parses partial volume classes given as a,b or a,b,tissue
type pvFlag []config.PartialVolume

func (p *pvFlag) String() string { return fmt.Sprint(*p) }

func (p *pvFlag) Set(value string) error {
	parts := strings.Split(value, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return fmt.Errorf("expected a,b or a,b,tissue, got %q", value)
	}
	a, err := strconv.Atoi(parts[0])
	if err != nil {
		return err
	}
	b, err := strconv.Atoi(parts[1])
	if err != nil {
		return err
	}
	pv := config.PartialVolume{ClassA: a, ClassB: b}
	if len(parts) == 3 {
		pv.Tissue = parts[2]
	}
	*p = append(*p, pv)
	return nil
}

// progressReporter drives one progress bar per voxel pass
type progressReporter struct {
	writer io.Writer
	logger log.FieldLogger

	bar     *progressbar.ProgressBar
	message string
	total   int
}

func (r *progressReporter) update(completed, total int, message string) {
	if r.bar == nil || message != r.message || total != r.total {
		r.bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription(message),
			progressbar.OptionSetWriter(r.writer),
			progressbar.OptionClearOnFinish(),
		)
		r.message, r.total = message, total
	}
	if err := r.bar.Set(completed); err != nil {
		r.logger.WithError(err).Debug("Failed to update progress bar")
	}
}

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "drawem.yaml", "YAML configuration file")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	input := flag.String("input", "", "Image to segment")
	var priors, posteriors, probabilities listFlag
	flag.Var(&priors, "priors", "Prior probability maps, comma separated")
	flag.Var(&posteriors, "posteriors", "Initial posterior maps, comma separated")
	flag.Var(&probabilities, "saveprob", "Save a posterior map as class:path (repeatable)")
	output := flag.String("output", "", "Output segmentation")
	mask := flag.String("mask", "", "Mask image")
	padding := flag.String("padding", "", "Padding value")
	iterations := flag.Int("iterations", 0, "Maximum number of iterations")
	relDiff := flag.Float64("reldiff", 0, "Relative log-likelihood change ending a phase")
	degree := flag.Int("biasfielddegree", -1, "Degree of the bias field polynomial")
	corrected := flag.String("corrected", "", "Output bias corrected image")
	biasField := flag.String("biasfield", "", "Output bias field image")
	mrf := flag.String("mrf", "", "Class connectivity matrix enabling the MRF")
	mrfStrength := flag.Float64("mrfstrength", 0, "MRF strength")
	mrfTimes := flag.Int("mrftimes", 0, "Number of MRF iterations")
	bigMRF := flag.Bool("bigmrf", false, "Use the 26-neighbourhood MRF")
	relax := flag.Bool("relax", false, "Relax priors")
	relaxFactor := flag.Float64("relaxfactor", -1, "Prior relaxation factor")
	relaxTimes := flag.Int("relaxtimes", 0, "Number of relaxation steps")
	var pv pvFlag
	flag.Var(&pv, "pv", "Partial volume class as a,b or a,b,tissue (repeatable)")
	hui := flag.Bool("hui", false, "Enable the anatomical partial volume correction")
	postPenalty := flag.String("postpenalty", "", "Post-penalty weight image")
	report := flag.String("report", "", "Output YAML report")
	parameters := flag.String("parameters", "", "Output Gaussian parameter text file")
	workers := flag.Int("workers", 0, "Number of worker goroutines")
	sparse := flag.Bool("sparse", false, "Store probability maps sparsely")
	saveIntermediary := flag.Bool("save-intermediary", false, "Save QC slices of the results")
	intermediaryDir := flag.String("intermediary-dir", "", "Directory for QC slices")
	verbose := flag.Bool("verbose", false, "Log per-voxel diagnostics")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Command line flags override the configuration file
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if *input != "" {
		cfg.Segmentation.Input = *input
	}
	if len(priors) > 0 {
		cfg.Segmentation.Priors = priors
	}
	if len(posteriors) > 0 {
		cfg.Segmentation.Posteriors = posteriors
	}
	if *output != "" {
		cfg.Output.Segmentation = *output
	}
	if *mask != "" {
		cfg.Segmentation.Mask = *mask
	}
	if *padding != "" {
		v, err := strconv.ParseFloat(*padding, 64)
		if err != nil {
			log.Fatalf("Invalid padding %q: %v", *padding, err)
		}
		cfg.Segmentation.Padding = &v
	}
	if *iterations > 0 {
		cfg.Segmentation.MaxIterations = *iterations
		if !set["mrftimes"] && cfg.MRF.Times == 0 {
			cfg.MRF.Times = *iterations
		}
	}
	if *relDiff > 0 {
		cfg.Segmentation.RelDiff = *relDiff
	}
	if *degree >= 0 {
		cfg.Segmentation.BiasFieldDegree = *degree
	}
	if *corrected != "" {
		cfg.Output.Corrected = *corrected
	}
	if *biasField != "" {
		cfg.Output.BiasField = *biasField
	}
	if *mrf != "" {
		cfg.MRF.ConnectivityFile = *mrf
	}
	if *mrfStrength > 0 {
		cfg.MRF.Strength = *mrfStrength
	}
	if *mrfTimes > 0 {
		cfg.MRF.Times = *mrfTimes
	}
	if *bigMRF {
		cfg.MRF.BigNeighbourhood = true
	}
	if *relax || set["relaxfactor"] || set["relaxtimes"] {
		cfg.Relaxation.Enabled = true
	}
	if *relaxFactor >= 0 {
		cfg.Relaxation.Factor = *relaxFactor
	}
	if *relaxTimes > 0 {
		cfg.Relaxation.Times = *relaxTimes
	}
	if len(pv) > 0 {
		cfg.PartialVolume.Classes = pv
	}
	if *hui {
		cfg.PartialVolume.Hui = true
	}
	if *postPenalty != "" {
		cfg.Segmentation.PostPenalty = *postPenalty
	}
	if *report != "" {
		cfg.Output.Report = *report
	}
	if *parameters != "" {
		cfg.Output.Parameters = *parameters
	}
	if *workers > 0 {
		cfg.Segmentation.Workers = *workers
	}
	if *sparse {
		cfg.Segmentation.SparseAtlas = true
	}
	if *saveIntermediary {
		cfg.Output.SaveIntermediaryResults = true
	}
	if *intermediaryDir != "" {
		cfg.Output.IntermediaryDir = *intermediaryDir
	}
	for _, p := range probabilities {
		k, path, ok := strings.Cut(p, ":")
		class, err := strconv.Atoi(k)
		if !ok || err != nil {
			log.Fatalf("Invalid -saveprob %q, expected class:path", p)
		}
		if cfg.Output.Probabilities == nil {
			cfg.Output.Probabilities = map[int]string{}
		}
		cfg.Output.Probabilities[class] = path
	}

	if cfg.Segmentation.Input == "" || len(cfg.Segmentation.Priors) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	log.SetLevel(log.InfoLevel)
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	runID := uuid.New().String()
	logger := log.WithField("run", runID)

	params, err := segmentation.ParamsFromConfig(cfg)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	params.RunID = runID

	segmenter := segmentation.NewSegmenter(params)
	segmenter.SetLogger(logger)
	progress := &progressReporter{writer: os.Stderr, logger: logger}
	segmenter.SetProgressCallback(progress.update)

	logger.Info("Starting Draw-EM segmentation...")
	startTime := time.Now()
	if err := segmenter.Process(); err != nil {
		logger.Fatalf("Segmentation failed: %v", err)
	}
	processingTime := time.Since(startTime)

	res := segmenter.Result()
	fmt.Printf("\nSegmentation completed in %.2f seconds after %d iterations\n",
		processingTime.Seconds(), res.Report.Iterations)
	fmt.Printf("Segmentation saved to: %s\n\n", cfg.Output.Segmentation)

	fmt.Println("Classes:")
	for _, c := range res.Report.Classes {
		fmt.Printf("  %2d  mean %8.2f  sigma %.4f  proportion %.3f  %s\n",
			c.Index, c.Intensity, c.Sigma, c.Proportion, c.Tissue)
	}
	fmt.Println("Labels:")
	for _, l := range res.Report.Labels {
		fmt.Printf("  %2d  %8d voxels  %10.1f mm3\n", l.Label, l.Voxels, l.Volume)
	}
}
