package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kazukittin/dupsnap/internal/action"
	"github.com/kazukittin/dupsnap/internal/cache"
	"github.com/kazukittin/dupsnap/internal/calibrate"
	"github.com/kazukittin/dupsnap/internal/config"
	"github.com/kazukittin/dupsnap/internal/engine"
	"github.com/kazukittin/dupsnap/internal/fingerprint"
	"github.com/kazukittin/dupsnap/internal/logging"
	"github.com/kazukittin/dupsnap/internal/metrics"
	"github.com/kazukittin/dupsnap/internal/report"
	"github.com/kazukittin/dupsnap/internal/scan"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Analyze a photo folder and act on duplicates and low-quality images",
	Long: `Scan a directory of photos, group near-duplicates, calibrate blur and
noise thresholds on the batch, and report or act on the flagged images.

Nothing is deleted unless a --drop-* flag is set. Removed duplicates go to
a recoverable trash folder next to the scanned directory.

Examples:
  # Report only
  dupsnap scan --input ./photos --blur-list blurry.csv --report report.csv

  # Remove duplicates (into the trash folder) and delete noisy shots
  dupsnap scan --input ./photos --drop-duplicates --drop-noisy

  # Move blurry images aside instead of deleting them
  dupsnap scan --input ./photos --blur-move-dir ./rejects --blur-method vol`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	defaults := config.DefaultSettings()
	scanCmd.Flags().String("input", "", "Directory to analyze (required)")
	_ = scanCmd.MarkFlagRequired("input")

	scanCmd.Flags().Bool("drop-duplicates", false, "Move non-representative duplicates to the trash folder")
	scanCmd.Flags().Bool("drop-blurry", false, "Delete images flagged as blurry")
	scanCmd.Flags().Bool("drop-noisy", false, "Delete images flagged as noisy")
	scanCmd.Flags().String("blur-move-dir", "", "Move blurry images here instead of deleting")
	scanCmd.Flags().String("noise-move-dir", "", "Move noisy images here instead of deleting")

	scanCmd.Flags().Int("similarity-threshold", defaults.SimilarityThreshold, "Max Hamming distance for two images to count as duplicates (0-64)")
	scanCmd.Flags().String("fingerprint", defaults.Fingerprint, "Fingerprint method: phash or dhash")
	scanCmd.Flags().Float64("blur-percentile", defaults.BlurPercentile, "Percentile of the batch flagged as blurry (5-50)")
	scanCmd.Flags().Float64("noise-percentile", defaults.NoisePercentile, "Percentile of the batch above which images count as noisy")
	scanCmd.Flags().String("blur-method", defaults.BlurMethod, "Blur rule: vol, hfr or vol+hfr")
	scanCmd.Flags().Int("blur-sample-limit", calibrate.DefaultSampleLimit, "Max images sampled for threshold calibration")

	scanCmd.Flags().String("report", "", "Write the full per-image CSV report to this file")
	scanCmd.Flags().String("blur-list", "", "Write a CSV of blur-flagged images to this file")
	scanCmd.Flags().String("noise-list", "", "Write a CSV of noise-flagged images to this file")

	scanCmd.Flags().StringSlice("skip-metric", nil, "Metric analyzers to exclude from this run")
	scanCmd.Flags().Int("workers", 0, "Extraction workers (0 = one per CPU)")
	scanCmd.Flags().Bool("no-cache", false, "Skip the per-folder metric cache")
	scanCmd.Flags().Bool("dry-run", false, "Report what would happen without touching any file")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}

	input := mustGetString(cmd, "input")
	info, err := os.Stat(input)
	if err != nil {
		return fmt.Errorf("input directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("input %s is not a directory", input)
	}

	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		logger.Warn("settings unavailable, using defaults", "error", err)
		settings = config.DefaultSettings()
	}
	applySettingDefaults(cmd, settings)

	similarity := mustGetInt(cmd, "similarity-threshold")
	if similarity < 0 || similarity > 64 {
		return fmt.Errorf("similarity threshold %d out of range 0-64", similarity)
	}
	blurPercentile := mustGetFloat64(cmd, "blur-percentile")
	if blurPercentile < 5 || blurPercentile > 50 {
		return fmt.Errorf("blur percentile %.1f out of range 5-50", blurPercentile)
	}
	noisePercentile := mustGetFloat64(cmd, "noise-percentile")
	if noisePercentile <= 0 || noisePercentile >= 100 {
		return fmt.Errorf("noise percentile %.1f out of range 0-100 (exclusive)", noisePercentile)
	}
	sampleLimit := mustGetInt(cmd, "blur-sample-limit")
	if sampleLimit <= 0 {
		return fmt.Errorf("blur sample limit must be positive, got %d", sampleLimit)
	}
	blurMethod, err := engine.ParseBlurMethod(mustGetString(cmd, "blur-method"))
	if err != nil {
		return err
	}
	method := fingerprint.ParseMethod(mustGetString(cmd, "fingerprint"))

	registry := metrics.DefaultRegistry()
	if skipped := mustGetStringSlice(cmd, "skip-metric"); len(skipped) > 0 {
		for _, name := range skipped {
			if _, err := registry.Require(name); err != nil {
				return err
			}
		}
		registry = registry.Without(skipped...)
	}

	dropDuplicates := mustGetBool(cmd, "drop-duplicates")
	dropBlurry := mustGetBool(cmd, "drop-blurry")
	dropNoisy := mustGetBool(cmd, "drop-noisy")
	blurMoveDir := mustGetString(cmd, "blur-move-dir")
	noiseMoveDir := mustGetString(cmd, "noise-move-dir")
	blurList := mustGetString(cmd, "blur-list")
	noiseList := mustGetString(cmd, "noise-list")
	dryRun := mustGetBool(cmd, "dry-run")

	params := engine.RunParams{
		SimilarityThreshold: similarity,
		BlurMethod:          blurMethod,
		BlurPercentile:      blurPercentile,
		NoisePercentile:     noisePercentile,
		SampleLimit:         sampleLimit,
		EnableBlur:          dropBlurry || blurMoveDir != "" || blurList != "",
		EnableNoise:         dropNoisy || noiseMoveDir != "" || noiseList != "",
	}

	paths, err := scan.Images(input)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		if params.EnableBlur || params.EnableNoise {
			return fmt.Errorf("no images found in %s: %w", input, calibrate.ErrEmptyBatch)
		}
		fmt.Printf("No images found in %s\n", input)
		return nil
	}
	fmt.Printf("Found %d images in %s\n", len(paths), input)

	workers := mustGetInt(cmd, "workers")
	if workers == 0 {
		workers = cfg.Workers
	}

	var store engine.Cache
	if !mustGetBool(cmd, "no-cache") {
		cacheDir := cfg.CacheDir
		if cacheDir == "" {
			cacheDir = input
		}
		db, err := cache.Open(filepath.Join(cacheDir, cache.DefaultFileName))
		if err != nil {
			logger.Warn("cache unavailable, continuing without it", "error", err)
		} else {
			defer db.Close()
			store = db
		}
	}

	session := engine.NewSession(logger, registry, method, workers, store)

	bar := progressbar.NewOptions(len(paths),
		progressbar.OptionSetDescription("Analyzing"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)
	if err := session.Extract(cmd.Context(), paths, func() { bar.Add(1) }); err != nil {
		return err
	}
	fmt.Println()

	result, err := session.Evaluate(cmd.Context(), params)
	if errors.Is(err, calibrate.ErrEmptyBatch) {
		return fmt.Errorf("cannot calibrate thresholds: %w", err)
	}
	if err != nil {
		return err
	}

	executor := action.New(logger, action.Options{
		Root:           input,
		DryRun:         dryRun,
		DropDuplicates: dropDuplicates,
		DropBlurry:     dropBlurry,
		DropNoisy:      dropNoisy,
		BlurMoveDir:    blurMoveDir,
		NoiseMoveDir:   noiseMoveDir,
	})
	sum := executor.Apply(result.Records)

	if path := mustGetString(cmd, "report"); path != "" {
		if err := report.WriteFile(path, result.Records); err != nil {
			return err
		}
		fmt.Printf("Report written to %s\n", path)
	}
	if blurList != "" {
		if err := report.WriteFile(blurList, report.Filter(result.Records, engine.DecisionBlurry)); err != nil {
			return err
		}
	}
	if noiseList != "" {
		if err := report.WriteFile(noiseList, report.Filter(result.Records, engine.DecisionNoisy)); err != nil {
			return err
		}
	}

	printScanSummary(result, sum, params, dryRun)

	settings.SimilarityThreshold = similarity
	settings.BlurPercentile = blurPercentile
	settings.NoisePercentile = noisePercentile
	settings.BlurMethod = string(blurMethod)
	settings.Fingerprint = string(method)
	if err := settings.Save(cfg.SettingsPath); err != nil {
		logger.Warn("settings not persisted", "error", err)
	}
	return nil
}

// applySettingDefaults substitutes persisted settings for flags the user did
// not pass on this invocation.
func applySettingDefaults(cmd *cobra.Command, s config.Settings) {
	set := func(name, value string) {
		if !cmd.Flags().Changed(name) {
			_ = cmd.Flags().Set(name, value)
		}
	}
	set("similarity-threshold", fmt.Sprintf("%d", s.SimilarityThreshold))
	set("blur-percentile", fmt.Sprintf("%g", s.BlurPercentile))
	set("noise-percentile", fmt.Sprintf("%g", s.NoisePercentile))
	set("blur-method", s.BlurMethod)
	set("fingerprint", s.Fingerprint)
}

func printScanSummary(result *engine.Result, sum action.Summary, params engine.RunParams, dryRun bool) {
	counts := map[engine.Decision]int{}
	for _, r := range result.Records {
		counts[r.Decision]++
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Images analyzed:\t%d\n", len(result.Records))
	fmt.Fprintf(w, "Duplicate groups:\t%d\n", len(result.Groups))
	fmt.Fprintf(w, "Duplicates to remove:\t%d\n", counts[engine.DecisionDuplicate])
	if params.EnableBlur {
		fmt.Fprintf(w, "Blurry:\t%d\n", counts[engine.DecisionBlurry])
	}
	if params.EnableNoise {
		fmt.Fprintf(w, "Noisy:\t%d\n", counts[engine.DecisionNoisy])
	}
	if counts[engine.DecisionSkipped] > 0 {
		fmt.Fprintf(w, "Skipped (unreadable):\t%d\n", counts[engine.DecisionSkipped])
	}
	if result.LowTexture {
		fmt.Fprintf(w, "Low-texture batch:\tblur flags disabled\n")
	}
	if result.Thresholds != nil {
		for _, name := range result.Thresholds.Metrics() {
			t, _ := result.Thresholds.Lookup(name)
			fmt.Fprintf(w, "Threshold %s:\t%.6g (n=%d)\n", name, t.Value, t.Samples)
		}
	}
	fmt.Fprintf(w, "Dropped:\t%d\n", sum.Dropped)
	fmt.Fprintf(w, "Moved:\t%d\n", sum.Moved)
	fmt.Fprintf(w, "Failed actions:\t%d\n", sum.Failed)
	if sum.TrashDir != "" {
		fmt.Fprintf(w, "Trash folder:\t%s\n", sum.TrashDir)
	}
	if dryRun {
		fmt.Fprintf(w, "Dry run:\tno files were touched\n")
	}
	w.Flush()
}
