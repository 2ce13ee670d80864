// Package engine runs the analysis pipeline: parallel fingerprint and
// metric extraction, similarity grouping, per-batch threshold calibration
// and the decision policy. Extraction results are retained so threshold
// changes re-run only the cheap phases.
package engine

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/kazukittin/dupsnap/internal/cache"
	"github.com/kazukittin/dupsnap/internal/calibrate"
	"github.com/kazukittin/dupsnap/internal/fingerprint"
	"github.com/kazukittin/dupsnap/internal/grouping"
	"github.com/kazukittin/dupsnap/internal/metrics"
)

// LowTextureEpsilon is the run-level guard: when the median global intensity
// variance of the batch falls below it, the dataset has too little texture
// for sharpness ranking and no blur flags are raised.
const LowTextureEpsilon = 1.0

// Cache is the persistence hook for extraction results. Get returns nil on
// miss. A nil Cache disables persistence.
type Cache interface {
	Get(path string, size int64, modTime time.Time) (*cache.Entry, error)
	Put(e *cache.Entry) error
}

// RunParams are the tunable inputs of one evaluation. Changing any of them
// invalidates previous thresholds and decisions, never previous extractions.
type RunParams struct {
	// SimilarityThreshold is the Hamming distance under which two
	// fingerprints join one group.
	SimilarityThreshold int

	BlurMethod      BlurMethod
	BlurPercentile  float64
	NoisePercentile float64
	// SampleLimit caps the calibration sample per metric.
	SampleLimit int

	// EnableBlur and EnableNoise switch the quality decision stages on.
	EnableBlur  bool
	EnableNoise bool
}

// Result is one evaluation's output. Superseded evaluations are discarded
// whole; a Result always corresponds to exactly one RunParams.
type Result struct {
	Records    []*ImageRecord
	Groups     []*grouping.Group
	Thresholds *calibrate.ThresholdSet
	LowTexture bool
}

// Session owns the extracted records of one input batch and evaluates them
// under varying parameters.
type Session struct {
	logger   *slog.Logger
	registry *metrics.Registry
	method   fingerprint.Method
	workers  int
	cache    Cache

	mu        sync.Mutex
	records   []*ImageRecord
	overrides grouping.Overrides
}

// NewSession builds a session. workers <= 0 selects one worker per CPU.
func NewSession(logger *slog.Logger, registry *metrics.Registry, method fingerprint.Method, workers int, metricCache Cache) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = metrics.DefaultRegistry()
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Session{
		logger:    logger,
		registry:  registry,
		method:    method,
		workers:   workers,
		cache:     metricCache,
		overrides: make(grouping.Overrides),
	}
}

// Extract decodes, fingerprints and measures every path on a bounded worker
// pool. Per-file failures produce skipped records; they never abort the
// batch. onProgress, when non-nil, is called once per finished file.
func (s *Session) Extract(ctx context.Context, paths []string, onProgress func()) error {
	records := make([]*ImageRecord, len(paths))

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			records[i] = s.extractOne(path)
			if onProgress != nil {
				onProgress()
			}
		}(i, path)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	// Later phases rely on deterministic ordering.
	kept := records[:0]
	for _, r := range records {
		if r != nil {
			kept = append(kept, r)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Path < kept[j].Path })

	s.mu.Lock()
	s.records = kept
	s.mu.Unlock()
	return nil
}

// extractOne processes a single file: cache lookup, decode, fingerprint,
// metrics, cache store.
func (s *Session) extractOne(path string) *ImageRecord {
	rec := &ImageRecord{Path: path, Decision: DecisionKeep, Outcome: OutcomePending}

	info, err := os.Stat(path)
	if err != nil {
		rec.Decision = DecisionSkipped
		rec.Err = &DecodeError{Path: path, Err: err}
		s.logger.Warn("stat failed", "path", path, "error", err)
		return rec
	}
	rec.Size = info.Size()
	rec.ModTime = info.ModTime()

	if s.cache != nil {
		if entry, err := s.cache.Get(path, rec.Size, rec.ModTime); err != nil {
			s.logger.Warn("cache lookup failed", "path", path, "error", err)
		} else if entry != nil && entry.Method == string(s.method) && s.coversRegistry(entry.Scores) {
			rec.Width = entry.Width
			rec.Height = entry.Height
			rec.Fingerprint = fingerprint.Fingerprint{Bits: entry.Bits, Method: s.method}
			rec.Scores = entry.Scores
			rec.IntensityVar = entry.IntensityVar
			return rec
		}
	}

	f, err := os.Open(path)
	if err != nil {
		rec.Decision = DecisionSkipped
		rec.Err = &DecodeError{Path: path, Err: err}
		s.logger.Warn("open failed", "path", path, "error", err)
		return rec
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		rec.Decision = DecisionSkipped
		rec.Err = &DecodeError{Path: path, Err: err}
		s.logger.Warn("decode failed", "path", path, "error", err)
		return rec
	}

	bounds := img.Bounds()
	rec.Width = bounds.Dx()
	rec.Height = bounds.Dy()
	rec.Fingerprint = fingerprint.Extract(img, s.method)

	plane := metrics.Prepare(img)
	rec.Scores = s.registry.Measure(plane)
	rec.IntensityVar = metrics.IntensityVariance(plane)

	if s.cache != nil {
		entry := &cache.Entry{
			Path:         path,
			Size:         rec.Size,
			ModTime:      rec.ModTime,
			Bits:         rec.Fingerprint.Bits,
			Method:       string(s.method),
			Width:        rec.Width,
			Height:       rec.Height,
			Scores:       rec.Scores,
			IntensityVar: rec.IntensityVar,
		}
		if err := s.cache.Put(entry); err != nil {
			s.logger.Warn("cache store failed", "path", path, "error", err)
		}
	}
	return rec
}

// coversRegistry reports whether cached scores include every analyzer of
// the current run; partial entries force a recompute.
func (s *Session) coversRegistry(scores map[string]float64) bool {
	for _, a := range s.registry.All() {
		if _, ok := scores[a.Name()]; !ok {
			return false
		}
	}
	return true
}

// Records returns the extracted records in path order.
func (s *Session) Records() []*ImageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ImageRecord, len(s.records))
	copy(out, s.records)
	return out
}

// OverrideRepresentative pins a group's representative manually. The
// override is keyed by group membership and expires when membership changes.
func (s *Session) OverrideRepresentative(groupKey, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[groupKey] = path
}

// Evaluate runs grouping, calibration and decisions over the extracted
// records. It never re-reads pixels; only cached extraction results feed it.
// The context is honored at phase boundaries so superseded evaluations stop
// early.
func (s *Session) Evaluate(ctx context.Context, params RunParams) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	valid := make([]*ImageRecord, 0, len(s.records))
	for _, r := range s.records {
		if !r.Skipped() {
			valid = append(valid, r)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items := make([]grouping.Item, len(valid))
	for i, r := range valid {
		items[i] = grouping.Item{
			Path:        r.Path,
			Fingerprint: r.Fingerprint,
			Resolution:  r.ResolutionScore(),
			FileSize:    r.Size,
		}
	}
	// Singleton components are not duplicate groups; only real groups
	// surface in the result and the duplicate policy.
	var groups []*grouping.Group
	for _, g := range grouping.Build(items, params.SimilarityThreshold, s.overrides) {
		if g.Size() > 1 {
			groups = append(groups, g)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var thresholds *calibrate.ThresholdSet
	lowTexture := false
	if params.EnableBlur || params.EnableNoise {
		if len(valid) == 0 {
			return nil, fmt.Errorf("no readable images to calibrate against: %w", calibrate.ErrEmptyBatch)
		}

		limit := params.SampleLimit
		if limit <= 0 {
			limit = calibrate.DefaultSampleLimit
		}
		if len(valid) > limit {
			s.logger.Info("calibration sample capped",
				"batch", len(valid), "limit", limit, "order", "sorted path")
		}

		samples := make(map[string][]float64)
		for _, r := range valid {
			for name, value := range r.Scores {
				samples[name] = append(samples[name], value)
			}
		}

		var err error
		thresholds, err = calibrate.Build(s.registry, samples,
			calibrate.Params{Percentile: params.BlurPercentile, SampleLimit: params.SampleLimit},
			calibrate.Params{Percentile: params.NoisePercentile, SampleLimit: params.SampleLimit},
		)
		if err != nil {
			return nil, err
		}

		if params.EnableBlur {
			intensities := make([]float64, len(valid))
			for i, r := range valid {
				intensities[i] = r.IntensityVar
			}
			median, err := calibrate.Percentile(intensities, 50)
			if err != nil {
				return nil, err
			}
			lowTexture = median < LowTextureEpsilon
			if lowTexture {
				s.logger.Info("low-texture batch, blur flags disabled",
					"median_intensity_variance", median, "epsilon", LowTextureEpsilon)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	decide(s.records, groups, thresholds, params, s.registry, lowTexture)

	return &Result{
		Records:    s.records,
		Groups:     groups,
		Thresholds: thresholds,
		LowTexture: lowTexture,
	}, nil
}
