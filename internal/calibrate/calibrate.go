// Package calibrate derives per-run decision thresholds from the empirical
// distribution of metric values in the current batch. Thresholds are pure
// values of (batch samples, percentile, sample limit) and are never carried
// across runs or parameter changes.
package calibrate

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/kazukittin/dupsnap/internal/metrics"
)

// ErrEmptyBatch is returned when calibration has no samples to work with.
// Callers short-circuit the decision stage: nothing is flagged.
var ErrEmptyBatch = errors.New("calibrate: empty batch")

// DefaultSampleLimit caps how many values per metric feed calibration.
const DefaultSampleLimit = 5000

// Params fixes the inputs a ThresholdSet is derived from.
type Params struct {
	// Percentile p in (0, 100): the fraction of most-extreme images the
	// threshold isolates in the metric's bad direction.
	Percentile float64
	// SampleLimit caps the calibration sample per metric. Zero or negative
	// means DefaultSampleLimit.
	SampleLimit int
}

func (p Params) limit() int {
	if p.SampleLimit <= 0 {
		return DefaultSampleLimit
	}
	return p.SampleLimit
}

// Threshold is one metric's calibrated cutoff together with its direction.
type Threshold struct {
	Value     float64
	Direction metrics.Direction
	// Samples is how many values actually entered the percentile
	// computation, after the sample limit was applied.
	Samples int
}

// Exceeded reports whether a score falls in the metric's bad tail.
func (t Threshold) Exceeded(score float64) bool {
	if t.Direction == metrics.LowerWorse {
		return score < t.Value
	}
	return score > t.Value
}

// ThresholdSet holds the calibrated cutoff for every metric that had at
// least one sample in the batch. Metrics without samples are absent, never
// defaulted to a sentinel.
type ThresholdSet struct {
	// Blur and Noise record the parameters the set was derived from;
	// any change to either invalidates the whole set.
	Blur       Params
	Noise      Params
	thresholds map[string]Threshold
}

// Lookup returns the threshold for a metric, if it was calibrated this run.
func (ts *ThresholdSet) Lookup(name string) (Threshold, bool) {
	t, ok := ts.thresholds[name]
	return t, ok
}

// Metrics returns the calibrated metric names in sorted order.
func (ts *ThresholdSet) Metrics() []string {
	names := make([]string, 0, len(ts.thresholds))
	for name := range ts.thresholds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Percentile computes the value at the p-th percentile (p in [0, 100]) of
// the samples. Non-integral ranks interpolate linearly between the two
// closest order statistics: rank = p/100 * (n-1). A single sample is its
// own threshold; an empty sample set is an error.
func Percentile(samples []float64, p float64) (float64, error) {
	if len(samples) == 0 {
		return 0, ErrEmptyBatch
	}
	if p < 0 || p > 100 {
		return 0, fmt.Errorf("calibrate: percentile %.2f out of range [0, 100]", p)
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo], nil
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo]), nil
}

// Calibrate computes the threshold for one metric: the value at the p-th
// percentile of the sample. Direction decides which side of the cutoff is
// flagged: lower-is-worse metrics flag scores below it, higher-is-worse
// metrics flag scores above it.
//
// When the batch exceeds the sample limit, the first limit values are used.
// Callers must hand samples over in a deterministic order (the engine uses
// sorted path order) and the truncation is logged per run, never silent.
func Calibrate(samples []float64, direction metrics.Direction, params Params) (Threshold, error) {
	if len(samples) > params.limit() {
		samples = samples[:params.limit()]
	}

	value, err := Percentile(samples, params.Percentile)
	if err != nil {
		return Threshold{}, err
	}
	return Threshold{Value: value, Direction: direction, Samples: len(samples)}, nil
}

// Build calibrates every metric in the sample map against the analyzers that
// produced it. Metrics with no samples (an analyzer absent for the whole
// run) are excluded from the set. A batch with no samples for any metric of
// the registry yields ErrEmptyBatch.
//
// blurParams applies to sharpness metrics, noiseParams to noise metrics.
func Build(registry *metrics.Registry, samples map[string][]float64, blurParams, noiseParams Params) (*ThresholdSet, error) {
	set := &ThresholdSet{Blur: blurParams, Noise: noiseParams, thresholds: make(map[string]Threshold)}
	for _, analyzer := range registry.All() {
		values := samples[analyzer.Name()]
		if len(values) == 0 {
			continue
		}
		params := blurParams
		if analyzer.Kind() == metrics.Noise {
			params = noiseParams
		}
		threshold, err := Calibrate(values, analyzer.Direction(), params)
		if err != nil {
			return nil, err
		}
		set.thresholds[analyzer.Name()] = threshold
	}
	if len(set.thresholds) == 0 {
		return nil, ErrEmptyBatch
	}
	return set, nil
}
