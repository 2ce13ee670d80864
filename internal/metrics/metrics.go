// Package metrics implements the per-image quality estimators. Each analyzer
// is a pure function from a canonical grayscale plane to one scalar, and the
// set of analyzers active in a run is a queryable capability set rather than
// a hardwired list.
package metrics

import (
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// ErrAnalyzerUnavailable marks a request for an analyzer that is not part
// of the run's capability set.
var ErrAnalyzerUnavailable = errors.New("metrics: analyzer unavailable")

// LongSide is the canonical long-side pixel size images are normalized to
// before measurement. Images already smaller are never upscaled.
const LongSide = 1024

// Direction states which tail of a metric's distribution is bad.
type Direction int

const (
	// LowerWorse marks metrics where small values indicate a defect (sharpness).
	LowerWorse Direction = iota
	// HigherWorse marks metrics where large values indicate a defect (noise).
	HigherWorse
)

// Kind partitions analyzers by the decision rule they feed.
type Kind int

const (
	Sharpness Kind = iota
	Noise
)

// Metric names. The CSV report and threshold set key on these.
const (
	MetricVOL        = "vol"
	MetricTenengrad  = "tenengrad"
	MetricHFR        = "hfr"
	MetricVarFlat    = "var_flat"
	MetricWaveletVar = "wavelet_var"
	MetricJPEGBlock  = "jpeg_block"
)

// Analyzer produces one scalar quality signal from a prepared plane.
type Analyzer interface {
	Name() string
	Direction() Direction
	Kind() Kind
	Score(p Plane) float64
}

// Scores maps metric name to value for one image. Metrics whose analyzer was
// not available in the run are simply absent from the map.
type Scores map[string]float64

// Registry is the capability set of analyzers for a run.
type Registry struct {
	analyzers []Analyzer
}

// NewRegistry builds a registry from an explicit analyzer list.
func NewRegistry(analyzers ...Analyzer) *Registry {
	return &Registry{analyzers: analyzers}
}

// DefaultRegistry returns all built-in analyzers: vol, tenengrad and hfr for
// sharpness; var_flat, wavelet_var and jpeg_block for noise.
func DefaultRegistry() *Registry {
	return NewRegistry(
		volAnalyzer{},
		tenengradAnalyzer{},
		hfrAnalyzer{},
		varFlatAnalyzer{},
		waveletVarAnalyzer{},
		jpegBlockAnalyzer{},
	)
}

// Without returns a copy of the registry with the named analyzers removed.
// Used when an optional analyzer is unavailable for a run.
func (r *Registry) Without(names ...string) *Registry {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	kept := make([]Analyzer, 0, len(r.analyzers))
	for _, a := range r.analyzers {
		if !drop[a.Name()] {
			kept = append(kept, a)
		}
	}
	return &Registry{analyzers: kept}
}

// Lookup returns the analyzer with the given name, if registered.
func (r *Registry) Lookup(name string) (Analyzer, bool) {
	for _, a := range r.analyzers {
		if a.Name() == name {
			return a, true
		}
	}
	return nil, false
}

// Require returns the named analyzer or ErrAnalyzerUnavailable.
func (r *Registry) Require(name string) (Analyzer, error) {
	a, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrAnalyzerUnavailable)
	}
	return a, nil
}

// Available reports whether the named analyzer is part of this run.
func (r *Registry) Available(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// All returns every registered analyzer in registration order.
func (r *Registry) All() []Analyzer {
	out := make([]Analyzer, len(r.analyzers))
	copy(out, r.analyzers)
	return out
}

// OfKind returns the registered analyzers of one kind, in registration order.
func (r *Registry) OfKind(kind Kind) []Analyzer {
	var out []Analyzer
	for _, a := range r.analyzers {
		if a.Kind() == kind {
			out = append(out, a)
		}
	}
	return out
}

// Measure runs every registered analyzer over the plane.
func (r *Registry) Measure(p Plane) Scores {
	scores := make(Scores, len(r.analyzers))
	for _, a := range r.analyzers {
		scores[a.Name()] = a.Score(p)
	}
	return scores
}

// Plane is a row-major float32 grayscale raster.
type Plane struct {
	W, H int
	Pix  []float32
}

// At returns the gray value at (x, y). No bounds checking.
func (p Plane) At(x, y int) float32 {
	return p.Pix[y*p.W+x]
}

// Prepare normalizes a decoded image for measurement: the long side is capped
// at LongSide pixels (bilinear, never upscaled) and the result converted to a
// float32 grayscale plane.
func Prepare(img image.Image) Plane {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > LongSide || h > LongSide {
		scale := float64(LongSide) / float64(max(w, h))
		nw := max(1, int(float64(w)*scale+0.5))
		nh := max(1, int(float64(h)*scale+0.5))
		dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
		draw.BiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		img = dst
		w, h = nw, nh
	}

	plane := Plane{W: w, H: h, Pix: make([]float32, w*h)}
	min := img.Bounds().Min
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(min.X+x, min.Y+y).RGBA()
			// ITU-R BT.601 luma formula.
			luma := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
			plane.Pix[y*w+x] = float32(luma)
		}
	}
	return plane
}

// IntensityVariance is the global variance of the plane. It feeds the
// low-texture guard: datasets with almost no texture cannot be meaningfully
// ranked by sharpness.
func IntensityVariance(p Plane) float64 {
	values := make([]float64, len(p.Pix))
	for i, v := range p.Pix {
		values[i] = float64(v)
	}
	return populationVariance(values)
}

// populationVariance is the biased (divide by n) variance used by all
// analyzers, matching the estimator the thresholds were tuned against.
func populationVariance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var acc float64
	for _, v := range values {
		d := v - mean
		acc += d * d
	}
	return acc / float64(len(values))
}
