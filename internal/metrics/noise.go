package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// flatRegionQuantile selects the fraction of lowest-gradient pixels treated
// as "flat" when estimating sensor noise.
const flatRegionQuantile = 0.60

// varFlatAnalyzer estimates noise as the variance of pixels inside flat
// regions. Edges are excluded by masking out the highest-gradient pixels, so
// legitimate detail does not register as noise.
type varFlatAnalyzer struct{}

func (varFlatAnalyzer) Name() string         { return MetricVarFlat }
func (varFlatAnalyzer) Direction() Direction { return HigherWorse }
func (varFlatAnalyzer) Kind() Kind           { return Noise }

func (varFlatAnalyzer) Score(p Plane) float64 {
	if p.W < 3 || p.H < 3 {
		return IntensityVariance(p)
	}

	type sample struct {
		gray float64
		mag  float64
	}
	samples := make([]sample, 0, (p.W-2)*(p.H-2))
	mags := make([]float64, 0, (p.W-2)*(p.H-2))
	for y := 1; y < p.H-1; y++ {
		for x := 1; x < p.W-1; x++ {
			gx, gy := sobelAt(p, x, y)
			mag := gradientMagnitude(gx, gy)
			samples = append(samples, sample{gray: float64(p.At(x, y)), mag: mag})
			mags = append(mags, mag)
		}
	}

	sort.Float64s(mags)
	flatThresh := stat.Quantile(flatRegionQuantile, stat.LinInterp, mags, nil)

	flat := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.mag < flatThresh {
			flat = append(flat, s.gray)
		}
	}
	if len(flat) == 0 {
		// Perfectly uniform gradient field; fall back to the whole image.
		return IntensityVariance(p)
	}
	return populationVariance(flat)
}

func gradientMagnitude(gx, gy float64) float64 {
	return math.Sqrt(gx*gx + gy*gy)
}

// waveletVarAnalyzer estimates noise as the variance of level-1 Haar detail
// coefficients. High-frequency detail bands respond strongly to grain.
//
// This analyzer is the optional one: runs may exclude it from the registry,
// in which case it participates in neither calibration nor the noise rule.
type waveletVarAnalyzer struct{}

func (waveletVarAnalyzer) Name() string         { return MetricWaveletVar }
func (waveletVarAnalyzer) Direction() Direction { return HigherWorse }
func (waveletVarAnalyzer) Kind() Kind           { return Noise }

func (waveletVarAnalyzer) Score(p Plane) float64 {
	// Odd trailing row/column is dropped; Haar operates on 2x2 blocks.
	w := p.W &^ 1
	h := p.H &^ 1
	if w < 2 || h < 2 {
		return 0
	}

	details := make([]float64, 0, 3*(w/2)*(h/2))
	for y := 0; y < h; y += 2 {
		for x := 0; x < w; x += 2 {
			a := float64(p.At(x, y))
			b := float64(p.At(x+1, y))
			c := float64(p.At(x, y+1))
			d := float64(p.At(x+1, y+1))
			cH := (a - b + c - d) / 2
			cV := (a + b - c - d) / 2
			cD := (a - b - c + d) / 2
			details = append(details, cH, cV, cD)
		}
	}
	return populationVariance(details)
}

// jpegBlockAnalyzer measures mean absolute discontinuity along the fixed
// 8-pixel JPEG block grid. Heavily compressed images show step edges at
// block boundaries that smooth content does not.
type jpegBlockAnalyzer struct{}

func (jpegBlockAnalyzer) Name() string         { return MetricJPEGBlock }
func (jpegBlockAnalyzer) Direction() Direction { return HigherWorse }
func (jpegBlockAnalyzer) Kind() Kind           { return Noise }

func (jpegBlockAnalyzer) Score(p Plane) float64 {
	var sum float64
	var count int

	// Steps across vertical block boundaries: columns (7,8), (15,16), ...
	if p.W > 8 {
		for y := 0; y < p.H; y++ {
			for x := 8; x < p.W; x += 8 {
				sum += abs(float64(p.At(x, y)) - float64(p.At(x-1, y)))
				count++
			}
		}
	}
	// Steps across horizontal block boundaries.
	if p.H > 8 {
		for x := 0; x < p.W; x++ {
			for y := 8; y < p.H; y += 8 {
				sum += abs(float64(p.At(x, y)) - float64(p.At(x, y-1)))
				count++
			}
		}
	}
	// Differences along the subsampled grid itself, both axes.
	if p.W/8 >= 2 {
		for y := 0; y < p.H; y++ {
			for x := 8; x < p.W; x += 8 {
				sum += abs(float64(p.At(x, y)) - float64(p.At(x-8, y)))
				count++
			}
		}
	}
	if p.H/8 >= 2 {
		for x := 0; x < p.W; x++ {
			for y := 8; y < p.H; y += 8 {
				sum += abs(float64(p.At(x, y)) - float64(p.At(x, y-8)))
				count++
			}
		}
	}

	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
