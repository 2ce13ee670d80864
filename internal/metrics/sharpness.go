package metrics

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// volAnalyzer measures variance of the 3x3 Laplacian response. Blurred
// images have flat second derivatives, so lower variance means less sharp.
type volAnalyzer struct{}

func (volAnalyzer) Name() string         { return MetricVOL }
func (volAnalyzer) Direction() Direction { return LowerWorse }
func (volAnalyzer) Kind() Kind           { return Sharpness }

func (volAnalyzer) Score(p Plane) float64 {
	if p.W < 3 || p.H < 3 {
		return 0
	}
	responses := make([]float64, 0, (p.W-2)*(p.H-2))
	for y := 1; y < p.H-1; y++ {
		for x := 1; x < p.W-1; x++ {
			lap := float64(p.At(x-1, y)) + float64(p.At(x+1, y)) +
				float64(p.At(x, y-1)) + float64(p.At(x, y+1)) -
				4*float64(p.At(x, y))
			responses = append(responses, lap)
		}
	}
	return populationVariance(responses)
}

// tenengradAnalyzer measures mean gradient energy from the 3x3 Sobel
// operator. Lower values indicate weaker edges.
type tenengradAnalyzer struct{}

func (tenengradAnalyzer) Name() string         { return MetricTenengrad }
func (tenengradAnalyzer) Direction() Direction { return LowerWorse }
func (tenengradAnalyzer) Kind() Kind           { return Sharpness }

func (tenengradAnalyzer) Score(p Plane) float64 {
	if p.W < 3 || p.H < 3 {
		return 0
	}
	var sum float64
	var count int
	for y := 1; y < p.H-1; y++ {
		for x := 1; x < p.W-1; x++ {
			gx, gy := sobelAt(p, x, y)
			sum += gx*gx + gy*gy
			count++
		}
	}
	return sum / float64(count)
}

// sobelAt evaluates the 3x3 Sobel kernels at an interior pixel.
func sobelAt(p Plane, x, y int) (gx, gy float64) {
	tl := float64(p.At(x-1, y-1))
	tc := float64(p.At(x, y-1))
	tr := float64(p.At(x+1, y-1))
	ml := float64(p.At(x-1, y))
	mr := float64(p.At(x+1, y))
	bl := float64(p.At(x-1, y+1))
	bc := float64(p.At(x, y+1))
	br := float64(p.At(x+1, y+1))

	gx = (tr + 2*mr + br) - (tl + 2*ml + bl)
	gy = (bl + 2*bc + br) - (tl + 2*tc + tr)
	return gx, gy
}

// hfrAnalyzer measures the ratio of high-frequency to total spectral energy.
// Values live in [0, 1]; blur removes high frequencies, lowering the ratio.
type hfrAnalyzer struct{}

func (hfrAnalyzer) Name() string         { return MetricHFR }
func (hfrAnalyzer) Direction() Direction { return LowerWorse }
func (hfrAnalyzer) Kind() Kind           { return Sharpness }

func (hfrAnalyzer) Score(p Plane) float64 {
	if p.W == 0 || p.H == 0 {
		return 0
	}

	freq := fft2(p)

	// Low frequencies occupy a disc around DC whose radius scales with the
	// short side. Everything outside the disc counts as high frequency.
	radius := max(1, int(0.05*float64(min(p.H, p.W))+0.5))
	r2 := radius * radius

	var total, high float64
	for y := 0; y < p.H; y++ {
		dy := centeredOffset(y, p.H)
		for x := 0; x < p.W; x++ {
			dx := centeredOffset(x, p.W)
			c := freq[y][x]
			power := real(c)*real(c) + imag(c)*imag(c)
			total += power
			if dy*dy+dx*dx > r2 {
				high += power
			}
		}
	}
	if total <= 0 {
		return 0
	}
	return high / total
}

// fft2 computes the full 2D complex spectrum: FFT over rows, then columns.
func fft2(p Plane) [][]complex128 {
	rowFFT := fourier.NewCmplxFFT(p.W)
	colFFT := fourier.NewCmplxFFT(p.H)

	freq := make([][]complex128, p.H)
	row := make([]complex128, p.W)
	for y := 0; y < p.H; y++ {
		for x := 0; x < p.W; x++ {
			row[x] = complex(float64(p.At(x, y)), 0)
		}
		freq[y] = rowFFT.Coefficients(nil, row)
	}

	col := make([]complex128, p.H)
	for x := 0; x < p.W; x++ {
		for y := 0; y < p.H; y++ {
			col[y] = freq[y][x]
		}
		out := colFFT.Coefficients(nil, col)
		for y := 0; y < p.H; y++ {
			freq[y][x] = out[y]
		}
	}
	return freq
}

// centeredOffset maps an FFT bin index to its signed offset from DC in the
// center-shifted spectrum, so radial masks can be computed without an
// explicit shift pass.
func centeredOffset(i, n int) int {
	return (i+n/2)%n - n/2
}
