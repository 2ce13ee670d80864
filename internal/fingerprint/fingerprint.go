package fingerprint

import (
	"fmt"
	"image"
	"math"
	"math/bits"
	"sort"

	"golang.org/x/image/draw"
)

// Method selects the fingerprinting algorithm.
type Method string

const (
	// MethodPHash is a 64-bit DCT perceptual hash. Default.
	MethodPHash Method = "phash"
	// MethodDHash is a 64-bit horizontal difference hash.
	MethodDHash Method = "dhash"
)

// ParseMethod validates a method name. Unknown names fall back to pHash,
// matching the historical behavior of the hash engine.
func ParseMethod(s string) Method {
	switch Method(s) {
	case MethodPHash, MethodDHash:
		return Method(s)
	default:
		return MethodPHash
	}
}

// Fingerprint is a fixed-length structural summary of an image used for
// approximate-match comparison. Two fingerprints are only comparable when
// computed with the same method.
type Fingerprint struct {
	Bits   uint64
	Method Method
}

// Hex renders the fingerprint as a 16-character hex string.
func (f Fingerprint) Hex() string {
	return fmt.Sprintf("%016x", f.Bits)
}

// Distance returns the Hamming distance to another fingerprint.
func (f Fingerprint) Distance(other Fingerprint) int {
	return HammingDistance(f.Bits, other.Bits)
}

// HammingDistance counts differing bit positions between two 64-bit hashes.
func HammingDistance(hash1, hash2 uint64) int {
	return bits.OnesCount64(hash1 ^ hash2)
}

// Similar returns true if two hashes are within the given threshold.
// A threshold of 5-10 is typical for near-duplicate detection.
func Similar(hash1, hash2 uint64, threshold int) bool {
	return HammingDistance(hash1, hash2) <= threshold
}

// Extract computes the fingerprint of a decoded image. Deterministic:
// identical pixels always produce identical bits.
func Extract(img image.Image, method Method) Fingerprint {
	switch method {
	case MethodDHash:
		return Fingerprint{Bits: computeDHash(img), Method: MethodDHash}
	default:
		return Fingerprint{Bits: computePHash(img), Method: MethodPHash}
	}
}

// computePHash computes a 64-bit perceptual hash using DCT.
func computePHash(img image.Image) uint64 {
	// 32x32 grayscale input for the DCT.
	resized := resizeImage(img, 32, 32)
	gray := toGrayscale(resized)

	dct := computeDCT(gray)

	// Top-left 8x8 DCT coefficients hold the low frequencies; the DC
	// component (0,0) is skipped so overall brightness does not bias the hash.
	lowFreq := make([]float64, 64)
	idx := 0
	for u := 0; u < 8; u++ {
		for v := 0; v < 8; v++ {
			if u == 0 && v == 0 {
				continue
			}
			if idx < 64 {
				lowFreq[idx] = dct[u][v]
				idx++
			}
		}
	}
	for ; idx < 64; idx++ {
		lowFreq[idx] = dct[idx/8][idx%8]
	}

	median := computeMedian(lowFreq)

	var hash uint64
	for i := 0; i < 64; i++ {
		if lowFreq[i] > median {
			hash |= 1 << (63 - i)
		}
	}
	return hash
}

// computeDHash computes a 64-bit difference hash from horizontal gradients.
func computeDHash(img image.Image) uint64 {
	// 9 columns yield 8 adjacent-pixel comparisons per row.
	resized := resizeImage(img, 9, 8)
	gray := toGrayscale(resized)

	var hash uint64
	bit := 63
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if gray[x][y] > gray[x+1][y] {
				hash |= 1 << bit
			}
			bit--
		}
	}
	return hash
}

// resizeImage scales an image to the specified dimensions.
func resizeImage(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// toGrayscale converts an image to a 2D array of grayscale values (0-255).
func toGrayscale(img *image.RGBA) [][]float64 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	gray := make([][]float64, width)
	for x := 0; x < width; x++ {
		gray[x] = make([]float64, height)
		for y := 0; y < height; y++ {
			r, g, b, _ := img.At(x, y).RGBA()
			// ITU-R BT.601 luma formula.
			luma := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
			gray[x][y] = luma
		}
	}
	return gray
}

// computeDCT computes the Discrete Cosine Transform of a grayscale image.
func computeDCT(gray [][]float64) [][]float64 {
	size := len(gray)
	dct := make([][]float64, size)
	for i := range dct {
		dct[i] = make([]float64, size)
	}

	cosTable := make([][]float64, size)
	for i := range cosTable {
		cosTable[i] = make([]float64, size)
		for j := 0; j < size; j++ {
			cosTable[i][j] = math.Cos(math.Pi * float64(i) * (2*float64(j) + 1) / (2 * float64(size)))
		}
	}

	// DCT-II formula.
	for u := 0; u < size; u++ {
		for v := 0; v < size; v++ {
			var sum float64
			for x := 0; x < size; x++ {
				for y := 0; y < size; y++ {
					sum += gray[x][y] * cosTable[u][x] * cosTable[v][y]
				}
			}
			dct[u][v] = sum
		}
	}
	return dct
}

// computeMedian returns the median value from a slice.
func computeMedian(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
