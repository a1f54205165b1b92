// Package fingerprint computes perceptual hashes of images. Unlike the
// content digest, perceptual hashes survive re-encoding and mild resizing,
// so they drive the near-duplicate report rather than exact dedup.
package fingerprint

import (
	"fmt"
	"image"
	"math"
	"sort"
	"strconv"

	"golang.org/x/image/draw"
)

// NearDuplicateThreshold is the Hamming distance under which two images are
// reported as near-duplicates.
const NearDuplicateThreshold = 10

// Hashes holds both perceptual hashes of an image.
type Hashes struct {
	PHash uint64 // DCT-based perceptual hash
	DHash uint64 // horizontal difference hash
}

// PHashHex returns the pHash as a 16-character hex string for storage.
func (h Hashes) PHashHex() string { return fmt.Sprintf("%016x", h.PHash) }

// DHashHex returns the dHash as a 16-character hex string for storage.
func (h Hashes) DHashHex() string { return fmt.Sprintf("%016x", h.DHash) }

// ParseHex parses a stored 16-character hex hash back into its raw form.
func ParseHex(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse perceptual hash %q: %w", s, err)
	}
	return v, nil
}

// Compute calculates both hashes over an already-decoded image. The pipeline
// shares one decoded buffer across analysis stages, so this never re-decodes.
func Compute(img image.Image) Hashes {
	return Hashes{
		PHash: computePHash(img),
		DHash: computeDHash(img),
	}
}

// HammingDistance counts differing bits between two 64-bit hashes.
func HammingDistance(a, b uint64) int {
	xor := a ^ b
	distance := 0
	for xor != 0 {
		distance++
		xor &= xor - 1 // clear lowest set bit
	}
	return distance
}

// Similar returns true if two hashes are within the given bit distance.
func Similar(a, b uint64, threshold int) bool {
	return HammingDistance(a, b) <= threshold
}

// computePHash computes a 64-bit perceptual hash using a 32x32 DCT and the
// median of the low-frequency coefficients.
func computePHash(img image.Image) uint64 {
	gray := toGrayscale(scale(img, 32, 32))
	dct := computeDCT(gray)

	// Top-left 8x8 block minus the DC component.
	lowFreq := make([]float64, 0, 64)
	for u := range 8 {
		for v := range 8 {
			if u == 0 && v == 0 {
				continue
			}
			lowFreq = append(lowFreq, dct[u][v])
		}
	}
	lowFreq = append(lowFreq, dct[8][0]) // pad back to 64 values

	median := computeMedian(lowFreq)

	var hash uint64
	for i := range 64 {
		if lowFreq[i] > median {
			hash |= 1 << (63 - i)
		}
	}
	return hash
}

// computeDHash compares horizontally adjacent pixels of a 9x8 reduction.
func computeDHash(img image.Image) uint64 {
	gray := toGrayscale(scale(img, 9, 8))

	var hash uint64
	bit := 63
	for y := range 8 {
		for x := range 8 {
			if gray[x][y] > gray[x+1][y] {
				hash |= 1 << bit
			}
			bit--
		}
	}
	return hash
}

func scale(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// toGrayscale converts an image to a column-major array of luma values (0-255).
func toGrayscale(img *image.RGBA) [][]float64 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	gray := make([][]float64, width)
	for x := range width {
		gray[x] = make([]float64, height)
		for y := range height {
			r, g, b, _ := img.At(x, y).RGBA()
			// ITU-R BT.601 luma formula.
			gray[x][y] = 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
		}
	}
	return gray
}

// computeDCT computes the 2D DCT-II of a square grayscale block.
func computeDCT(gray [][]float64) [][]float64 {
	size := len(gray)
	dct := make([][]float64, size)
	for i := range dct {
		dct[i] = make([]float64, size)
	}

	cosTable := make([][]float64, size)
	for i := range cosTable {
		cosTable[i] = make([]float64, size)
		for j := range size {
			cosTable[i][j] = math.Cos(math.Pi * float64(i) * (2*float64(j) + 1) / (2 * float64(size)))
		}
	}

	for u := range size {
		for v := range size {
			var sum float64
			for x := range size {
				for y := range size {
					sum += gray[x][y] * cosTable[u][x] * cosTable[v][y]
				}
			}
			dct[u][v] = sum
		}
	}
	return dct
}

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
