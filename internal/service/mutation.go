package service

import (
	"image"
	"math"

	"github.com/veritrace/veritrace/internal/domain"
	"github.com/veritrace/veritrace/internal/fingerprint"
)

const (
	// Laplacian variance below this means the frame is badly smoothed.
	heavyCompressionVar = 100
	lightCompressionVar = 500

	// Mean edge intensity over the border strips above this suggests an
	// overlaid watermark or caption.
	watermarkEdgeDensity = 50

	// Border strip width in pixels for watermark detection.
	borderStrip = 20

	// Gradient magnitude above this counts as an edge pixel.
	edgeThreshold = 150
)

// ClassifyMutations tags what likely changed between a derivative and its
// parent. The Hamming distance between the two perceptual hashes drives the
// coarse bucket; sampled frames, when available, add signal-level tags.
// Returns at least one tag.
func ClassifyMutations(distance int, frames []fingerprint.Frame) []string {
	var mutations []string

	switch {
	case distance >= 1 && distance <= 5:
		mutations = append(mutations, domain.MutationMinorCompression)
	case distance >= 6 && distance <= 15:
		mutations = append(mutations, domain.MutationModerateEdit)
	case distance >= 16 && distance <= 30:
		mutations = append(mutations, domain.MutationSignificant)
	case distance > 30:
		mutations = append(mutations, domain.MutationMajorTransform)
	}

	if len(frames) > 0 {
		mutations = append(mutations, frameMutations(frames[0])...)
	}

	if len(mutations) == 0 {
		return []string{domain.MutationUnknown}
	}
	return mutations
}

// frameMutations inspects a single frame for compression artifacts and
// border overlays.
func frameMutations(frame fingerprint.Frame) []string {
	gray := grayPlane(frame)
	if gray == nil {
		return nil
	}

	var tags []string

	switch v := laplacianVariance(gray); {
	case v < heavyCompressionVar:
		tags = append(tags, domain.MutationHeavyCompression)
	case v < lightCompressionVar:
		tags = append(tags, domain.MutationLightCompression)
	}

	if borderEdgeDensity(gray) > watermarkEdgeDensity {
		tags = append(tags, domain.MutationWatermark)
	}

	return tags
}

func grayPlane(frame fingerprint.Frame) *image.Gray {
	if frame.Width < 3 || frame.Height < 3 {
		return nil
	}
	return frame.Gray()
}

// laplacianVariance convolves a 3x3 Laplacian over the luma plane and
// returns the response variance. Sharp frames score high; recompressed or
// upscaled frames score low.
func laplacianVariance(gray *image.Gray) float64 {
	w := gray.Rect.Dx()
	h := gray.Rect.Dy()

	var sum, sumSq float64
	n := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			center := float64(gray.GrayAt(x, y).Y)
			lap := float64(gray.GrayAt(x, y-1).Y) +
				float64(gray.GrayAt(x, y+1).Y) +
				float64(gray.GrayAt(x-1, y).Y) +
				float64(gray.GrayAt(x+1, y).Y) -
				4*center
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}

// borderEdgeDensity measures the mean edge intensity over the four border
// strips of the frame. Edge pixels contribute 255, others 0, so a dense
// overlay in the margins pushes the mean up.
func borderEdgeDensity(gray *image.Gray) float64 {
	w := gray.Rect.Dx()
	h := gray.Rect.Dy()

	strip := borderStrip
	if strip > h/2 {
		strip = h / 2
	}
	if strip > w/2 {
		strip = w / 2
	}
	if strip == 0 {
		return 0
	}

	top := regionEdgeMean(gray, 0, 0, w, strip)
	bottom := regionEdgeMean(gray, 0, h-strip, w, strip)
	left := regionEdgeMean(gray, 0, 0, strip, h)
	right := regionEdgeMean(gray, w-strip, 0, strip, h)

	return (top + bottom + left + right) / 4
}

func regionEdgeMean(gray *image.Gray, x0, y0, rw, rh int) float64 {
	w := gray.Rect.Dx()
	h := gray.Rect.Dy()

	var sum float64
	n := 0
	for y := y0; y < y0+rh; y++ {
		for x := x0; x < x0+rw; x++ {
			if x < 1 || y < 1 || x >= w-1 || y >= h-1 {
				n++
				continue
			}
			gx := float64(gray.GrayAt(x+1, y).Y) - float64(gray.GrayAt(x-1, y).Y)
			gy := float64(gray.GrayAt(x, y+1).Y) - float64(gray.GrayAt(x, y-1).Y)
			if math.Sqrt(gx*gx+gy*gy) > edgeThreshold {
				sum += 255
			}
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
