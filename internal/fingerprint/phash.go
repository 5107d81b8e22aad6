package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"math"
	"sort"
	"strings"

	"github.com/veritrace/veritrace/internal/domain"
	xdraw "golang.org/x/image/draw"
)

// Perceptual hashing constants. Frames are reduced to a 32x32 intensity
// grid, transformed with a 2D DCT, and the 8x8 low-frequency block is
// thresholded against its median into a 64-bit hash. Low frequencies
// survive compression and re-encoding; the median threshold cancels
// uniform brightness shifts.
const (
	resizeDim = 32
	dctSize   = 8

	// HashBits is the per-frame hash width.
	HashBits = 64

	// Separator joins per-frame hex hashes into one perceptual hash string.
	Separator = "-"
)

// Frame is one sampled frame as a raw RGBA pixel buffer.
type Frame struct {
	Pix    []byte
	Width  int
	Height int
}

// FrameFromImage converts a decoded image into a raw RGBA frame.
func FrameFromImage(img image.Image) Frame {
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(rgba, rgba.Bounds(), img, b.Min, xdraw.Src)
	return Frame{Pix: rgba.Pix, Width: b.Dx(), Height: b.Dy()}
}

// Gray returns the frame as a single-channel intensity image.
func (f Frame) Gray() *image.Gray {
	g := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
	for i := 0; i < f.Width*f.Height; i++ {
		r := float64(f.Pix[i*4])
		gc := float64(f.Pix[i*4+1])
		b := float64(f.Pix[i*4+2])
		g.Pix[i] = uint8(0.299*r + 0.587*gc + 0.114*b)
	}
	return g
}

// Fingerprint is the full output of hashing one piece of media.
type Fingerprint struct {
	// ContentHash is the SHA-256 of every raw frame buffer in sampling
	// order. Exact-match only: any byte change alters it.
	ContentHash string

	// PerceptualHash is the per-frame 64-bit hashes hex-encoded and joined
	// with Separator.
	PerceptualHash string

	// FrameHashes holds the same per-frame values as integers, in frame
	// order, for LSH banding.
	FrameHashes []uint64
}

// Compute derives the content hash and perceptual hash from sampled frames.
// Parameters:
//   - frames: raw frames in sampling order; at least two are required.
// Returns:
//   - *Fingerprint: content hash, perceptual hash string, and per-frame values.
//   - error: domain.ErrInsufficientFrames if fewer than two frames are given.
func Compute(frames []Frame) (*Fingerprint, error) {
	if len(frames) < 2 {
		return nil, fmt.Errorf("%w: got %d frames", domain.ErrInsufficientFrames, len(frames))
	}

	hasher := sha256.New()
	frameHashes := make([]uint64, 0, len(frames))
	segments := make([]string, 0, len(frames))

	for _, frame := range frames {
		hasher.Write(frame.Pix)
		h := framePHash(frame)
		frameHashes = append(frameHashes, h)
		segments = append(segments, fmt.Sprintf("%016X", h))
	}

	return &Fingerprint{
		ContentHash:    hex.EncodeToString(hasher.Sum(nil)),
		PerceptualHash: strings.Join(segments, Separator),
		FrameHashes:    frameHashes,
	}, nil
}

// framePHash computes the 64-bit DCT hash for a single frame.
func framePHash(frame Frame) uint64 {
	// Intensity only, then downscale to the fixed grid.
	small := image.NewGray(image.Rect(0, 0, resizeDim, resizeDim))
	gray := frame.Gray()
	xdraw.BiLinear.Scale(small, small.Bounds(), gray, gray.Bounds(), xdraw.Src, nil)

	var grid [resizeDim][resizeDim]float64
	for y := 0; y < resizeDim; y++ {
		for x := 0; x < resizeDim; x++ {
			grid[y][x] = float64(small.GrayAt(x, y).Y)
		}
	}

	coeffs := dctLowFrequency(grid)

	sorted := make([]float64, len(coeffs))
	copy(sorted, coeffs)
	sort.Float64s(sorted)
	median := sorted[len(sorted)/2]

	var hash uint64
	for _, c := range coeffs {
		hash <<= 1
		if c > median {
			hash |= 1
		}
	}
	return hash
}

// dctLowFrequency applies an orthonormal 2D DCT-II to the grid and returns
// the top-left dctSize x dctSize coefficients in row-major order. Only the
// low-frequency rows of the transform matrix are materialized.
func dctLowFrequency(grid [resizeDim][resizeDim]float64) []float64 {
	basis := dctBasis()

	// tmp = T[0:8] * grid
	var tmp [dctSize][resizeDim]float64
	for u := 0; u < dctSize; u++ {
		for j := 0; j < resizeDim; j++ {
			var sum float64
			for i := 0; i < resizeDim; i++ {
				sum += basis[u][i] * grid[i][j]
			}
			tmp[u][j] = sum
		}
	}

	// out = tmp * T[0:8]^T
	coeffs := make([]float64, 0, dctSize*dctSize)
	for u := 0; u < dctSize; u++ {
		for v := 0; v < dctSize; v++ {
			var sum float64
			for j := 0; j < resizeDim; j++ {
				sum += tmp[u][j] * basis[v][j]
			}
			coeffs = append(coeffs, sum)
		}
	}
	return coeffs
}

// dctBasis returns the first dctSize rows of the orthonormal DCT-II matrix
// for resizeDim points.
func dctBasis() [dctSize][resizeDim]float64 {
	var basis [dctSize][resizeDim]float64
	for u := 0; u < dctSize; u++ {
		alpha := math.Sqrt(2.0 / resizeDim)
		if u == 0 {
			alpha = math.Sqrt(1.0 / resizeDim)
		}
		for i := 0; i < resizeDim; i++ {
			basis[u][i] = alpha * math.Cos((2*float64(i)+1)*float64(u)*math.Pi/(2*resizeDim))
		}
	}
	return basis
}

// ParseHash splits a perceptual hash string into per-frame values.
// Parameters:
//   - perceptualHash: hex segments joined with Separator.
// Returns:
//   - []uint64: one value per frame segment.
//   - error: domain.ErrHashLengthMismatch if the string is empty or any
//     segment is not a 64-bit hex value.
func ParseHash(perceptualHash string) ([]uint64, error) {
	if perceptualHash == "" {
		return nil, fmt.Errorf("%w: empty hash", domain.ErrHashLengthMismatch)
	}
	segments := strings.Split(perceptualHash, Separator)
	values := make([]uint64, 0, len(segments))
	for _, seg := range segments {
		v, err := parseSegment(seg)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}
