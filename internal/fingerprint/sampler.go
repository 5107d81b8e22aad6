package fingerprint

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/veritrace/veritrace/internal/domain"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// DefaultFrameCount is the number of evenly-distributed frames sampled per
// media item. Five frames keep the perceptual hash short (~84 bytes) while
// covering the whole timeline.
const DefaultFrameCount = 5

// MediaProps carries raw source properties for mutation analysis.
type MediaProps struct {
	Width      int
	Height     int
	FrameCount int
}

// AspectRatio returns width over height, or 0 for degenerate sources.
func (p *MediaProps) AspectRatio() float64 {
	if p.Height == 0 {
		return 0
	}
	return float64(p.Width) / float64(p.Height)
}

// Sampler extracts a fixed count of evenly-distributed raw frames from a
// media path. Animated GIFs are sampled across their timeline; still images
// yield one decoded frame replicated to the configured count so image and
// video fingerprints share one format.
type Sampler struct {
	NumFrames int
}

// NewSampler creates a Sampler. A non-positive count falls back to
// DefaultFrameCount.
func NewSampler(numFrames int) *Sampler {
	if numFrames <= 0 {
		numFrames = DefaultFrameCount
	}
	return &Sampler{NumFrames: numFrames}
}

// Sample reads the media at path and returns NumFrames raw frames plus the
// source properties.
// Parameters:
//   - path: media file path (gif, png, jpeg, or webp).
// Returns:
//   - []Frame: frames in sampling order.
//   - *MediaProps: raw source properties.
//   - error: domain.ErrUnreadableMedia if the source cannot be opened or
//     decoded; domain.ErrInsufficientFrames if fewer than two usable frames
//     come out of an animated source.
func (s *Sampler) Sample(path string) ([]Frame, *MediaProps, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrUnreadableMedia, err)
	}
	return s.SampleBytes(data)
}

// SampleBytes samples from an in-memory media buffer. Same semantics as
// Sample.
func (s *Sampler) SampleBytes(data []byte) ([]Frame, *MediaProps, error) {
	if isAnimatedGIF(data) {
		return s.sampleGIF(data)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrUnreadableMedia, err)
	}

	frame := FrameFromImage(img)
	frames := make([]Frame, s.NumFrames)
	for i := range frames {
		frames[i] = frame
	}
	props := &MediaProps{Width: frame.Width, Height: frame.Height, FrameCount: 1}
	return frames, props, nil
}

// isAnimatedGIF sniffs for a GIF with more than one image block.
func isAnimatedGIF(data []byte) bool {
	if len(data) < 6 || (!bytes.HasPrefix(data, []byte("GIF87a")) && !bytes.HasPrefix(data, []byte("GIF89a"))) {
		return false
	}
	g, err := gif.DecodeAll(bytes.NewReader(data))
	return err == nil && len(g.Image) > 1
}

// sampleGIF picks evenly-distributed frame indices i*(N-1)/(F-1) across the
// animation, compositing frames in order since GIF frames may only cover a
// dirty sub-rectangle of the canvas.
func (s *Sampler) sampleGIF(data []byte) ([]Frame, *MediaProps, error) {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrUnreadableMedia, err)
	}

	total := len(g.Image)
	if total < 2 {
		return nil, nil, fmt.Errorf("%w: animated source decoded %d frames", domain.ErrInsufficientFrames, total)
	}

	width, height := g.Config.Width, g.Config.Height
	if width == 0 || height == 0 {
		b := g.Image[0].Bounds()
		width, height = b.Max.X, b.Max.Y
	}

	wanted := make(map[int]int, s.NumFrames) // frame index -> output slot
	for i := 0; i < s.NumFrames; i++ {
		idx := 0
		if s.NumFrames > 1 {
			idx = i * (total - 1) / (s.NumFrames - 1)
		}
		if _, dup := wanted[idx]; !dup {
			wanted[idx] = i
		}
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	frames := make([]Frame, s.NumFrames)
	for idx, paletted := range g.Image {
		xdraw.Draw(canvas, paletted.Bounds(), paletted, paletted.Bounds().Min, xdraw.Over)
		if slot, ok := wanted[idx]; ok {
			snapshot := make([]byte, len(canvas.Pix))
			copy(snapshot, canvas.Pix)
			frames[slot] = Frame{Pix: snapshot, Width: width, Height: height}
		}
	}

	// Short animations can map several slots to one index; fill gaps from
	// the nearest earlier snapshot.
	for i := 1; i < len(frames); i++ {
		if frames[i].Pix == nil {
			frames[i] = frames[i-1]
		}
	}
	if frames[0].Pix == nil {
		return nil, nil, fmt.Errorf("%w: no frames extracted", domain.ErrInsufficientFrames)
	}

	props := &MediaProps{Width: width, Height: height, FrameCount: total}
	return frames, props, nil
}
