package fingerprint

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/veritrace/veritrace/internal/domain"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 5), B: 64, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode failed: %v", err)
	}
	return buf.Bytes()
}

func encodeAnimatedGIF(t *testing.T, w, h, frames int) []byte {
	t.Helper()
	anim := &gif.GIF{Config: image.Config{Width: w, Height: h}}
	palette := color.Palette{
		color.RGBA{0, 0, 0, 255},
		color.RGBA{255, 255, 255, 255},
		color.RGBA{255, 0, 0, 255},
		color.RGBA{0, 0, 255, 255},
	}
	for f := 0; f < frames; f++ {
		img := image.NewPaletted(image.Rect(0, 0, w, h), palette)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetColorIndex(x, y, uint8((x+y+f)%len(palette)))
			}
		}
		anim.Image = append(anim.Image, img)
		anim.Delay = append(anim.Delay, 10)
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		t.Fatalf("gif encode failed: %v", err)
	}
	return buf.Bytes()
}

func TestSampleStillImage(t *testing.T) {
	data := encodePNG(t, 40, 30)

	s := NewSampler(5)
	frames, props, err := s.SampleBytes(data)
	if err != nil {
		t.Fatalf("SampleBytes failed: %v", err)
	}

	if len(frames) != 5 {
		t.Fatalf("Frame count: got %d, want 5", len(frames))
	}
	// Still images are replicated so every slot holds the same frame.
	for i := 1; i < len(frames); i++ {
		if !bytes.Equal(frames[i].Pix, frames[0].Pix) {
			t.Errorf("Frame %d differs from frame 0", i)
		}
	}
	if props.Width != 40 || props.Height != 30 || props.FrameCount != 1 {
		t.Errorf("Props: got %+v, want 40x30 with 1 source frame", *props)
	}
}

func TestSampleAnimatedGIF(t *testing.T) {
	data := encodeAnimatedGIF(t, 24, 24, 10)

	s := NewSampler(5)
	frames, props, err := s.SampleBytes(data)
	if err != nil {
		t.Fatalf("SampleBytes failed: %v", err)
	}

	if len(frames) != 5 {
		t.Fatalf("Frame count: got %d, want 5", len(frames))
	}
	for i, frame := range frames {
		if frame.Pix == nil {
			t.Errorf("Frame %d has no pixels", i)
		}
		if frame.Width != 24 || frame.Height != 24 {
			t.Errorf("Frame %d size: got %dx%d, want 24x24", i, frame.Width, frame.Height)
		}
	}
	if props.FrameCount != 10 {
		t.Errorf("Source frame count: got %d, want 10", props.FrameCount)
	}

	// First and last sampled frames come from different source frames.
	if bytes.Equal(frames[0].Pix, frames[4].Pix) {
		t.Error("First and last sampled frames are identical")
	}
}

func TestSampleShortAnimation(t *testing.T) {
	// Two source frames and five slots: gaps fill from earlier snapshots.
	data := encodeAnimatedGIF(t, 16, 16, 2)

	s := NewSampler(5)
	frames, _, err := s.SampleBytes(data)
	if err != nil {
		t.Fatalf("SampleBytes failed: %v", err)
	}
	if len(frames) != 5 {
		t.Fatalf("Frame count: got %d, want 5", len(frames))
	}
	for i, frame := range frames {
		if frame.Pix == nil {
			t.Errorf("Frame %d has no pixels", i)
		}
	}
}

func TestSampleUnreadable(t *testing.T) {
	s := NewSampler(5)

	t.Run("missing file", func(t *testing.T) {
		_, _, err := s.Sample(filepath.Join(t.TempDir(), "does-not-exist.png"))
		if !errors.Is(err, domain.ErrUnreadableMedia) {
			t.Errorf("Expected ErrUnreadableMedia, got %v", err)
		}
	})

	t.Run("garbage bytes", func(t *testing.T) {
		_, _, err := s.SampleBytes([]byte("definitely not an image"))
		if !errors.Is(err, domain.ErrUnreadableMedia) {
			t.Errorf("Expected ErrUnreadableMedia, got %v", err)
		}
	})
}

func TestSampleFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "still.png")
	if err := os.WriteFile(path, encodePNG(t, 20, 20), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	s := NewSampler(3)
	frames, _, err := s.Sample(path)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if len(frames) != 3 {
		t.Errorf("Frame count: got %d, want 3", len(frames))
	}

	// End to end: sampled frames feed straight into hashing.
	fp, err := Compute(frames)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if fp.PerceptualHash == "" {
		t.Error("Empty perceptual hash")
	}
}
