package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"

	"github.com/born-ml/vision/internal/frame"
)

// Source produces host frames. Next returns io.EOF once the source is
// exhausted.
type Source interface {
	Next(ctx context.Context) (image.Image, error)
	Close() error
}

// DirSource replays the images of a directory in name order.
type DirSource struct {
	files []string
	loop  bool
	next  int
}

// NewDirSource lists the supported images in dir. With loop set the
// sequence restarts after the last file.
func NewDirSource(dir string, loop bool) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading frame directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && frame.Supported(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}
	sort.Strings(files)
	return &DirSource{files: files, loop: loop}, nil
}

// Next loads the next image.
func (s *DirSource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next == len(s.files) {
		if !s.loop {
			return nil, io.EOF
		}
		s.next = 0
	}
	path := s.files[s.next]
	s.next++
	return frame.Load(path)
}

// Close is a no-op.
func (s *DirSource) Close() error { return nil }

// SyntheticConfig describes a generated scene.
type SyntheticConfig struct {
	Width, Height int
	// Frames bounds the sequence; zero never ends.
	Frames int
	Color  color.RGBA
	// Object adds a block in the inverse color that slides horizontally.
	Object bool
	// Noise is the largest per-channel deviation added to every pixel.
	Noise int
	Seed  uint64
}

// SyntheticSource renders SyntheticConfig scenes.
type SyntheticSource struct {
	cfg SyntheticConfig
	rng *rand.Rand
	n   int
}

// NewSyntheticSource returns a source for cfg.
func NewSyntheticSource(cfg SyntheticConfig) *SyntheticSource {
	return &SyntheticSource{cfg: cfg, rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))}
}

// Next renders the next frame.
func (s *SyntheticSource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.cfg.Frames > 0 && s.n >= s.cfg.Frames {
		return nil, io.EOF
	}
	img := s.render(s.n)
	s.n++
	return img, nil
}

// Block returns the object rectangle of frame n; empty without an object.
func (s *SyntheticSource) Block(n int) image.Rectangle {
	w, h := s.cfg.Width, s.cfg.Height
	if !s.cfg.Object {
		return image.Rectangle{}
	}
	bw, bh := max(w/4, 1), max(h/4, 1)
	span := w - bw + 1
	x := (n * max(w/32, 1)) % span
	y := (h - bh) / 2
	return image.Rect(x, y, x+bw, y+bh)
}

func (s *SyntheticSource) render(n int) *image.RGBA {
	w, h := s.cfg.Width, s.cfg.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bg := s.cfg.Color
	fg := color.RGBA{R: 255 - bg.R, G: 255 - bg.G, B: 255 - bg.B, A: 255}
	block := s.Block(n)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := bg
			if image.Pt(x, y).In(block) {
				c = fg
			}
			i := img.PixOffset(x, y)
			img.Pix[i+0] = s.jitter(c.R)
			img.Pix[i+1] = s.jitter(c.G)
			img.Pix[i+2] = s.jitter(c.B)
			img.Pix[i+3] = 255
		}
	}
	return img
}

func (s *SyntheticSource) jitter(v uint8) uint8 {
	if s.cfg.Noise == 0 {
		return v
	}
	d := s.rng.IntN(2*s.cfg.Noise+1) - s.cfg.Noise
	return uint8(min(max(int(v)+d, 0), 255))
}

// Close is a no-op.
func (s *SyntheticSource) Close() error { return nil }
