package pipeline

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/segmentio/ksuid"

	"github.com/born-ml/vision/internal/frame"
)

// Sink consumes filtered frames. seq counts the frames of a channel from 1.
type Sink interface {
	Put(channel int, seq uint64, img *image.RGBA) error
	Close() error
}

// DirSink writes every frame to a uniquely named file.
type DirSink struct {
	dir string
	ext string
}

// NewDirSink creates dir if needed. format is png, bmp or jpg; empty means
// png.
func NewDirSink(dir, format string) (*DirSink, error) {
	if format == "" {
		format = "png"
	}
	if !frame.Supported("x." + format) {
		return nil, fmt.Errorf("unsupported sink format %q", format)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sink directory: %w", err)
	}
	return &DirSink{dir: dir, ext: format}, nil
}

// Put writes img as <channel>_<seq>_<ksuid>.<format>.
func (s *DirSink) Put(channel int, seq uint64, img *image.RGBA) error {
	name := fmt.Sprintf("%02d_%06d_%s.%s", channel, seq, ksuid.New().String(), s.ext)
	return frame.Save(filepath.Join(s.dir, name), img)
}

// Close is a no-op.
func (s *DirSink) Close() error { return nil }

// LatestSink keeps the most recent frame for readers such as the control
// server.
type LatestSink struct {
	mu  sync.RWMutex
	img *image.RGBA
	seq uint64
}

// NewLatestSink returns an empty holder.
func NewLatestSink() *LatestSink { return &LatestSink{} }

// Put replaces the held frame.
func (s *LatestSink) Put(_ int, seq uint64, img *image.RGBA) error {
	s.mu.Lock()
	s.img, s.seq = img, seq
	s.mu.Unlock()
	return nil
}

// Latest returns the held frame and its sequence number. Callers must not
// modify the image.
func (s *LatestSink) Latest() (*image.RGBA, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.img, s.seq, s.img != nil
}

// Close drops the held frame.
func (s *LatestSink) Close() error {
	s.mu.Lock()
	s.img = nil
	s.mu.Unlock()
	return nil
}

// Discard drops every frame.
type Discard struct{}

// Put does nothing.
func (Discard) Put(int, uint64, *image.RGBA) error { return nil }

// Close does nothing.
func (Discard) Close() error { return nil }
