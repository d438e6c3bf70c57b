package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vision/internal/blur"
	"github.com/born-ml/vision/internal/chromakey"
	"github.com/born-ml/vision/internal/config"
	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/device/software"
	"github.com/born-ml/vision/internal/frame"
	"github.com/born-ml/vision/internal/kernels"
	"github.com/born-ml/vision/internal/subsense"
)

var background = color.RGBA{R: 40, G: 80, B: 120, A: 255}

func newRegistry(t *testing.T) (*device.Registry, *kernels.Cache) {
	t.Helper()
	reg, err := device.NewRegistry(software.New())
	require.NoError(t, err)
	cache := kernels.NewCache()
	t.Cleanup(func() {
		cache.Release()
		_ = reg.Close()
	})
	return reg, cache
}

// exactConfig classifies every steady-state pixel of a static scene as
// background.
func exactConfig() subsense.Config {
	cfg := subsense.DefaultConfig()
	cfg.Morphology = false
	cfg.Texture = false
	cfg.ModelSize = 4
	cfg.Resolution = 0
	return cfg
}

func subsenseStage(t *testing.T, reg *device.Registry, cache *kernels.Cache, cfg subsense.Config) *SubsenseStage {
	t.Helper()
	f, err := subsense.New(reg, cache, cfg, subsense.WithSeed(func() uint32 { return 7 }))
	require.NoError(t, err)
	require.NoError(t, f.Init())
	return &SubsenseStage{Filter: f}
}

func uniformSource(frames int) *SyntheticSource {
	return NewSyntheticSource(SyntheticConfig{Width: 16, Height: 12, Frames: frames, Color: background})
}

// recorder keeps every frame it receives.
type recorder struct {
	frames []*image.RGBA
	onPut  func(seq uint64)
}

func (r *recorder) Put(_ int, seq uint64, img *image.RGBA) error {
	r.frames = append(r.frames, img)
	if r.onPut != nil {
		r.onPut(seq)
	}
	return nil
}

func (r *recorder) Close() error { return nil }

type failingSource struct{ after, n int }

func (s *failingSource) Next(context.Context) (image.Image, error) {
	if s.n == s.after {
		return nil, errors.New("camera unplugged")
	}
	s.n++
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
}

func (s *failingSource) Close() error { return nil }

func TestSyntheticSource(t *testing.T) {
	src := NewSyntheticSource(SyntheticConfig{Width: 32, Height: 16, Frames: 3, Color: background, Object: true})

	var blocks []image.Rectangle
	for n := 0; n < 3; n++ {
		img, err := src.Next(context.Background())
		require.NoError(t, err)
		rgba := img.(*image.RGBA)
		b := src.Block(n)
		blocks = append(blocks, b)
		assert.Equal(t, background, rgba.RGBAAt(b.Max.X, 0))
		assert.Equal(t, color.RGBA{R: 215, G: 175, B: 135, A: 255}, rgba.RGBAAt(b.Min.X, b.Min.Y))
	}
	assert.Equal(t, image.Rect(0, 6, 8, 10), blocks[0])
	assert.Equal(t, blocks[0].Add(image.Pt(1, 0)), blocks[1], "the block slides right")

	_, err := src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestSyntheticSource_Noise(t *testing.T) {
	cfg := SyntheticConfig{Width: 8, Height: 8, Color: background, Noise: 5, Seed: 42}
	a, err := NewSyntheticSource(cfg).Next(context.Background())
	require.NoError(t, err)
	b, err := NewSyntheticSource(cfg).Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a, b, "same seed, same frame")

	varied := false
	pix := a.(*image.RGBA).Pix
	for i := 0; i < len(pix); i += 4 {
		assert.InDelta(t, int(background.R), int(pix[i]), 5)
		assert.Equal(t, uint8(255), pix[i+3])
		varied = varied || pix[i] != background.R
	}
	assert.True(t, varied)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewSyntheticSource(cfg).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	for i, name := range []string{"b.png", "a.bmp"} {
		img := image.NewRGBA(image.Rect(0, 0, 2, 2))
		draw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)
		img.Pix[0] = uint8(i + 1)
		require.NoError(t, frame.Save(filepath.Join(dir, name), img))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	src, err := NewDirSource(dir, false)
	require.NoError(t, err)
	first, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint8(2), first.(*image.RGBA).Pix[0], "name order")
	_, err = src.Next(context.Background())
	require.NoError(t, err)
	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	loop, err := NewDirSource(dir, true)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := loop.Next(context.Background())
		require.NoError(t, err)
	}

	_, err = NewDirSource(t.TempDir(), false)
	assert.Error(t, err)
}

func TestSinks(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))

	dir := filepath.Join(t.TempDir(), "out")
	ds, err := NewDirSink(dir, "")
	require.NoError(t, err)
	require.NoError(t, ds.Put(1, 7, img))
	require.NoError(t, ds.Put(1, 7, img))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2, "names are unique")
	assert.True(t, strings.HasPrefix(entries[0].Name(), "01_000007_"))
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".png"))

	_, err = NewDirSink(dir, "gif")
	assert.Error(t, err)

	ls := NewLatestSink()
	_, _, ok := ls.Latest()
	assert.False(t, ok)
	require.NoError(t, ls.Put(0, 3, img))
	got, seq, ok := ls.Latest()
	require.True(t, ok)
	assert.Same(t, img, got)
	assert.Equal(t, uint64(3), seq)
	require.NoError(t, ls.Close())
	_, _, ok = ls.Latest()
	assert.False(t, ok)

	assert.NoError(t, Discard{}.Put(0, 1, img))
}

func TestChannel_NoStagesPassesThrough(t *testing.T) {
	reg, _ := newRegistry(t)
	sink := &recorder{}
	c, err := NewChannel(reg, 2, nil, nil, uniformSource(2), sink)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Run(context.Background()))
	require.Len(t, sink.frames, 2)
	assert.Equal(t, background, sink.frames[1].RGBAAt(5, 5))
	assert.Equal(t, uint64(2), c.Stats().Frames)
	assert.Equal(t, ErrNoSubsense, c.Reset())
}

func TestChannel_Subsense(t *testing.T) {
	reg, cache := newRegistry(t)
	sink := &recorder{}
	stage := subsenseStage(t, reg, cache, exactConfig())
	c, err := NewChannel(reg, 1, []Stage{stage}, []string{config.FilterSubsense}, uniformSource(7), sink)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Run(context.Background()))

	stats := c.Stats()
	assert.Equal(t, uint64(7), stats.Frames)
	assert.Equal(t, uint64(4), stats.BootstrapFrames)
	assert.Zero(t, stats.Errors)
	assert.True(t, stats.Active)
	assert.False(t, stats.Running)
	assert.Positive(t, stats.LastLatency)

	require.Len(t, sink.frames, 7)
	cfg := exactConfig()
	for i, img := range sink.frames {
		assert.Equal(t, image.Rect(0, 0, 16, 12), img.Bounds())
		if i < cfg.ModelSize {
			assert.Equal(t, background, img.RGBAAt(8, 6), "bootstrap frame %d passes through", i)
		} else {
			assert.Equal(t, cfg.Replacement.RGBA(), img.RGBAAt(8, 6), "frame %d is replaced background", i)
		}
	}

	state, err := c.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 4, state.ModelIndex)
	for _, m := range state.Mask {
		assert.Zero(t, m)
	}
}

func TestChannel_Controls(t *testing.T) {
	reg, cache := newRegistry(t)
	cfg := exactConfig()
	cfg.Debug = true
	stage := subsenseStage(t, reg, cache, cfg)
	c, err := NewChannel(reg, 0, []Stage{stage}, []string{config.FilterSubsense}, uniformSource(1), Discard{})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Stop())
	assert.False(t, c.Stats().Active)
	require.NoError(t, c.Start())
	assert.True(t, c.Stats().Active)

	require.NoError(t, c.SetDebugMode(cfg.ModelSize))
	assert.Equal(t, cfg.ModelSize, stage.Filter.DebugMode())
	assert.ErrorIs(t, c.SetDebugMode(cfg.ModelSize+5), device.ErrInvalidConfig)
	require.NoError(t, c.SetDebugMode(-1))

	require.NoError(t, c.Process(image.NewRGBA(image.Rect(0, 0, 8, 8))))
	assert.Equal(t, 1, stage.Filter.ModelIndex())
	require.NoError(t, c.Reset())
	assert.Equal(t, 0, stage.Filter.ModelIndex())

	_, err = NewChannel(reg, 0, []Stage{stage}, nil, uniformSource(1), Discard{})
	assert.ErrorIs(t, err, device.ErrInvalidConfig)
}

func TestChannel_ChainReleasesEverything(t *testing.T) {
	reg, cache := newRegistry(t)

	bf, err := blur.New(reg, cache, blur.Config{Radius: 1})
	require.NoError(t, err)
	require.NoError(t, bf.Init())
	kf, err := chromakey.New(reg, cache, chromakey.Config{
		Key:         exactConfig().Replacement,
		Replacement: subsense.RGB{R: 1, G: 2, B: 3},
		Tolerance:   0.05,
	})
	require.NoError(t, err)
	require.NoError(t, kf.Init())

	stages := []Stage{subsenseStage(t, reg, cache, exactConfig()), bf, kf}
	names := []string{config.FilterSubsense, config.FilterBlur, config.FilterChromaKey}
	sink := &recorder{}
	c, err := NewChannel(reg, 3, stages, names, uniformSource(6), sink)
	require.NoError(t, err)

	require.NoError(t, c.Run(context.Background()))
	require.Len(t, sink.frames, 6)
	assert.Equal(t, color.RGBA{R: 1, G: 2, B: 3, A: 255}, sink.frames[5].RGBAAt(4, 4))
	assert.Equal(t, names, c.Stats().Filters)

	require.NoError(t, c.Close())
	assert.Equal(t, int64(0), reg.Stats().LiveBuffers)
}

func TestChannel_CancelBetweenFrames(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recorder{onPut: func(seq uint64) {
		if seq == 3 {
			cancel()
		}
	}}
	c, err := NewChannel(reg, 0, nil, nil, uniformSource(0), sink)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Run(ctx))
	assert.Len(t, sink.frames, 3)
}

func TestRunner(t *testing.T) {
	reg, cache := newRegistry(t)

	good := &recorder{}
	ok, err := NewChannel(reg, 1, []Stage{subsenseStage(t, reg, cache, exactConfig())},
		[]string{config.FilterSubsense}, uniformSource(6), good)
	require.NoError(t, err)
	bad, err := NewChannel(reg, 0, nil, nil, &failingSource{after: 2}, Discard{})
	require.NoError(t, err)

	r := NewRunner(ok, bad)
	defer r.Close()
	assert.Equal(t, 0, r.Channels()[0].Index())
	_, found := r.Channel(5)
	assert.False(t, found)

	err = r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "camera unplugged")

	assert.Len(t, good.frames, 6, "a failing channel stops alone")
	stats := bad.Stats()
	assert.Equal(t, uint64(2), stats.Frames)
	assert.Equal(t, uint64(1), stats.Errors)
	assert.Contains(t, stats.LastError, "camera unplugged")

	r.Reset()
	assert.True(t, ok.subsense().Bootstrapping())
}

func TestBuild(t *testing.T) {
	reg, cache := newRegistry(t)

	cfg := config.DefaultConfig()
	cfg.Subsense = exactConfig()
	cfg.Channels = []config.ChannelConfig{
		{
			Index:   0,
			Source:  config.SourceConfig{Kind: "synthetic", Width: 16, Height: 12, Frames: 6, Color: subsense.RGB{R: 40, G: 80, B: 120}, Object: true},
			Sink:    config.SinkConfig{Kind: "latest"},
			Filters: []string{config.FilterSubsense, config.FilterBlur},
		},
		{
			Index:   4,
			Source:  config.SourceConfig{Kind: "synthetic", Width: 8, Height: 8, Frames: 2, Noise: 2},
			Sink:    config.SinkConfig{Kind: "discard"},
			Filters: []string{config.FilterChromaKey},
		},
	}
	require.NoError(t, cfg.Validate())

	r, err := Build(cfg, reg, cache)
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))

	c, found := r.Channel(0)
	require.True(t, found)
	img, seq, ok := c.Sink().(*LatestSink).Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(6), seq)
	assert.Equal(t, image.Rect(0, 0, 16, 12), img.Bounds())

	c4, found := r.Channel(4)
	require.True(t, found)
	assert.Equal(t, uint64(2), c4.Stats().Frames)

	require.NoError(t, r.Close())
	assert.Equal(t, int64(0), reg.Stats().LiveBuffers)
}

func TestBuild_Errors(t *testing.T) {
	reg, cache := newRegistry(t)

	cfg := config.DefaultConfig()
	cfg.Channels[0].Filters = []string{config.FilterBlur, "sharpen"}
	_, err := Build(cfg, reg, cache)
	assert.ErrorIs(t, err, device.ErrInvalidConfig)

	cfg = config.DefaultConfig()
	cfg.Channels[0].Source = config.SourceConfig{Kind: "dir", Path: filepath.Join(t.TempDir(), "missing")}
	_, err = Build(cfg, reg, cache)
	assert.Error(t, err)
	assert.Equal(t, int64(0), reg.Stats().LiveBuffers, "partial channels are released")

	cfg = config.DefaultConfig()
	cfg.Channels[0].Exclusion = filepath.Join(t.TempDir(), "missing.png")
	_, err = Build(cfg, reg, cache)
	assert.Error(t, err)
}

func TestBuild_Exclusion(t *testing.T) {
	reg, cache := newRegistry(t)

	mask := image.NewRGBA(image.Rect(0, 0, 16, 12))
	path := filepath.Join(t.TempDir(), "mask.png")
	require.NoError(t, frame.Save(path, mask))

	cfg := config.DefaultConfig()
	cfg.Subsense = exactConfig()
	cfg.Channels[0].Source.Width, cfg.Channels[0].Source.Height, cfg.Channels[0].Source.Frames = 16, 12, 6
	cfg.Channels[0].Exclusion = path

	r, err := Build(cfg, reg, cache)
	require.NoError(t, err)
	defer r.Close()

	c, _ := r.Channel(0)
	stage := c.subsense()
	require.NotNil(t, stage.Exclusion)
	assert.True(t, stage.Filter.Config().Exclusion)

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, uint64(6), c.Stats().Frames)
}
