package pipeline

import (
	"fmt"
	"hash/fnv"

	"github.com/born-ml/vision/internal/blur"
	"github.com/born-ml/vision/internal/chromakey"
	"github.com/born-ml/vision/internal/config"
	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/frame"
	"github.com/born-ml/vision/internal/kernels"
	"github.com/born-ml/vision/internal/logging"
	"github.com/born-ml/vision/internal/subsense"
)

// Build assembles a runner for the channels of cfg. Filters are initialized
// on reg through cache, which the caller keeps owning; the runner owns
// everything else.
func Build(cfg *config.Config, reg *device.Registry, cache *kernels.Cache) (*Runner, error) {
	channels := make([]*Channel, 0, len(cfg.Channels))
	cleanup := func() {
		for _, c := range channels {
			_ = c.Close()
		}
	}
	for _, cc := range cfg.Channels {
		c, err := buildChannel(cfg, cc, reg, cache)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("channel %d: %w", cc.Index, err)
		}
		channels = append(channels, c)
	}
	return NewRunner(channels...), nil
}

func buildChannel(cfg *config.Config, cc config.ChannelConfig, reg *device.Registry, cache *kernels.Cache) (*Channel, error) {
	var stages []Stage
	fail := func(err error) (*Channel, error) {
		for _, s := range stages {
			_ = s.Close()
		}
		return nil, err
	}

	for _, name := range cc.Filters {
		s, err := buildStage(cfg, cc, name, reg, cache)
		if err != nil {
			return fail(fmt.Errorf("%s: %w", name, err))
		}
		stages = append(stages, s)
	}

	src, err := buildSource(cc)
	if err != nil {
		return fail(err)
	}
	sink, err := buildSink(cc.Sink)
	if err != nil {
		_ = src.Close()
		return fail(err)
	}
	return NewChannel(reg, cc.Index, stages, cc.Filters, src, sink)
}

func buildStage(cfg *config.Config, cc config.ChannelConfig, name string, reg *device.Registry, cache *kernels.Cache) (Stage, error) {
	switch name {
	case config.FilterSubsense:
		sc := cfg.Subsense
		if cc.Exclusion != "" {
			sc.Exclusion = true
		}
		f, err := subsense.New(reg, cache, sc,
			subsense.WithLogger(logging.Logger().With("channel", cc.Index)))
		if err != nil {
			return nil, err
		}
		if err := f.Init(); err != nil {
			_ = f.Close()
			return nil, err
		}
		s := &SubsenseStage{Filter: f}
		if cc.Exclusion != "" {
			img, err := frame.Load(cc.Exclusion)
			if err != nil {
				_ = f.Close()
				return nil, fmt.Errorf("exclusion mask: %w", err)
			}
			if s.Exclusion, err = frame.Upload(reg, cc.Index, img); err != nil {
				_ = f.Close()
				return nil, err
			}
		}
		return s, nil

	case config.FilterBlur:
		f, err := blur.New(reg, cache, cfg.Blur)
		if err != nil {
			return nil, err
		}
		return f, f.Init()

	case config.FilterChromaKey:
		f, err := chromakey.New(reg, cache, cfg.ChromaKey)
		if err != nil {
			return nil, err
		}
		return f, f.Init()
	}
	return nil, device.Usage("build channel", device.ErrInvalidConfig, "unknown filter %q", name)
}

func buildSource(cc config.ChannelConfig) (Source, error) {
	sc := cc.Source
	switch sc.Kind {
	case "dir":
		return NewDirSource(sc.Path, sc.Loop)
	case "synthetic":
		h := fnv.New64a()
		fmt.Fprintf(h, "channel-%d", cc.Index)
		return NewSyntheticSource(SyntheticConfig{
			Width:  sc.Width,
			Height: sc.Height,
			Frames: sc.Frames,
			Color:  sc.Color.RGBA(),
			Object: sc.Object,
			Noise:  sc.Noise,
			Seed:   h.Sum64(),
		}), nil
	}
	return nil, device.Usage("build channel", device.ErrInvalidConfig, "unknown source kind %q", sc.Kind)
}

func buildSink(sc config.SinkConfig) (Sink, error) {
	switch sc.Kind {
	case "dir":
		return NewDirSink(sc.Path, sc.Format)
	case "latest":
		return NewLatestSink(), nil
	case "discard":
		return Discard{}, nil
	}
	return nil, device.Usage("build channel", device.ErrInvalidConfig, "unknown sink kind %q", sc.Kind)
}
