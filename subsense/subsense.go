// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package subsense provides the public API of the adaptive background
// subtractor.
//
// A Filter learns a per-pixel background model from the first frames it
// sees (bootstrap), then classifies every pixel of later frames as
// background or foreground with thresholds that adapt to local noise and
// flicker, refines the mask morphologically and composites the result:
// foreground keeps its color, background is replaced.
//
// Example:
//
//	reg, _ := device.NewRegistry(software.New())
//	cache := surface.NewCache()
//	f, err := subsense.New(reg, cache, subsense.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := f.Init(); err != nil {
//	    log.Fatal(err)
//	}
//	defer f.Close()
//
//	p, err := f.Filter(frame, nil, 0)
//	out, err := p.Finalize()
package subsense

import (
	"github.com/born-ml/vision/device"
	"github.com/born-ml/vision/internal/subsense"
	"github.com/born-ml/vision/surface"
)

// Config configures a Filter.
type Config = subsense.Config

// RGB is an 8-bit color.
type RGB = subsense.RGB

// Pass is one morphology pass: iterations of a square kernel.
type Pass = subsense.Pass

// Filter is one background subtractor.
type Filter = subsense.Filter

// State is a host copy of the classification state.
type State = subsense.State

// Option configures a Filter.
type Option = subsense.Option

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return subsense.DefaultConfig()
}

// New returns a filter on reg; Init must be called before Filter.
func New(reg *device.Registry, cache *surface.Cache, cfg Config, opts ...Option) (*Filter, error) {
	return subsense.New(reg, cache, cfg, opts...)
}

// WithSeed replaces the per-frame random seed, for reproducible runs.
func WithSeed(seed func() uint32) Option {
	return subsense.WithSeed(seed)
}
