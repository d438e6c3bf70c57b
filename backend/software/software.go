// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package software

import (
	"github.com/born-ml/vision/device"
	internalsoftware "github.com/born-ml/vision/internal/device/software"
	"github.com/born-ml/vision/internal/parallel"
)

// Backend is the pure Go compute device.
type Backend = internalsoftware.Backend

// Option configures a Backend.
type Option = internalsoftware.Option

// Compile-time check that Backend implements device.Backend.
var _ device.Backend = (*Backend)(nil)

// New creates a software device.
func New(opts ...Option) *Backend {
	return internalsoftware.New(opts...)
}

// WithWorkers runs kernels on n goroutines; n <= 1 runs them on the queue
// goroutine alone.
func WithWorkers(n int) Option {
	cfg := parallel.DefaultConfig()
	cfg.NumWorkers = max(n, 1)
	cfg.Enabled = n > 1
	return internalsoftware.WithParallel(cfg)
}

// WithMaxWorkGroupSize caps the reported work-group size.
func WithMaxWorkGroupSize(n int) Option {
	return internalsoftware.WithMaxWorkGroupSize(n)
}
