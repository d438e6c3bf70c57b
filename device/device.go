// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package device provides the public API of the compute device layer.
//
// A Registry owns one backend (the pure Go software device or, on windows,
// WebGPU) together with one in-order queue per channel index. Filters
// allocate memory, build programs and dispatch kernels through it.
//
// Example:
//
//	import (
//	    "github.com/born-ml/vision/backend/software"
//	    "github.com/born-ml/vision/device"
//	)
//
//	func main() {
//	    reg, err := device.NewRegistry(software.New())
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer reg.Close()
//	}
package device

import (
	"github.com/born-ml/vision/internal/device"
)

// Registry owns a backend and its per-channel queues.
type Registry = device.Registry

// Backend is one compute device.
type Backend = device.Backend

// Queue is an in-order command queue.
type Queue = device.Queue

// Memory is an opaque handle to device memory.
type Memory = device.Memory

// Stats are the registry's memory and queue counters.
type Stats = device.Stats

// Limits describes device-wide dispatch limits.
type Limits = device.Limits

// BuildOptions is an immutable set of program defines.
type BuildOptions = device.BuildOptions

// Access is the access mode memory was allocated with.
type Access = device.Access

// Access modes.
const (
	ReadOnly  Access = device.ReadOnly
	WriteOnly Access = device.WriteOnly
	ReadWrite Access = device.ReadWrite
)

// Error is an environment or driver failure with its status code.
type Error = device.Error

// UsageError reports a caller bug.
type UsageError = device.UsageError

// Sentinel errors, matched with errors.Is.
var (
	ErrDevice         = device.ErrDevice
	ErrNotInitialized = device.ErrNotInitialized
	ErrAccessDenied   = device.ErrAccessDenied
	ErrInvalidConfig  = device.ErrInvalidConfig
	ErrNotWaited      = device.ErrNotWaited
	ErrReleased       = device.ErrReleased
	ErrDebugDisabled  = device.ErrDebugDisabled
	ErrShape          = device.ErrShape
)

// NewRegistry takes ownership of backend and creates its default queue.
func NewRegistry(backend Backend) (*Registry, error) {
	return device.NewRegistry(backend)
}

// IsFatal reports whether err is a device failure.
func IsFatal(err error) bool { return device.IsFatal(err) }

// IsUsage reports whether err is a usage error.
func IsUsage(err error) bool { return device.IsUsage(err) }
