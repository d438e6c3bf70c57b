//go:build windows

// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides the WebGPU compute device.
//
// Kernels run as WGSL compute shaders, validated with naga and compiled by
// wgpu-native through the zero-CGO go-webgpu binding.
//
// Example:
//
//	import (
//	    "github.com/born-ml/vision/backend/webgpu"
//	    "github.com/born-ml/vision/device"
//	)
//
//	func main() {
//	    gpu, err := webgpu.New()
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    reg, err := device.NewRegistry(gpu)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer reg.Close()
//	}
package webgpu

import (
	"github.com/born-ml/vision/device"
	internalwebgpu "github.com/born-ml/vision/internal/device/webgpu"
)

// Backend is the WebGPU compute device.
type Backend = internalwebgpu.Backend

// Compile-time check that Backend implements device.Backend.
var _ device.Backend = (*Backend)(nil)

// New opens the default high-performance adapter.
//
// Returns an error if WebGPU initialization fails (e.g., no compatible GPU
// or the wgpu-native library is missing).
func New() (*Backend, error) {
	return internalwebgpu.New()
}

// IsAvailable reports whether a WebGPU adapter can be opened.
func IsAvailable() bool {
	return internalwebgpu.IsAvailable()
}
