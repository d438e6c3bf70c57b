//go:build !windows

// Package webgpu implements the compute device on WebGPU. Only windows builds
// carry the binding; elsewhere Open reports the device as not found.
package webgpu

import (
	"errors"

	"github.com/born-ml/vision/internal/device"
)

// Open always fails on this platform.
func Open() (device.Backend, error) {
	return nil, device.NewError("open webgpu", device.StatusDeviceNotFound, errors.New("webgpu is only built on windows"))
}

// IsAvailable reports false on this platform.
func IsAvailable() bool { return false }
