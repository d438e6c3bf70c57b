// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package surface provides the public API for device buffers, asynchronous
// compute promises and the kernel program cache:
//   - Buffer: reference counted 2-D device memory with a declared access mode
//   - Promise: the deferred result of work enqueued on a queue, owning the
//     intermediates that work needs until it is finalized
//   - Cache: compiled programs, built once per device and option string
//
// Example:
//
//	reg, _ := device.NewRegistry(software.New())
//	q, _ := reg.Queue(0)
//	b, _ := surface.FromBytes(reg, q, 4, 4, 4, 1, device.ReadOnly, pix)
//	defer b.Release()
//	data, _ := surface.Download(q, b)
package surface

import (
	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/kernels"
	"github.com/born-ml/vision/internal/surface"
)

// Buffer is a reference counted device buffer.
type Buffer = surface.Buffer

// Promise is the deferred result of enqueued work.
type Promise = surface.Promise

// Resource is anything a promise can own until it is finalized.
type Resource = surface.Resource

// ReleaseFunc adapts a function to Resource.
type ReleaseFunc = surface.ReleaseFunc

// Cache holds compiled programs per device and option string.
type Cache = kernels.Cache

// Allocate returns a zeroed buffer of cols x rows elements.
func Allocate(reg *device.Registry, cols, rows, channels, channelSize int, access device.Access) (*Buffer, error) {
	return surface.Allocate(reg, cols, rows, channels, channelSize, access)
}

// AllocateLike returns a zeroed buffer with the shape and access of other.
func AllocateLike(other *Buffer) (*Buffer, error) {
	return surface.AllocateLike(other)
}

// Wrap adopts memory allocated elsewhere.
func Wrap(reg *device.Registry, mem device.Memory, cols, rows, channels, channelSize int, detached bool) (*Buffer, error) {
	return surface.Wrap(reg, mem, cols, rows, channels, channelSize, detached)
}

// FromBytes allocates a buffer and uploads data into it on q.
func FromBytes(reg *device.Registry, q device.Queue, cols, rows, channels, channelSize int,
	access device.Access, data []byte,
) (*Buffer, error) {
	return surface.FromBytes(reg, q, cols, rows, channels, channelSize, access, data)
}

// Download waits for q and returns a host copy of b.
func Download(q device.Queue, b *Buffer) ([]byte, error) {
	return surface.Download(q, b)
}

// NewPromise takes ownership of buf, which q is producing.
func NewPromise(buf *Buffer, q device.Queue) *Promise {
	return surface.NewPromise(buf, q)
}

// Resolved returns a promise for a buffer that is already complete.
func Resolved(buf *Buffer) *Promise {
	return surface.Resolved(buf)
}

// FinalizeAll waits every distinct queue once and finalizes all promises.
func FinalizeAll(ps ...*Promise) ([]*Buffer, error) {
	return surface.FinalizeAll(ps...)
}

// NewCache returns an empty program cache.
func NewCache() *Cache {
	return kernels.NewCache()
}
