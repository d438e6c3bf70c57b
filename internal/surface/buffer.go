// Package surface provides the owning handles that make it safe to chain
// device operations without tracking intermediate lifetimes by hand:
//
//   - Buffer: a reference-counted 2-D block of device memory
//   - Promise: a deferred result plus the dependencies to release with it
package surface

import (
	"fmt"
	"sync/atomic"

	"github.com/born-ml/vision/internal/device"
)

// Resource is anything a promise can own until it is finalized.
type Resource interface {
	Release()
}

// ReleaseFunc adapts a function to Resource.
type ReleaseFunc func()

// Release calls f.
func (f ReleaseFunc) Release() { f() }

// handle is the reference-counted device memory shared by Buffer clones.
type handle struct {
	reg       *device.Registry
	mem       device.Memory
	refs      atomic.Int32
	handedOff atomic.Bool // ownership transferred elsewhere, never free
}

// retain increments the reference count unless it already dropped to zero.
func (h *handle) retain() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release decrements the reference count and frees the memory at zero.
func (h *handle) release() {
	if h.refs.Add(-1) == 0 && !h.handedOff.Load() {
		h.reg.Free(h.mem)
	}
}

// Buffer is a rectangular block of device memory with a known shape.
//
// A Buffer value is one reference: Clone retains, Release releases, and the
// device memory is freed when the last reference is released. A detached
// buffer never frees its memory; it wraps a handle owned elsewhere.
type Buffer struct {
	h           *handle
	cols, rows  int
	channels    int
	channelSize int
	access      device.Access
	detached    bool
	released    atomic.Bool
}

// Allocate returns a zero-initialised buffer of exactly
// cols*rows*channels*channelSize bytes.
func Allocate(reg *device.Registry, cols, rows, channels, channelSize int, access device.Access) (*Buffer, error) {
	if cols <= 0 || rows <= 0 || channels <= 0 || channelSize <= 0 {
		return nil, device.Usage("allocate", device.ErrShape, "%dx%dx%dx%d", cols, rows, channels, channelSize)
	}
	mem, err := reg.Allocate(cols*rows*channels*channelSize, access)
	if err != nil {
		return nil, err
	}
	h := &handle{reg: reg, mem: mem}
	h.refs.Store(1)
	return &Buffer{
		h:           h,
		cols:        cols,
		rows:        rows,
		channels:    channels,
		channelSize: channelSize,
		access:      access,
	}, nil
}

// AllocateLike returns a new zeroed buffer with the shape and access of other.
func AllocateLike(other *Buffer) (*Buffer, error) {
	if other == nil || other.h == nil {
		return nil, device.Usage("allocate like", device.ErrReleased, "")
	}
	return Allocate(other.h.reg, other.cols, other.rows, other.channels, other.channelSize, other.access)
}

// Wrap adopts memory allocated elsewhere. When detached is true the buffer
// never frees mem; otherwise the registry frees it with the last reference.
func Wrap(reg *device.Registry, mem device.Memory, cols, rows, channels, channelSize int, detached bool) (*Buffer, error) {
	if want := cols * rows * channels * channelSize; mem == nil || mem.Size() < want || want <= 0 {
		return nil, device.Usage("wrap", device.ErrShape, "%dx%dx%dx%d over %v", cols, rows, channels, channelSize, mem)
	}
	h := &handle{reg: reg, mem: mem}
	h.refs.Store(1)
	return &Buffer{
		h:           h,
		cols:        cols,
		rows:        rows,
		channels:    channels,
		channelSize: channelSize,
		access:      mem.Access(),
		detached:    detached,
	}, nil
}

// Clone returns a new reference to the same device memory. A released buffer
// cannot be cloned.
func (b *Buffer) Clone() (*Buffer, error) {
	if b == nil || b.released.Load() {
		return nil, device.Usage("clone", device.ErrReleased, "")
	}
	if !b.detached && !b.h.retain() {
		return nil, device.Usage("clone", device.ErrReleased, "memory already freed")
	}
	return &Buffer{
		h:           b.h,
		cols:        b.cols,
		rows:        b.rows,
		channels:    b.channels,
		channelSize: b.channelSize,
		access:      b.access,
		detached:    b.detached,
	}, nil
}

// Release drops this reference. Releasing the same Buffer twice is a no-op.
func (b *Buffer) Release() {
	if b == nil || b.released.Swap(true) {
		return
	}
	if !b.detached {
		b.h.release()
	}
}

// Detach hands ownership of the memory to someone else: no reference,
// including existing clones, will free it afterwards.
func (b *Buffer) Detach() {
	if b.detached || b.released.Load() {
		return
	}
	b.detached = true
	b.h.handedOff.Store(true)
	b.h.release()
}

// Handle returns the device memory for the desired access. It fails with
// ErrAccessDenied when desired exceeds the declared access mode.
func (b *Buffer) Handle(desired device.Access) (device.Memory, error) {
	if b == nil || b.released.Load() {
		return nil, device.Usage("get handle", device.ErrReleased, "")
	}
	if !b.access.Allows(desired) {
		return nil, device.Usage("get handle", device.ErrAccessDenied, "requested %v on %v buffer", desired, b.access)
	}
	return b.h.mem, nil
}

// Registry returns the registry that owns the memory.
func (b *Buffer) Registry() *device.Registry { return b.h.reg }

// Cols returns the width in elements.
func (b *Buffer) Cols() int { return b.cols }

// Rows returns the height in elements.
func (b *Buffer) Rows() int { return b.rows }

// Channels returns the number of channels per element.
func (b *Buffer) Channels() int { return b.channels }

// ChannelSize returns the size of one channel in bytes.
func (b *Buffer) ChannelSize() int { return b.channelSize }

// Access returns the declared access mode.
func (b *Buffer) Access() device.Access { return b.access }

// Detached reports whether the buffer is excluded from reference counting.
func (b *Buffer) Detached() bool { return b.detached }

// Size returns the size in bytes.
func (b *Buffer) Size() int { return b.cols * b.rows * b.channels * b.channelSize }

// ElemSize returns the size of one element in bytes.
func (b *Buffer) ElemSize() int { return b.channels * b.channelSize }

// SameShape reports whether b and other have identical dimensions.
func (b *Buffer) SameShape(other *Buffer) bool {
	return b.cols == other.cols && b.rows == other.rows &&
		b.channels == other.channels && b.channelSize == other.channelSize
}

// String describes the buffer shape.
func (b *Buffer) String() string {
	return fmt.Sprintf("buffer(%dx%d, %d×%dB, %v)", b.cols, b.rows, b.channels, b.channelSize, b.access)
}
