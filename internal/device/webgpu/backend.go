//go:build windows

// Package webgpu implements the compute device on WebGPU through go-webgpu,
// a zero-CGO binding to wgpu-native. Programs are consumed in their WGSL form:
// every kernel is validated with naga before the driver sees it.
package webgpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/gogpu/gputypes"

	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/logging"
)

// workgroupSize is the WORKGROUP_SIZE every module is specialised with.
const workgroupSize = 64

var backendSeq atomic.Int64

// Backend is a WebGPU device.
type Backend struct {
	id   string
	name string

	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	staging  *stagingPool

	// submit serialises access to the device queue across channel queues.
	submit sync.Mutex

	closed atomic.Bool
}

// New opens the default high-performance adapter.
func New() (backend *Backend, err error) {
	// A missing wgpu-native library panics inside the binding.
	defer func() {
		if r := recover(); r != nil {
			backend = nil
			err = device.NewError("open webgpu", device.StatusDeviceNotFound, fmt.Errorf("native library not available: %v", r))
		}
	}()

	if err := wgpu.Init(); err != nil {
		return nil, device.NewError("open webgpu", device.StatusDeviceNotFound, err)
	}
	instance, err := wgpu.CreateInstance(nil)
	if err != nil {
		return nil, device.NewError("open webgpu", device.StatusDeviceNotFound, err)
	}
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: gputypes.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, device.NewError("request adapter", device.StatusDeviceNotFound, err)
	}
	dev, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, device.NewError("request device", device.StatusDeviceNotAvailable, err)
	}
	queue := dev.GetQueue()
	if queue == nil {
		dev.Release()
		adapter.Release()
		instance.Release()
		return nil, device.NewError("get queue", device.StatusInvalidQueue, errors.New("no queue"))
	}

	name := "WebGPU"
	if info, err := adapter.GetInfo(); err == nil {
		name = fmt.Sprintf("WebGPU (%s)", info.Device)
	}
	b := &Backend{
		id:       fmt.Sprintf("webgpu:%d", backendSeq.Add(1)),
		name:     name,
		instance: instance,
		adapter:  adapter,
		device:   dev,
		queue:    queue,
		staging:  newStagingPool(dev),
	}
	logging.Logger().Info("webgpu device opened", "name", name)
	return b, nil
}

// IsAvailable reports whether a WebGPU adapter can be opened.
func IsAvailable() bool {
	b, err := New()
	if err != nil {
		return false
	}
	_ = b.Close()
	return true
}

// Name returns the adapter name.
func (b *Backend) Name() string { return b.name }

// ID returns the backend identifier.
func (b *Backend) ID() string { return b.id }

// Limits reports the work-group size the modules are compiled for.
func (b *Backend) Limits() device.Limits {
	return device.Limits{MaxWorkGroupSize: workgroupSize, ComputeUnits: 1}
}

// CreateQueue returns a new in-order queue on the device queue.
func (b *Backend) CreateQueue() (device.Queue, error) {
	if b.closed.Load() {
		return nil, device.NewError("create queue", device.StatusDeviceNotAvailable, device.ErrReleased)
	}
	return &queue{owner: b}, nil
}

// Allocate returns a zero-initialised storage buffer. Sizes are rounded up
// to whole words.
func (b *Backend) Allocate(size int, access device.Access) (device.Memory, error) {
	if b.closed.Load() {
		return nil, device.NewError("allocate", device.StatusDeviceNotAvailable, device.ErrReleased)
	}
	if size <= 0 {
		return nil, device.NewError("allocate", device.StatusInvalidValue, fmt.Errorf("size %d", size))
	}
	if access == 0 || access&^device.ReadWrite != 0 {
		return nil, device.NewError("allocate", device.StatusInvalidValue, fmt.Errorf("access %v", access))
	}

	buf := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
		Size:  uint64((size + 3) &^ 3), //nolint:gosec // G115: size checked positive
	})
	if buf == nil {
		return nil, device.NewError("allocate", device.StatusMemAllocFailure, fmt.Errorf("%d bytes", size))
	}
	return &memory{buf: buf, size: size, access: access}, nil
}

// Free releases the buffer. Freeing twice is a no-op.
func (b *Backend) Free(mem device.Memory) {
	if m, ok := mem.(*memory); ok && m.freed.CompareAndSwap(false, true) {
		m.buf.Release()
	}
}

// Close releases the device. Queues must be released by their owner first.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.staging.clear()
	b.device.Release()
	b.adapter.Release()
	b.instance.Release()
	return nil
}

// memory is a storage buffer.
type memory struct {
	buf    *wgpu.Buffer
	size   int
	access device.Access
	freed  atomic.Bool
}

func (m *memory) Size() int             { return m.size }
func (m *memory) Access() device.Access { return m.access }

// padded returns the buffer size in bytes, a whole number of words.
func (m *memory) padded() uint64 { return uint64((m.size + 3) &^ 3) } //nolint:gosec // G115: size is positive

// Open is New behind the device.Backend interface.
func Open() (device.Backend, error) {
	b, err := New()
	if err != nil {
		return nil, err
	}
	return b, nil
}
