//go:build windows

package webgpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/gogpu/gputypes"

	"github.com/born-ml/vision/internal/device"
)

// maxPending is the number of encoded command buffers after which a queue
// submits without waiting for a Read or Finish.
const maxPending = 32

// queue records commands into command buffers and submits them in batches to
// the device queue. Staging buffers and bind groups stay alive until the
// commands using them were submitted and completed.
type queue struct {
	owner *Backend

	mu       sync.Mutex
	pending  []*wgpu.CommandBuffer
	inflight []releaser
	released bool
}

type releaser interface{ Release() }

func (q *queue) mem(op string, m device.Memory) (*memory, error) {
	mm, ok := m.(*memory)
	if !ok || mm == nil {
		return nil, device.NewError(op, device.StatusInvalidMemObject, fmt.Errorf("%T is not webgpu memory", m))
	}
	if mm.freed.Load() {
		return nil, device.NewError(op, device.StatusInvalidMemObject, device.ErrReleased)
	}
	return mm, nil
}

// span checks [offset, offset+n) against m and returns the word-aligned copy
// length. A span may only end off a word boundary at the end of the buffer.
func span(op string, m *memory, offset, n int) (uint64, error) {
	if offset < 0 || n < 0 || offset+n > m.size {
		return 0, device.NewError(op, device.StatusInvalidValue, fmt.Errorf("range [%d,%d) outside %d bytes", offset, offset+n, m.size))
	}
	if offset%4 != 0 || (n%4 != 0 && offset+n != m.size) {
		return 0, device.NewError(op, device.StatusInvalidValue, fmt.Errorf("range [%d,%d) not word aligned", offset, offset+n))
	}
	return uint64((n + 3) &^ 3), nil //nolint:gosec // G115: n checked non-negative
}

// mapped returns a buffer mapped at creation holding data, padded to words.
func (q *queue) mapped(data []byte, size uint64, usage gputypes.BufferUsage) *wgpu.Buffer {
	buf := q.owner.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	ptr := buf.GetMappedRange(0, size)
	//nolint:gosec // mapped range is size bytes long
	dst := unsafe.Slice((*byte)(ptr), size)
	n := copy(dst, data)
	clear(dst[n:])
	buf.Unmap()
	return buf
}

// record appends one command buffer, keeping res alive until completion.
func (q *queue) record(encode func(*wgpu.CommandEncoder), res ...releaser) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return device.NewError("enqueue", device.StatusInvalidQueue, device.ErrReleased)
	}
	encoder := q.owner.device.CreateCommandEncoder(nil)
	encode(encoder)
	q.pending = append(q.pending, encoder.Finish(nil))
	q.inflight = append(q.inflight, res...)
	if len(q.pending) >= maxPending {
		q.flushLocked()
	}
	return nil
}

// flushLocked submits the pending command buffers (must hold q.mu).
func (q *queue) flushLocked() {
	if len(q.pending) == 0 {
		return
	}
	q.owner.submit.Lock()
	q.owner.queue.Submit(q.pending...)
	q.owner.submit.Unlock()
	for _, cb := range q.pending {
		cb.Release()
	}
	q.pending = q.pending[:0]
}

// readback copies size bytes at offset of src into dst after everything
// enqueued so far completed. Callers hold q.mu.
func (q *queue) readbackLocked(src *wgpu.Buffer, offset, size uint64, dst []byte) error {
	stage := q.owner.staging.acquire(size)

	encoder := q.owner.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, offset, stage, 0, size)
	q.pending = append(q.pending, encoder.Finish(nil))
	q.flushLocked()

	if err := stage.MapAsync(q.owner.device, wgpu.MapModeRead, 0, size); err != nil {
		stage.Release()
		return device.NewError("read", device.StatusExecutionFailure, err)
	}
	ptr := stage.GetMappedRange(0, size)
	//nolint:gosec // mapped range is size bytes long
	copy(dst, unsafe.Slice((*byte)(ptr), size))
	stage.Unmap()
	q.owner.staging.put(stage, size)

	// Mapping waited for the copy, so every earlier command has completed.
	for _, r := range q.inflight {
		r.Release()
	}
	q.inflight = q.inflight[:0]
	return nil
}

func (q *queue) Write(m device.Memory, offset int, data []byte) error {
	mm, err := q.mem("write", m)
	if err != nil {
		return err
	}
	size, err := span("write", mm, offset, len(data))
	if err != nil || size == 0 {
		return err
	}
	stage := q.mapped(data, size, gputypes.BufferUsageCopySrc)
	return q.record(func(e *wgpu.CommandEncoder) {
		e.CopyBufferToBuffer(stage, 0, mm.buf, uint64(offset), size) //nolint:gosec // G115: offset checked
	}, stage)
}

func (q *queue) Read(m device.Memory, offset int, dst []byte) error {
	mm, err := q.mem("read", m)
	if err != nil {
		return err
	}
	size, err := span("read", mm, offset, len(dst))
	if err != nil || size == 0 {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return device.NewError("read", device.StatusInvalidQueue, device.ErrReleased)
	}
	return q.readbackLocked(mm.buf, uint64(offset), size, dst) //nolint:gosec // G115: offset checked
}

func (q *queue) Copy(src, dst device.Memory, srcOffset, dstOffset, size int) error {
	s, err := q.mem("copy", src)
	if err != nil {
		return err
	}
	d, err := q.mem("copy", dst)
	if err != nil {
		return err
	}
	if _, err := span("copy", s, srcOffset, size); err != nil {
		return err
	}
	n, err := span("copy", d, dstOffset, size)
	if err != nil || n == 0 {
		return err
	}
	return q.record(func(e *wgpu.CommandEncoder) {
		e.CopyBufferToBuffer(s.buf, uint64(srcOffset), d.buf, uint64(dstOffset), n) //nolint:gosec // G115: offsets checked
	})
}

func (q *queue) Fill(m device.Memory, value byte) error {
	mm, err := q.mem("fill", m)
	if err != nil {
		return err
	}
	data := make([]byte, mm.padded())
	for i := range data {
		data[i] = value
	}
	stage := q.mapped(data, mm.padded(), gputypes.BufferUsageCopySrc)
	return q.record(func(e *wgpu.CommandEncoder) {
		e.CopyBufferToBuffer(stage, 0, mm.buf, 0, mm.padded())
	}, stage)
}

// Dispatch binds memory arguments at 0..n-1 in order and packs every scalar
// argument into one u32 storage buffer bound after them.
func (q *queue) Dispatch(k device.Kernel, global, local [2]int, args ...device.Arg) error {
	kk, ok := k.(*kernel)
	if !ok {
		return device.NewError("dispatch", device.StatusInvalidKernelName, fmt.Errorf("%T is not a webgpu kernel", k))
	}
	if global[0] <= 0 || global[1] <= 0 {
		return device.NewError("dispatch "+kk.name, device.StatusInvalidGlobalSize, fmt.Errorf("global %v", global))
	}
	if local[0] != workgroupSize || local[1] != 1 || global[0]%local[0] != 0 {
		return device.NewError("dispatch "+kk.name, device.StatusInvalidWorkGroup, fmt.Errorf("local %v for global %v", local, global))
	}

	var (
		entries []wgpu.BindGroupEntry
		scalars []byte
	)
	for i, a := range args {
		switch v := a.(type) {
		case device.Memory:
			mm, err := q.mem("dispatch "+kk.name, v)
			if err != nil {
				return err
			}
			entries = append(entries, wgpu.BufferBindingEntry(uint32(len(entries)), mm.buf, 0, mm.padded())) //nolint:gosec // G115: small count
		case int32:
			scalars = binary.LittleEndian.AppendUint32(scalars, uint32(v)) //nolint:gosec // G115: bit pattern
		case uint32:
			scalars = binary.LittleEndian.AppendUint32(scalars, v)
		case float32:
			scalars = binary.LittleEndian.AppendUint32(scalars, math.Float32bits(v))
		default:
			return device.NewError("dispatch "+kk.name, device.StatusInvalidKernelArgs, fmt.Errorf("argument %d has type %T", i, a))
		}
	}

	res := make([]releaser, 0, 2)
	if len(scalars) > 0 {
		params := q.mapped(scalars, uint64(len(scalars)), gputypes.BufferUsageStorage)
		entries = append(entries, wgpu.BufferBindingEntry(uint32(len(entries)), params, 0, uint64(len(scalars)))) //nolint:gosec // G115: small count
		res = append(res, params)
	}
	layout := kk.pipeline.GetBindGroupLayout(0)
	group := q.owner.device.CreateBindGroupSimple(layout, entries)
	layout.Release()
	if group == nil {
		for _, r := range res {
			r.Release()
		}
		return device.NewError("dispatch "+kk.name, device.StatusInvalidKernelArgs, fmt.Errorf("%d bindings rejected", len(entries)))
	}
	res = append(res, group)

	groups := uint32(global[0] / local[0]) //nolint:gosec // G115: checked positive
	rows := uint32(global[1])             //nolint:gosec // G115: checked positive
	return q.record(func(e *wgpu.CommandEncoder) {
		pass := e.BeginComputePass(nil)
		pass.SetPipeline(kk.pipeline)
		pass.SetBindGroup(0, group, nil)
		pass.DispatchWorkgroups(groups, rows, 1)
		pass.End()
	}, res...)
}

// Finish submits everything pending and waits for it by reading back a
// sentinel word.
func (q *queue) Finish() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return device.NewError("finish", device.StatusInvalidQueue, device.ErrReleased)
	}
	if len(q.pending) == 0 && len(q.inflight) == 0 {
		return nil
	}
	sentinel := q.mapped([]byte{0, 0, 0, 0}, 4, gputypes.BufferUsageCopySrc)
	defer sentinel.Release()
	var word [4]byte
	return q.readbackLocked(sentinel, 0, 4, word[:])
}

func (q *queue) Release() {
	_ = q.Finish()
	q.mu.Lock()
	q.released = true
	q.mu.Unlock()
}
