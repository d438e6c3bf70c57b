//go:build windows

package webgpu

import (
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/gogpu/gputypes"
)

// maxPerSize bounds the idle readback buffers kept for one size.
const maxPerSize = 8

// stagingPool recycles MapRead buffers for readbacks. Channels read back
// frames of the same size every frame, so buffers are keyed by exact size.
type stagingPool struct {
	device *wgpu.Device

	mu   sync.Mutex
	idle map[uint64][]*wgpu.Buffer

	hits, misses uint64
}

func newStagingPool(device *wgpu.Device) *stagingPool {
	return &stagingPool{device: device, idle: make(map[uint64][]*wgpu.Buffer)}
}

// acquire returns an unmapped MapRead|CopyDst buffer of size bytes.
func (p *stagingPool) acquire(size uint64) *wgpu.Buffer {
	p.mu.Lock()
	if bufs := p.idle[size]; len(bufs) > 0 {
		buf := bufs[len(bufs)-1]
		p.idle[size] = bufs[:len(bufs)-1]
		p.hits++
		p.mu.Unlock()
		return buf
	}
	p.misses++
	p.mu.Unlock()

	return p.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
		Size:  size,
	})
}

// put returns an unmapped buffer; it is released when the size is full.
func (p *stagingPool) put(buf *wgpu.Buffer, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle[size]) >= maxPerSize {
		buf.Release()
		return
	}
	p.idle[size] = append(p.idle[size], buf)
}

// clear releases every idle buffer.
func (p *stagingPool) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for size, bufs := range p.idle {
		for _, b := range bufs {
			b.Release()
		}
		delete(p.idle, size)
	}
}

// stats reports pool hits, misses and idle buffers.
func (p *stagingPool) stats() (hits, misses uint64, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, bufs := range p.idle {
		idle += len(bufs)
	}
	return p.hits, p.misses, idle
}
