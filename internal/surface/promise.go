package surface

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/born-ml/vision/internal/device"
)

// dependencies is the dependency set shared by every copy of a promise.
// Items are released in reverse order of attachment, once, when the last
// copy is finalized.
type dependencies struct {
	refs atomic.Int32

	mu    sync.Mutex
	items []Resource
	done  bool
}

func newDependencies() *dependencies {
	d := &dependencies{}
	d.refs.Store(1)
	return d
}

func (d *dependencies) add(rs []Resource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		// The set is already gone; release late arrivals immediately.
		for _, r := range rs {
			if r != nil {
				r.Release()
			}
		}
		return
	}
	for _, r := range rs {
		if r != nil {
			d.items = append(d.items, r)
		}
	}
}

func (d *dependencies) release() {
	if d.refs.Add(-1) != 0 {
		return
	}
	d.mu.Lock()
	items := d.items
	d.items = nil
	d.done = true
	d.mu.Unlock()

	for i := len(items) - 1; i >= 0; i-- {
		items[i].Release()
	}
}

// Promise is the deferred result of work enqueued on a device queue: the
// buffer the work writes into, the queue producing it, and the dependencies
// to release once the result has been consumed.
//
// Promises must always be finalized, even when their value is discarded, or
// the intermediates they own are never released. Use Finalize to take the
// buffer, Release to drop everything, or FinalizeAll once per frame.
//
// A Promise value is not safe for concurrent use; Clone it to hand it to
// another goroutine.
type Promise struct {
	buf    *Buffer
	queue  device.Queue
	deps   *dependencies
	waited atomic.Bool
	final  atomic.Bool
}

// NewPromise takes ownership of buf, which q is producing.
func NewPromise(buf *Buffer, q device.Queue) *Promise {
	return &Promise{buf: buf, queue: q, deps: newDependencies()}
}

// Resolved returns a promise for a buffer that is already complete.
func Resolved(buf *Buffer) *Promise {
	p := NewPromise(buf, nil)
	p.waited.Store(true)
	return p
}

// WithCleanup attaches dependencies released when the last copy of p is
// finalized. Buffers, other promises and ReleaseFunc callbacks qualify.
// It returns p for chaining.
func (p *Promise) WithCleanup(rs ...Resource) *Promise {
	p.deps.add(rs)
	return p
}

// Clone returns a copy that shares the dependency set and holds its own
// reference to the buffer. Each copy must be finalized. A finalized promise
// cannot be cloned.
func (p *Promise) Clone() (*Promise, error) {
	if p.final.Load() {
		return nil, device.Usage("clone", device.ErrReleased, "promise finalized")
	}
	buf, err := p.buf.Clone()
	if err != nil {
		return nil, err
	}
	p.deps.refs.Add(1)
	c := &Promise{buf: buf, queue: p.queue, deps: p.deps}
	c.waited.Store(p.waited.Load())
	return c, nil
}

// Queue returns the producing queue, nil for a resolved promise.
func (p *Promise) Queue() device.Queue { return p.queue }

// Target returns the buffer the pending work writes into. It may be passed to
// later commands on the same queue, whose ordering makes it safe, but must not
// be read on the host before Wait. The promise keeps ownership.
func (p *Promise) Target() *Buffer { return p.buf }

// Wait blocks until the producing queue drained.
func (p *Promise) Wait() error {
	if p.waited.Load() {
		return nil
	}
	if err := p.queue.Finish(); err != nil {
		return err
	}
	p.waited.Store(true)
	return nil
}

// Waited reports whether the result is known to be complete.
func (p *Promise) Waited() bool { return p.waited.Load() }

// Buffer returns the completed buffer. The promise keeps ownership.
func (p *Promise) Buffer() (*Buffer, error) {
	if p.final.Load() {
		return nil, device.Usage("buffer", device.ErrReleased, "promise finalized")
	}
	if !p.waited.Load() {
		return nil, device.Usage("buffer", device.ErrNotWaited, "")
	}
	return p.buf, nil
}

// Read waits for the result and copies its bytes into dst, which must be at
// least the buffer size.
func (p *Promise) Read(dst []byte) error {
	if p.final.Load() {
		return device.Usage("read", device.ErrReleased, "promise finalized")
	}
	if err := p.Wait(); err != nil {
		return err
	}
	if len(dst) < p.buf.Size() {
		return device.Usage("read", device.ErrShape, "%d bytes into %d", p.buf.Size(), len(dst))
	}
	q, err := p.readQueue()
	if err != nil {
		return err
	}
	mem, err := p.buf.Handle(p.buf.Access())
	if err != nil {
		return err
	}
	return q.Read(mem, 0, dst[:p.buf.Size()])
}

// Bytes waits for the result and returns a host copy of it.
func (p *Promise) Bytes() ([]byte, error) {
	if p.final.Load() {
		return nil, device.Usage("read", device.ErrReleased, "promise finalized")
	}
	dst := make([]byte, p.buf.Size())
	if err := p.Read(dst); err != nil {
		return nil, err
	}
	return dst, nil
}

func (p *Promise) readQueue() (device.Queue, error) {
	if p.queue != nil {
		return p.queue, nil
	}
	return p.buf.Registry().Queue(0)
}

// Finalize waits for the result, releases this copy's share of the
// dependencies and hands the buffer to the caller, who must Release it.
// On a wait failure the dependencies and the buffer are released and the
// error returned.
func (p *Promise) Finalize() (*Buffer, error) {
	if p.final.Swap(true) {
		return nil, device.Usage("finalize", device.ErrReleased, "promise finalized twice")
	}
	err := p.Wait()
	p.deps.release()
	if err != nil {
		p.buf.Release()
		return nil, err
	}
	return p.buf, nil
}

// Release finalizes p and drops the buffer. Like Finalize it waits for the
// producing queue first; wait errors are discarded. It is a no-op on a
// finalized promise.
func (p *Promise) Release() {
	if p == nil || p.final.Load() {
		return
	}
	buf, err := p.Finalize()
	if err == nil {
		buf.Release()
	}
}

// FinalizeAll waits every distinct queue once and finalizes all promises.
// The buffers are returned in order and owned by the caller. When any queue
// failed every promise is still finalized, every buffer released, and the
// joined errors returned.
func FinalizeAll(ps ...*Promise) ([]*Buffer, error) {
	seen := make(map[device.Queue]error, 1)
	var errs []error
	for _, p := range ps {
		if p == nil || p.waited.Load() || p.queue == nil {
			continue
		}
		if _, ok := seen[p.queue]; ok {
			continue
		}
		err := p.queue.Finish()
		seen[p.queue] = err
		if err != nil {
			errs = append(errs, err)
		}
	}

	failed := len(errs) > 0
	out := make([]*Buffer, len(ps))
	for i, p := range ps {
		if p == nil {
			continue
		}
		if p.queue != nil && seen[p.queue] == nil {
			p.waited.Store(true)
		}
		if failed {
			p.Release()
			continue
		}
		buf, err := p.Finalize()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[i] = buf
	}

	if len(errs) > 0 {
		for _, b := range out {
			b.Release()
		}
		return nil, errors.Join(errs...)
	}
	return out, nil
}
