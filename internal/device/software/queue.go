package software

import (
	"errors"
	"fmt"
	"sync"

	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/parallel"
)

// queue executes commands in enqueue order on its own goroutine. Enqueueing
// never blocks; Read and Finish are the only synchronisation points.
type queue struct {
	owner *Backend
	index int

	mu      sync.Mutex
	cond    *sync.Cond
	pending []func() error
	busy    bool
	closed  bool
	err     error // first failure since the last Finish
	done    chan struct{}
}

func newQueue(owner *Backend, index int) *queue {
	q := &queue{owner: owner, index: index, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

func (q *queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		cmd := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.busy = true
		failed := q.err != nil
		q.mu.Unlock()

		var err error
		if !failed {
			err = q.execute(cmd)
		}

		q.mu.Lock()
		q.busy = false
		if err != nil && q.err == nil {
			q.err = err
		}
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// execute runs one command, converting a kernel panic into a device error.
func (q *queue) execute(cmd func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = device.NewError("execute", device.StatusExecutionFailure, fmt.Errorf("queue %d: %v", q.index, r))
		}
	}()
	return cmd()
}

func (q *queue) enqueue(cmd func() error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return device.NewError("enqueue", device.StatusInvalidQueue, device.ErrReleased)
	}
	q.pending = append(q.pending, cmd)
	q.cond.Broadcast()
	return nil
}

func (q *queue) Write(mem device.Memory, offset int, data []byte) error {
	m, err := q.hostMemory("write", mem, offset, len(data))
	if err != nil {
		return err
	}
	snapshot := append([]byte(nil), data...)
	return q.enqueue(func() error {
		if m.freed.Load() {
			return device.NewError("write", device.StatusInvalidMemObject, device.ErrReleased)
		}
		copy(m.data[offset:], snapshot)
		return nil
	})
}

func (q *queue) Read(mem device.Memory, offset int, dst []byte) error {
	m, err := q.hostMemory("read", mem, offset, len(dst))
	if err != nil {
		return err
	}
	if err := q.enqueue(func() error {
		if m.freed.Load() {
			return device.NewError("read", device.StatusInvalidMemObject, device.ErrReleased)
		}
		copy(dst, m.data[offset:offset+len(dst)])
		return nil
	}); err != nil {
		return err
	}
	return q.Finish()
}

func (q *queue) Copy(src, dst device.Memory, srcOffset, dstOffset, size int) error {
	s, err := q.hostMemory("copy", src, srcOffset, size)
	if err != nil {
		return err
	}
	d, err := q.hostMemory("copy", dst, dstOffset, size)
	if err != nil {
		return err
	}
	return q.enqueue(func() error {
		if s.freed.Load() || d.freed.Load() {
			return device.NewError("copy", device.StatusInvalidMemObject, device.ErrReleased)
		}
		copy(d.data[dstOffset:dstOffset+size], s.data[srcOffset:srcOffset+size])
		return nil
	})
}

func (q *queue) Fill(mem device.Memory, value byte) error {
	m, err := q.hostMemory("fill", mem, 0, 0)
	if err != nil {
		return err
	}
	return q.enqueue(func() error {
		if m.freed.Load() {
			return device.NewError("fill", device.StatusInvalidMemObject, device.ErrReleased)
		}
		for i := range m.data {
			m.data[i] = value
		}
		return nil
	})
}

// Dispatch binds args now and enqueues the kernel over the global range.
func (q *queue) Dispatch(k device.Kernel, global, local [2]int, args ...device.Arg) error {
	kn, ok := k.(*kernel)
	if !ok || kn.owner != q.owner {
		return device.NewError("dispatch", device.StatusInvalidValue, errors.New("kernel belongs to another device"))
	}
	if err := validateRange(kn, global, local); err != nil {
		return err
	}
	for i, a := range args {
		if m, ok := a.(*memory); ok && m.freed.Load() {
			return device.NewError("set arg", device.StatusInvalidMemObject,
				fmt.Errorf("%s arg %d: %w", kn.name, i, device.ErrReleased))
		}
	}

	item, err := kn.fn(args)
	if err != nil {
		return device.NewError("set args "+kn.name, device.StatusInvalidKernelArgs, err)
	}

	cfg := q.owner.cfg
	return q.enqueue(func() error {
		parallel.ForGrid(global[0], global[1], item, cfg)
		return nil
	})
}

// Finish blocks until the queue drained and reports the first failure since
// the previous Finish.
func (q *queue) Finish() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 || q.busy {
		q.cond.Wait()
	}
	err := q.err
	q.err = nil
	return err
}

// Release drains the queue and stops its goroutine.
func (q *queue) Release() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}

func (q *queue) hostMemory(op string, mem device.Memory, offset, size int) (*memory, error) {
	m, ok := mem.(*memory)
	if !ok || m.owner != q.owner {
		return nil, device.NewError(op, device.StatusInvalidMemObject, errors.New("memory belongs to another device"))
	}
	if m.freed.Load() {
		return nil, device.NewError(op, device.StatusInvalidMemObject, device.ErrReleased)
	}
	if offset < 0 || size < 0 || offset+size > len(m.data) {
		return nil, device.NewError(op, device.StatusInvalidValue,
			fmt.Errorf("range [%d,%d) outside %d bytes", offset, offset+size, len(m.data)))
	}
	return m, nil
}

func validateRange(k *kernel, global, local [2]int) error {
	for d := 0; d < 2; d++ {
		if global[d] <= 0 {
			return device.NewError("dispatch "+k.name, device.StatusInvalidGlobalSize,
				fmt.Errorf("global size %v", global))
		}
		if local[d] <= 0 || global[d]%local[d] != 0 {
			return device.NewError("dispatch "+k.name, device.StatusInvalidWorkGroup,
				fmt.Errorf("global size %v is not a multiple of local size %v", global, local))
		}
	}
	if local[0]*local[1] > k.MaxWorkGroupSize() {
		return device.NewError("dispatch "+k.name, device.StatusInvalidWorkGroup,
			fmt.Errorf("local size %v exceeds %d", local, k.MaxWorkGroupSize()))
	}
	return nil
}
