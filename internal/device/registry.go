package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/born-ml/vision/internal/logging"
)

// Registry owns one backend and a pool of command queues keyed by channel
// index, so independent camera pipelines can issue work concurrently without
// serialising on a single queue.
//
// Thread safety: Registry is safe for concurrent use.
type Registry struct {
	backend Backend

	mu       sync.Mutex
	defQueue Queue
	queues   map[int]Queue
	closed   bool

	// Memory tracking
	liveBytes   atomic.Int64
	liveBuffers atomic.Int64
	peakBytes   atomic.Int64
}

// NewRegistry takes ownership of backend and creates its default queue.
func NewRegistry(backend Backend) (*Registry, error) {
	if backend == nil {
		return nil, NewError("registry", StatusDeviceNotFound, errors.New("nil backend"))
	}
	q, err := backend.CreateQueue()
	if err != nil {
		return nil, wrapDevice("create default queue", StatusInvalidQueue, err)
	}

	logging.Logger().Info("device registry ready",
		"device", backend.Name(),
		"max_work_group", backend.Limits().MaxWorkGroupSize)

	return &Registry{
		backend:  backend,
		defQueue: q,
		queues:   make(map[int]Queue),
	}, nil
}

// Backend returns the owned backend.
func (r *Registry) Backend() Backend { return r.backend }

// Name returns the device name.
func (r *Registry) Name() string { return r.backend.Name() }

// Queue returns the queue for a channel index. index <= 0 selects the default
// queue; any other index gets a dedicated queue, created on first use.
func (r *Registry) Queue(index int) (Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, NewError("retrieve queue", StatusInvalidQueue, ErrReleased)
	}
	if index <= 0 {
		return r.defQueue, nil
	}
	if q, ok := r.queues[index]; ok {
		return q, nil
	}

	q, err := r.backend.CreateQueue()
	if err != nil {
		return nil, wrapDevice(fmt.Sprintf("create queue %d", index), StatusInvalidQueue, err)
	}
	r.queues[index] = q
	logging.Logger().Debug("created command queue", "index", index, "device", r.backend.Name())
	return q, nil
}

// Allocate returns zero-initialised device memory of size bytes.
func (r *Registry) Allocate(size int, access Access) (Memory, error) {
	if size <= 0 {
		return nil, NewError("allocate", StatusInvalidValue, fmt.Errorf("size %d", size))
	}
	mem, err := r.backend.Allocate(size, access)
	if err != nil {
		return nil, wrapDevice("allocate", StatusMemAllocFailure, err)
	}

	live := r.liveBytes.Add(int64(size))
	r.liveBuffers.Add(1)
	for {
		peak := r.peakBytes.Load()
		if live <= peak || r.peakBytes.CompareAndSwap(peak, live) {
			break
		}
	}
	return mem, nil
}

// Free releases memory obtained from Allocate.
func (r *Registry) Free(mem Memory) {
	if mem == nil {
		return
	}
	r.liveBytes.Add(-int64(mem.Size()))
	r.liveBuffers.Add(-1)
	r.backend.Free(mem)
}

// Build compiles src on the owned backend.
func (r *Registry) Build(src *Source, opts BuildOptions) (Program, error) {
	p, err := r.backend.Build(src, opts)
	if err != nil {
		return nil, wrapDevice("build "+src.Name, StatusBuildProgramFailure, err)
	}
	return p, nil
}

// Stats reports live device memory.
type Stats struct {
	LiveBytes   int64 `json:"live_bytes"`
	LiveBuffers int64 `json:"live_buffers"`
	PeakBytes   int64 `json:"peak_bytes"`
	Queues      int   `json:"queues"`
}

// Stats returns current memory and queue statistics.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	queues := len(r.queues) + 1
	r.mu.Unlock()

	return Stats{
		LiveBytes:   r.liveBytes.Load(),
		LiveBuffers: r.liveBuffers.Load(),
		PeakBytes:   r.peakBytes.Load(),
		Queues:      queues,
	}
}

// Close finishes and releases every queue, then closes the backend.
// Closing twice is a no-op.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	queues := make([]Queue, 0, len(r.queues)+1)
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	queues = append(queues, r.defQueue)
	r.queues = nil
	r.mu.Unlock()

	var errs []error
	for _, q := range queues {
		if err := q.Finish(); err != nil {
			errs = append(errs, err)
		}
		q.Release()
	}
	if err := r.backend.Close(); err != nil {
		errs = append(errs, wrapDevice("close", StatusInvalidValue, err))
	}
	return errors.Join(errs...)
}

// wrapDevice converts err into a device error, keeping an existing status.
func wrapDevice(op string, status int, err error) error {
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return NewError(op, status, err)
}
