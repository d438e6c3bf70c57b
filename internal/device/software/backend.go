// Package software implements the compute device in pure Go. Device memory is
// host memory, every command queue is a goroutine executing commands strictly
// in order, and kernels are Go closures specialised from the build options and
// executed across rows in parallel.
//
// It is the default backend and the reference the GPU backends are tested
// against.
package software

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/parallel"
)

const (
	defaultMaxWorkGroup      = 256
	defaultPreferredMultiple = 32
)

var backendSeq atomic.Int64

// Backend is the software compute device.
type Backend struct {
	id       string
	name     string
	cfg      parallel.Config
	maxGroup int
	multiple int
	closed   atomic.Bool

	queues atomic.Int64
}

// Compile-time check that Backend implements device.Backend.
var _ device.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithParallel sets the parallel execution configuration used for kernels.
func WithParallel(cfg parallel.Config) Option {
	return func(b *Backend) { b.cfg = cfg }
}

// WithMaxWorkGroupSize overrides the device work-group limit.
func WithMaxWorkGroupSize(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.maxGroup = n
		}
	}
}

// WithPreferredMultiple overrides the preferred work-group multiple reported
// by every kernel.
func WithPreferredMultiple(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.multiple = n
		}
	}
}

// New creates a software backend.
func New(opts ...Option) *Backend {
	seq := backendSeq.Add(1)
	b := &Backend{
		id:       fmt.Sprintf("software:%d", seq),
		name:     "Software (Go)",
		cfg:      parallel.DefaultConfig(),
		maxGroup: defaultMaxWorkGroup,
		multiple: defaultPreferredMultiple,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the backend name.
func (b *Backend) Name() string { return b.name }

// ID returns the unique device identifier.
func (b *Backend) ID() string { return b.id }

// Limits returns the dispatch limits.
func (b *Backend) Limits() device.Limits {
	return device.Limits{
		MaxWorkGroupSize: b.maxGroup,
		ComputeUnits:     max(b.cfg.NumWorkers, 1),
	}
}

// CreateQueue starts a new in-order queue.
func (b *Backend) CreateQueue() (device.Queue, error) {
	if b.closed.Load() {
		return nil, device.NewError("create queue", device.StatusDeviceNotAvailable, device.ErrReleased)
	}
	return newQueue(b, int(b.queues.Add(1))), nil
}

// Allocate returns zero-initialised host memory.
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
	return &memory{data: make([]byte, size), access: access, owner: b}, nil
}

// Free marks memory as released. The bytes are reclaimed by the garbage
// collector once no command still references them.
func (b *Backend) Free(mem device.Memory) {
	if m, ok := mem.(*memory); ok {
		m.freed.Store(true)
	}
}

// Build specialises the native form of src.
func (b *Backend) Build(src *device.Source, opts device.BuildOptions) (device.Program, error) {
	if src == nil || src.Native == nil {
		name := "<nil>"
		if src != nil {
			name = src.Name
		}
		return nil, &device.Error{
			Op:     "build " + name,
			Status: device.StatusInvalidProgram,
			Err:    errors.New("no native implementation"),
		}
	}

	kernels, err := src.Native(opts)
	if err != nil {
		return nil, &device.Error{
			Op:     "build " + src.Name,
			Status: device.StatusBuildProgramFailure,
			Log:    fmt.Sprintf("%s [%s]: %v", src.Name, opts, err),
		}
	}

	p := &program{
		name:    src.Name,
		opts:    opts,
		kernels: make(map[string]*kernel, len(kernels)),
	}
	for name, fn := range kernels {
		p.kernels[name] = &kernel{name: name, fn: fn, owner: b}
	}
	return p, nil
}

// Close marks the backend closed. Queues must be released by their owner.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

// memory is a block of host memory standing in for device memory.
type memory struct {
	data   []byte
	access device.Access
	owner  *Backend
	freed  atomic.Bool
}

func (m *memory) Size() int             { return len(m.data) }
func (m *memory) Access() device.Access { return m.access }

// Bytes exposes the backing bytes to native kernels.
func (m *memory) Bytes() []byte { return m.data }

type program struct {
	name    string
	opts    device.BuildOptions
	kernels map[string]*kernel
}

func (p *program) Kernel(name string) (device.Kernel, error) {
	k, ok := p.kernels[name]
	if !ok {
		return nil, device.NewError("create kernel "+name, device.StatusInvalidKernelName,
			fmt.Errorf("program %s [%s] has no kernel %q", p.name, p.opts, name))
	}
	return k, nil
}

func (p *program) Options() device.BuildOptions { return p.opts }

func (p *program) Release() {}

type kernel struct {
	name  string
	fn    device.NativeKernel
	owner *Backend
}

func (k *kernel) Name() string           { return k.name }
func (k *kernel) PreferredMultiple() int { return k.owner.multiple }
func (k *kernel) MaxWorkGroupSize() int  { return k.owner.maxGroup }
