// Package subsense implements adaptive background subtraction as a chain of
// compute kernels. Each pixel keeps a small set of past background samples
// (color plus an optional local binary texture code) and a few continuously
// adapted scalars that tune its own match threshold, update rate, ghost and
// flicker handling. Pixels that do not match enough samples are foreground;
// background pixels are painted with a replacement color.
//
// A Filter is fed one frame at a time and returns a promise for the
// composited frame. The first ModelSize frames bootstrap the model and pass
// the (possibly downscaled) input through.
package subsense

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/kernels"
	"github.com/born-ml/vision/internal/logging"
	"github.com/born-ml/vision/internal/surface"
)

// Option configures a Filter.
type Option func(*Filter)

// WithSeed replaces the time-based per-frame seed used for model updates.
func WithSeed(seed func() uint32) Option {
	return func(f *Filter) { f.seed = seed }
}

// WithLogger sets the logger. The package logger is used by default.
func WithLogger(l *slog.Logger) Option {
	return func(f *Filter) { f.log = l }
}

// Filter is one background subtractor. The model, utility state and masks it
// owns are never shared with other filters; the registry and cache are.
//
// Thread safety: Filter methods are safe for concurrent use, but one filter
// should be driven from a single queue index since its state buffers are
// ordered only within a queue.
type Filter struct {
	id    uuid.UUID
	cfg   Config
	opts  device.BuildOptions
	reg   *device.Registry
	cache *kernels.Cache
	seed  func() uint32
	log   *slog.Logger

	mu          sync.Mutex
	initialized bool
	closed      bool
	active      bool
	debugMode   int
	frames      uint32
	lastQueue   device.Queue

	kern map[string]device.Kernel

	params *surface.Buffer

	// Processing state, allocated for one input resolution.
	fullW, fullH int
	w, h         int
	model        *surface.Buffer
	util1, util2 *surface.Buffer
	mask, tmp    *surface.Buffer
	modelI       int
}

// New returns a filter using reg and cache. The filter is active and must be
// initialized with Init before the first frame.
func New(reg *device.Registry, cache *kernels.Cache, cfg Config, opts ...Option) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := &Filter{
		id:        uuid.New(),
		cfg:       cfg,
		opts:      cfg.BuildOptions(),
		reg:       reg,
		cache:     cache,
		seed:      timeSeed,
		active:    true,
		debugMode: -1,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.log == nil {
		f.log = logging.Logger()
	}
	f.log = f.log.With("filter", "subsense", "id", f.id.String())
	return f, nil
}

func timeSeed() uint32 {
	return uint32(time.Now().UnixNano()) //nolint:gosec // G115: only the low bits matter
}

// kernelNames lists the kernels a configuration needs.
func (c Config) kernelNames() []string {
	names := []string{"downscale", "bootstrap", "compare", "composite"}
	if c.Morphology {
		names = append(names, "morph")
	}
	if c.Debug {
		names = append(names, "debug_view")
	}
	return names
}

// Init compiles the program variant and uploads the parameter block. A build
// failure is fatal and carries the build log.
func (f *Filter) Init() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return device.Usage("init", device.ErrReleased, "filter closed")
	}
	if f.initialized {
		return nil
	}

	kern := make(map[string]device.Kernel)
	for _, name := range f.cfg.kernelNames() {
		k, err := f.cache.Kernel(f.reg, Program, f.opts, name)
		if err != nil {
			return err
		}
		kern[name] = k
	}

	q, err := f.reg.Queue(0)
	if err != nil {
		return err
	}
	params, err := surface.FromBytes(f.reg, q, paramCount, 1, 1, 4, device.ReadOnly, floatBytes(f.cfg.params()))
	if err != nil {
		return err
	}
	// Frames may arrive on any queue; the block must be resident before.
	if err := q.Finish(); err != nil {
		params.Release()
		return err
	}

	f.kern = kern
	f.params = params
	f.initialized = true
	f.log.Info("filter initialized", "options", f.opts.String(), "device", f.reg.Name())
	return nil
}

func floatBytes(fs []float32) []byte {
	b := make([]byte, 4*len(fs))
	for i, v := range fs {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

// ID returns the filter's unique identifier.
func (f *Filter) ID() uuid.UUID { return f.id }

// Config returns the configuration.
func (f *Filter) Config() Config { return f.cfg }

// Start makes the filter process frames.
func (f *Filter) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = true
}

// Stop makes the filter pass frames through unchanged and drops the learned
// model, so the next Start bootstraps again.
func (f *Filter) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	f.modelI = 0
}

// Active reports whether the filter processes frames.
func (f *Filter) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Reset returns the filter to bootstrapping.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modelI = 0
	f.log.Debug("model reset")
}

// Bootstrapping reports whether the next frame fills the model.
func (f *Filter) Bootstrapping() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modelI < f.cfg.ModelSize
}

// ModelIndex returns the number of model slots filled since the last reset.
func (f *Filter) ModelIndex() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modelI
}

// Resolution returns the current processing resolution, zero before the
// first frame.
func (f *Filter) Resolution() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.w, f.h
}

// SetDebugMode selects an alternate output: n < 0 turns it off, n below
// ModelSize shows model slot n, and ModelSize plus 0..4 shows the mask, D_min,
// R, v and T. It fails unless debug output was compiled in.
func (f *Filter) SetDebugMode(n int) error {
	if n >= 0 && !f.cfg.Debug {
		return device.Usage("set debug mode", device.ErrDebugDisabled, "mode %d", n)
	}
	if n >= f.cfg.ModelSize+debugModes {
		return device.Usage("set debug mode", device.ErrInvalidConfig, "mode %d exceeds %d", n, f.cfg.ModelSize+debugModes-1)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debugMode = max(n, -1)
	return nil
}

// DebugMode returns the selected debug output, -1 when off.
func (f *Filter) DebugMode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.debugMode
}

// Filter enqueues the processing of frame on the queue of queueIndex and
// returns a promise for the result: the composited frame, the pass-through
// frame while bootstrapping or inactive, or the debug view. exclusion is an
// optional mask of the frame's size whose non-zero pixels are forced to
// background when exclusion is enabled.
//
// Frames are RGBA8 buffers (4 channels of 1 byte). A frame size different
// from the previous one reallocates the state and restarts bootstrapping.
func (f *Filter) Filter(frame, exclusion *surface.Buffer, queueIndex int) (*surface.Promise, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, device.Usage("filter", device.ErrReleased, "filter closed")
	}
	if !f.initialized {
		return nil, device.Usage("filter", device.ErrNotInitialized, "call Init first")
	}
	if frame == nil || frame.ElemSize() != 4 || frame.Channels() != 4 {
		return nil, device.Usage("filter", device.ErrShape, "frame must be RGBA8, got %v", frame)
	}

	q, err := f.reg.Queue(queueIndex)
	if err != nil {
		return nil, err
	}
	f.lastQueue = q

	if !f.active {
		out, err := frame.Clone()
		if err != nil {
			return nil, err
		}
		return surface.NewPromise(out, q), nil
	}

	if err := f.ensureState(frame.Cols(), frame.Rows()); err != nil {
		return nil, err
	}

	low, err := f.downscale(q, frame)
	if err != nil {
		return nil, err
	}

	if f.modelI < f.cfg.ModelSize {
		return f.bootstrap(q, low)
	}
	return f.steady(q, frame, low, exclusion)
}

// steady classifies low, refines the mask and renders the output.
func (f *Filter) steady(q device.Queue, frame, low, exclusion *surface.Buffer) (*surface.Promise, error) {
	var deps []surface.Resource
	deps = append(deps, low)

	exLow, err := f.exclusionMask(q, exclusion)
	if err != nil {
		releaseAll(deps)
		return nil, err
	}
	if exLow != nil {
		deps = append(deps, exLow)
	}

	if err := f.compare(q, low, exLow); err != nil {
		releaseAll(deps)
		return nil, err
	}
	if err := f.refine(q); err != nil {
		releaseAll(deps)
		return nil, err
	}

	var p *surface.Promise
	if f.debugMode >= 0 {
		p, err = f.debugView(q)
	} else {
		p, err = f.composite(q, frame)
	}
	if err != nil {
		releaseAll(deps)
		return nil, err
	}
	return p.WithCleanup(deps...), nil
}

func releaseAll(rs []surface.Resource) {
	for _, r := range rs {
		r.Release()
	}
}

// ensureState allocates the model, utility and mask buffers for a frame
// size, reusing them while the size is unchanged.
func (f *Filter) ensureState(fullW, fullH int) error {
	if f.model != nil && fullW == f.fullW && fullH == f.fullH {
		return nil
	}
	w, h := f.cfg.Processing(fullW, fullH)
	words := 1
	if f.cfg.Texture {
		words = 2
	}

	alloc := []struct {
		dst                 **surface.Buffer
		channels, chanBytes int
	}{
		{&f.model, f.cfg.ModelSize * words, 4},
		{&f.util1, 4, 4},
		{&f.util2, 4, 4},
		{&f.mask, 1, 4},
		{&f.tmp, 1, 4},
	}
	f.releaseState()
	for _, a := range alloc {
		b, err := surface.Allocate(f.reg, w, h, a.channels, a.chanBytes, device.ReadWrite)
		if err != nil {
			f.releaseState()
			return err
		}
		*a.dst = b
	}

	if f.fullW != 0 {
		f.log.Info("input resolution changed, restarting bootstrap",
			"from", [2]int{f.fullW, f.fullH}, "to", [2]int{fullW, fullH})
	}
	f.fullW, f.fullH = fullW, fullH
	f.w, f.h = w, h
	f.modelI = 0
	f.log.Debug("state allocated", "processing", [2]int{w, h}, "frame", [2]int{fullW, fullH})
	return nil
}

func (f *Filter) releaseState() {
	for _, b := range []**surface.Buffer{&f.model, &f.util1, &f.util2, &f.mask, &f.tmp} {
		if *b != nil {
			(*b).Release()
			*b = nil
		}
	}
}

// Close waits for outstanding work and releases every device buffer the
// filter owns. Closing twice is a no-op.
func (f *Filter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true

	var err error
	if f.lastQueue != nil {
		err = f.lastQueue.Finish()
	}
	f.releaseState()
	if f.params != nil {
		f.params.Release()
		f.params = nil
	}
	f.log.Debug("filter closed")
	return err
}
