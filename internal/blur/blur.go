// Package blur implements a separable blur filter on the compute device: a
// horizontal pass into a float intermediate followed by a vertical pass back
// to RGBA8, with edge pixels extended past the border.
package blur

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/kernels"
	"github.com/born-ml/vision/internal/surface"
)

// MaxRadius bounds the kernel radius.
const MaxRadius = 64

// Config configures the blur.
type Config struct {
	// Radius is the number of pixels on each side of the centre. Zero copies
	// the frame.
	Radius int `mapstructure:"radius" yaml:"radius" json:"radius"`
	// Gaussian weights the window with a Gaussian of sigma Radius/3 instead
	// of a box.
	Gaussian bool `mapstructure:"gaussian" yaml:"gaussian" json:"gaussian"`
}

// DefaultConfig returns a 2 pixel box blur.
func DefaultConfig() Config { return Config{Radius: 2} }

// Validate checks the radius.
func (c Config) Validate() error {
	if c.Radius < 0 || c.Radius > MaxRadius {
		return device.Usage("validate blur", device.ErrInvalidConfig, "radius %d must be 0..%d", c.Radius, MaxRadius)
	}
	return nil
}

// Weights returns the 2*Radius+1 normalized window weights.
func (c Config) Weights() []float32 {
	n := 2*c.Radius + 1
	w := make([]float32, n)
	if !c.Gaussian || c.Radius == 0 {
		for i := range w {
			w[i] = 1 / float32(n)
		}
		return w
	}

	sigma := float64(c.Radius) / 3
	twoSigmaSq := 2 * sigma * sigma
	sum := 0.0
	vals := make([]float64, n)
	for i := range vals {
		x := float64(i - c.Radius)
		vals[i] = math.Exp(-(x * x) / twoSigmaSq)
		sum += vals[i]
	}
	for i, v := range vals {
		w[i] = float32(v / sum)
	}
	return w
}

// Filter blurs RGBA8 frames.
type Filter struct {
	cfg   Config
	reg   *device.Registry
	cache *kernels.Cache

	mu          sync.Mutex
	weights     *surface.Buffer
	horiz, vert device.Kernel
}

// New returns a blur filter; Init must be called before Apply.
func New(reg *device.Registry, cache *kernels.Cache, cfg Config) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Filter{cfg: cfg, reg: reg, cache: cache}, nil
}

// Init compiles the kernels and uploads the weights.
func (f *Filter) Init() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.weights != nil {
		return nil
	}

	var err error
	if f.horiz, err = f.cache.Kernel(f.reg, Program, device.BuildOptions{}, "blur_h"); err != nil {
		return err
	}
	if f.vert, err = f.cache.Kernel(f.reg, Program, device.BuildOptions{}, "blur_v"); err != nil {
		return err
	}

	ws := f.cfg.Weights()
	data := make([]byte, 4*len(ws))
	for i, v := range ws {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	q, err := f.reg.Queue(0)
	if err != nil {
		return err
	}
	weights, err := surface.FromBytes(f.reg, q, len(ws), 1, 1, 4, device.ReadOnly, data)
	if err != nil {
		return err
	}
	if err := q.Finish(); err != nil {
		weights.Release()
		return err
	}
	f.weights = weights
	return nil
}

// Apply enqueues the blur of frame on the queue of queueIndex. The returned
// promise owns the intermediate buffer.
func (f *Filter) Apply(frame *surface.Buffer, queueIndex int) (*surface.Promise, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.weights == nil {
		return nil, device.Usage("blur", device.ErrNotInitialized, "call Init first")
	}
	if frame == nil || frame.ElemSize() != 4 {
		return nil, device.Usage("blur", device.ErrShape, "frame must hold 4-byte pixels, got %v", frame)
	}
	q, err := f.reg.Queue(queueIndex)
	if err != nil {
		return nil, err
	}
	w, h := frame.Cols(), frame.Rows()

	tmp, err := surface.Allocate(f.reg, w, h, 4, 4, device.ReadWrite)
	if err != nil {
		return nil, err
	}
	err = kernels.Dispatch(f.reg, q, f.horiz, w, h,
		surface.Reads(frame), surface.Writes(tmp), surface.Reads(f.weights), w, h, f.cfg.Radius)
	if err != nil {
		tmp.Release()
		return nil, err
	}

	out, err := surface.Allocate(f.reg, w, h, 4, 1, device.ReadWrite)
	if err != nil {
		tmp.Release()
		return nil, err
	}
	p, err := kernels.Run(f.reg, q, f.vert, out, w, h,
		surface.Reads(tmp), surface.Writes(out), surface.Reads(f.weights), w, h, f.cfg.Radius)
	if err != nil {
		tmp.Release()
		return nil, err
	}
	return p.WithCleanup(tmp), nil
}

// Close releases the weights.
func (f *Filter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.weights != nil {
		f.weights.Release()
		f.weights = nil
	}
	return nil
}
