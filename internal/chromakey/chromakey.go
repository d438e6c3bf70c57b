// Package chromakey replaces pixels close to a key color with a replacement
// color on the compute device.
package chromakey

import (
	"math"
	"sync"

	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/kernels"
	"github.com/born-ml/vision/internal/subsense"
	"github.com/born-ml/vision/internal/surface"
)

// Config configures the key.
type Config struct {
	Key         subsense.RGB `mapstructure:"key" yaml:"key" json:"key"`
	Replacement subsense.RGB `mapstructure:"replacement" yaml:"replacement" json:"replacement"`
	// Tolerance is the largest normalized RGB distance, in [0,1], that is
	// keyed out.
	Tolerance float32 `mapstructure:"tolerance" yaml:"tolerance" json:"tolerance"`
}

// DefaultConfig keys out pure green and paints it black.
func DefaultConfig() Config {
	return Config{
		Key:       subsense.RGB{G: 255},
		Tolerance: 0.25,
	}
}

// Validate checks the tolerance.
func (c Config) Validate() error {
	if c.Tolerance < 0 || c.Tolerance > 1 {
		return device.Usage("validate chroma key", device.ErrInvalidConfig, "tolerance %v must be in [0,1]", c.Tolerance)
	}
	return nil
}

// Kernel arguments: chroma_key (src, dst, w, h, key, replacement, tolerance).

// Program is the chroma key program.
var Program = &device.Source{
	Name:   "chromakey",
	WGSL:   map[string]string{"chroma_key": wgslChromaKey},
	Consts: []device.WGSLConst{{Name: "WORKGROUP_SIZE", Type: "u32", Default: "64u"}},
	Native: func(device.BuildOptions) (map[string]device.NativeKernel, error) {
		return map[string]device.NativeKernel{"chroma_key": chromaKey}, nil
	},
}

func chromaKey(args []device.Arg) (func(x, y int), error) {
	r := device.NewArgReader(args)
	src, dst := r.Words(0), r.Words(1)
	w, h := r.Int(2), r.Int(3)
	key, repl := r.Uint32(4), r.Uint32(5)
	tol := r.Float32(6)
	r.Positive("chroma key size", w, h)
	r.Need("chroma key src", len(src), w*h)
	r.Need("chroma key dst", len(dst), w*h)
	if err := r.Err(); err != nil {
		return nil, err
	}

	norm := 255 * float32(math.Sqrt(3))
	return func(x, y int) {
		if x >= w || y >= h {
			return
		}
		i := y*w + x
		p := src[i]
		var sum float32
		for c := 0; c < 3; c++ {
			d := float32((p>>(8*c))&0xff) - float32((key>>(8*c))&0xff)
			sum += d * d
		}
		if float32(math.Sqrt(float64(sum)))/norm <= tol {
			dst[i] = repl&0x00ffffff | p&0xff000000
		} else {
			dst[i] = p
		}
	}, nil
}

const wgslChromaKey = `
@group(0) @binding(0) var<storage, read> src: array<u32>;
@group(0) @binding(1) var<storage, read_write> dst: array<u32>;
@group(0) @binding(2) var<storage, read> args: array<u32>;

fn rgb(p: u32) -> vec3<f32> {
    return vec3<f32>(f32(p & 0xffu), f32((p >> 8u) & 0xffu), f32((p >> 16u) & 0xffu));
}

@compute @workgroup_size(WORKGROUP_SIZE, 1, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let w = args[0];
    let h = args[1];
    let key = args[2];
    let repl = args[3];
    let tol = bitcast<f32>(args[4]);
    if (gid.x >= w || gid.y >= h) {
        return;
    }
    let i = gid.y * w + gid.x;
    let p = src[i];
    let d = length(rgb(p) - rgb(key)) / (255.0 * sqrt(3.0));
    dst[i] = select(p, (repl & 0x00ffffffu) | (p & 0xff000000u), d <= tol);
}
`

// Filter keys RGBA8 frames.
type Filter struct {
	cfg   Config
	reg   *device.Registry
	cache *kernels.Cache

	mu   sync.Mutex
	kern device.Kernel
}

// New returns a chroma key filter; Init must be called before Apply.
func New(reg *device.Registry, cache *kernels.Cache, cfg Config) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Filter{cfg: cfg, reg: reg, cache: cache}, nil
}

// Init compiles the kernel.
func (f *Filter) Init() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kern != nil {
		return nil
	}
	k, err := f.cache.Kernel(f.reg, Program, device.BuildOptions{}, "chroma_key")
	if err != nil {
		return err
	}
	f.kern = k
	return nil
}

// Apply enqueues the key of frame on the queue of queueIndex.
func (f *Filter) Apply(frame *surface.Buffer, queueIndex int) (*surface.Promise, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.kern == nil {
		return nil, device.Usage("chroma key", device.ErrNotInitialized, "call Init first")
	}
	if frame == nil || frame.ElemSize() != 4 {
		return nil, device.Usage("chroma key", device.ErrShape, "frame must hold 4-byte pixels, got %v", frame)
	}
	q, err := f.reg.Queue(queueIndex)
	if err != nil {
		return nil, err
	}
	w, h := frame.Cols(), frame.Rows()
	out, err := surface.Allocate(f.reg, w, h, 4, 1, device.ReadWrite)
	if err != nil {
		return nil, err
	}
	return kernels.Run(f.reg, q, f.kern, out, w, h,
		surface.Reads(frame), surface.Writes(out), w, h,
		f.cfg.Key.Word(), f.cfg.Replacement.Word(), f.cfg.Tolerance)
}

// Close is a no-op; the kernel belongs to the shared cache.
func (f *Filter) Close() error { return nil }
