package subsense

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/device/software"
	"github.com/born-ml/vision/internal/kernels"
	"github.com/born-ml/vision/internal/surface"
)

// kernelRig builds one program variant on the software device.
type kernelRig struct {
	t   *testing.T
	reg *device.Registry
	q   device.Queue
	ks  map[string]device.Kernel
}

func newKernelRig(t *testing.T, cfg Config) *kernelRig {
	t.Helper()
	reg, err := device.NewRegistry(software.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	cache := kernels.NewCache()
	t.Cleanup(cache.Release)

	q, err := reg.Queue(0)
	require.NoError(t, err)

	ks := make(map[string]device.Kernel)
	for _, name := range cfg.kernelNames() {
		k, err := cache.Kernel(reg, Program, cfg.BuildOptions(), name)
		require.NoError(t, err)
		ks[name] = k
	}
	return &kernelRig{t: t, reg: reg, q: q, ks: ks}
}

func (r *kernelRig) words(w, h int, ws []uint32) *surface.Buffer {
	r.t.Helper()
	data := make([]byte, 4*w*h)
	for i, v := range ws {
		binary.LittleEndian.PutUint32(data[4*i:], v)
	}
	b, err := surface.FromBytes(r.reg, r.q, w, h, 1, 4, device.ReadWrite, data)
	require.NoError(r.t, err)
	r.t.Cleanup(b.Release)
	return b
}

func (r *kernelRig) empty(w, h int) *surface.Buffer {
	r.t.Helper()
	b, err := surface.Allocate(r.reg, w, h, 1, 4, device.ReadWrite)
	require.NoError(r.t, err)
	r.t.Cleanup(b.Release)
	return b
}

func (r *kernelRig) read(b *surface.Buffer) []uint32 {
	r.t.Helper()
	data, err := surface.Download(r.q, b)
	require.NoError(r.t, err)
	out := make([]uint32, len(data)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(data[4*i:])
	}
	return out
}

func (r *kernelRig) dispatch(name string, w, h int, args ...any) {
	r.t.Helper()
	require.NoError(r.t, kernels.Dispatch(r.reg, r.q, r.ks[name], w, h, args...))
}

func maskOf(w, h int, fg ...[2]int) []uint32 {
	m := make([]uint32, w*h)
	for _, p := range fg {
		m[p[1]*w+p[0]] = 255
	}
	return m
}

func TestMorph(t *testing.T) {
	cfg := DefaultConfig()
	r := newKernelRig(t, cfg)
	const w, h = 7, 7

	plus := maskOf(w, h, [2]int{3, 3}, [2]int{3, 2}, [2]int{2, 3}, [2]int{4, 3}, [2]int{3, 4})

	tests := []struct {
		name      string
		in        []uint32
		points    int
		threshold int
		want      []uint32
	}{
		{"dilate 4", maskOf(w, h, [2]int{3, 3}), 4, 1, plus},
		{"erode 4", plus, 4, 5, maskOf(w, h, [2]int{3, 3})},
		{"gate removes isolated", maskOf(w, h, [2]int{1, 1}), 8, 5, maskOf(w, h)},
		{"gate keeps plus centre", plus, 8, 5, maskOf(w, h, [2]int{3, 3})},
		{"identity without kernel", plus, 0, 1, plus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := r.words(w, h, tt.in)
			dst := r.empty(w, h)
			r.dispatch("morph", w, h, surface.Reads(src), surface.Writes(dst), w, h, tt.points, tt.threshold)
			assert.Equal(t, tt.want, r.read(dst))
		})
	}
}

func TestMorph_ClampsAtBorder(t *testing.T) {
	r := newKernelRig(t, DefaultConfig())
	const w, h = 3, 3

	// A corner pixel sees itself twice through the clamped neighbours.
	src := r.words(w, h, maskOf(w, h, [2]int{0, 0}))
	dst := r.empty(w, h)
	r.dispatch("morph", w, h, surface.Reads(src), surface.Writes(dst), w, h, 4, 3)
	assert.Equal(t, maskOf(w, h, [2]int{0, 0}), r.read(dst))
}

func TestDownscale(t *testing.T) {
	src := []uint32{
		pack(0, 0, 0, 255), pack(10, 0, 0, 255), pack(20, 0, 0, 255), pack(30, 0, 0, 255),
		pack(40, 0, 0, 255), pack(50, 0, 0, 255), pack(60, 0, 0, 255), pack(70, 0, 0, 255),
	}

	t.Run("nearest", func(t *testing.T) {
		r := newKernelRig(t, DefaultConfig())
		in, out := r.words(4, 2, src), r.empty(2, 1)
		r.dispatch("downscale", 2, 1, surface.Reads(in), surface.Writes(out), 4, 2, 2, 1)
		assert.Equal(t, []uint32{pack(50, 0, 0, 255), pack(70, 0, 0, 255)}, r.read(out))
	})

	t.Run("box", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Linear = true
		r := newKernelRig(t, cfg)
		in, out := r.words(4, 2, src), r.empty(2, 1)
		r.dispatch("downscale", 2, 1, surface.Reads(in), surface.Writes(out), 4, 2, 2, 1)
		assert.Equal(t, []uint32{pack(25, 0, 0, 255), pack(45, 0, 0, 255)}, r.read(out))
	})
}

func TestComposite(t *testing.T) {
	frame := []uint32{pack(200, 100, 50, 7), pack(200, 100, 50, 9)}
	color := RGB{R: 0, G: 177, B: 64}

	r := newKernelRig(t, DefaultConfig())
	in := r.words(2, 1, frame)
	mask := r.words(2, 1, []uint32{255, 0})
	out := r.empty(2, 1)
	r.dispatch("composite", 2, 1, surface.Reads(in), surface.Reads(mask), surface.Writes(out), 2, 1, 2, 1, color.Word())

	assert.Equal(t, []uint32{pack(200, 100, 50, 7), pack(0, 177, 64, 9)}, r.read(out))
}

func TestComposite_Bilinear(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Linear = true
	r := newKernelRig(t, cfg)

	in := r.words(4, 1, []uint32{pack(255, 255, 255, 255), pack(255, 255, 255, 255), pack(255, 255, 255, 255), pack(255, 255, 255, 255)})
	mask := r.words(2, 1, []uint32{0, 255})
	out := r.empty(4, 1)
	r.dispatch("composite", 4, 1, surface.Reads(in), surface.Reads(mask), surface.Writes(out), 4, 1, 2, 1, RGB{}.Word())

	// Mask samples: 0, 0.25, 0.75, 1 of the way from background to foreground.
	got := r.read(out)
	assert.Equal(t, pack(0, 0, 0, 255), got[0])
	assert.Equal(t, pack(64, 64, 64, 255), got[1])
	assert.Equal(t, pack(191, 191, 191, 255), got[2])
	assert.Equal(t, pack(255, 255, 255, 255), got[3])
}

func TestColorDistance(t *testing.T) {
	a := pack(40, 80, 120, 255)
	b := pack(220, 30, 60, 255)

	assert.Zero(t, colorDistance(a, a, 3, true))
	assert.InDelta(t, 0.4442, colorDistance(a, b, 3, true), 1e-3)
	assert.InDelta(t, float32(180+50+60)/(255*3), colorDistance(a, b, 3, false), 1e-6)
	assert.InDelta(t, float32(180)/255, colorDistance(a, b, 1, false), 1e-6)
	assert.InDelta(t, 1, colorDistance(pack(0, 0, 0, 0), pack(255, 255, 255, 0), 3, true), 1e-6)
}

func TestDescriptor(t *testing.T) {
	const w, h = 3, 3
	flat := make([]uint32, w*h)
	for i := range flat {
		flat[i] = pack(100, 100, 100, 255)
	}
	assert.Zero(t, descriptor(flat, w, h, 1, 1, 8, 0.3))

	edge := append([]uint32(nil), flat...)
	edge[0*w+1] = pack(250, 250, 250, 255) // above the centre: bit 0
	assert.Equal(t, uint32(1), descriptor(edge, w, h, 1, 1, 8, 0.3))
	assert.Equal(t, uint32(1), descriptor(edge, w, h, 1, 1, 4, 0.3))

	subtle := append([]uint32(nil), flat...)
	subtle[1*w+0] = pack(110, 110, 110, 255) // within 30% of the centre
	assert.Zero(t, descriptor(subtle, w, h, 1, 1, 8, 0.3))
}

func TestParseVariant_Rejects(t *testing.T) {
	for _, opts := range []string{
		"-DMODEL_SIZE=0",
		"-DCOLOR_CHANNELS=5",
		"-DUSE_TEXTURE -DTEXTURE_POINTS=6",
		"-DUSE_TEXTURE",
		"-DMODEL_SIZE=x",
	} {
		o, err := device.ParseOptions(opts)
		require.NoError(t, err)
		_, err = nativeProgram(o)
		assert.Error(t, err, opts)
	}
}

func TestNativeProgram_Kernels(t *testing.T) {
	cfg := DefaultConfig()
	ks, err := nativeProgram(cfg.BuildOptions())
	require.NoError(t, err)
	assert.Contains(t, ks, "morph")
	assert.NotContains(t, ks, "debug_view")

	cfg.Morphology = false
	cfg.Debug = true
	ks, err = nativeProgram(cfg.BuildOptions())
	require.NoError(t, err)
	assert.NotContains(t, ks, "morph")
	assert.Contains(t, ks, "debug_view")
}

func TestProgram_WGSLCoversNativeKernels(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debug = true
	ks, err := nativeProgram(cfg.BuildOptions())
	require.NoError(t, err)
	for name := range ks {
		mod, ok := Program.WGSLModule(name, cfg.BuildOptions())
		require.True(t, ok, name)
		assert.Contains(t, mod, "const MODEL_SIZE: u32 = 20")
		assert.Contains(t, mod, "fn main(")
	}
}

func TestMix32_Spreads(t *testing.T) {
	seen := make(map[uint32]bool)
	for i := uint32(0); i < 1000; i++ {
		seen[mix32(i)%20] = true
	}
	assert.Len(t, seen, 20)
	assert.Equal(t, mix32(12345), mix32(12345))
}
