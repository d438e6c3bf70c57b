package kernels

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/device/software"
	"github.com/born-ml/vision/internal/surface"
)

func newRegistry(t *testing.T, opts ...software.Option) *device.Registry {
	t.Helper()
	reg, err := device.NewRegistry(software.New(opts...))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

// countingSource fills a word buffer with the value of the FILL option and
// counts how often it is compiled.
func countingSource(builds *atomic.Int32) *device.Source {
	return &device.Source{
		Name: "fill",
		Native: func(opts device.BuildOptions) (map[string]device.NativeKernel, error) {
			builds.Add(1)
			v, err := opts.Int("FILL", 0)
			if err != nil {
				return nil, err
			}
			return map[string]device.NativeKernel{
				"fill": func(args []device.Arg) (func(x, y int), error) {
					out, err := device.ArgWords(args, 0)
					if err != nil {
						return nil, err
					}
					w, err := device.ArgInt(args, 1)
					if err != nil {
						return nil, err
					}
					h, err := device.ArgInt(args, 2)
					if err != nil {
						return nil, err
					}
					return func(x, y int) {
						if x < w && y < h {
							out[y*w+x] = uint32(v) //nolint:gosec // test value
						}
					}, nil
				},
			}, nil
		},
	}
}

func TestOptimalGlobalSize(t *testing.T) {
	tests := []struct {
		dim, local, want int
	}{
		{64, 32, 64},
		{65, 32, 96},
		{1, 32, 32},
		{31, 1, 31},
		{640, 256, 768},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, OptimalGlobalSize(tt.dim, tt.local), "dim=%d local=%d", tt.dim, tt.local)
	}

	for local := 1; local <= 64; local++ {
		for dim := 1; dim <= 300; dim++ {
			g := OptimalGlobalSize(dim, local)
			require.Zero(t, g%local)
			require.GreaterOrEqual(t, g, dim)
			require.Less(t, g-dim, local)
			if dim%local == 0 {
				require.Equal(t, dim, g)
			}
		}
	}
}

func TestOptimalLocalSize(t *testing.T) {
	tests := []struct {
		name          string
		max, multiple int
		want          int
	}{
		{"preferred multiple smaller", 256, 32, 32},
		{"device max smaller", 16, 32, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := software.New(software.WithMaxWorkGroupSize(tt.max), software.WithPreferredMultiple(tt.multiple))
			var builds atomic.Int32
			prog, err := b.Build(countingSource(&builds), device.BuildOptions{})
			require.NoError(t, err)
			k, err := prog.Kernel("fill")
			require.NoError(t, err)
			assert.Equal(t, tt.want, OptimalLocalSize(b, k))
		})
	}
}

func TestCache_CompilesOnceConcurrently(t *testing.T) {
	reg := newRegistry(t)
	cache := NewCache()

	var builds atomic.Int32
	src := countingSource(&builds)
	opts := device.BuildOptions{}.DefineInt("FILL", 5)

	var wg sync.WaitGroup
	got := make([]device.Kernel, 64)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, err := cache.Kernel(reg, src, opts, "fill")
			assert.NoError(t, err)
			got[i] = k
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, k := range got {
		assert.Same(t, got[0], k)
	}

	st := cache.Stats()
	assert.Equal(t, 1, st.Programs)
	assert.Equal(t, int64(1), st.Builds)
}

func TestCache_KeyedByOptionsAndDevice(t *testing.T) {
	regA := newRegistry(t)
	regB := newRegistry(t)
	cache := NewCache()

	var builds atomic.Int32
	src := countingSource(&builds)

	one := device.BuildOptions{}.DefineInt("FILL", 1)
	two := device.BuildOptions{}.DefineInt("FILL", 2)
	oneAgain, err := device.ParseOptions("-DFILL=1")
	require.NoError(t, err)

	_, err = cache.Program(regA, src, one)
	require.NoError(t, err)
	_, err = cache.Program(regA, src, oneAgain)
	require.NoError(t, err)
	_, err = cache.Program(regA, src, two)
	require.NoError(t, err)
	_, err = cache.Program(regB, src, one)
	require.NoError(t, err)

	assert.Equal(t, int32(3), builds.Load())
	assert.Equal(t, 3, cache.Stats().Programs)
	assert.Equal(t, int64(1), cache.Stats().Hits)
}

func TestCache_BuildFailureIsCached(t *testing.T) {
	reg := newRegistry(t)
	cache := NewCache()

	var builds atomic.Int32
	src := countingSource(&builds)
	bad, err := device.ParseOptions("-DFILL=x")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := cache.Kernel(reg, src, bad, "fill")
		require.Error(t, err)
		assert.True(t, device.IsFatal(err))

		var de *device.Error
		require.True(t, errors.As(err, &de))
		assert.Equal(t, device.StatusBuildProgramFailure, de.Status)
	}
	assert.Equal(t, int32(1), builds.Load())
}

func TestCache_UnknownKernel(t *testing.T) {
	reg := newRegistry(t)
	cache := NewCache()

	var builds atomic.Int32
	_, err := cache.Kernel(reg, countingSource(&builds), device.BuildOptions{}, "nope")
	var de *device.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, device.StatusInvalidKernelName, de.Status)
}

func TestCache_Release(t *testing.T) {
	reg := newRegistry(t)
	cache := NewCache()

	var builds atomic.Int32
	src := countingSource(&builds)
	_, err := cache.Program(reg, src, device.BuildOptions{})
	require.NoError(t, err)

	cache.Release()
	assert.Equal(t, 0, cache.Stats().Programs)

	_, err = cache.Program(reg, src, device.BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), builds.Load())
}

func TestRun(t *testing.T) {
	reg := newRegistry(t, software.WithPreferredMultiple(8))
	cache := NewCache()
	q, err := reg.Queue(1)
	require.NoError(t, err)

	var builds atomic.Int32
	k, err := cache.Kernel(reg, countingSource(&builds), device.BuildOptions{}.DefineInt("FILL", 7), "fill")
	require.NoError(t, err)

	const w, h = 13, 5
	out, err := surface.Allocate(reg, w, h, 1, 4, device.WriteOnly)
	require.NoError(t, err)

	p, err := Run(reg, q, k, out, w, h, surface.Writes(out), w, h)
	require.NoError(t, err)

	data, err := p.Bytes()
	require.NoError(t, err)
	for i := 0; i < w*h; i++ {
		assert.Equal(t, byte(7), data[i*4], "pixel %d", i)
	}
	p.Release()
	assert.Equal(t, int64(0), reg.Stats().LiveBuffers)
}

func TestRun_AccessDeniedReleasesOutput(t *testing.T) {
	reg := newRegistry(t)
	cache := NewCache()
	q, err := reg.Queue(0)
	require.NoError(t, err)

	var builds atomic.Int32
	k, err := cache.Kernel(reg, countingSource(&builds), device.BuildOptions{}, "fill")
	require.NoError(t, err)

	out, err := surface.Allocate(reg, 4, 4, 1, 4, device.ReadOnly)
	require.NoError(t, err)

	_, err = Run(reg, q, k, out, 4, 4, surface.Writes(out), 4, 4)
	assert.ErrorIs(t, err, device.ErrAccessDenied)
	assert.Equal(t, int64(0), reg.Stats().LiveBuffers)
}
