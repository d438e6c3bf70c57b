//go:build windows

package webgpu

import (
	"image"
	"image/color"
	"testing"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vision/internal/blur"
	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/device/software"
	"github.com/born-ml/vision/internal/frame"
	"github.com/born-ml/vision/internal/kernels"
)

func open(t *testing.T) *Backend {
	t.Helper()
	b, err := New()
	if err != nil {
		t.Logf("WebGPU not available: %v", err)
		t.Skip("WebGPU not available on this system")
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNew(t *testing.T) {
	b := open(t)
	assert.NotEmpty(t, b.Name())
	assert.Equal(t, workgroupSize, b.Limits().MaxWorkGroupSize)
	t.Logf("Using GPU: %s", b.Name())

	var _ device.Backend = b
}

func TestQueue_Transfers(t *testing.T) {
	b := open(t)
	q, err := b.CreateQueue()
	require.NoError(t, err)
	defer q.Release()

	src, err := b.Allocate(10, device.ReadWrite)
	require.NoError(t, err)
	defer b.Free(src)
	dst, err := b.Allocate(10, device.ReadWrite)
	require.NoError(t, err)
	defer b.Free(dst)

	require.NoError(t, q.Write(src, 0, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}))
	require.NoError(t, q.Fill(dst, 0xAA))
	require.NoError(t, q.Copy(src, dst, 4, 0, 4))

	got := make([]byte, 10)
	require.NoError(t, q.Read(dst, 0, got))
	assert.Equal(t, []byte{5, 6, 7, 8, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}, got)
	require.NoError(t, q.Finish())

	assert.Error(t, q.Write(src, 2, []byte{1, 2}), "unaligned offset")
	assert.Error(t, q.Read(src, 8, make([]byte, 4)), "out of range")
}

func TestBuild_InvalidWGSL(t *testing.T) {
	b := open(t)
	_, err := b.Build(&device.Source{Name: "broken", WGSL: map[string]string{"main": "fn nope( {"}}, device.BuildOptions{})
	var derr *device.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, device.StatusBuildProgramFailure, derr.Status)
	assert.Contains(t, derr.Log, "broken.main")
}

// The blur must agree with the software device to rounding.
func TestBlur_MatchesSoftware(t *testing.T) {
	gpu := open(t)

	img := image.NewRGBA(image.Rect(0, 0, 37, 11))
	for y := range 11 {
		for x := range 37 {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 23), B: uint8(x * y), A: 255})
		}
	}

	run := func(backend device.Backend) *image.RGBA {
		reg, err := device.NewRegistry(backend)
		require.NoError(t, err)
		defer func() { _ = reg.Close() }()
		cache := kernels.NewCache()
		defer cache.Release()

		f, err := blur.New(reg, cache, blur.Config{Radius: 2})
		require.NoError(t, err)
		require.NoError(t, f.Init())
		defer f.Close()

		in, err := frame.Upload(reg, 0, img)
		require.NoError(t, err)
		defer in.Release()
		p, err := f.Apply(in, 0)
		require.NoError(t, err)
		defer p.Release()
		out, err := frame.Download(p)
		require.NoError(t, err)
		return out
	}

	want := run(software.New())
	got := run(gpu)
	require.Equal(t, want.Bounds(), got.Bounds())
	for i := range want.Pix {
		assert.InDelta(t, want.Pix[i], got.Pix[i], 1, "byte %d", i)
	}
}

func TestStagingPool(t *testing.T) {
	b := open(t)
	p := newStagingPool(b.device)
	defer p.clear()

	first := p.acquire(256)
	require.NotNil(t, first)
	p.put(first, 256)
	again := p.acquire(256)
	assert.Same(t, first, again, "same size is recycled")
	other := p.acquire(512)
	assert.NotSame(t, first, other)
	p.put(again, 256)
	p.put(other, 512)

	for range maxPerSize + 2 {
		p.put(p.device.CreateBuffer(&wgpu.BufferDescriptor{
			Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
			Size:  64,
		}), 64)
	}
	hits, misses, idle := p.stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(2), misses)
	assert.Equal(t, 2+maxPerSize, idle)
}
