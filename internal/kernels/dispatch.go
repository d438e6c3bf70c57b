package kernels

import (
	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/surface"
)

// OptimalLocalSize returns the work-group width for k: the smaller of the
// device maximum and the kernel's preferred multiple.
func OptimalLocalSize(b device.Backend, k device.Kernel) int {
	return max(min(b.Limits().MaxWorkGroupSize, k.MaxWorkGroupSize(), k.PreferredMultiple()), 1)
}

// OptimalGlobalSize returns the smallest multiple of local that is >= dim.
func OptimalGlobalSize(dim, local int) int {
	if local <= 0 {
		return dim
	}
	if r := dim % local; r != 0 {
		return dim + local - r
	}
	return dim
}

// Range returns the 2-D global and local sizes covering width x height
// items. Work-groups are one row tall; kernels guard the padded columns.
func Range(b device.Backend, k device.Kernel, width, height int) (global, local [2]int) {
	l := OptimalLocalSize(b, k)
	return [2]int{OptimalGlobalSize(width, l), height}, [2]int{l, 1}
}

// Dispatch resolves args and enqueues k over width x height items on q.
func Dispatch(reg *device.Registry, q device.Queue, k device.Kernel, width, height int, args ...any) error {
	resolved, err := surface.ResolveArgs(args)
	if err != nil {
		return err
	}
	global, local := Range(reg.Backend(), k, width, height)
	return q.Dispatch(k, global, local, resolved...)
}

// Run dispatches k like Dispatch and returns a promise for out, which the
// promise takes ownership of. out is released when the dispatch fails.
func Run(reg *device.Registry, q device.Queue, k device.Kernel, out *surface.Buffer, width, height int, args ...any) (*surface.Promise, error) {
	if err := Dispatch(reg, q, k, width, height, args...); err != nil {
		out.Release()
		return nil, err
	}
	return surface.NewPromise(out, q), nil
}
