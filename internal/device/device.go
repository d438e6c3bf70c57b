// Package device defines the compute device abstraction shared by every image
// filter: backends, command queues, device memory, programs and kernels, plus
// the Registry that owns one backend and its per-channel queues.
//
// Two backends implement the contract:
//   - software: pure Go, host memory, one goroutine per queue (default)
//   - webgpu: go-webgpu device with WGSL programs (windows builds)
package device

import (
	"fmt"
	"sort"
	"strings"
)

// Access is the access mode a piece of device memory was allocated with.
type Access uint8

// Access modes. ReadWrite is the union of ReadOnly and WriteOnly.
const (
	ReadOnly  Access = 1 << iota // Kernels may only read.
	WriteOnly                    // Kernels may only write.

	ReadWrite = ReadOnly | WriteOnly
)

// String returns a human-readable access mode.
func (a Access) String() string {
	switch a {
	case ReadOnly:
		return "read-only"
	case WriteOnly:
		return "write-only"
	case ReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("access(%d)", uint8(a))
	}
}

// Allows reports whether memory declared with a grants the desired access.
func (a Access) Allows(desired Access) bool {
	return desired != 0 && a&desired == desired
}

// Limits describes device-wide dispatch limits.
type Limits struct {
	MaxWorkGroupSize int // Maximum work-items per work-group.
	ComputeUnits     int // Parallel execution units (informational).
}

// Memory is an opaque handle to a block of device memory.
type Memory interface {
	// Size returns the allocation size in bytes.
	Size() int
	// Access returns the declared access mode.
	Access() Access
}

// HostMemory is implemented by memory that lives in host address space.
// Native kernels of the software backend use it to reach the bytes.
type HostMemory interface {
	Memory
	Bytes() []byte
}

// Kernel is a compiled entry point of a Program.
type Kernel interface {
	Name() string
	// PreferredMultiple returns the preferred work-group size multiple.
	PreferredMultiple() int
	// MaxWorkGroupSize returns the largest work-group this kernel supports.
	MaxWorkGroupSize() int
}

// Program is a compiled Source specialised by one option string.
type Program interface {
	Kernel(name string) (Kernel, error)
	Options() BuildOptions
	Release()
}

// Arg is a kernel argument: a Memory, int32, uint32 or float32.
type Arg any

// Queue is an in-order command queue. Every method except Read and Finish
// returns as soon as the command is enqueued.
type Queue interface {
	// Write copies data into mem at offset.
	Write(mem Memory, offset int, data []byte) error
	// Read blocks until all previously enqueued commands completed and
	// copies size(dst) bytes from mem at offset into dst.
	Read(mem Memory, offset int, dst []byte) error
	// Copy copies size bytes between two memories.
	Copy(src, dst Memory, srcOffset, dstOffset, size int) error
	// Fill sets every byte of mem to value.
	Fill(mem Memory, value byte) error
	// Dispatch enqueues kernel over a 2-D global range split into local groups.
	Dispatch(k Kernel, global, local [2]int, args ...Arg) error
	// Finish blocks until every enqueued command completed.
	Finish() error
	// Release finishes outstanding work and frees the queue.
	Release()
}

// Backend is one device with its context.
type Backend interface {
	// Name returns a human-readable device name.
	Name() string
	// ID returns a stable identifier used as the program cache key.
	ID() string
	Limits() Limits
	CreateQueue() (Queue, error)
	// Allocate returns zero-initialised memory of size bytes.
	Allocate(size int, access Access) (Memory, error)
	// Free releases memory. Freeing twice is a no-op.
	Free(mem Memory)
	// Build compiles src specialised by opts.
	Build(src *Source, opts BuildOptions) (Program, error)
	Close() error
}

// NativeKernel binds arguments once per dispatch and returns the function
// executed for every work-item (x, y) of the global range.
type NativeKernel func(args []Arg) (func(x, y int), error)

// NativeProgram specialises a program for the software backend. It returns the
// kernels compiled in under opts, keyed by name.
type NativeProgram func(opts BuildOptions) (map[string]NativeKernel, error)

// WGSLConst declares a compile-time constant generated from the build options
// for WGSL programs, which have no preprocessor.
type WGSLConst struct {
	Name    string
	Type    string // "bool", "i32", "u32" or "f32"
	Default string
}

// Source is a compute program in every form a backend may consume.
//
// WGSL programs have one module per kernel, each with entry point main. A
// module is assembled from the constant header, the shared Prelude and the
// kernel body.
type Source struct {
	Name    string
	Prelude string
	WGSL    map[string]string
	Consts  []WGSLConst
	Native  NativeProgram
}

// WGSLHeader renders the constant header for opts. Boolean constants are true
// when their name is defined; valued constants take the defined value.
func (s *Source) WGSLHeader(opts BuildOptions) string {
	var sb strings.Builder
	for _, c := range s.Consts {
		v, ok := opts.Value(c.Name)
		switch {
		case c.Type == "bool":
			v = "false"
			if ok {
				v = "true"
			}
		case !ok || v == "":
			v = c.Default
		}
		fmt.Fprintf(&sb, "const %s: %s = %s;\n", c.Name, c.Type, v)
	}
	return sb.String()
}

// WGSLModule returns the complete WGSL module of kernel specialised by opts.
func (s *Source) WGSLModule(kernel string, opts BuildOptions) (string, bool) {
	body, ok := s.WGSL[kernel]
	if !ok {
		return "", false
	}
	return s.WGSLHeader(opts) + s.Prelude + body, true
}

// Kernels returns the names of the WGSL kernels in sorted order.
func (s *Source) Kernels() []string {
	names := make([]string, 0, len(s.WGSL))
	for k := range s.WGSL {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
