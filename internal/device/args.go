package device

import (
	"fmt"
	"unsafe"
)

// Argument decoding for native kernels. Device buffers used by kernels are
// 4-byte aligned per element, so byte memory can be viewed as 32-bit words.

// ArgBytes returns the host bytes of memory argument i.
func ArgBytes(args []Arg, i int) ([]byte, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("arg %d: missing (have %d)", i, len(args))
	}
	m, ok := args[i].(HostMemory)
	if !ok {
		return nil, fmt.Errorf("arg %d: expected host memory, got %T", i, args[i])
	}
	return m.Bytes(), nil
}

// ArgWords returns memory argument i viewed as uint32 words.
func ArgWords(args []Arg, i int) ([]uint32, error) {
	b, err := ArgBytes(args, i)
	if err != nil {
		return nil, err
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("arg %d: %d bytes is not a whole number of words", i, len(b))
	}
	//nolint:gosec // unsafe.Slice for zero-copy view, length checked above
	return unsafe.Slice((*uint32)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/4), nil
}

// ArgFloats returns memory argument i viewed as float32 values.
func ArgFloats(args []Arg, i int) ([]float32, error) {
	b, err := ArgBytes(args, i)
	if err != nil {
		return nil, err
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("arg %d: %d bytes is not a whole number of floats", i, len(b))
	}
	//nolint:gosec // unsafe.Slice for zero-copy view, length checked above
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/4), nil
}

// ArgInt returns scalar argument i as an int. int32, uint32 and int are
// accepted.
func ArgInt(args []Arg, i int) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("arg %d: missing (have %d)", i, len(args))
	}
	switch v := args[i].(type) {
	case int32:
		return int(v), nil
	case uint32:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("arg %d: expected integer, got %T", i, args[i])
	}
}

// ArgUint32 returns scalar argument i as a uint32.
func ArgUint32(args []Arg, i int) (uint32, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("arg %d: missing (have %d)", i, len(args))
	}
	switch v := args[i].(type) {
	case uint32:
		return v, nil
	case int32:
		return uint32(v), nil //nolint:gosec // G115: bit pattern reinterpretation
	default:
		return 0, fmt.Errorf("arg %d: expected uint32, got %T", i, args[i])
	}
}

// ArgFloat32 returns scalar argument i as a float32.
func ArgFloat32(args []Arg, i int) (float32, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("arg %d: missing (have %d)", i, len(args))
	}
	v, ok := args[i].(float32)
	if !ok {
		return 0, fmt.Errorf("arg %d: expected float32, got %T", i, args[i])
	}
	return v, nil
}

// ArgReader decodes a kernel's arguments in sequence and keeps the first
// error, so a native kernel can bind all of them before checking once.
type ArgReader struct {
	args []Arg
	err  error
}

// NewArgReader returns a reader over args.
func NewArgReader(args []Arg) *ArgReader { return &ArgReader{args: args} }

// Words returns memory argument i as words.
func (r *ArgReader) Words(i int) []uint32 {
	if r.err != nil {
		return nil
	}
	v, err := ArgWords(r.args, i)
	r.err = err
	return v
}

// Floats returns memory argument i as float32 values.
func (r *ArgReader) Floats(i int) []float32 {
	if r.err != nil {
		return nil
	}
	v, err := ArgFloats(r.args, i)
	r.err = err
	return v
}

// Int returns scalar argument i as an int.
func (r *ArgReader) Int(i int) int {
	if r.err != nil {
		return 0
	}
	v, err := ArgInt(r.args, i)
	r.err = err
	return v
}

// Uint32 returns scalar argument i as a uint32.
func (r *ArgReader) Uint32(i int) uint32 {
	if r.err != nil {
		return 0
	}
	v, err := ArgUint32(r.args, i)
	r.err = err
	return v
}

// Float32 returns scalar argument i as a float32.
func (r *ArgReader) Float32(i int) float32 {
	if r.err != nil {
		return 0
	}
	v, err := ArgFloat32(r.args, i)
	r.err = err
	return v
}

// Need records an error unless a slice named name holds at least n values.
func (r *ArgReader) Need(name string, have, n int) {
	if r.err == nil && have < n {
		r.err = fmt.Errorf("%s: %d values, need %d", name, have, n)
	}
}

// Positive records an error unless every value is positive.
func (r *ArgReader) Positive(name string, vs ...int) {
	for _, v := range vs {
		if r.err == nil && v <= 0 {
			r.err = fmt.Errorf("%s: %d must be positive", name, v)
		}
	}
}

// Err returns the first decoding error.
func (r *ArgReader) Err() error { return r.err }
