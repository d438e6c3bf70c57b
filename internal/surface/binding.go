package surface

import (
	"fmt"

	"github.com/born-ml/vision/internal/device"
)

// Binding is a kernel argument that refers to a buffer with the access the
// kernel needs. It is resolved to device memory at dispatch time, where the
// buffer's declared access is checked.
type Binding struct {
	Buffer *Buffer
	Access device.Access
}

// Reads binds b for kernel reads.
func Reads(b *Buffer) Binding { return Binding{Buffer: b, Access: device.ReadOnly} }

// Writes binds b for kernel writes.
func Writes(b *Buffer) Binding { return Binding{Buffer: b, Access: device.WriteOnly} }

// ReadsWrites binds b for kernel reads and writes.
func ReadsWrites(b *Buffer) Binding { return Binding{Buffer: b, Access: device.ReadWrite} }

// ResolveArgs turns bindings into device memory and passes scalars through.
// Plain ints are narrowed to int32.
func ResolveArgs(args []any) ([]device.Arg, error) {
	out := make([]device.Arg, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case Binding:
			mem, err := v.Buffer.Handle(v.Access)
			if err != nil {
				return nil, fmt.Errorf("arg %d: %w", i, err)
			}
			out[i] = mem
		case *Buffer:
			return nil, device.Usage("bind", device.ErrAccessDenied, "arg %d: buffer without access binding", i)
		case int:
			out[i] = int32(v) //nolint:gosec // G115: kernel dimensions fit int32
		case int32, uint32, float32, device.Memory:
			out[i] = v
		case float64:
			out[i] = float32(v)
		case bool:
			if v {
				out[i] = int32(1)
			} else {
				out[i] = int32(0)
			}
		default:
			return nil, device.Usage("bind", device.ErrInvalidConfig, "arg %d: unsupported type %T", i, a)
		}
	}
	return out, nil
}
