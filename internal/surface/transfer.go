package surface

import (
	"github.com/born-ml/vision/internal/device"
)

// Upload enqueues a copy of data into b on q. data must match the buffer size.
func Upload(q device.Queue, b *Buffer, data []byte) error {
	if len(data) != b.Size() {
		return device.Usage("upload", device.ErrShape, "%d bytes into %v", len(data), b)
	}
	mem, err := b.Handle(b.Access())
	if err != nil {
		return err
	}
	return q.Write(mem, 0, data)
}

// FromBytes allocates a buffer of the given shape and uploads data into it.
func FromBytes(reg *device.Registry, q device.Queue, cols, rows, channels, channelSize int,
	access device.Access, data []byte,
) (*Buffer, error) {
	b, err := Allocate(reg, cols, rows, channels, channelSize, access)
	if err != nil {
		return nil, err
	}
	if err := Upload(q, b, data); err != nil {
		b.Release()
		return nil, err
	}
	return b, nil
}

// Download blocks until q drained and returns a host copy of b.
func Download(q device.Queue, b *Buffer) ([]byte, error) {
	mem, err := b.Handle(b.Access())
	if err != nil {
		return nil, err
	}
	dst := make([]byte, b.Size())
	if err := q.Read(mem, 0, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// CopyInto enqueues a full copy of src into dst, which must have the same size.
func CopyInto(q device.Queue, src, dst *Buffer) error {
	if src.Size() != dst.Size() {
		return device.Usage("copy", device.ErrShape, "%v into %v", src, dst)
	}
	s, err := src.Handle(src.Access())
	if err != nil {
		return err
	}
	d, err := dst.Handle(dst.Access())
	if err != nil {
		return err
	}
	return q.Copy(s, d, 0, 0, src.Size())
}
