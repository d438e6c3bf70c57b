package frame

import (
	"image"

	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/surface"
)

// Upload copies img into a new read-only frame buffer on the queue of
// queueIndex. The caller owns the buffer.
func Upload(reg *device.Registry, queueIndex int, img image.Image) (*surface.Buffer, error) {
	rgba := ToRGBA(img)
	w, h := rgba.Rect.Dx(), rgba.Rect.Dy()
	q, err := reg.Queue(queueIndex)
	if err != nil {
		return nil, err
	}
	return surface.FromBytes(reg, q, w, h, 4, 1, device.ReadOnly, rgba.Pix[:4*w*h])
}

// Download waits for p and returns its frame as an image. The promise keeps
// ownership of its buffer and must still be finalized.
func Download(p *surface.Promise) (*image.RGBA, error) {
	b := p.Target()
	if b.ElemSize() != 4 {
		return nil, device.Usage("download frame", device.ErrShape, "%v is not RGBA8", b)
	}
	data, err := p.Bytes()
	if err != nil {
		return nil, err
	}
	return &image.RGBA{Pix: data, Stride: 4 * b.Cols(), Rect: image.Rect(0, 0, b.Cols(), b.Rows())}, nil
}

// FromBuffer waits for q and copies the RGBA8 buffer b into an image. The
// caller keeps ownership of b.
func FromBuffer(q device.Queue, b *surface.Buffer) (*image.RGBA, error) {
	if b.ElemSize() != 4 {
		return nil, device.Usage("download frame", device.ErrShape, "%v is not RGBA8", b)
	}
	data, err := surface.Download(q, b)
	if err != nil {
		return nil, err
	}
	return &image.RGBA{Pix: data, Stride: 4 * b.Cols(), Rect: image.Rect(0, 0, b.Cols(), b.Rows())}, nil
}
