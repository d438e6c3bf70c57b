// Package frame converts between standard library images and device frame
// buffers and reads and writes frames as image files.
//
// Device frames are RGBA8: four one-byte channels per pixel, rows packed
// without padding, alpha in the last byte.
package frame

import (
	"image"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// ToRGBA returns img as an *image.RGBA with origin (0,0). It returns img
// itself when it already is one.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) && rgba.Stride == 4*rgba.Rect.Dx() {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Resize scales img to width x height with Lanczos resampling.
func Resize(img image.Image, width, height int) *image.RGBA {
	return ToRGBA(resize.Resize(uint(width), uint(height), img, resize.Lanczos3)) //nolint:gosec // G115: sizes are positive
}

// FitWithin scales img down so its longer side is at most maxSize, keeping
// the aspect ratio. Smaller images are returned unchanged.
func FitWithin(img image.Image, maxSize int) *image.RGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	longest := max(w, h)
	if maxSize <= 0 || longest <= maxSize {
		return ToRGBA(img)
	}
	scale := float64(maxSize) / float64(longest)
	return Resize(img, max(int(float64(w)*scale), 1), max(int(float64(h)*scale), 1))
}
