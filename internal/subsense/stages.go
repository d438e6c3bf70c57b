package subsense

import (
	"encoding/binary"
	"math"

	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/kernels"
	"github.com/born-ml/vision/internal/surface"
)

// Debug outputs after the model slots, offset by ModelSize.
const (
	debugMask = iota
	debugDMin
	debugR
	debugV
	debugT
	debugModes
)

// downscale returns frame at the processing resolution. The result is owned
// by the caller.
func (f *Filter) downscale(q device.Queue, frame *surface.Buffer) (*surface.Buffer, error) {
	return f.resample(q, frame, f.w, f.h)
}

func (f *Filter) resample(q device.Queue, src *surface.Buffer, w, h int) (*surface.Buffer, error) {
	if src.Cols() == w && src.Rows() == h {
		return src.Clone()
	}
	dst, err := surface.Allocate(f.reg, w, h, 4, 1, device.ReadWrite)
	if err != nil {
		return nil, err
	}
	err = kernels.Dispatch(f.reg, q, f.kern["downscale"], w, h,
		surface.Reads(src), surface.Writes(dst), src.Cols(), src.Rows(), w, h)
	if err != nil {
		dst.Release()
		return nil, err
	}
	return dst, nil
}

// exclusionMask returns the exclusion mask at the processing resolution, or
// nil when none applies.
func (f *Filter) exclusionMask(q device.Queue, exclusion *surface.Buffer) (*surface.Buffer, error) {
	if exclusion == nil || !f.cfg.Exclusion {
		return nil, nil
	}
	if exclusion.ElemSize() != 4 {
		return nil, device.Usage("filter", device.ErrShape, "exclusion mask must hold 4-byte pixels, got %v", exclusion)
	}
	return f.resample(q, exclusion, f.w, f.h)
}

// bootstrap writes low into model slot modelI and passes low through.
func (f *Filter) bootstrap(q device.Queue, low *surface.Buffer) (*surface.Promise, error) {
	err := kernels.Dispatch(f.reg, q, f.kern["bootstrap"], f.w, f.h,
		surface.Reads(low),
		surface.ReadsWrites(f.model),
		surface.ReadsWrites(f.util1),
		surface.ReadsWrites(f.util2),
		surface.Reads(f.params),
		f.w, f.h, f.modelI)
	if err != nil {
		low.Release()
		return nil, err
	}
	f.modelI++
	if f.modelI == f.cfg.ModelSize {
		f.log.Debug("bootstrap complete", "frames", f.modelI)
	}
	return surface.NewPromise(low, q), nil
}

// compare classifies low into the mask and adapts the model.
func (f *Filter) compare(q device.Queue, low, exLow *surface.Buffer) error {
	excl, hasExcl := low, false
	if exLow != nil {
		excl, hasExcl = exLow, true
	}
	f.frames++
	seed := f.seed() ^ mix32(f.frames)
	return kernels.Dispatch(f.reg, q, f.kern["compare"], f.w, f.h,
		surface.Reads(low),
		surface.ReadsWrites(f.model),
		surface.ReadsWrites(f.util1),
		surface.ReadsWrites(f.util2),
		surface.Writes(f.mask),
		surface.Reads(f.params),
		f.w, f.h, seed,
		surface.Reads(excl), hasExcl)
}

// refine runs the morphology passes, leaving the result in f.mask.
func (f *Filter) refine(q device.Queue) error {
	cur, other := f.mask, f.tmp
	for _, p := range f.cfg.morphPasses() {
		err := kernels.Dispatch(f.reg, q, f.kern["morph"], f.w, f.h,
			surface.Reads(cur), surface.Writes(other), f.w, f.h, p[0], p[1])
		if err != nil {
			return err
		}
		cur, other = other, cur
	}
	f.mask, f.tmp = cur, other
	return nil
}

// composite blends the replacement color into frame where the mask is
// background.
func (f *Filter) composite(q device.Queue, frame *surface.Buffer) (*surface.Promise, error) {
	out, err := surface.Allocate(f.reg, f.fullW, f.fullH, 4, 1, device.ReadWrite)
	if err != nil {
		return nil, err
	}
	return kernels.Run(f.reg, q, f.kern["composite"], out, f.fullW, f.fullH,
		surface.Reads(frame), surface.Reads(f.mask), surface.Writes(out),
		f.fullW, f.fullH, f.w, f.h, f.cfg.Replacement.Word())
}

func (f *Filter) debugView(q device.Queue) (*surface.Promise, error) {
	out, err := surface.Allocate(f.reg, f.w, f.h, 4, 1, device.ReadWrite)
	if err != nil {
		return nil, err
	}
	return kernels.Run(f.reg, q, f.kern["debug_view"], out, f.w, f.h,
		surface.Reads(f.model),
		surface.Reads(f.util1),
		surface.Reads(f.util2),
		surface.Reads(f.mask),
		surface.Reads(f.params),
		surface.Writes(out),
		f.w, f.h, f.debugMode)
}

// State is a host copy of the per-pixel classification state at the
// processing resolution.
type State struct {
	Width, Height int
	ModelIndex    int

	Mask       []uint8 // 0 background, 255 foreground
	DMin       []float32
	R          []float32
	V          []float32
	T          []float32
	GhostCount []float32
}

// Snapshot waits for the queue of queueIndex and copies the mask and utility
// state to the host.
func (f *Filter) Snapshot(queueIndex int) (*State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.model == nil {
		return nil, device.Usage("snapshot", device.ErrNotInitialized, "no frame processed")
	}
	q, err := f.reg.Queue(queueIndex)
	if err != nil {
		return nil, err
	}

	mask, err := surface.Download(q, f.mask)
	if err != nil {
		return nil, err
	}
	u1, err := surface.Download(q, f.util1)
	if err != nil {
		return nil, err
	}
	u2, err := surface.Download(q, f.util2)
	if err != nil {
		return nil, err
	}

	n := f.w * f.h
	s := &State{
		Width:      f.w,
		Height:     f.h,
		ModelIndex: f.modelI,
		Mask:       make([]uint8, n),
		DMin:       make([]float32, n),
		R:          make([]float32, n),
		V:          make([]float32, n),
		T:          make([]float32, n),
		GhostCount: make([]float32, n),
	}
	word := func(b []byte, i int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	for i := range n {
		s.Mask[i] = uint8(binary.LittleEndian.Uint32(mask[4*i:])) //nolint:gosec // G115: mask words hold 0 or 255
		s.DMin[i] = word(u1, 4*i)
		s.R[i] = word(u1, 4*i+1)
		s.V[i] = word(u1, 4*i+2)
		s.T[i] = word(u2, 4*i)
		s.GhostCount[i] = word(u2, 4*i+1)
	}
	return s, nil
}
