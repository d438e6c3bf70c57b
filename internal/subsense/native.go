package subsense

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/born-ml/vision/internal/device"
)

// Kernel argument order, shared by the native and WGSL forms. WGSL binds
// memory arguments in order and packs scalars into a trailing u32 array.
//
//	downscale  (src, dst, srcW, srcH, dstW, dstH)
//	bootstrap  (frame, model, util1, util2, params, w, h, slot)
//	compare    (frame, model, util1, util2, mask, params, w, h, seed, exclusion, hasExclusion)
//	morph      (src, dst, w, h, points, threshold)
//	composite  (frame, mask, dst, fullW, fullH, maskW, maskH, color)
//	debug_view (model, util1, util2, mask, params, dst, w, h, mode)

// neighbours lists the texture and morphology offsets in bit order. A kernel
// of n points uses the first n entries.
var neighbours = [16][2]int{
	{0, -1}, {-1, 0}, {1, 0}, {0, 1},
	{-1, -1}, {1, -1}, {-1, 1}, {1, 1},
	{0, -2}, {-2, 0}, {2, 0}, {0, 2},
	{-2, -2}, {2, -2}, {-2, 2}, {2, 2},
}

// variant is a program specialisation decoded from the build options.
type variant struct {
	modelSize     int
	colorChannels int
	texturePoints int
	words         int // words per model sample

	texture    bool
	feedback   bool
	ghost      bool
	exclusion  bool
	l2         bool
	debug      bool
	morphology bool
	linear     bool
}

func parseVariant(opts device.BuildOptions) (variant, error) {
	v := variant{
		texture:    opts.Has("USE_TEXTURE"),
		feedback:   opts.Has("USE_FEEDBACK"),
		ghost:      opts.Has("USE_GHOST"),
		exclusion:  opts.Has("USE_EXCLUSION"),
		l2:         opts.Has("USE_L2"),
		debug:      opts.Has("USE_DEBUG"),
		morphology: opts.Has("USE_MORPHOLOGY"),
		linear:     opts.Has("USE_LINEAR"),
		words:      1,
	}
	var err error
	if v.modelSize, err = opts.Int("MODEL_SIZE", 1); err != nil {
		return v, err
	}
	if v.colorChannels, err = opts.Int("COLOR_CHANNELS", 3); err != nil {
		return v, err
	}
	if v.texturePoints, err = opts.Int("TEXTURE_POINTS", 0); err != nil {
		return v, err
	}
	if v.modelSize < 1 {
		return v, fmt.Errorf("MODEL_SIZE %d", v.modelSize)
	}
	if v.colorChannels < 1 || v.colorChannels > 4 {
		return v, fmt.Errorf("COLOR_CHANNELS %d", v.colorChannels)
	}
	if v.texture {
		if !validKernel(v.texturePoints) || v.texturePoints == 0 {
			return v, fmt.Errorf("TEXTURE_POINTS %d", v.texturePoints)
		}
		v.words = 2
	}
	return v, nil
}

// nativeProgram specialises the kernels for the software device.
func nativeProgram(opts device.BuildOptions) (map[string]device.NativeKernel, error) {
	v, err := parseVariant(opts)
	if err != nil {
		return nil, err
	}
	ks := map[string]device.NativeKernel{
		"downscale": v.downscale,
		"bootstrap": v.bootstrap,
		"compare":   v.compare,
		"composite": v.composite,
	}
	if v.morphology {
		ks["morph"] = morph
	}
	if v.debug {
		ks["debug_view"] = v.debugView
	}
	return ks, nil
}

func lane(w uint32, c int) float32 { return float32((w >> (8 * c)) & 0xff) }

func intensity(w uint32) float32 { return (lane(w, 0) + lane(w, 1) + lane(w, 2)) / 3 }

func pack(r, g, b, a uint32) uint32 { return r | g<<8 | b<<16 | a<<24 }

func clampi(v, lo, hi int) int { return min(max(v, lo), hi) }

func clampf(v, lo, hi float32) float32 { return min(max(v, lo), hi) }

func absf(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// mix32 is a 32-bit integer finalizer; WGSL computes the same bits.
func mix32(x uint32) uint32 {
	x ^= x >> 16
	x *= 0x7feb352d
	x ^= x >> 15
	x *= 0x846ca68b
	x ^= x >> 16
	return x
}

// descriptor computes the local binary texture code of (x, y): bit i is set
// when neighbour i differs from the centre intensity by more than the
// relative threshold, with an absolute floor of 3 levels.
func descriptor(frame []uint32, w, h, x, y, points int, threshold float32) uint32 {
	ic := intensity(frame[y*w+x])
	tol := max(threshold*ic, 3)
	var d uint32
	for i := 0; i < points; i++ {
		nx := clampi(x+neighbours[i][0], 0, w-1)
		ny := clampi(y+neighbours[i][1], 0, h-1)
		if absf(intensity(frame[ny*w+nx])-ic) > tol {
			d |= 1 << i
		}
	}
	return d
}

// colorDistance returns the normalized distance over the first cc lanes.
func colorDistance(a, b uint32, cc int, l2 bool) float32 {
	var sum float32
	for c := 0; c < cc; c++ {
		d := lane(a, c) - lane(b, c)
		if l2 {
			sum += d * d
		} else {
			sum += absf(d)
		}
	}
	if l2 {
		return float32(math.Sqrt(float64(sum))) / (255 * float32(math.Sqrt(float64(cc))))
	}
	return sum / (255 * float32(cc))
}

func (v variant) downscale(args []device.Arg) (func(x, y int), error) {
	r := device.NewArgReader(args)
	src, dst := r.Words(0), r.Words(1)
	srcW, srcH, dstW, dstH := r.Int(2), r.Int(3), r.Int(4), r.Int(5)
	r.Positive("downscale size", srcW, srcH, dstW, dstH)
	r.Need("downscale src", len(src), srcW*srcH)
	r.Need("downscale dst", len(dst), dstW*dstH)
	if err := r.Err(); err != nil {
		return nil, err
	}

	if !v.linear {
		return func(x, y int) {
			if x >= dstW || y >= dstH {
				return
			}
			sx := ((2*x + 1) * srcW) / (2 * dstW)
			sy := ((2*y + 1) * srcH) / (2 * dstH)
			dst[y*dstW+x] = src[sy*srcW+sx]
		}, nil
	}

	return func(x, y int) {
		if x >= dstW || y >= dstH {
			return
		}
		x0 := x * srcW / dstW
		x1 := max((x+1)*srcW/dstW, x0+1)
		y0 := y * srcH / dstH
		y1 := max((y+1)*srcH/dstH, y0+1)

		var sum [4]uint32
		for sy := y0; sy < y1; sy++ {
			for sx := x0; sx < x1; sx++ {
				p := src[sy*srcW+sx]
				for c := 0; c < 4; c++ {
					sum[c] += (p >> (8 * c)) & 0xff
				}
			}
		}
		n := uint32((x1 - x0) * (y1 - y0)) //nolint:gosec // G115: box area is small and positive
		dst[y*dstW+x] = pack((sum[0]+n/2)/n, (sum[1]+n/2)/n, (sum[2]+n/2)/n, (sum[3]+n/2)/n)
	}, nil
}

func (v variant) bootstrap(args []device.Arg) (func(x, y int), error) {
	r := device.NewArgReader(args)
	frame, model := r.Words(0), r.Words(1)
	util1, util2, params := r.Floats(2), r.Floats(3), r.Floats(4)
	w, h, slot := r.Int(5), r.Int(6), r.Int(7)
	r.Positive("bootstrap size", w, h)
	n := w * h
	r.Need("bootstrap frame", len(frame), n)
	r.Need("bootstrap model", len(model), n*v.modelSize*v.words)
	r.Need("bootstrap util1", len(util1), n*4)
	r.Need("bootstrap util2", len(util2), n*4)
	r.Need("bootstrap params", len(params), paramCount)
	if err := r.Err(); err != nil {
		return nil, err
	}
	if slot < 0 || slot >= v.modelSize {
		return nil, fmt.Errorf("bootstrap slot %d outside model of %d", slot, v.modelSize)
	}

	tLower := params[pTLower]
	threshold := params[pTextureThreshold]

	return func(x, y int) {
		if x >= w || y >= h {
			return
		}
		i := y*w + x
		base := (i*v.modelSize + slot) * v.words
		model[base] = frame[i]
		if v.texture {
			model[base+1] = descriptor(frame, w, h, x, y, v.texturePoints, threshold)
		}
		if slot == 0 {
			copy(util1[i*4:i*4+4], []float32{0, 1, 0, 0})
			copy(util2[i*4:i*4+4], []float32{tLower, 0, 0, 0})
		}
	}, nil
}

func (v variant) compare(args []device.Arg) (func(x, y int), error) {
	r := device.NewArgReader(args)
	frame, model := r.Words(0), r.Words(1)
	util1, util2 := r.Floats(2), r.Floats(3)
	mask := r.Words(4)
	params := r.Floats(5)
	w, h, seed := r.Int(6), r.Int(7), r.Uint32(8)
	excl := r.Words(9)
	hasExcl := v.exclusion && r.Int(10) != 0
	r.Positive("compare size", w, h)
	n := w * h
	r.Need("compare frame", len(frame), n)
	r.Need("compare model", len(model), n*v.modelSize*v.words)
	r.Need("compare util1", len(util1), n*4)
	r.Need("compare util2", len(util2), n*4)
	r.Need("compare mask", len(mask), n)
	r.Need("compare params", len(params), paramCount)
	if hasExcl {
		r.Need("compare exclusion", len(excl), n)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}

	var (
		nMatches  = int(params[pNMatches])
		matchT    = params[pMatchThreshold]
		alphaNorm = params[pAlphaNorm]
		alphaDMin = params[pAlphaDMin]
		tLower    = params[pTLower]
		tUpper    = params[pTUpper]
		tInc      = params[pTScaleInc]
		tDec      = params[pTScaleDec]
		rScale    = params[pRScale]
		rCap      = params[pRCap]
		vInc      = params[pVInc]
		vDec      = params[pVDec]
		vCap      = params[pVCap]
		ghostL    = params[pGhostL]
		ghostT    = params[pGhostT]
		ghostN    = params[pGhostN]
		ghostInc  = params[pGhostNInc]
		ghostDec  = params[pGhostNDec]
		texThresh = params[pTextureThreshold]
		ms        = v.modelSize
		points    = float32(v.texturePoints)
	)

	return func(x, y int) {
		if x >= w || y >= h {
			return
		}
		i := y*w + x
		if hasExcl && excl[i]&0xff >= 128 {
			mask[i] = 0
			return
		}

		u1 := util1[i*4 : i*4+4]
		u2 := util2[i*4 : i*4+4]
		dMin, rr, vv, dtLast := u1[0], u1[1], u1[2], u1[3]
		t, ghostCount, lastFg := u2[0], u2[1], u2[2] > 0.5

		cur := frame[i]
		var desc uint32
		if v.texture {
			desc = descriptor(frame, w, h, x, y, v.texturePoints, texThresh)
		}

		threshold := matchT * rr
		dt := float32(math.MaxFloat32)
		matches := 0
		samples := model[i*ms*v.words : (i+1)*ms*v.words]
		for s := 0; s < ms; s++ {
			d := colorDistance(cur, samples[s*v.words], v.colorChannels, v.l2)
			if v.texture {
				td := float32(bits.OnesCount32(desc^samples[s*v.words+1])) / points
				d = alphaNorm*d + (1-alphaNorm)*td
			}
			dt = min(dt, d)
			if d <= threshold {
				matches++
			}
		}
		fg := matches < nMatches

		dMin = dt*alphaDMin + dMin*(1-alphaDMin)
		flipped := fg != lastFg

		ghost := false
		if v.ghost {
			if flipped {
				ghostCount -= ghostDec
			} else {
				ghostCount += ghostInc
			}
			ghostCount = clampf(ghostCount, 0, ghostN)
			ghost = fg && ghostCount >= ghostN && absf(dt-dtLast) < ghostT
		}

		if flipped {
			vv += vInc
		} else {
			vv -= vDec
		}
		vv = clampf(vv, 0, vCap)

		target := (1 + 2*dMin) * (1 + 2*dMin) * (1 + vv)
		if rr < target {
			rr = min(rr+rScale, target)
		} else {
			rr = max(rr-rScale, target)
		}
		rr = clampf(rr, 1, rCap)

		if v.feedback {
			if fg {
				t += tInc
			} else {
				t -= tDec
			}
		}
		if ghost {
			t = max(ghostL, tLower)
		}
		t = clampf(t, tLower, tUpper)

		if !fg || ghost {
			h1 := mix32(seed ^ mix32(uint32(i)+0x9e3779b9)) //nolint:gosec // G115: pixel index fits
			if float32(h1>>8)/(1<<24)*t < 1 {
				slot := int(mix32(h1) % uint32(ms)) //nolint:gosec // G115: model size is small
				samples[slot*v.words] = cur
				if v.texture {
					samples[slot*v.words+1] = desc
				}
			}
		}

		u1[0], u1[1], u1[2], u1[3] = dMin, rr, vv, dt
		u2[0], u2[1] = t, ghostCount
		if fg {
			u2[2] = 1
			mask[i] = 255
		} else {
			u2[2] = 0
			mask[i] = 0
		}
	}, nil
}

// morph thresholds the count of foreground pixels in the centre plus the
// first points neighbours: all points+1 erodes, 1 dilates, anything between
// gates.
func morph(args []device.Arg) (func(x, y int), error) {
	r := device.NewArgReader(args)
	src, dst := r.Words(0), r.Words(1)
	w, h, points, threshold := r.Int(2), r.Int(3), r.Int(4), r.Int(5)
	r.Positive("morph size", w, h)
	r.Need("morph src", len(src), w*h)
	r.Need("morph dst", len(dst), w*h)
	if err := r.Err(); err != nil {
		return nil, err
	}
	if !validKernel(points) {
		return nil, fmt.Errorf("morph kernel of %d points", points)
	}

	return func(x, y int) {
		if x >= w || y >= h {
			return
		}
		count := 0
		if src[y*w+x] != 0 {
			count++
		}
		for i := 0; i < points; i++ {
			nx := clampi(x+neighbours[i][0], 0, w-1)
			ny := clampi(y+neighbours[i][1], 0, h-1)
			if src[ny*w+nx] != 0 {
				count++
			}
		}
		if count >= threshold {
			dst[y*w+x] = 255
		} else {
			dst[y*w+x] = 0
		}
	}, nil
}

func (v variant) composite(args []device.Arg) (func(x, y int), error) {
	r := device.NewArgReader(args)
	frame, mask, dst := r.Words(0), r.Words(1), r.Words(2)
	fullW, fullH, maskW, maskH := r.Int(3), r.Int(4), r.Int(5), r.Int(6)
	color := r.Uint32(7)
	r.Positive("composite size", fullW, fullH, maskW, maskH)
	r.Need("composite frame", len(frame), fullW*fullH)
	r.Need("composite dst", len(dst), fullW*fullH)
	r.Need("composite mask", len(mask), maskW*maskH)
	if err := r.Err(); err != nil {
		return nil, err
	}

	sample := func(x, y int) float32 {
		mx := ((2*x + 1) * maskW) / (2 * fullW)
		my := ((2*y + 1) * maskH) / (2 * fullH)
		return float32(mask[my*maskW+mx])
	}
	if v.linear {
		sample = func(x, y int) float32 {
			fx := (float32(x)+0.5)*float32(maskW)/float32(fullW) - 0.5
			fy := (float32(y)+0.5)*float32(maskH)/float32(fullH) - 0.5
			fx = clampf(fx, 0, float32(maskW-1))
			fy = clampf(fy, 0, float32(maskH-1))
			x0, y0 := int(fx), int(fy)
			x1, y1 := min(x0+1, maskW-1), min(y0+1, maskH-1)
			ax, ay := fx-float32(x0), fy-float32(y0)
			top := float32(mask[y0*maskW+x0])*(1-ax) + float32(mask[y0*maskW+x1])*ax
			bottom := float32(mask[y1*maskW+x0])*(1-ax) + float32(mask[y1*maskW+x1])*ax
			return top*(1-ay) + bottom*ay
		}
	}

	return func(x, y int) {
		if x >= fullW || y >= fullH {
			return
		}
		i := y*fullW + x
		m := clampf(sample(x, y), 0, 255) / 255
		orig := frame[i]
		var out [3]uint32
		for c := 0; c < 3; c++ {
			out[c] = uint32(lane(color, c)*(1-m) + lane(orig, c)*m + 0.5)
		}
		dst[i] = pack(out[0], out[1], out[2], orig>>24)
	}, nil
}

func (v variant) debugView(args []device.Arg) (func(x, y int), error) {
	r := device.NewArgReader(args)
	model := r.Words(0)
	util1, util2 := r.Floats(1), r.Floats(2)
	mask := r.Words(3)
	params := r.Floats(4)
	dst := r.Words(5)
	w, h, mode := r.Int(6), r.Int(7), r.Int(8)
	r.Positive("debug size", w, h)
	n := w * h
	r.Need("debug model", len(model), n*v.modelSize*v.words)
	r.Need("debug util1", len(util1), n*4)
	r.Need("debug util2", len(util2), n*4)
	r.Need("debug mask", len(mask), n)
	r.Need("debug params", len(params), paramCount)
	r.Need("debug dst", len(dst), n)
	if err := r.Err(); err != nil {
		return nil, err
	}
	if mode < 0 || mode >= v.modelSize+debugModes {
		return nil, fmt.Errorf("debug mode %d", mode)
	}

	gray := func(f float32) uint32 {
		g := uint32(clampf(f, 0, 1)*255 + 0.5)
		return pack(g, g, g, 255)
	}
	span := func(lo, hi float32) float32 { return max(hi-lo, 1e-6) }

	return func(x, y int) {
		if x >= w || y >= h {
			return
		}
		i := y*w + x
		switch m := mode - v.modelSize; {
		case m < 0:
			dst[i] = model[(i*v.modelSize+mode)*v.words] | 0xff<<24
		case m == debugMask:
			dst[i] = gray(float32(mask[i]) / 255)
		case m == debugDMin:
			dst[i] = gray(util1[i*4])
		case m == debugR:
			dst[i] = gray((util1[i*4+1] - 1) / span(1, params[pRCap]))
		case m == debugV:
			dst[i] = gray(util1[i*4+2] / span(0, params[pVCap]))
		default:
			dst[i] = gray((util2[i*4] - params[pTLower]) / span(params[pTLower], params[pTUpper]))
		}
	}, nil
}
