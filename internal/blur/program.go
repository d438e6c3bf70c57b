package blur

import (
	"github.com/born-ml/vision/internal/device"
)

// Kernel arguments:
//
//	blur_h (src, tmp, weights, w, h, radius)   RGBA8 words -> float32x4
//	blur_v (tmp, dst, weights, w, h, radius)   float32x4 -> RGBA8 words
//
// weights holds 2*radius+1 floats summing to one. Samples outside the frame
// repeat the edge pixel.

// Program is the separable blur program.
var Program = &device.Source{
	Name:    "blur",
	Prelude: wgslPrelude,
	WGSL: map[string]string{
		"blur_h": wgslHorizontal,
		"blur_v": wgslVertical,
	},
	Consts: []device.WGSLConst{
		{Name: "WORKGROUP_SIZE", Type: "u32", Default: "64u"},
	},
	Native: func(device.BuildOptions) (map[string]device.NativeKernel, error) {
		return map[string]device.NativeKernel{
			"blur_h": horizontal,
			"blur_v": vertical,
		}, nil
	},
}

func clampi(v, lo, hi int) int { return min(max(v, lo), hi) }

func horizontal(args []device.Arg) (func(x, y int), error) {
	r := device.NewArgReader(args)
	src, tmp, weights := r.Words(0), r.Floats(1), r.Floats(2)
	w, h, radius := r.Int(3), r.Int(4), r.Int(5)
	r.Positive("blur size", w, h)
	r.Need("blur src", len(src), w*h)
	r.Need("blur tmp", len(tmp), 4*w*h)
	r.Need("blur weights", len(weights), 2*radius+1)
	if err := r.Err(); err != nil {
		return nil, err
	}

	return func(x, y int) {
		if x >= w || y >= h {
			return
		}
		var acc [4]float32
		for k := -radius; k <= radius; k++ {
			p := src[y*w+clampi(x+k, 0, w-1)]
			wt := weights[k+radius]
			for c := 0; c < 4; c++ {
				acc[c] += float32((p>>(8*c))&0xff) * wt
			}
		}
		copy(tmp[4*(y*w+x):], acc[:])
	}, nil
}

func vertical(args []device.Arg) (func(x, y int), error) {
	r := device.NewArgReader(args)
	tmp, dst, weights := r.Floats(0), r.Words(1), r.Floats(2)
	w, h, radius := r.Int(3), r.Int(4), r.Int(5)
	r.Positive("blur size", w, h)
	r.Need("blur tmp", len(tmp), 4*w*h)
	r.Need("blur dst", len(dst), w*h)
	r.Need("blur weights", len(weights), 2*radius+1)
	if err := r.Err(); err != nil {
		return nil, err
	}

	return func(x, y int) {
		if x >= w || y >= h {
			return
		}
		var acc [4]float32
		for k := -radius; k <= radius; k++ {
			i := 4 * (clampi(y+k, 0, h-1)*w + x)
			wt := weights[k+radius]
			for c := 0; c < 4; c++ {
				acc[c] += tmp[i+c] * wt
			}
		}
		var out uint32
		for c := 0; c < 4; c++ {
			out |= uint32(min(max(acc[c], 0), 255)+0.5) << (8 * c)
		}
		dst[y*w+x] = out
	}, nil
}

const wgslPrelude = `
fn unpack(p: u32) -> vec4<f32> {
    return vec4<f32>(f32(p & 0xffu), f32((p >> 8u) & 0xffu), f32((p >> 16u) & 0xffu), f32(p >> 24u));
}
`

const wgslHorizontal = `
@group(0) @binding(0) var<storage, read> src: array<u32>;
@group(0) @binding(1) var<storage, read_write> tmp: array<vec4<f32>>;
@group(0) @binding(2) var<storage, read> weights: array<f32>;
@group(0) @binding(3) var<storage, read> args: array<u32>;

@compute @workgroup_size(WORKGROUP_SIZE, 1, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let w = args[0];
    let h = args[1];
    let r = i32(args[2]);
    if (gid.x >= w || gid.y >= h) {
        return;
    }
    var acc = vec4<f32>(0.0);
    for (var k = -r; k <= r; k++) {
        let x = u32(clamp(i32(gid.x) + k, 0, i32(w) - 1));
        acc += unpack(src[gid.y * w + x]) * weights[k + r];
    }
    tmp[gid.y * w + gid.x] = acc;
}
`

const wgslVertical = `
@group(0) @binding(0) var<storage, read> tmp: array<vec4<f32>>;
@group(0) @binding(1) var<storage, read_write> dst: array<u32>;
@group(0) @binding(2) var<storage, read> weights: array<f32>;
@group(0) @binding(3) var<storage, read> args: array<u32>;

@compute @workgroup_size(WORKGROUP_SIZE, 1, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let w = args[0];
    let h = args[1];
    let r = i32(args[2]);
    if (gid.x >= w || gid.y >= h) {
        return;
    }
    var acc = vec4<f32>(0.0);
    for (var k = -r; k <= r; k++) {
        let y = u32(clamp(i32(gid.y) + k, 0, i32(h) - 1));
        acc += tmp[y * w + gid.x] * weights[k + r];
    }
    let c = vec4<u32>(clamp(acc, vec4<f32>(0.0), vec4<f32>(255.0)) + vec4<f32>(0.5));
    dst[gid.y * w + gid.x] = c.x | (c.y << 8u) | (c.z << 16u) | (c.w << 24u);
}
`
