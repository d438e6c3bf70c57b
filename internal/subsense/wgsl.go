package subsense

import "github.com/born-ml/vision/internal/device"

// wgslConsts are generated from the build options in front of every module.
var wgslConsts = []device.WGSLConst{
	{Name: "USE_TEXTURE", Type: "bool"},
	{Name: "USE_FEEDBACK", Type: "bool"},
	{Name: "USE_GHOST", Type: "bool"},
	{Name: "USE_EXCLUSION", Type: "bool"},
	{Name: "USE_L2", Type: "bool"},
	{Name: "USE_LINEAR", Type: "bool"},
	{Name: "MODEL_SIZE", Type: "u32", Default: "1u"},
	{Name: "MODEL_WORDS", Type: "u32", Default: "1u"},
	{Name: "COLOR_CHANNELS", Type: "u32", Default: "3u"},
	{Name: "TEXTURE_POINTS", Type: "u32", Default: "0u"},
	{Name: "WORKGROUP_SIZE", Type: "u32", Default: "64u"},
}

// wgslPrelude holds the helpers shared by every kernel module.
const wgslPrelude = `
const P_N_MATCHES: u32 = 0u;
const P_MATCH_THRESHOLD: u32 = 1u;
const P_ALPHA_NORM: u32 = 2u;
const P_ALPHA_D_MIN: u32 = 3u;
const P_T_LOWER: u32 = 4u;
const P_T_UPPER: u32 = 5u;
const P_T_SCALE_INC: u32 = 6u;
const P_T_SCALE_DEC: u32 = 7u;
const P_R_SCALE: u32 = 8u;
const P_R_CAP: u32 = 9u;
const P_V_INC: u32 = 10u;
const P_V_DEC: u32 = 11u;
const P_V_CAP: u32 = 12u;
const P_GHOST_L: u32 = 13u;
const P_GHOST_T: u32 = 14u;
const P_GHOST_N: u32 = 15u;
const P_GHOST_N_INC: u32 = 16u;
const P_GHOST_N_DEC: u32 = 17u;
const P_TEXTURE_THRESHOLD: u32 = 18u;

var<private> neighbours: array<vec2<i32>, 16> = array<vec2<i32>, 16>(
    vec2<i32>(0, -1), vec2<i32>(-1, 0), vec2<i32>(1, 0), vec2<i32>(0, 1),
    vec2<i32>(-1, -1), vec2<i32>(1, -1), vec2<i32>(-1, 1), vec2<i32>(1, 1),
    vec2<i32>(0, -2), vec2<i32>(-2, 0), vec2<i32>(2, 0), vec2<i32>(0, 2),
    vec2<i32>(-2, -2), vec2<i32>(2, -2), vec2<i32>(-2, 2), vec2<i32>(2, 2),
);

fn lane(w: u32, c: u32) -> f32 {
    return f32((w >> (8u * c)) & 0xffu);
}

fn intensity(w: u32) -> f32 {
    return (lane(w, 0u) + lane(w, 1u) + lane(w, 2u)) / 3.0;
}

fn pack(r: u32, g: u32, b: u32, a: u32) -> u32 {
    return r | (g << 8u) | (b << 16u) | (a << 24u);
}

fn mix32(v: u32) -> u32 {
    var x = v;
    x = x ^ (x >> 16u);
    x = x * 0x7feb352du;
    x = x ^ (x >> 15u);
    x = x * 0x846ca68bu;
    x = x ^ (x >> 16u);
    return x;
}

fn neighbour(x: u32, y: u32, w: u32, h: u32, i: u32) -> u32 {
    let p = vec2<i32>(i32(x), i32(y)) + neighbours[i];
    let c = clamp(p, vec2<i32>(0, 0), vec2<i32>(i32(w) - 1, i32(h) - 1));
    return u32(c.y) * w + u32(c.x);
}

fn color_distance(a: u32, b: u32) -> f32 {
    var sum = 0.0;
    for (var c = 0u; c < COLOR_CHANNELS; c++) {
        let d = lane(a, c) - lane(b, c);
        if (USE_L2) {
            sum += d * d;
        } else {
            sum += abs(d);
        }
    }
    if (USE_L2) {
        return sqrt(sum) / (255.0 * sqrt(f32(COLOR_CHANNELS)));
    }
    return sum / (255.0 * f32(COLOR_CHANNELS));
}
`

// wgslDescriptor reads the module's frame binding.
const wgslDescriptor = `
fn descriptor(x: u32, y: u32, w: u32, h: u32, threshold: f32) -> u32 {
    let ic = intensity(frame[y * w + x]);
    let tol = max(threshold * ic, 3.0);
    var d = 0u;
    for (var i = 0u; i < TEXTURE_POINTS; i++) {
        if (abs(intensity(frame[neighbour(x, y, w, h, i)]) - ic) > tol) {
            d = d | (1u << i);
        }
    }
    return d;
}
`

const wgslDownscale = `
@group(0) @binding(0) var<storage, read> src: array<u32>;
@group(0) @binding(1) var<storage, read_write> dst: array<u32>;
@group(0) @binding(2) var<storage, read> args: array<u32>;

@compute @workgroup_size(WORKGROUP_SIZE, 1, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let src_w = args[0];
    let src_h = args[1];
    let dst_w = args[2];
    let dst_h = args[3];
    let x = gid.x;
    let y = gid.y;
    if (x >= dst_w || y >= dst_h) {
        return;
    }

    if (!USE_LINEAR) {
        let sx = ((2u * x + 1u) * src_w) / (2u * dst_w);
        let sy = ((2u * y + 1u) * src_h) / (2u * dst_h);
        dst[y * dst_w + x] = src[sy * src_w + sx];
        return;
    }

    let x0 = x * src_w / dst_w;
    let x1 = max((x + 1u) * src_w / dst_w, x0 + 1u);
    let y0 = y * src_h / dst_h;
    let y1 = max((y + 1u) * src_h / dst_h, y0 + 1u);
    var sum = vec4<u32>(0u);
    for (var sy = y0; sy < y1; sy++) {
        for (var sx = x0; sx < x1; sx++) {
            let p = src[sy * src_w + sx];
            sum += vec4<u32>(p & 0xffu, (p >> 8u) & 0xffu, (p >> 16u) & 0xffu, p >> 24u);
        }
    }
    let n = (x1 - x0) * (y1 - y0);
    let avg = (sum + vec4<u32>(n / 2u)) / vec4<u32>(n);
    dst[y * dst_w + x] = pack(avg.x, avg.y, avg.z, avg.w);
}
`

const wgslBootstrap = `
@group(0) @binding(0) var<storage, read> frame: array<u32>;
@group(0) @binding(1) var<storage, read_write> model: array<u32>;
@group(0) @binding(2) var<storage, read_write> util1: array<f32>;
@group(0) @binding(3) var<storage, read_write> util2: array<f32>;
@group(0) @binding(4) var<storage, read> params: array<f32>;
@group(0) @binding(5) var<storage, read> args: array<u32>;
` + wgslDescriptor + `
@compute @workgroup_size(WORKGROUP_SIZE, 1, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let w = args[0];
    let h = args[1];
    let slot = args[2];
    let x = gid.x;
    let y = gid.y;
    if (x >= w || y >= h) {
        return;
    }
    let i = y * w + x;
    let base = (i * MODEL_SIZE + slot) * MODEL_WORDS;
    model[base] = frame[i];
    if (USE_TEXTURE) {
        model[base + 1u] = descriptor(x, y, w, h, params[P_TEXTURE_THRESHOLD]);
    }
    if (slot == 0u) {
        util1[i * 4u] = 0.0;
        util1[i * 4u + 1u] = 1.0;
        util1[i * 4u + 2u] = 0.0;
        util1[i * 4u + 3u] = 0.0;
        util2[i * 4u] = params[P_T_LOWER];
        util2[i * 4u + 1u] = 0.0;
        util2[i * 4u + 2u] = 0.0;
        util2[i * 4u + 3u] = 0.0;
    }
}
`

const wgslCompare = `
@group(0) @binding(0) var<storage, read> frame: array<u32>;
@group(0) @binding(1) var<storage, read_write> model: array<u32>;
@group(0) @binding(2) var<storage, read_write> util1: array<f32>;
@group(0) @binding(3) var<storage, read_write> util2: array<f32>;
@group(0) @binding(4) var<storage, read_write> mask: array<u32>;
@group(0) @binding(5) var<storage, read> params: array<f32>;
@group(0) @binding(6) var<storage, read> exclusion: array<u32>;
@group(0) @binding(7) var<storage, read> args: array<u32>;
` + wgslDescriptor + `
@compute @workgroup_size(WORKGROUP_SIZE, 1, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let w = args[0];
    let h = args[1];
    let seed = args[2];
    let has_exclusion = args[3] != 0u;
    let x = gid.x;
    let y = gid.y;
    if (x >= w || y >= h) {
        return;
    }
    let i = y * w + x;
    if (USE_EXCLUSION && has_exclusion && (exclusion[i] & 0xffu) >= 128u) {
        mask[i] = 0u;
        return;
    }

    var d_min = util1[i * 4u];
    var r = util1[i * 4u + 1u];
    var v = util1[i * 4u + 2u];
    let dt_last = util1[i * 4u + 3u];
    var t = util2[i * 4u];
    var ghost_count = util2[i * 4u + 1u];
    let last_fg = util2[i * 4u + 2u] > 0.5;

    let cur = frame[i];
    var desc = 0u;
    if (USE_TEXTURE) {
        desc = descriptor(x, y, w, h, params[P_TEXTURE_THRESHOLD]);
    }

    let threshold = params[P_MATCH_THRESHOLD] * r;
    let alpha_norm = params[P_ALPHA_NORM];
    let base = i * MODEL_SIZE * MODEL_WORDS;
    var dt = 3.402823e38;
    var matches = 0u;
    for (var s = 0u; s < MODEL_SIZE; s++) {
        var d = color_distance(cur, model[base + s * MODEL_WORDS]);
        if (USE_TEXTURE) {
            let td = f32(countOneBits(desc ^ model[base + s * MODEL_WORDS + 1u])) / f32(TEXTURE_POINTS);
            d = alpha_norm * d + (1.0 - alpha_norm) * td;
        }
        dt = min(dt, d);
        if (d <= threshold) {
            matches++;
        }
    }
    let fg = f32(matches) < params[P_N_MATCHES];

    let alpha_d = params[P_ALPHA_D_MIN];
    d_min = dt * alpha_d + d_min * (1.0 - alpha_d);
    let flipped = fg != last_fg;

    var ghost = false;
    if (USE_GHOST) {
        if (flipped) {
            ghost_count -= params[P_GHOST_N_DEC];
        } else {
            ghost_count += params[P_GHOST_N_INC];
        }
        ghost_count = clamp(ghost_count, 0.0, params[P_GHOST_N]);
        ghost = fg && ghost_count >= params[P_GHOST_N] && abs(dt - dt_last) < params[P_GHOST_T];
    }

    if (flipped) {
        v += params[P_V_INC];
    } else {
        v -= params[P_V_DEC];
    }
    v = clamp(v, 0.0, params[P_V_CAP]);

    let r_target = (1.0 + 2.0 * d_min) * (1.0 + 2.0 * d_min) * (1.0 + v);
    if (r < r_target) {
        r = min(r + params[P_R_SCALE], r_target);
    } else {
        r = max(r - params[P_R_SCALE], r_target);
    }
    r = clamp(r, 1.0, params[P_R_CAP]);

    if (USE_FEEDBACK) {
        if (fg) {
            t += params[P_T_SCALE_INC];
        } else {
            t -= params[P_T_SCALE_DEC];
        }
    }
    if (ghost) {
        t = max(params[P_GHOST_L], params[P_T_LOWER]);
    }
    t = clamp(t, params[P_T_LOWER], params[P_T_UPPER]);

    if (!fg || ghost) {
        let h1 = mix32(seed ^ mix32(i + 0x9e3779b9u));
        if (f32(h1 >> 8u) / 16777216.0 * t < 1.0) {
            let slot = mix32(h1) % MODEL_SIZE;
            model[base + slot * MODEL_WORDS] = cur;
            if (USE_TEXTURE) {
                model[base + slot * MODEL_WORDS + 1u] = desc;
            }
        }
    }

    util1[i * 4u] = d_min;
    util1[i * 4u + 1u] = r;
    util1[i * 4u + 2u] = v;
    util1[i * 4u + 3u] = dt;
    util2[i * 4u] = t;
    util2[i * 4u + 1u] = ghost_count;
    util2[i * 4u + 2u] = select(0.0, 1.0, fg);
    mask[i] = select(0u, 255u, fg);
}
`

const wgslMorph = `
@group(0) @binding(0) var<storage, read> src: array<u32>;
@group(0) @binding(1) var<storage, read_write> dst: array<u32>;
@group(0) @binding(2) var<storage, read> args: array<u32>;

@compute @workgroup_size(WORKGROUP_SIZE, 1, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let w = args[0];
    let h = args[1];
    let points = args[2];
    let threshold = args[3];
    let x = gid.x;
    let y = gid.y;
    if (x >= w || y >= h) {
        return;
    }
    var count = select(0u, 1u, src[y * w + x] != 0u);
    for (var i = 0u; i < points; i++) {
        if (src[neighbour(x, y, w, h, i)] != 0u) {
            count++;
        }
    }
    dst[y * w + x] = select(0u, 255u, count >= threshold);
}
`

const wgslComposite = `
@group(0) @binding(0) var<storage, read> frame: array<u32>;
@group(0) @binding(1) var<storage, read> mask: array<u32>;
@group(0) @binding(2) var<storage, read_write> dst: array<u32>;
@group(0) @binding(3) var<storage, read> args: array<u32>;

fn sample_mask(x: u32, y: u32, full_w: u32, full_h: u32, mask_w: u32, mask_h: u32) -> f32 {
    if (!USE_LINEAR) {
        let mx = ((2u * x + 1u) * mask_w) / (2u * full_w);
        let my = ((2u * y + 1u) * mask_h) / (2u * full_h);
        return f32(mask[my * mask_w + mx]);
    }
    let fx = clamp((f32(x) + 0.5) * f32(mask_w) / f32(full_w) - 0.5, 0.0, f32(mask_w - 1u));
    let fy = clamp((f32(y) + 0.5) * f32(mask_h) / f32(full_h) - 0.5, 0.0, f32(mask_h - 1u));
    let x0 = u32(fx);
    let y0 = u32(fy);
    let x1 = min(x0 + 1u, mask_w - 1u);
    let y1 = min(y0 + 1u, mask_h - 1u);
    let ax = fx - f32(x0);
    let ay = fy - f32(y0);
    let top = mix(f32(mask[y0 * mask_w + x0]), f32(mask[y0 * mask_w + x1]), ax);
    let bottom = mix(f32(mask[y1 * mask_w + x0]), f32(mask[y1 * mask_w + x1]), ax);
    return mix(top, bottom, ay);
}

@compute @workgroup_size(WORKGROUP_SIZE, 1, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let full_w = args[0];
    let full_h = args[1];
    let mask_w = args[2];
    let mask_h = args[3];
    let color = args[4];
    let x = gid.x;
    let y = gid.y;
    if (x >= full_w || y >= full_h) {
        return;
    }
    let i = y * full_w + x;
    let m = clamp(sample_mask(x, y, full_w, full_h, mask_w, mask_h), 0.0, 255.0) / 255.0;
    let orig = frame[i];
    let r = u32(lane(color, 0u) * (1.0 - m) + lane(orig, 0u) * m + 0.5);
    let g = u32(lane(color, 1u) * (1.0 - m) + lane(orig, 1u) * m + 0.5);
    let b = u32(lane(color, 2u) * (1.0 - m) + lane(orig, 2u) * m + 0.5);
    dst[i] = pack(r, g, b, orig >> 24u);
}
`

const wgslDebugView = `
@group(0) @binding(0) var<storage, read> model: array<u32>;
@group(0) @binding(1) var<storage, read> util1: array<f32>;
@group(0) @binding(2) var<storage, read> util2: array<f32>;
@group(0) @binding(3) var<storage, read> mask: array<u32>;
@group(0) @binding(4) var<storage, read> params: array<f32>;
@group(0) @binding(5) var<storage, read_write> dst: array<u32>;
@group(0) @binding(6) var<storage, read> args: array<u32>;

fn gray(f: f32) -> u32 {
    let g = u32(clamp(f, 0.0, 1.0) * 255.0 + 0.5);
    return pack(g, g, g, 255u);
}

@compute @workgroup_size(WORKGROUP_SIZE, 1, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let w = args[0];
    let h = args[1];
    let mode = args[2];
    let x = gid.x;
    let y = gid.y;
    if (x >= w || y >= h) {
        return;
    }
    let i = y * w + x;
    if (mode < MODEL_SIZE) {
        dst[i] = model[(i * MODEL_SIZE + mode) * MODEL_WORDS] | 0xff000000u;
        return;
    }
    let t_lower = params[P_T_LOWER];
    switch (mode - MODEL_SIZE) {
        case 0u: {
            dst[i] = gray(f32(mask[i]) / 255.0);
        }
        case 1u: {
            dst[i] = gray(util1[i * 4u]);
        }
        case 2u: {
            dst[i] = gray((util1[i * 4u + 1u] - 1.0) / max(params[P_R_CAP] - 1.0, 1e-6));
        }
        case 3u: {
            dst[i] = gray(util1[i * 4u + 2u] / max(params[P_V_CAP], 1e-6));
        }
        default: {
            dst[i] = gray((util2[i * 4u] - t_lower) / max(params[P_T_UPPER] - t_lower, 1e-6));
        }
    }
}
`

// Program is the background subtraction program in native and WGSL form.
var Program = &device.Source{
	Name:    "subsense",
	Prelude: wgslPrelude,
	WGSL: map[string]string{
		"downscale":  wgslDownscale,
		"bootstrap":  wgslBootstrap,
		"compare":    wgslCompare,
		"morph":      wgslMorph,
		"composite":  wgslComposite,
		"debug_view": wgslDebugView,
	},
	Consts: wgslConsts,
	Native: nativeProgram,
}
