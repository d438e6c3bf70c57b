package subsense

import (
	"fmt"
	"image/color"

	"github.com/born-ml/vision/internal/device"
)

// RGB is a replacement color.
type RGB struct {
	R uint8 `mapstructure:"r" yaml:"r" json:"r"`
	G uint8 `mapstructure:"g" yaml:"g" json:"g"`
	B uint8 `mapstructure:"b" yaml:"b" json:"b"`
}

// Word packs c as an opaque RGBA8 pixel word.
func (c RGB) Word() uint32 {
	return uint32(c.R) | uint32(c.G)<<8 | uint32(c.B)<<16 | 0xff<<24
}

// RGBA converts c to a standard library color.
func (c RGB) RGBA() color.RGBA { return color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff} }

// Pass is one morphology stage: a number of iterations over a neighbourhood
// of 0, 4, 8, 12 or 16 points.
type Pass struct {
	Iterations int `mapstructure:"iterations" yaml:"iterations" json:"iterations"`
	Kernel     int `mapstructure:"kernel" yaml:"kernel" json:"kernel"`
}

// Config holds every recognized option of the background subtractor.
type Config struct {
	// Resolution is the longer side of the processing resolution. Zero or a
	// value at least the frame size processes at full resolution.
	Resolution    int  `mapstructure:"resolution" yaml:"resolution" json:"resolution"`
	Square        bool `mapstructure:"square" yaml:"square" json:"square"`
	ColorChannels int  `mapstructure:"color_channels" yaml:"color_channels" json:"color_channels"`

	Adaptive   bool `mapstructure:"adaptive" yaml:"adaptive" json:"adaptive"`
	Debug      bool `mapstructure:"debug" yaml:"debug" json:"debug"`
	Morphology bool `mapstructure:"morphology" yaml:"morphology" json:"morphology"`
	Ghost      bool `mapstructure:"ghost" yaml:"ghost" json:"ghost"`
	Texture    bool `mapstructure:"texture" yaml:"texture" json:"texture"`
	L2         bool `mapstructure:"l2" yaml:"l2" json:"l2"`
	Exclusion  bool `mapstructure:"exclusion" yaml:"exclusion" json:"exclusion"`
	Linear     bool `mapstructure:"linear" yaml:"linear" json:"linear"`

	NMatches       int     `mapstructure:"n_matches" yaml:"n_matches" json:"n_matches"`
	MatchThreshold float32 `mapstructure:"match_threshold" yaml:"match_threshold" json:"match_threshold"`
	AlphaNorm      float32 `mapstructure:"alpha_norm" yaml:"alpha_norm" json:"alpha_norm"`
	AlphaDMin      float32 `mapstructure:"alpha_d_min" yaml:"alpha_d_min" json:"alpha_d_min"`

	TLower    float32 `mapstructure:"t_lower" yaml:"t_lower" json:"t_lower"`
	TUpper    float32 `mapstructure:"t_upper" yaml:"t_upper" json:"t_upper"`
	TScaleInc float32 `mapstructure:"t_scale_inc" yaml:"t_scale_inc" json:"t_scale_inc"`
	TScaleDec float32 `mapstructure:"t_scale_dec" yaml:"t_scale_dec" json:"t_scale_dec"`

	RScale float32 `mapstructure:"r_scale" yaml:"r_scale" json:"r_scale"`
	RCap   float32 `mapstructure:"r_cap" yaml:"r_cap" json:"r_cap"`

	VFlickerInc float32 `mapstructure:"v_flicker_inc" yaml:"v_flicker_inc" json:"v_flicker_inc"`
	VFlickerDec float32 `mapstructure:"v_flicker_dec" yaml:"v_flicker_dec" json:"v_flicker_dec"`
	VFlickerCap float32 `mapstructure:"v_flicker_cap" yaml:"v_flicker_cap" json:"v_flicker_cap"`

	GhostL    float32 `mapstructure:"ghost_l" yaml:"ghost_l" json:"ghost_l"`
	GhostT    float32 `mapstructure:"ghost_t" yaml:"ghost_t" json:"ghost_t"`
	GhostN    float32 `mapstructure:"ghost_n" yaml:"ghost_n" json:"ghost_n"`
	GhostNInc float32 `mapstructure:"ghost_n_inc" yaml:"ghost_n_inc" json:"ghost_n_inc"`
	GhostNDec float32 `mapstructure:"ghost_n_dec" yaml:"ghost_n_dec" json:"ghost_n_dec"`

	TextureThreshold float32 `mapstructure:"texture_threshold" yaml:"texture_threshold" json:"texture_threshold"`

	ModelSize     int `mapstructure:"model_size" yaml:"model_size" json:"model_size"`
	TextureKernel int `mapstructure:"texture_kernel" yaml:"texture_kernel" json:"texture_kernel"`
	Replacement   RGB `mapstructure:"replacement" yaml:"replacement" json:"replacement"`

	Gate          Pass `mapstructure:"gate" yaml:"gate" json:"gate"`
	Erode         Pass `mapstructure:"erode" yaml:"erode" json:"erode"`
	Dilate        Pass `mapstructure:"dilate" yaml:"dilate" json:"dilate"`
	GateThreshold int  `mapstructure:"gate_threshold" yaml:"gate_threshold" json:"gate_threshold"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Resolution:    160,
		ColorChannels: 3,

		Adaptive:   true,
		Morphology: true,
		Ghost:      true,
		Texture:    true,
		L2:         true,

		NMatches:       2,
		MatchThreshold: 0.1,
		AlphaNorm:      0.7,
		AlphaDMin:      0.01,

		TLower:    2,
		TUpper:    256,
		TScaleInc: 0.5,
		TScaleDec: 0.25,

		RScale: 0.1,
		RCap:   4,

		VFlickerInc: 1,
		VFlickerDec: 0.1,
		VFlickerCap: 5,

		GhostL:    2,
		GhostT:    0.02,
		GhostN:    100,
		GhostNInc: 1,
		GhostNDec: 5,

		TextureThreshold: 0.3,

		ModelSize:     20,
		TextureKernel: 8,
		Replacement:   RGB{R: 0, G: 177, B: 64},

		Gate:          Pass{Iterations: 1, Kernel: 8},
		Erode:         Pass{Iterations: 1, Kernel: 4},
		Dilate:        Pass{Iterations: 1, Kernel: 4},
		GateThreshold: 5,
	}
}

func validKernel(n int) bool {
	switch n {
	case 0, 4, 8, 12, 16:
		return true
	}
	return false
}

// Validate checks the configuration and returns a usage error wrapping
// device.ErrInvalidConfig.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return device.Usage("validate config", device.ErrInvalidConfig, format, args...)
	}

	switch {
	case c.Resolution < 0:
		return invalid("resolution %d must not be negative", c.Resolution)
	case c.ColorChannels < 1 || c.ColorChannels > 3:
		return invalid("color_channels %d must be 1..3", c.ColorChannels)
	case c.ModelSize < 1 || c.ModelSize > 256:
		return invalid("model_size %d must be 1..256", c.ModelSize)
	case c.NMatches < 1 || c.NMatches > c.ModelSize:
		return invalid("n_matches %d must be 1..model_size", c.NMatches)
	case c.MatchThreshold <= 0:
		return invalid("match_threshold %v must be positive", c.MatchThreshold)
	case c.AlphaNorm < 0 || c.AlphaNorm > 1:
		return invalid("alpha_norm %v must be in [0,1]", c.AlphaNorm)
	case c.AlphaDMin < 0 || c.AlphaDMin > 1:
		return invalid("alpha_d_min %v must be in [0,1]", c.AlphaDMin)
	case c.TLower < 1 || c.TUpper < c.TLower:
		return invalid("t range [%v,%v] must satisfy 1 <= t_lower <= t_upper", c.TLower, c.TUpper)
	case c.TScaleInc < 0 || c.TScaleDec < 0:
		return invalid("t scale rates must not be negative")
	case c.RScale < 0 || c.RCap < 1:
		return invalid("r_scale %v must not be negative and r_cap %v must be >= 1", c.RScale, c.RCap)
	case c.VFlickerInc < 0 || c.VFlickerDec < 0 || c.VFlickerCap < 0:
		return invalid("flicker rates and cap must not be negative")
	case c.GhostN < 0 || c.GhostNInc < 0 || c.GhostNDec < 0 || c.GhostT < 0:
		return invalid("ghost parameters must not be negative")
	case c.TextureThreshold < 0:
		return invalid("texture_threshold %v must not be negative", c.TextureThreshold)
	case c.Texture && (c.TextureKernel == 0 || !validKernel(c.TextureKernel)):
		return invalid("texture_kernel %d must be 4, 8, 12 or 16", c.TextureKernel)
	}

	for name, p := range map[string]Pass{"gate": c.Gate, "erode": c.Erode, "dilate": c.Dilate} {
		if p.Iterations < 0 || !validKernel(p.Kernel) {
			return invalid("%s pass %+v: iterations must not be negative, kernel 0, 4, 8, 12 or 16", name, p)
		}
	}
	if c.GateThreshold < 0 || c.GateThreshold > c.Gate.Kernel+1 {
		return invalid("gate_threshold %d must be 0..%d", c.GateThreshold, c.Gate.Kernel+1)
	}
	return nil
}

// BuildOptions returns the program variant selected by the configuration.
func (c Config) BuildOptions() device.BuildOptions {
	o := device.BuildOptions{}.
		DefineInt("MODEL_SIZE", c.ModelSize).
		DefineInt("COLOR_CHANNELS", c.ColorChannels).
		DefineIf(c.Adaptive, "USE_FEEDBACK").
		DefineIf(c.Ghost, "USE_GHOST").
		DefineIf(c.Exclusion, "USE_EXCLUSION").
		DefineIf(c.L2, "USE_L2").
		DefineIf(c.Debug, "USE_DEBUG").
		DefineIf(c.Morphology, "USE_MORPHOLOGY").
		DefineIf(c.Linear, "USE_LINEAR")
	if c.Texture {
		return o.Define("USE_TEXTURE").DefineInt("TEXTURE_POINTS", c.TextureKernel).DefineInt("MODEL_WORDS", 2)
	}
	return o.DefineInt("MODEL_WORDS", 1)
}

// Processing returns the processing resolution for a frame of width x height.
func (c Config) Processing(width, height int) (int, int) {
	longer := max(width, height)
	if c.Resolution <= 0 || c.Resolution >= longer {
		return width, height
	}
	if c.Square {
		return c.Resolution, c.Resolution
	}
	if width >= height {
		return c.Resolution, max((height*c.Resolution+longer/2)/longer, 1)
	}
	return max((width*c.Resolution+longer/2)/longer, 1), c.Resolution
}

// morphPasses expands the morphology configuration into (points, threshold)
// passes in execution order: gates, erosions, dilations.
func (c Config) morphPasses() [][2]int {
	if !c.Morphology {
		return nil
	}
	var passes [][2]int
	for i := 0; i < c.Gate.Iterations; i++ {
		passes = append(passes, [2]int{c.Gate.Kernel, c.GateThreshold})
	}
	for i := 0; i < c.Erode.Iterations; i++ {
		passes = append(passes, [2]int{c.Erode.Kernel, c.Erode.Kernel + 1})
	}
	for i := 0; i < c.Dilate.Iterations; i++ {
		passes = append(passes, [2]int{c.Dilate.Kernel, 1})
	}
	return passes
}

// Parameter block layout, one float32 per entry.
const (
	pNMatches = iota
	pMatchThreshold
	pAlphaNorm
	pAlphaDMin
	pTLower
	pTUpper
	pTScaleInc
	pTScaleDec
	pRScale
	pRCap
	pVInc
	pVDec
	pVCap
	pGhostL
	pGhostT
	pGhostN
	pGhostNInc
	pGhostNDec
	pTextureThreshold
	paramCount
)

// params renders the runtime parameter block.
func (c Config) params() []float32 {
	p := make([]float32, paramCount)
	p[pNMatches] = float32(c.NMatches)
	p[pMatchThreshold] = c.MatchThreshold
	p[pAlphaNorm] = c.AlphaNorm
	p[pAlphaDMin] = c.AlphaDMin
	p[pTLower] = c.TLower
	p[pTUpper] = c.TUpper
	p[pTScaleInc] = c.TScaleInc
	p[pTScaleDec] = c.TScaleDec
	p[pRScale] = c.RScale
	p[pRCap] = c.RCap
	p[pVInc] = c.VFlickerInc
	p[pVDec] = c.VFlickerDec
	p[pVCap] = c.VFlickerCap
	p[pGhostL] = c.GhostL
	p[pGhostT] = c.GhostT
	p[pGhostN] = c.GhostN
	p[pGhostNInc] = c.GhostNInc
	p[pGhostNDec] = c.GhostNDec
	p[pTextureThreshold] = c.TextureThreshold
	return p
}

func (c Config) String() string {
	return fmt.Sprintf("subsense(res=%d, model=%d, %s)", c.Resolution, c.ModelSize, c.BuildOptions())
}
