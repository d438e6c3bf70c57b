package subsense

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vision/internal/device"
)

func TestDefaultConfig_Valid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"negative resolution", func(c *Config) { c.Resolution = -1 }},
		{"no color channels", func(c *Config) { c.ColorChannels = 0 }},
		{"four color channels", func(c *Config) { c.ColorChannels = 4 }},
		{"empty model", func(c *Config) { c.ModelSize = 0 }},
		{"matches above model", func(c *Config) { c.NMatches = c.ModelSize + 1 }},
		{"zero match threshold", func(c *Config) { c.MatchThreshold = 0 }},
		{"alpha norm above one", func(c *Config) { c.AlphaNorm = 1.5 }},
		{"inverted t range", func(c *Config) { c.TLower, c.TUpper = 10, 5 }},
		{"t lower below one", func(c *Config) { c.TLower = 0.5 }},
		{"r cap below one", func(c *Config) { c.RCap = 0.5 }},
		{"negative flicker", func(c *Config) { c.VFlickerDec = -1 }},
		{"negative ghost", func(c *Config) { c.GhostN = -1 }},
		{"texture kernel 6", func(c *Config) { c.TextureKernel = 6 }},
		{"texture kernel 0", func(c *Config) { c.TextureKernel = 0 }},
		{"erode kernel 5", func(c *Config) { c.Erode.Kernel = 5 }},
		{"negative dilate", func(c *Config) { c.Dilate.Iterations = -1 }},
		{"gate threshold too high", func(c *Config) { c.GateThreshold = c.Gate.Kernel + 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.modify(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, device.IsUsage(err))
			assert.ErrorIs(t, err, device.ErrInvalidConfig)
		})
	}

	c := DefaultConfig()
	c.Texture = false
	c.TextureKernel = 0
	assert.NoError(t, c.Validate(), "texture kernel is unused without texture")
}

func TestConfig_Processing(t *testing.T) {
	tests := []struct {
		name       string
		resolution int
		square     bool
		w, h       int
		wantW      int
		wantH      int
	}{
		{"landscape", 32, false, 64, 48, 32, 24},
		{"portrait", 32, false, 48, 64, 24, 32},
		{"square", 32, true, 64, 48, 32, 32},
		{"full resolution", 0, false, 64, 48, 64, 48},
		{"larger than frame", 100, false, 64, 48, 64, 48},
		{"rounds", 10, false, 30, 20, 10, 7},
		{"never zero", 10, false, 1000, 2, 10, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			c.Resolution = tt.resolution
			c.Square = tt.square
			w, h := c.Processing(tt.w, tt.h)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}

func TestConfig_BuildOptions(t *testing.T) {
	c := DefaultConfig()
	o := c.BuildOptions()
	for _, name := range []string{"USE_TEXTURE", "USE_FEEDBACK", "USE_GHOST", "USE_L2", "USE_MORPHOLOGY"} {
		assert.True(t, o.Has(name), name)
	}
	for _, name := range []string{"USE_DEBUG", "USE_EXCLUSION", "USE_LINEAR"} {
		assert.False(t, o.Has(name), name)
	}
	assert.Contains(t, o.String(), "-DTEXTURE_POINTS=8")
	assert.Contains(t, o.String(), "-DMODEL_SIZE=20")
	assert.Contains(t, o.String(), "-DMODEL_WORDS=2")

	c.Texture = false
	c.Debug = true
	o = c.BuildOptions()
	assert.False(t, o.Has("USE_TEXTURE"))
	assert.False(t, o.Has("TEXTURE_POINTS"))
	assert.True(t, o.Has("USE_DEBUG"))
	assert.Contains(t, o.String(), "-DMODEL_WORDS=1")

	v, err := parseVariant(o)
	require.NoError(t, err)
	assert.Equal(t, 20, v.modelSize)
	assert.Equal(t, 1, v.words)
	assert.True(t, v.debug)
}

func TestConfig_MorphPasses(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, [][2]int{{8, 5}, {4, 5}, {4, 1}}, c.morphPasses())

	c.Gate.Iterations = 0
	c.Dilate.Iterations = 2
	assert.Equal(t, [][2]int{{4, 5}, {4, 1}, {4, 1}}, c.morphPasses())

	c.Morphology = false
	assert.Empty(t, c.morphPasses())
}

func TestConfig_Params(t *testing.T) {
	c := DefaultConfig()
	p := c.params()
	require.Len(t, p, paramCount)
	assert.Equal(t, float32(2), p[pNMatches])
	assert.Equal(t, c.TUpper, p[pTUpper])
	assert.Equal(t, c.TextureThreshold, p[pTextureThreshold])
}

func TestRGB_Word(t *testing.T) {
	assert.Equal(t, uint32(0xff40b100), RGB{R: 0, G: 177, B: 64}.Word())
}
