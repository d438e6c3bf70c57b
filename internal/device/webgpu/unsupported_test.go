//go:build !windows

package webgpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vision/internal/device"
)

func TestOpen_Unsupported(t *testing.T) {
	assert.False(t, IsAvailable())
	b, err := Open()
	require.Error(t, err)
	assert.Nil(t, b)
	assert.True(t, device.IsFatal(err))
}
