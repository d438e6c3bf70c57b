package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/vision/internal/config"
	"github.com/born-ml/vision/internal/shaders"
)

// isolate keeps the commands away from any vision.yaml on the machine.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// quiet keeps test output free of log lines.
const quiet = `
logging:
  level: error
  console: false
`

func execute(t *testing.T, ctx context.Context, a *app, args ...string) (string, error) {
	t.Helper()
	if a.compile == nil {
		a.compile = func(wgsl string) ([]byte, error) { return []byte(wgsl), nil }
	}
	cmd := newRootCommand(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, context.Background(), &app{}, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "vision "+Version)
	assert.Contains(t, out, "go: ")
	assert.NotContains(t, out, "webgpu:")
}

func TestRootHelp(t *testing.T) {
	out, err := execute(t, context.Background(), &app{}, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"run", "serve", "shaders", "config", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestConfigDump(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, quiet+`
subsense:
  model_size: 9
`)
	out, err := execute(t, context.Background(), &app{}, "config", "dump", "--config", path)
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, 9, cfg.Subsense.ModelSize)
	assert.Equal(t, "software", cfg.Backend)
	assert.Len(t, cfg.Channels, 1)
}

func TestConfigDump_BackendFlag(t *testing.T) {
	isolate(t)
	_, err := execute(t, context.Background(), &app{}, "config", "dump", "--backend", "cuda")
	assert.Error(t, err)

	out, err := execute(t, context.Background(), &app{}, "config", "dump", "--backend", "webgpu")
	require.NoError(t, err)
	assert.Contains(t, out, "backend: webgpu")
}

func TestRun(t *testing.T) {
	dir := isolate(t)
	frames := filepath.Join(dir, "out")
	path := writeConfig(t, dir, quiet+`
workers: 2
subsense:
  model_size: 4
channels:
  - index: 0
    source: {kind: synthetic, width: 8, height: 6, frames: 5, object: true}
    sink: {kind: dir, path: `+frames+`, format: png}
    filters: [subsense, blur]
  - index: 1
    source: {kind: synthetic, width: 4, height: 4, frames: 2}
    sink: {kind: discard}
    filters: []
`)

	out, err := execute(t, context.Background(), &app{}, "run", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "channel 0 [subsense blur]: 5 frames (4 bootstrap), 0 errors")
	assert.Contains(t, out, "channel 1 []: 2 frames (0 bootstrap), 0 errors")

	files, err := filepath.Glob(filepath.Join(frames, "00_*.png"))
	require.NoError(t, err)
	assert.Len(t, files, 5)
}

func TestRun_ChannelFailure(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, quiet+`
channels:
  - index: 0
    source: {kind: dir, path: `+filepath.Join(dir, "missing")+`}
    sink: {kind: discard}
`)
	_, err := execute(t, context.Background(), &app{}, "run", "--config", path)
	assert.Error(t, err)
}

func TestRun_InvalidConfig(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, quiet+`
workers: -1
`)
	_, err := execute(t, context.Background(), &app{}, "run", "--config", path)
	assert.Error(t, err)

	_, err = execute(t, context.Background(), &app{}, "run", "extra")
	assert.Error(t, err, "run takes no arguments")
}

func TestServe_StopsOnCancel(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, quiet+`
server:
  address: 127.0.0.1:0
  reset_schedule: "@every 1h"
channels:
  - index: 0
    source: {kind: synthetic, width: 4, height: 4, frames: 0}
    sink: {kind: latest}
    filters: [subsense]
`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := execute(t, ctx, &app{}, "serve", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "channel 0 [subsense]")
}

func TestServe_InvalidSchedule(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, quiet+`
server:
  reset_schedule: "whenever"
`)
	_, err := execute(t, context.Background(), &app{}, "serve", "--config", path, "--address", "127.0.0.1:0")
	assert.Error(t, err)
}

func TestShaders(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, quiet)
	out := filepath.Join(dir, "spv")

	stdout, err := execute(t, context.Background(), &app{}, "shaders", "--config", path, "-o", out, "-j", "2")
	require.NoError(t, err)
	assert.Contains(t, stdout, "variants")

	m, err := shaders.ReadManifest(out)
	require.NoError(t, err)
	assert.Equal(t, 64, m.WorkgroupSize)
	assert.NotEmpty(t, m.Entries)

	stdout, err = execute(t, context.Background(), &app{}, "shaders", "--verify", "-o", out)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, fmt.Sprintf("%d variants verified", len(m.Entries))))
}

func TestShaders_CompileError(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, quiet)
	boom := errors.New("no SPIR-V for you")
	a := &app{compile: func(string) ([]byte, error) { return nil, boom }}

	_, err := execute(t, context.Background(), a, "shaders", "--config", path, "-o", filepath.Join(dir, "spv"))
	assert.ErrorIs(t, err, boom)
}

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "vision", cmd.Name())
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("backend"))
}
