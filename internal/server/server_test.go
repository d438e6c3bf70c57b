package server

import (
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/vision/internal/config"
	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/device/software"
	"github.com/born-ml/vision/internal/kernels"
	"github.com/born-ml/vision/internal/pipeline"
	"github.com/born-ml/vision/internal/subsense"
)

type fixture struct {
	srv    *Server
	runner *pipeline.Runner
}

func setup(t *testing.T) *fixture {
	t.Helper()
	reg, err := device.NewRegistry(software.New())
	require.NoError(t, err)
	cache := kernels.NewCache()

	sc := subsense.DefaultConfig()
	sc.ModelSize = 2
	sc.NMatches = 1
	sc.Resolution = 0
	sc.Debug = true

	cfg := config.DefaultConfig()
	cfg.Subsense = sc
	cfg.Channels = []config.ChannelConfig{
		{
			Index:   0,
			Source:  config.SourceConfig{Kind: "synthetic", Width: 8, Height: 6, Frames: 3, Color: subsense.RGB{R: 10, G: 20, B: 30}},
			Sink:    config.SinkConfig{Kind: "latest"},
			Filters: []string{config.FilterSubsense},
		},
		{
			Index:   1,
			Source:  config.SourceConfig{Kind: "synthetic", Width: 4, Height: 4, Frames: 1},
			Sink:    config.SinkConfig{Kind: "discard"},
			Filters: []string{config.FilterBlur},
		},
	}

	runner, err := pipeline.Build(cfg, reg, cache)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = runner.Close()
		cache.Release()
		_ = reg.Close()
	})

	srv, err := New(runner, reg, Options{Address: "127.0.0.1:0", ResetSchedule: "@every 1h"})
	require.NoError(t, err)
	return &fixture{srv: srv, runner: runner}
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	f := setup(t)
	w := f.do(t, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	h := decode[healthResponse](t, w)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "Software (Go)", h.Backend)
	assert.Equal(t, 2, h.Channels)
	assert.Positive(t, h.Device.LiveBuffers, "filter parameters stay resident")
}

func TestChannels(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.runner.Run(context.Background()))

	w := f.do(t, http.MethodGet, "/channels")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[[]pipeline.Stats](t, w)
	require.Len(t, stats, 2)
	assert.Equal(t, uint64(3), stats[0].Frames)
	assert.Equal(t, uint64(2), stats[0].BootstrapFrames)
	assert.Equal(t, []string{config.FilterBlur}, stats[1].Filters)

	w = f.do(t, http.MethodGet, "/channels/1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[pipeline.Stats](t, w).Index)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/channels/9").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/channels/x").Code)
}

func TestControls(t *testing.T) {
	f := setup(t)

	w := f.do(t, http.MethodPost, "/channels/0/stop")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[pipeline.Stats](t, w).Active)

	w = f.do(t, http.MethodPost, "/channels/0/start")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[pipeline.Stats](t, w).Active)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/channels/0/reset").Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/channels/1/reset").Code)

	w = f.do(t, http.MethodPost, "/channels/0/debug/2")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode[map[string]any](t, w)["debug_mode"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/channels/0/debug/99").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/channels/0/debug/x").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/channels/0/debug/-1").Code)
}

func TestLatestFrame(t *testing.T) {
	f := setup(t)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/channels/0/frame.png").Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodGet, "/channels/1/frame.png").Code)

	require.NoError(t, f.runner.Run(context.Background()))

	w := f.do(t, http.MethodGet, "/channels/0/frame.png")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, "3", w.Header().Get("X-Frame-Seq"))

	img, err := png.Decode(w.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 6), img.Bounds())
	r, g, b, _ := img.At(3, 3).RGBA()
	want := subsense.DefaultConfig().Replacement
	assert.Equal(t, []uint32{uint32(want.R), uint32(want.G), uint32(want.B)}, []uint32{r >> 8, g >> 8, b >> 8},
		"the static background is replaced once bootstrap is over")
}

func TestState(t *testing.T) {
	f := setup(t)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/channels/0/state").Code, "no frame yet")

	require.NoError(t, f.runner.Run(context.Background()))
	w := f.do(t, http.MethodGet, "/channels/0/state")
	require.Equal(t, http.StatusOK, w.Code)

	st := decode[stateResponse](t, w)
	assert.Equal(t, 8, st.Width)
	assert.Equal(t, 2, st.ModelIndex)
	assert.Zero(t, st.Foreground)
	assert.GreaterOrEqual(t, st.MeanR, 0.99)
}

func TestScheduledReset(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.runner.Run(context.Background()))
	ch, _ := f.runner.Channel(0)
	require.False(t, ch.Stats().Running)

	f.srv.scheduledReset()
	st, err := ch.Snapshot()
	require.NoError(t, err)
	assert.Zero(t, st.ModelIndex)
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(pipeline.NewRunner(), nil, Options{ResetSchedule: "every tuesday"})
	assert.ErrorIs(t, err, device.ErrInvalidConfig)
}

func TestRun_Shutdown(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Run(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}
