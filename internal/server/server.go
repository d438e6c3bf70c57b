// Package server exposes the channels of a running pipeline over HTTP:
// health, per-channel stats, background subtraction controls and the latest
// output frame. It also fires scheduled model resets.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/logging"
	"github.com/born-ml/vision/internal/pipeline"
)

// Options configures the server.
type Options struct {
	Address string
	// ResetSchedule is a standard cron expression (or descriptor such as
	// "@every 1h") resetting every background model; empty disables it.
	ResetSchedule string
}

// Server is the control server.
type Server struct {
	opts   Options
	runner *pipeline.Runner
	reg    *device.Registry
	engine *gin.Engine
	cron   *cron.Cron
}

// New returns a server for runner. reg is reported by /healthz.
func New(runner *pipeline.Runner, reg *device.Registry, opts Options) (*Server, error) {
	s := &Server{opts: opts, runner: runner, reg: reg}

	if opts.ResetSchedule != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(opts.ResetSchedule, s.scheduledReset); err != nil {
			return nil, device.Usage("new server", device.ErrInvalidConfig, "reset_schedule %q: %v", opts.ResetSchedule, err)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), requestLogger())
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.health)
	s.engine.GET("/channels", s.listChannels)

	ch := s.engine.Group("/channels/:index")
	ch.GET("", s.getChannel)
	ch.POST("/start", s.control((*pipeline.Channel).Start))
	ch.POST("/stop", s.control((*pipeline.Channel).Stop))
	ch.POST("/reset", s.control((*pipeline.Channel).Reset))
	ch.POST("/debug/:mode", s.setDebugMode)
	ch.GET("/frame.png", s.latestFrame)
	ch.GET("/state", s.state)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Address,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.cron != nil {
		s.cron.Start()
		defer s.cron.Stop()
	}

	errc := make(chan error, 1)
	go func() {
		logging.Logger().Info("control server listening", "address", s.opts.Address)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("control server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control server shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control server: %w", err)
	}
	return nil
}

func (s *Server) scheduledReset() {
	logging.Logger().Info("scheduled background model reset")
	s.runner.Reset()
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Logger().Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func fail(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error()})
}

// status maps control errors onto HTTP status codes.
func status(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrNoSubsense):
		return http.StatusConflict
	case device.IsUsage(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) channel(c *gin.Context) (*pipeline.Channel, bool) {
	i, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("channel index %q", c.Param("index")))
		return nil, false
	}
	ch, ok := s.runner.Channel(i)
	if !ok {
		fail(c, http.StatusNotFound, fmt.Errorf("no channel %d", i))
		return nil, false
	}
	return ch, true
}

type healthResponse struct {
	Status   string       `json:"status"`
	Backend  string       `json:"backend"`
	Channels int          `json:"channels"`
	Device   device.Stats `json:"device"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:   "ok",
		Backend:  s.reg.Name(),
		Channels: len(s.runner.Channels()),
		Device:   s.reg.Stats(),
	})
}

func (s *Server) listChannels(c *gin.Context) {
	chs := s.runner.Channels()
	stats := make([]pipeline.Stats, 0, len(chs))
	for _, ch := range chs {
		stats = append(stats, ch.Stats())
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) getChannel(c *gin.Context) {
	ch, ok := s.channel(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ch.Stats())
}

func (s *Server) control(op func(*pipeline.Channel) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ch, ok := s.channel(c)
		if !ok {
			return
		}
		if err := op(ch); err != nil {
			fail(c, status(err), err)
			return
		}
		c.JSON(http.StatusOK, ch.Stats())
	}
}

func (s *Server) setDebugMode(c *gin.Context) {
	ch, ok := s.channel(c)
	if !ok {
		return
	}
	mode, err := strconv.Atoi(c.Param("mode"))
	if err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("debug mode %q", c.Param("mode")))
		return
	}
	if err := ch.SetDebugMode(mode); err != nil {
		fail(c, status(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"index": ch.Index(), "debug_mode": mode})
}

func (s *Server) latestFrame(c *gin.Context) {
	ch, ok := s.channel(c)
	if !ok {
		return
	}
	latest, ok := ch.Sink().(*pipeline.LatestSink)
	if !ok {
		fail(c, http.StatusConflict, fmt.Errorf("channel %d does not keep frames", ch.Index()))
		return
	}
	img, seq, ok := latest.Latest()
	if !ok {
		fail(c, http.StatusNotFound, fmt.Errorf("channel %d has no frame yet", ch.Index()))
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Header("X-Frame-Seq", strconv.FormatUint(seq, 10))
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

type stateResponse struct {
	Index      int     `json:"index"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	ModelIndex int     `json:"model_index"`
	Foreground float64 `json:"foreground"`
	MeanR      float64 `json:"mean_r"`
	MeanT      float64 `json:"mean_t"`
}

func (s *Server) state(c *gin.Context) {
	ch, ok := s.channel(c)
	if !ok {
		return
	}
	st, err := ch.Snapshot()
	if err != nil {
		fail(c, status(err), err)
		return
	}

	resp := stateResponse{Index: ch.Index(), Width: st.Width, Height: st.Height, ModelIndex: st.ModelIndex}
	if n := len(st.Mask); n > 0 {
		fg := 0
		for _, m := range st.Mask {
			if m != 0 {
				fg++
			}
		}
		resp.Foreground = float64(fg) / float64(n)
		resp.MeanR = mean(st.R)
		resp.MeanT = mean(st.T)
	}
	c.JSON(http.StatusOK, resp)
}

func mean(v []float32) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += float64(x)
	}
	return sum / float64(len(v))
}
