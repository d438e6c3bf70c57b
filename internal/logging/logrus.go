package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Options configures the CLI log sink.
type Options struct {
	Level   string // debug, info, warn or error
	File    string // optional log file, appended to
	Console bool   // also write to stderr
}

// NewLogrus builds a logrus logger from opts. The returned closer releases
// the log file, if any.
func NewLogrus(opts Options) (*logrus.Logger, io.Closer, error) {
	log := logrus.New()

	lvl, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	var writers []io.Writer
	if opts.Console {
		writers = append(writers, os.Stderr)
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		writers = append(writers, f)
		closer = f
	}

	switch len(writers) {
	case 0:
		log.SetOutput(io.Discard)
	case 1:
		log.SetOutput(writers[0])
	default:
		log.SetOutput(io.MultiWriter(writers...))
	}

	return log, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// LogrusHandler is a slog.Handler that forwards records to a logrus logger,
// so library output lands in the same sink as the CLI's own messages.
type LogrusHandler struct {
	log    *logrus.Logger
	fields logrus.Fields
	group  string
}

// NewLogrusHandler returns a handler writing to log.
func NewLogrusHandler(log *logrus.Logger) *LogrusHandler {
	return &LogrusHandler{log: log, fields: logrus.Fields{}}
}

// Enabled reports whether the logrus level admits level.
func (h *LogrusHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.log.IsLevelEnabled(toLogrusLevel(level))
}

// Handle writes r with the handler's accumulated attributes.
func (h *LogrusHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make(logrus.Fields, len(h.fields)+r.NumAttrs())
	for k, v := range h.fields {
		fields[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		h.addAttr(fields, h.group, a)
		return true
	})
	h.log.WithFields(fields).Log(toLogrusLevel(r.Level), r.Message)
	return nil
}

// WithAttrs returns a handler that adds attrs to every record.
func (h *LogrusHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	for _, a := range attrs {
		next.addAttr(next.fields, next.group, a)
	}
	return next
}

// WithGroup returns a handler that prefixes subsequent keys with name.
func (h *LogrusHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	if next.group != "" {
		next.group += "." + name
	} else {
		next.group = name
	}
	return next
}

func (h *LogrusHandler) clone() *LogrusHandler {
	fields := make(logrus.Fields, len(h.fields))
	for k, v := range h.fields {
		fields[k] = v
	}
	return &LogrusHandler{log: h.log, fields: fields, group: h.group}
}

func (h *LogrusHandler) addAttr(fields logrus.Fields, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.addAttr(fields, key, ga)
		}
		return
	}
	fields[key] = a.Value.Any()
}

func toLogrusLevel(level slog.Level) logrus.Level {
	switch {
	case level >= slog.LevelError:
		return logrus.ErrorLevel
	case level >= slog.LevelWarn:
		return logrus.WarnLevel
	case level >= slog.LevelInfo:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}
