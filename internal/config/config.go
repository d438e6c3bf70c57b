// Package config loads the application configuration from defaults, an
// optional YAML file and VISION_ environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/vision/internal/blur"
	"github.com/born-ml/vision/internal/chromakey"
	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/subsense"
)

// Config represents the application configuration.
type Config struct {
	Backend   string           `mapstructure:"backend" yaml:"backend"`
	Workers   int              `mapstructure:"workers" yaml:"workers"`
	Logging   LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Server    ServerConfig     `mapstructure:"server" yaml:"server"`
	Subsense  subsense.Config  `mapstructure:"subsense" yaml:"subsense"`
	Blur      blur.Config      `mapstructure:"blur" yaml:"blur"`
	ChromaKey chromakey.Config `mapstructure:"chroma_key" yaml:"chroma_key"`
	Channels  []ChannelConfig  `mapstructure:"channels" yaml:"channels"`
}

// LoggingConfig configures the CLI log sink.
type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	File    string `mapstructure:"file" yaml:"file"`
	Console bool   `mapstructure:"console" yaml:"console"`
}

// ServerConfig configures the control server.
type ServerConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
	// ResetSchedule is an optional cron expression; every match resets the
	// background model of all channels.
	ResetSchedule string `mapstructure:"reset_schedule" yaml:"reset_schedule"`
}

// ChannelConfig describes one independent stream.
type ChannelConfig struct {
	Index   int          `mapstructure:"index" yaml:"index"`
	Source  SourceConfig `mapstructure:"source" yaml:"source"`
	Sink    SinkConfig   `mapstructure:"sink" yaml:"sink"`
	Filters []string     `mapstructure:"filters" yaml:"filters"`
	// Exclusion is an optional image whose bright pixels are never
	// foreground.
	Exclusion string `mapstructure:"exclusion" yaml:"exclusion"`
}

// SourceConfig selects where frames come from.
type SourceConfig struct {
	Kind   string `mapstructure:"kind" yaml:"kind"` // dir or synthetic
	Path   string `mapstructure:"path" yaml:"path"`
	Loop   bool   `mapstructure:"loop" yaml:"loop"`
	Width  int    `mapstructure:"width" yaml:"width"`
	Height int    `mapstructure:"height" yaml:"height"`
	// Frames bounds a synthetic source; zero runs until cancelled.
	Frames int          `mapstructure:"frames" yaml:"frames"`
	Color  subsense.RGB `mapstructure:"color" yaml:"color"`
	Object bool         `mapstructure:"object" yaml:"object"`
	Noise  int          `mapstructure:"noise" yaml:"noise"`
}

// SinkConfig selects where filtered frames go.
type SinkConfig struct {
	Kind   string `mapstructure:"kind" yaml:"kind"` // dir, latest or discard
	Path   string `mapstructure:"path" yaml:"path"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Filter names accepted in ChannelConfig.Filters.
const (
	FilterSubsense  = "subsense"
	FilterBlur      = "blur"
	FilterChromaKey = "chroma_key"
)

// DefaultConfig returns configuration with default values: one synthetic
// channel through the background subtractor into the latest-frame sink.
func DefaultConfig() *Config {
	return &Config{
		Backend: "software",
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
		Server: ServerConfig{
			Address: "127.0.0.1:8080",
		},
		Subsense:  subsense.DefaultConfig(),
		Blur:      blur.DefaultConfig(),
		ChromaKey: chromakey.DefaultConfig(),
		Channels: []ChannelConfig{{
			Index: 0,
			Source: SourceConfig{
				Kind:   "synthetic",
				Width:  320,
				Height: 240,
				Frames: 100,
				Color:  subsense.RGB{R: 40, G: 80, B: 120},
				Object: true,
			},
			Sink:    SinkConfig{Kind: "latest", Format: "png"},
			Filters: []string{FilterSubsense},
		}},
	}
}

// Load loads configuration from file, environment, and defaults. An empty
// cfgFile looks for vision.yaml in the working directory and in
// $HOME/.vision; a missing file is not an error.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	cfg := DefaultConfig()
	defaults, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".vision"))
		}
		v.SetConfigName("vision")
	}

	v.SetEnvPrefix("VISION")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// The defaults are already in v; a fresh value keeps file lists from
	// merging element-wise into the default channels.
	cfg = &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Logging.File = expandPath(cfg.Logging.File)
	for i := range cfg.Channels {
		cfg.Channels[i].Source.Path = expandPath(cfg.Channels[i].Source.Path)
		cfg.Channels[i].Sink.Path = expandPath(cfg.Channels[i].Sink.Path)
		cfg.Channels[i].Exclusion = expandPath(cfg.Channels[i].Exclusion)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration. Errors wrap device.ErrInvalidConfig.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return device.Usage("validate config", device.ErrInvalidConfig, format, args...)
	}

	if !contains([]string{"software", "webgpu"}, c.Backend) {
		return invalid("backend %q must be software or webgpu", c.Backend)
	}
	if c.Workers < 0 {
		return invalid("workers %d must not be negative", c.Workers)
	}
	if !contains([]string{"debug", "info", "warn", "error"}, c.Logging.Level) {
		return invalid("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	if err := c.Subsense.Validate(); err != nil {
		return err
	}
	if err := c.Blur.Validate(); err != nil {
		return err
	}
	if err := c.ChromaKey.Validate(); err != nil {
		return err
	}

	seen := make(map[int]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Index < 0 || seen[ch.Index] {
			return invalid("channel index %d must be unique and not negative", ch.Index)
		}
		seen[ch.Index] = true
		if err := ch.validate(); err != nil {
			return invalid("channel %d: %v", ch.Index, err)
		}
	}
	return nil
}

func (ch ChannelConfig) validate() error {
	switch ch.Source.Kind {
	case "dir":
		if ch.Source.Path == "" {
			return errors.New("dir source needs a path")
		}
	case "synthetic":
		if ch.Source.Width <= 0 || ch.Source.Height <= 0 {
			return fmt.Errorf("synthetic source size %dx%d", ch.Source.Width, ch.Source.Height)
		}
		if ch.Source.Frames < 0 || ch.Source.Noise < 0 {
			return errors.New("synthetic frames and noise must not be negative")
		}
	default:
		return fmt.Errorf("source kind %q must be dir or synthetic", ch.Source.Kind)
	}

	switch ch.Sink.Kind {
	case "dir":
		if ch.Sink.Path == "" {
			return errors.New("dir sink needs a path")
		}
		if !contains([]string{"", "png", "bmp", "jpg"}, ch.Sink.Format) {
			return fmt.Errorf("sink format %q must be png, bmp or jpg", ch.Sink.Format)
		}
	case "latest", "discard":
	default:
		return fmt.Errorf("sink kind %q must be dir, latest or discard", ch.Sink.Kind)
	}

	for _, f := range ch.Filters {
		if !contains([]string{FilterSubsense, FilterBlur, FilterChromaKey}, f) {
			return fmt.Errorf("unknown filter %q", f)
		}
	}
	return nil
}

// Channel returns the configuration of the channel with index i.
func (c *Config) Channel(i int) (ChannelConfig, bool) {
	for _, ch := range c.Channels {
		if ch.Index == i {
			return ch, true
		}
	}
	return ChannelConfig{}, false
}

// Dump writes c as YAML.
func (c *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return enc.Close()
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
