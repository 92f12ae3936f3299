// Package config loads rtsprelay's configuration the way lyrebirdaudio-go
// does: koanf layering a YAML file under environment variables under
// built-in defaults (spec section 6 lists the recognized options).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/rtsprelay/rtsprelay/internal/descriptor"
	"github.com/rtsprelay/rtsprelay/internal/manager"
	"github.com/rtsprelay/rtsprelay/internal/session"
)

// EnvPrefix is the environment variable namespace, e.g. RTSPRELAY_LISTEN_ADDR.
const EnvPrefix = "RTSPRELAY"

// Config is the complete rtsprelay configuration (spec section 6).
type Config struct {
	ListenAddr string `yaml:"listen_addr" koanf:"listen_addr"`

	DefaultTargetFPS   int `yaml:"default_target_fps" koanf:"default_target_fps"`
	DefaultTargetWidth int `yaml:"default_target_width" koanf:"default_target_width"`
	DefaultJPEGQuality int `yaml:"default_jpeg_quality" koanf:"default_jpeg_quality"`

	TransportOrder []string `yaml:"transport_order" koanf:"transport_order"`

	GracePeriodSeconds         int `yaml:"grace_period_seconds" koanf:"grace_period_seconds"`
	FreezeThresholdSeconds     int `yaml:"freeze_threshold_seconds" koanf:"freeze_threshold_seconds"`
	HealthCheckIntervalSeconds int `yaml:"health_check_interval_seconds" koanf:"health_check_interval_seconds"`
	TerminateTimeoutSeconds    int `yaml:"terminate_timeout_seconds" koanf:"terminate_timeout_seconds"`
	SplitterMaxBufferBytes     int `yaml:"splitter_max_buffer_bytes" koanf:"splitter_max_buffer_bytes"`

	FFmpegBinPath string `yaml:"ffmpeg_bin_path" koanf:"ffmpeg_bin_path"`
	LogLevel      string `yaml:"log_level" koanf:"log_level"`
}

// Default returns the spec-mandated defaults (spec section 6).
func Default() Config {
	return Config{
		ListenAddr:                 ":8080",
		DefaultTargetFPS:           15,
		DefaultTargetWidth:         640,
		DefaultJPEGQuality:         1,
		TransportOrder:             []string{"tcp"},
		GracePeriodSeconds:         10,
		FreezeThresholdSeconds:     10,
		HealthCheckIntervalSeconds: 10,
		TerminateTimeoutSeconds:    3,
		SplitterMaxBufferBytes:     1 << 20,
		FFmpegBinPath:              "ffmpeg",
		LogLevel:                   "info",
	}
}

// Load reads configuration from yamlPath (if non-empty) overlaid with
// RTSPRELAY_* environment variables overlaid on Default, then validates it.
// Precedence, highest to lowest: env vars, YAML file, built-in defaults.
func Load(yamlPath string) (*Config, error) {
	k := koanf.New(".")

	def := Default()
	defMap := map[string]interface{}{
		"listen_addr":                   def.ListenAddr,
		"default_target_fps":            def.DefaultTargetFPS,
		"default_target_width":          def.DefaultTargetWidth,
		"default_jpeg_quality":          def.DefaultJPEGQuality,
		"transport_order":               def.TransportOrder,
		"grace_period_seconds":          def.GracePeriodSeconds,
		"freeze_threshold_seconds":      def.FreezeThresholdSeconds,
		"health_check_interval_seconds": def.HealthCheckIntervalSeconds,
		"terminate_timeout_seconds":     def.TerminateTimeoutSeconds,
		"splitter_max_buffer_bytes":     def.SplitterMaxBufferBytes,
		"ffmpeg_bin_path":               def.FFmpegBinPath,
		"log_level":                     def.LogLevel,
	}
	if err := k.Load(confmap.Provider(defMap, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if yamlPath != "" {
		if err := k.Load(file.Provider(yamlPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load yaml file %s: %w", yamlPath, err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: EnvPrefix + "_",
		TransformFunc: func(key, v string) (string, any) {
			key = strings.TrimPrefix(key, EnvPrefix+"_")
			key = strings.ToLower(key)
			if key == "transport_order" {
				return key, strings.Split(v, ",")
			}
			return key, v
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the recognized options against their documented ranges
// (spec section 6).
func (c *Config) Validate() error {
	if c.DefaultTargetFPS <= 0 {
		return fmt.Errorf("default_target_fps must be positive, got %d", c.DefaultTargetFPS)
	}
	if c.DefaultTargetWidth <= 0 {
		return fmt.Errorf("default_target_width must be positive, got %d", c.DefaultTargetWidth)
	}
	if c.DefaultJPEGQuality < 1 || c.DefaultJPEGQuality > 31 {
		return fmt.Errorf("default_jpeg_quality must be in [1,31], got %d", c.DefaultJPEGQuality)
	}
	if len(c.TransportOrder) == 0 {
		return fmt.Errorf("transport_order must not be empty")
	}
	for _, t := range c.TransportOrder {
		if t != "tcp" && t != "udp" {
			return fmt.Errorf("transport_order entries must be tcp or udp, got %q", t)
		}
	}
	if c.GracePeriodSeconds < 2 {
		return fmt.Errorf("grace_period_seconds must be at least 2, got %d", c.GracePeriodSeconds)
	}
	if c.FreezeThresholdSeconds <= 0 {
		return fmt.Errorf("freeze_threshold_seconds must be positive, got %d", c.FreezeThresholdSeconds)
	}
	if c.HealthCheckIntervalSeconds <= 0 {
		return fmt.Errorf("health_check_interval_seconds must be positive, got %d", c.HealthCheckIntervalSeconds)
	}
	if c.TerminateTimeoutSeconds <= 0 {
		return fmt.Errorf("terminate_timeout_seconds must be positive, got %d", c.TerminateTimeoutSeconds)
	}
	if c.SplitterMaxBufferBytes < 100 {
		return fmt.Errorf("splitter_max_buffer_bytes too small, got %d", c.SplitterMaxBufferBytes)
	}
	if c.FFmpegBinPath == "" {
		return fmt.Errorf("ffmpeg_bin_path must not be empty")
	}
	return nil
}

// TransportOrderDescriptors converts the configured transport_order strings
// into descriptor.Transport values.
func (c *Config) TransportOrderDescriptors() []descriptor.Transport {
	out := make([]descriptor.Transport, 0, len(c.TransportOrder))
	for _, t := range c.TransportOrder {
		out = append(out, descriptor.Transport(t))
	}
	return out
}

// SessionTunables derives the internal/session.Tunables the Manager passes
// to every session it creates.
func (c *Config) SessionTunables() session.Tunables {
	return session.Tunables{
		GracePeriod:            time.Duration(c.GracePeriodSeconds) * time.Second,
		TerminateTimeout:       time.Duration(c.TerminateTimeoutSeconds) * time.Second,
		SplitterMaxBufferBytes: c.SplitterMaxBufferBytes,
	}
}

// ManagerConfig derives the internal/manager.Config, threading the
// configured descriptor defaults (target fps/width, JPEG quality,
// transport order) into every session the Manager creates.
func (c *Config) ManagerConfig() manager.Config {
	return manager.Config{
		HealthCheckInterval: time.Duration(c.HealthCheckIntervalSeconds) * time.Second,
		FreezeThreshold:     time.Duration(c.FreezeThresholdSeconds) * time.Second,
		SessionTunables:     c.SessionTunables(),
		DescriptorDefaults: descriptor.StreamDescriptor{
			TargetFPS:      c.DefaultTargetFPS,
			TargetWidth:    c.DefaultTargetWidth,
			JPEGQuality:    c.DefaultJPEGQuality,
			TransportOrder: c.TransportOrderDescriptors(),
		},
	}
}
