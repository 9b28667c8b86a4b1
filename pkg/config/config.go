package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/tactivo/internal/lifecycle"
	"github.com/srg/tactivo/internal/notify"
	"gopkg.in/yaml.v3"
)

// Output formats understood by the CLI.
const (
	FormatTable = "table"
	FormatJSON  = "json"
)

// Config holds application configuration
type Config struct {
	LogLevel         logrus.Level  `json:"log_level" yaml:"log_level"`
	GraceWindow      time.Duration `json:"grace_window" yaml:"grace_window" default:"3s"`
	QueueCapacity    uint32        `json:"queue_capacity" yaml:"queue_capacity" default:"64"`
	SubscriberBuffer int           `json:"subscriber_buffer" yaml:"subscriber_buffer" default:"16"`
	StopTimeout      time.Duration `json:"stop_timeout" yaml:"stop_timeout" default:"5s"`
	OutputFormat     string        `json:"output_format" yaml:"output_format" default:"table"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{LogLevel: logrus.InfoLevel}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML configuration file over the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	if c.GraceWindow <= 0 {
		return fmt.Errorf("grace_window must be positive, got %s", c.GraceWindow)
	}
	if c.QueueCapacity == 0 || c.QueueCapacity > notify.MaxCapacity {
		return fmt.Errorf("queue_capacity must be between 1 and %d, got %d", notify.MaxCapacity, c.QueueCapacity)
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber_buffer must be positive, got %d", c.SubscriberBuffer)
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("stop_timeout must be positive, got %s", c.StopTimeout)
	}
	switch c.OutputFormat {
	case FormatTable, FormatJSON:
	default:
		return fmt.Errorf("output_format must be %q or %q, got %q", FormatTable, FormatJSON, c.OutputFormat)
	}
	return nil
}

// LifecycleOptions returns the lifecycle manager settings.
func (c *Config) LifecycleOptions() *lifecycle.Options {
	return &lifecycle.Options{GraceWindow: c.GraceWindow}
}

// QueueOptions returns the notification queue settings.
func (c *Config) QueueOptions() *notify.Options {
	return &notify.Options{
		Capacity:         c.QueueCapacity,
		SubscriberBuffer: c.SubscriberBuffer,
		StopTimeout:      c.StopTimeout,
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
