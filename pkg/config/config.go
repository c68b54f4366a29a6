// Package config loads the stage configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unijord/xrfstage/pkg/classify"
)

var (
	ErrNoFitConfig       = errors.New("fit_config path is required")
	ErrNoGeometry        = errors.New("geometry path is required when integration streams are configured")
	ErrNoRowsPath        = errors.New("rows_path is required when integration streams are configured")
	ErrInvalidWorkers    = errors.New("workers must be positive")
	ErrInvalidInterval   = errors.New("flush_interval must be positive")
	ErrInvalidAttempts   = errors.New("final_flush_attempts must be positive")
	ErrInvalidBins       = errors.New("integration bins must not be negative")
	ErrInvalidBufferSize = errors.New("buffer_capacity must not be negative")
)

// Integration holds the radial integration parameters.
type Integration struct {
	Bins      int     `yaml:"bins"`
	MaxRadius float64 `yaml:"max_radius"`
}

// Config is the stage configuration.
type Config struct {
	// Workers is the number of producer goroutines pulling events.
	Workers int `yaml:"workers"`
	// FlushInterval is the period of the flush loop.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// FinalFlushAttempts bounds the retries of the shutdown flush.
	FinalFlushAttempts int `yaml:"final_flush_attempts"`
	// BufferCapacity presizes the sample accumulator.
	BufferCapacity int `yaml:"buffer_capacity"`

	// FitConfig is the path of the fit engine configuration blob.
	FitConfig string `yaml:"fit_config"`
	// Geometry is the path of the detector geometry blob.
	Geometry    string      `yaml:"geometry"`
	Integration Integration `yaml:"integration"`

	// SeriesDir holds the series journal. Empty keeps series in memory.
	SeriesDir string `yaml:"series_dir"`
	// RowsPath is the integration profile array file.
	RowsPath string `yaml:"rows_path"`

	// MetricsAddr serves Prometheus metrics when set, e.g. ":9100".
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`

	Classifier classify.Config `yaml:"classifier"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	return Config{
		Workers:            4,
		FlushInterval:      time.Second,
		FinalFlushAttempts: 3,
		BufferCapacity:     1024,
		Integration:        Integration{Bins: 100},
		LogLevel:           "info",
		Classifier:         classify.DefaultConfig(),
	}
}

// Validate checks the configuration. Blob paths are checked for presence
// only; reading them is the caller's job.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return ErrInvalidWorkers
	}
	if c.FlushInterval <= 0 {
		return ErrInvalidInterval
	}
	if c.FinalFlushAttempts <= 0 {
		return ErrInvalidAttempts
	}
	if c.BufferCapacity < 0 {
		return ErrInvalidBufferSize
	}
	if c.Integration.Bins < 0 {
		return ErrInvalidBins
	}
	if c.FitConfig == "" {
		return ErrNoFitConfig
	}
	if len(c.Classifier.IntegrationStreams) > 0 {
		if c.Geometry == "" {
			return ErrNoGeometry
		}
		if c.RowsPath == "" {
			return ErrNoRowsPath
		}
	}
	if err := c.Classifier.Validate(); err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	return nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}
