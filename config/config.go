// Package config loads the YAML configuration of the gojolite tools.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojolite/pkg/connection"
	"github.com/sushant-115/gojolite/pkg/logger"
	"github.com/sushant-115/gojolite/pkg/telemetry"
)

// Config is the root of a configuration file.
type Config struct {
	Database  connection.Options `yaml:"database"`
	Logger    logger.Config      `yaml:"logger"`
	Telemetry telemetry.Config   `yaml:"telemetry"`
	Backup    Backup             `yaml:"backup"`
}

// Backup holds the defaults of the backup command.
type Backup struct {
	// Rate caps backup throughput in bytes per second. Zero is unlimited.
	Rate     int64 `yaml:"rate"`
	Compress bool  `yaml:"compress"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Database: connection.Options{
			BusyTimeout: 5 * time.Second,
			JournalMode: "wal",
			Synchronous: "full",
		},
		Logger: logger.Config{Level: "warn", Format: "console", OutputFile: "stderr"},
		Telemetry: telemetry.Config{
			ServiceName:      "gojolite",
			TraceSampleRatio: 1,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := Decode(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode decodes YAML into cfg, rejecting unknown keys.
func Decode(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return cfg.Validate()
}

// Validate checks values that decoding alone does not.
func (c *Config) Validate() error {
	if c.Database.BusyTimeout < 0 {
		return fmt.Errorf("database.busy_timeout must not be negative")
	}
	if c.Database.CacheSize < 0 {
		return fmt.Errorf("database.cache_size must not be negative")
	}
	if ps := c.Database.PageSize; ps != 0 && (ps < 512 || ps > 65536 || ps&(ps-1) != 0) {
		return fmt.Errorf("database.page_size must be a power of two between 512 and 65536, got %d", ps)
	}
	if c.Telemetry.PrometheusPort < 0 || c.Telemetry.PrometheusPort > 65535 {
		return fmt.Errorf("telemetry.prometheus_port out of range: %d", c.Telemetry.PrometheusPort)
	}
	if c.Backup.Rate < 0 {
		return fmt.Errorf("backup.rate must not be negative")
	}
	return nil
}

// Marshal renders cfg as YAML, e.g. for a starter config file.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
