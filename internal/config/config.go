// Package config loads the Henhouse server configuration: built-in
// defaults, optionally overridden by a YAML file on disk, optionally
// overridden again by CLI flags. Values never depend on a running
// server, so the whole thing is a plain struct plus an ordered merge.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// Config is the complete set of tunables for a Henhouse process.
type Config struct {
	IP                string `yaml:"ip"`
	HTTPPort          int    `yaml:"http_port"`
	HTTP2Port         int    `yaml:"http2_port"`
	PutPort           int    `yaml:"put_port"`
	DataDir           string `yaml:"data"`
	QueryWorkers      int    `yaml:"query_workers"`
	DBWorkers         int    `yaml:"db_workers"`
	QueueSize         int    `yaml:"queue_size"`
	CacheSize         int    `yaml:"cache_size"`
	Resolution        uint64 `yaml:"resolution"`
	MaxResponseValues int    `yaml:"max_response_values"`
	LogLevel          string `yaml:"log_level"`
}

// Default returns the built-in configuration, used whenever no config
// file is present and no flag overrides a field.
func Default() Config {
	return Config{
		IP:                "0.0.0.0",
		HTTPPort:          8080,
		HTTP2Port:         8081,
		PutPort:           1900,
		DataDir:           "./data",
		QueryWorkers:      4,
		DBWorkers:         8,
		QueueSize:         1024,
		CacheSize:         128,
		Resolution:        10,
		MaxResponseValues: 10000,
		LogLevel:          "info",
	}
}

// Load reads path as YAML over Default's values. A missing file is not
// an error: it returns the defaults unchanged, matching a fresh
// installation with no config written yet.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// WriteDefault atomically writes the built-in defaults to path, useful
// for bootstrapping a fresh data directory with an editable config file.
// It does not overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	out, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(out)); err != nil {
		return fmt.Errorf("writing default config %s: %w", path, err)
	}

	return nil
}

// Validate checks the invariants the server relies on at startup.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data directory must not be empty")
	}

	if c.Resolution == 0 {
		return fmt.Errorf("resolution must be positive")
	}

	if c.QueryWorkers < 1 {
		return fmt.Errorf("query_workers must be >= 1")
	}

	if c.DBWorkers < 1 {
		return fmt.Errorf("db_workers must be >= 1")
	}

	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be >= 1")
	}

	if c.CacheSize < 1 {
		return fmt.Errorf("cache_size must be >= 1")
	}

	if c.MaxResponseValues < 1 {
		return fmt.Errorf("max_response_values must be >= 1")
	}

	if c.HTTPPort == c.PutPort {
		return fmt.Errorf("http_port and put_port must differ")
	}

	return nil
}
