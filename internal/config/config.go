package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir  string `json:"dataDir" yaml:"dataDir"`
	HTTPAddr string `json:"httpAddr" yaml:"httpAddr"`

	// Fsync is one of "always", "interval", "never".
	Fsync           string `json:"fsync" yaml:"fsync"`
	FsyncIntervalMs int    `json:"fsyncIntervalMs" yaml:"fsyncIntervalMs"`

	// Backlog retention. Zero disables the respective bound.
	MaxBacklogSize  int   `json:"maxBacklogSize" yaml:"maxBacklogSize"`
	MaxBacklogAgeMs int64 `json:"maxBacklogAgeMs" yaml:"maxBacklogAgeMs"`

	LongPollTimeoutMs   int `json:"longPollTimeoutMs" yaml:"longPollTimeoutMs"`
	SweepIntervalMs     int `json:"sweepIntervalMs" yaml:"sweepIntervalMs"`
	MaxWaiters          int `json:"maxWaiters" yaml:"maxWaiters"`
	KeepaliveIntervalMs int `json:"keepaliveIntervalMs" yaml:"keepaliveIntervalMs"`

	// DefaultSite is used when the transport cannot resolve a site.
	DefaultSite string `json:"defaultSite" yaml:"defaultSite"`

	// ChannelFilters maps channel name to a CEL drop expression applied to
	// every delivery on that channel.
	ChannelFilters map[string]string `json:"channelFilters" yaml:"channelFilters"`

	Log LogConfig `json:"log" yaml:"log"`
}

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DataDir:             "data",
		HTTPAddr:            ":8765",
		Fsync:               "always",
		FsyncIntervalMs:     50,
		MaxBacklogSize:      1000,
		MaxBacklogAgeMs:     0,
		LongPollTimeoutMs:   25000,
		SweepIntervalMs:     100,
		MaxWaiters:          0,
		KeepaliveIntervalMs: 60000,
		DefaultSite:         "default",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path
// is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("dataDir must not be empty")
	}
	switch c.Fsync {
	case "always", "interval", "never":
	default:
		return fmt.Errorf("fsync must be always, interval or never, got %q", c.Fsync)
	}
	if c.Fsync == "interval" && c.FsyncIntervalMs <= 0 {
		return fmt.Errorf("fsyncIntervalMs must be positive in interval mode")
	}
	if c.MaxBacklogSize < 0 || c.MaxBacklogAgeMs < 0 {
		return fmt.Errorf("backlog bounds must not be negative")
	}
	if c.LongPollTimeoutMs <= 0 {
		return fmt.Errorf("longPollTimeoutMs must be positive")
	}
	if c.DefaultSite == "" {
		return fmt.Errorf("defaultSite must not be empty")
	}
	return nil
}
