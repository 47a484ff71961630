package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"outpost/pkg/dispatch"

	"github.com/pelletier/go-toml/v2"
)

// Config is the on-disk service configuration, stored as TOML at
// $OUTPOST_HOME/config.toml. Zero values fall back to defaults.
type Config struct {
	DefaultAgent string `toml:"default_agent"`
	DefaultModel string `toml:"default_model"`

	Pool struct {
		Candidates int    `toml:"candidates"`
		Manifest   string `toml:"manifest"`
	} `toml:"pool"`

	Spool struct {
		FallbackPollSeconds int `toml:"fallback_poll_seconds"`
	} `toml:"spool"`

	Metrics struct {
		Listen string `toml:"listen"`
	} `toml:"metrics"`

	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DefaultAgent == "" {
		out.DefaultAgent = dispatch.AgentClaude
	}
	if out.Pool.Candidates == 0 {
		out.Pool.Candidates = 5
	}
	if out.Spool.FallbackPollSeconds == 0 {
		out.Spool.FallbackPollSeconds = 30
	}
	if out.Metrics.Listen == "" {
		out.Metrics.Listen = "127.0.0.1:9920"
	}
	if out.Log.Level == "" {
		out.Log.Level = "info"
	}
	if out.Log.Format == "" {
		out.Log.Format = "text"
	}
	return out
}

// LoadConfig reads the TOML config at path. A missing file yields pure
// defaults, so a fresh install works without `outpost init`.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg.withDefaults(), nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg.withDefaults(), nil
}

// WriteDefaultConfig marshals a default Config to path.
func WriteDefaultConfig(path string) error {
	var cfg Config
	resolved := cfg.withDefaults()

	data, err := toml.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
