package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// OutpostDir is the state directory under the user's home.
const OutpostDir = ".outpost"

// Paths holds all resolved outpost state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	OutpostHome string // ~/.outpost or OUTPOST_HOME
	StateDBPath string // state.db or OUTPOST_DB_PATH
	SpoolDir    string // spool/ or OUTPOST_SPOOL_DIR
	ConfigPath  string // config.toml or OUTPOST_CONFIG_PATH
}

// ResolvePaths returns all outpost paths, respecting env var overrides.
// Environment variables:
//   - OUTPOST_HOME: base directory for all outpost state (default: ~/.outpost)
//   - OUTPOST_DB_PATH: state database (default: $OUTPOST_HOME/state.db)
//   - OUTPOST_SPOOL_DIR: event spool directory (default: $OUTPOST_HOME/spool)
//   - OUTPOST_CONFIG_PATH: config file (default: $OUTPOST_HOME/config.toml)
//
// If OUTPOST_HOME is set, it becomes the base for all default paths.
// Specific env vars override both the default and the OUTPOST_HOME base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveOutpostHome()
	if err != nil {
		return nil, err
	}

	return &Paths{
		OutpostHome: home,
		StateDBPath: resolvePathWithEnv("OUTPOST_DB_PATH", home, "state.db"),
		SpoolDir:    resolvePathWithEnv("OUTPOST_SPOOL_DIR", home, "spool"),
		ConfigPath:  resolvePathWithEnv("OUTPOST_CONFIG_PATH", home, "config.toml"),
	}, nil
}

// resolveOutpostHome returns the base directory from OUTPOST_HOME or ~/.outpost.
func resolveOutpostHome() (string, error) {
	if v := os.Getenv("OUTPOST_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, OutpostDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
