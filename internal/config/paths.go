// ABOUTME: Default filesystem locations for flint state and configuration
// ABOUTME: Follows XDG for config, ~/.flint for data

package config

import (
	"os"
	"path/filepath"
)

// DefaultConfigPath returns the gateway.yaml location:
// $XDG_CONFIG_HOME/flint/gateway.yaml, falling back to
// ~/.config/flint/gateway.yaml.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "flint", "gateway.yaml")
}

// FlintDir returns ~/.flint, the data home for settings and thread state.
func FlintDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".flint" // fallback
	}
	return filepath.Join(homeDir, ".flint")
}

// DefaultSettingsPath returns ~/.flint/settings.json.
func DefaultSettingsPath() string {
	return filepath.Join(FlintDir(), "settings.json")
}

// DefaultStorePath returns ~/.flint/gateway/threads.json.
func DefaultStorePath() string {
	return filepath.Join(FlintDir(), "gateway", "threads.json")
}

// DefaultMemoryDBPath returns ~/.flint/memory.db.
func DefaultMemoryDBPath() string {
	return filepath.Join(FlintDir(), "memory.db")
}
