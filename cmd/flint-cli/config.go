// ABOUTME: Configuration loading for flint-cli
// ABOUTME: Loads TOML config from XDG path with environment variable expansion

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

type cliConfig struct {
	Server   serverConfig   `toml:"server"`
	Defaults defaultsConfig `toml:"defaults"`
}

type serverConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

type defaultsConfig struct {
	Channel string `toml:"channel"`
	User    string `toml:"user"`
	Thread  string `toml:"thread"`
}

// defaultConfigPath resolves ~/.config/flint/cli.toml, honoring XDG_CONFIG_HOME.
func defaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "flint", "cli.toml")
}

// loadConfig reads config from the given path, expanding environment
// variables. A missing file is not an error: the CLI runs from flags alone.
func loadConfig(path string) (cliConfig, error) {
	var cfg cliConfig
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}
