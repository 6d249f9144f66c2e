// Package config provides configuration management for the ociwrap CLI.
package config

import (
	"os"
	"path/filepath"
)

// CacheDir returns the ociwrap cache directory.
// Uses XDG_CACHE_HOME/ociwrap, defaulting to ~/.cache/ociwrap.
func CacheDir() (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "ociwrap"), nil
}

// Dir returns the ociwrap config directory.
// Uses XDG_CONFIG_HOME/ociwrap, defaulting to ~/.config/ociwrap.
func Dir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "ociwrap"), nil
}
