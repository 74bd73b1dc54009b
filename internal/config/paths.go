package config

import (
	"os"
	"path/filepath"
)

// DefaultConfigPath returns the default config file location,
// ~/.quotewire/config.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".quotewire", "config.yaml"), nil
}

// EnsureConfigDir creates the directory holding path if needed.
func EnsureConfigDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0700)
}
