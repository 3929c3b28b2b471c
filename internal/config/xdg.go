package config

import (
	"os"
	"path/filepath"
)

// DefaultConfigPath returns $XDG_CONFIG_HOME/loom/config.yaml, falling back
// to ~/.config/loom/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configHome(), "loom", "config.yaml")
}

// DefaultSQLitePath returns $XDG_DATA_HOME/loom/loom.db, falling back to
// ~/.local/share/loom/loom.db.
func DefaultSQLitePath() string {
	return filepath.Join(dataHome(), "loom", "loom.db")
}

func configHome() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config"
	}
	return filepath.Join(home, ".config")
}

func dataHome() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".local/share"
	}
	return filepath.Join(home, ".local", "share")
}
