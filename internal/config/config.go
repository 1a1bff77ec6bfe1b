package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional chainmap configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
	Helpers  HelpersConfig  `toml:"helpers"`
}

// DefaultsConfig holds persistent flag defaults.
type DefaultsConfig struct {
	Device         *string `toml:"device"`
	ExportName     *string `toml:"export_name"`
	Listen         *string `toml:"listen"`
	Port           *int    `toml:"port"`
	Threads        *int    `toml:"threads"`
	BlockSize      *string `toml:"block_size"`
	AttachAttempts *int    `toml:"attach_attempts"`
	AttachBackoff  *string `toml:"attach_backoff"`
	BWLimit        *string `toml:"bwlimit"`
}

// HelpersConfig overrides the external executables.
type HelpersConfig struct {
	ExportServer *string `toml:"export_server"`
	ExportPlugin *string `toml:"export_plugin"`
	AttachHelper *string `toml:"attach_helper"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "chainmap", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}
	return LoadFile(path)
}

// LoadFile reads the config file at path; a missing file yields a zero
// Config.
func LoadFile(path string) (Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}
