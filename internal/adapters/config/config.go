package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds mupnp CLI configuration from mupnp.toml.
type Config struct {
	Interfaces []string          `toml:"interfaces"`
	MX         int               `toml:"mx"`
	Target     string            `toml:"search_target"`
	Aliases    map[string]string `toml:"aliases"`
	Defaults   Defaults          `toml:"defaults"`
}

// Defaults defines default device selectors.
type Defaults struct {
	Server   string `toml:"server"`
	Renderer string `toml:"renderer"`
}

// Load loads mupnp.toml if present. Missing file returns an empty config.
func Load() (Config, error) {
	path, err := configPath()
	if err != nil {
		return Config{}, err
	}
	return LoadFile(path)
}

// LoadFile loads the config at path. Missing file returns an empty config.
func LoadFile(path string) (Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{Aliases: map[string]string{}}, nil
		}
		return Config{}, err
	}
	if info.IsDir() {
		return Config{}, errors.New("config path is a directory")
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	if cfg.Aliases == nil {
		cfg.Aliases = map[string]string{}
	}
	return cfg, nil
}

func configPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "mupnp", "mupnp.toml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "mupnp", "mupnp.toml"), nil
}
