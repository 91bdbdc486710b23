package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// fileConfig holds the settings that don't map cleanly onto a single
// CLI flag: lists of subprotocols and allowed origins. Scalar settings
// (listen address, buffer sizes, max payload size) are plain cli.Flag
// values, layered over environment variables and the default config
// file (see flags) through cli-altsrc; these list-shaped settings are
// read directly from the TOML file named by --config instead.
type fileConfig struct {
	Subprotocols   []string `toml:"subprotocols"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// loadFileConfig decodes path as TOML into a fileConfig. An empty path,
// or a path that doesn't exist on disk (default or explicit), returns
// the zero value: no subprotocols advertised, no origin allowlist
// enforced. A file that exists but fails to parse is an error.
func loadFileConfig(path string) (fileConfig, error) {
	if path == "" {
		return fileConfig{}, nil
	}

	var cfg fileConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileConfig{}, nil
		}
		return fileConfig{}, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return cfg, nil
}
