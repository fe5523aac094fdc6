// Package config loads the server configuration from an optional TOML
// file, with PROTODAP_* environment variables taking precedence, and
// supports live reload of the log level through a file watcher.
package config

import (
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Config holds the server settings.
type Config struct {
	// SkipRedundantPauses suppresses re-checking a breakpoint on the
	// step the engine is already paused on.
	SkipRedundantPauses bool `toml:"skip_redundant_pauses"`

	// LogLevel is a logrus level name.
	LogLevel string `toml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SkipRedundantPauses: true,
		LogLevel:            "info",
	}
}

// Load reads the TOML file at path over the defaults and applies
// environment overrides. An empty path or a missing file yields the
// defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, errors.Wrapf(err, "reading config file %s", path)
			}
		} else if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parsing config file %s", path)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PROTODAP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PROTODAP_SKIP_REDUNDANT_PAUSES"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.SkipRedundantPauses = parsed
		}
	}
}
