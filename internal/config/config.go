// Package config handles loading, defaulting, and validation of the replayd
// TOML configuration file. Every section maps to a typed struct so the rest
// of the codebase gets strong typing without manual key lookups.
package config

import (
	"errors"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration, mirroring the TOML sections.
type Config struct {
	Data    DataConfig    `toml:"data"    json:"data"`
	Catalog CatalogConfig `toml:"catalog" json:"catalog"`
	Logging LoggingConfig `toml:"logging" json:"logging"`
	Server  ServerConfig  `toml:"server"  json:"server"`
	Stream  StreamConfig  `toml:"stream"  json:"stream"`
}

type DataConfig struct {
	// Root is the directory holding run artifacts (equity/orders files).
	Root string `toml:"root" json:"root"`
}

type CatalogConfig struct {
	// Path is the sqlite database holding the run catalog.
	Path string `toml:"path" json:"path"`
}

type LoggingConfig struct {
	Level string `toml:"level" json:"level"`
}

type ServerConfig struct {
	Bind string `toml:"bind" json:"bind"`
}

// StreamConfig controls the server-side frame pacing policy.
type StreamConfig struct {
	// FPS is the target frame emission rate per second of wall time.
	FPS int `toml:"fps" json:"fps"`
	// PlaybackSeconds is the wall-clock length a full run is compressed
	// into; the decimation stride follows from this and FPS.
	PlaybackSeconds int `toml:"playback_seconds" json:"playback_seconds"`
	// HeartbeatSeconds is the liveness interval while no frame is due.
	HeartbeatSeconds int `toml:"heartbeat_seconds" json:"heartbeat_seconds"`
}

// Default returns a Config populated with sane defaults. Values here are
// used whenever the TOML file omits a field.
func Default() Config {
	return Config{
		Data: DataConfig{
			Root: "/var/lib/replay",
		},
		Catalog: CatalogConfig{
			Path: "/var/lib/replay/catalog.sqlite",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Bind: "0.0.0.0:8080",
		},
		Stream: StreamConfig{
			FPS:              30,
			PlaybackSeconds:  60,
			HeartbeatSeconds: 5,
		},
	}
}

// Load reads the TOML file at path, layers it on top of the defaults, and
// validates the result. An error is returned if the file can't be read,
// parsed, or if any constraint is violated.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Data.Root == "" {
		return errors.New("data.root must not be empty")
	}
	if cfg.Catalog.Path == "" {
		return errors.New("catalog.path must not be empty")
	}
	if cfg.Stream.FPS < 1 || cfg.Stream.FPS > 120 {
		return errors.New("stream.fps must be between 1 and 120")
	}
	if cfg.Stream.PlaybackSeconds < 1 {
		return errors.New("stream.playback_seconds must be >= 1")
	}
	if cfg.Stream.HeartbeatSeconds < 1 {
		return errors.New("stream.heartbeat_seconds must be >= 1")
	}
	return nil
}
