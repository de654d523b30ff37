package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replay.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
bind = "127.0.0.1:9090"

[stream]
fps = 60
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Bind)
	assert.Equal(t, 60, cfg.Stream.FPS)

	// Omitted fields keep their defaults.
	assert.Equal(t, "/var/lib/replay", cfg.Data.Root)
	assert.Equal(t, 60, cfg.Stream.PlaybackSeconds)
	assert.Equal(t, 5, cfg.Stream.HeartbeatSeconds)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoadRejectsBadTOML(t *testing.T) {
	_, err := Load(writeConfig(t, `[server`))
	assert.Error(t, err)
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		toml string
	}{
		{"fps too low", "[stream]\nfps = 0\n"},
		{"fps too high", "[stream]\nfps = 240\n"},
		{"playback zero", "[stream]\nplayback_seconds = 0\n"},
		{"heartbeat zero", "[stream]\nheartbeat_seconds = 0\n"},
		{"empty data root", "[data]\nroot = \"\"\n"},
		{"empty catalog path", "[catalog]\npath = \"\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.toml))
			assert.Error(t, err)
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, validate(Default()))
}
