package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/dev/socket/mcdaemon", cfg.SocketPath)
	assert.Equal(t, "/dev/mobicore-user", cfg.DevicePath)
	assert.Equal(t, "./mcdriver.db", cfg.JournalPath)
	assert.Equal(t, "info", cfg.LogLevel)

	n, err := cfg.MaxTCIBytes()
	require.NoError(t, err)
	assert.Equal(t, 1<<20, n)
}

func TestLoadYAML(t *testing.T) {
	yamlContent := `
socket_path: "/run/mcdaemon.sock"
device_path: "/dev/mobicore"
max_tci_len: "64KiB"
log_level: "debug"
`
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "test.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0644))

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, "/run/mcdaemon.sock", cfg.SocketPath)
	assert.Equal(t, "/dev/mobicore", cfg.DevicePath)
	// Untouched fields keep their defaults.
	assert.Equal(t, "./mcdriver.db", cfg.JournalPath)

	n, err := cfg.MaxTCIBytes()
	require.NoError(t, err)
	assert.Equal(t, 64*1024, n)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadYAMLMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	// Non-existent file is not an error (silently uses defaults)
	require.NoError(t, err)
	assert.Equal(t, "/dev/socket/mcdaemon", cfg.SocketPath)
}

func TestLoadYAMLInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("{{{{invalid yaml"), 0644))

	_, err := Load(yamlPath)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MCDRIVER_SOCKET_PATH", "/tmp/mc.sock")
	t.Setenv("MCDRIVER_DEVICE_PATH", "/tmp/mc.dev")
	t.Setenv("MCDRIVER_MAX_TCI_LEN", "4k")
	t.Setenv("MCDRIVER_JOURNAL_PATH", "/tmp/journal.db")
	t.Setenv("MCDRIVER_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/mc.sock", cfg.SocketPath)
	assert.Equal(t, "/tmp/mc.dev", cfg.DevicePath)
	assert.Equal(t, "/tmp/journal.db", cfg.JournalPath)

	n, err := cfg.MaxTCIBytes()
	require.NoError(t, err)
	assert.Equal(t, 4096, n)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}

func TestEnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "test.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`socket_path: "/from/yaml"`), 0644))
	t.Setenv("MCDRIVER_SOCKET_PATH", "/from/env")

	cfg, err := Load(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.SocketPath)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"empty socket", func(c *Config) { c.SocketPath = "" }},
		{"empty device", func(c *Config) { c.DevicePath = "" }},
		{"bad size", func(c *Config) { c.MaxTCILen = "lots" }},
		{"bad level", func(c *Config) { c.LogLevel = "chatty" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mod(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMaxTCIBytesEmpty(t *testing.T) {
	cfg := &Config{}
	n, err := cfg.MaxTCIBytes()
	require.NoError(t, err)
	assert.Zero(t, n)
}
