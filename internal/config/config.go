package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

type Config struct {
	SocketPath  string `yaml:"socket_path"`
	DevicePath  string `yaml:"device_path"`
	MaxTCILen   string `yaml:"max_tci_len"` // human size, e.g. "1MiB"
	JournalPath string `yaml:"journal_path"`
	LogLevel    string `yaml:"log_level"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		SocketPath:  "/dev/socket/mcdaemon",
		DevicePath:  "/dev/mobicore-user",
		MaxTCILen:   "1MiB",
		JournalPath: "./mcdriver.db",
		LogLevel:    "info",
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MCDRIVER_SOCKET_PATH"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv("MCDRIVER_DEVICE_PATH"); v != "" {
		cfg.DevicePath = v
	}
	if v := os.Getenv("MCDRIVER_MAX_TCI_LEN"); v != "" {
		cfg.MaxTCILen = v
	}
	if v := os.Getenv("MCDRIVER_JOURNAL_PATH"); v != "" {
		cfg.JournalPath = v
	}
	if v := os.Getenv("MCDRIVER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks the fields that are parsed lazily.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path is required")
	}
	if c.DevicePath == "" {
		return fmt.Errorf("device_path is required")
	}
	if _, err := c.MaxTCIBytes(); err != nil {
		return err
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// MaxTCIBytes returns max_tci_len in bytes. An empty value means no limit
// beyond the protocol's own.
func (c *Config) MaxTCIBytes() (int, error) {
	if c.MaxTCILen == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.MaxTCILen)
	if err != nil {
		return 0, fmt.Errorf("max_tci_len: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("max_tci_len: %q must be positive", c.MaxTCILen)
	}
	return int(n), nil
}

// SlogLevel parses log_level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}
