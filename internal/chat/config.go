package chat

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	StorageRoot    string `yaml:"storage_root"`
	MaxThreads     int    `yaml:"max_threads"`
	DebounceMs     int    `yaml:"debounce_ms"`
	SettleDelayMs  int    `yaml:"settle_delay_ms"`
	MaxTitleLength int    `yaml:"max_title_length"`
	ToolTimeoutSec int    `yaml:"tool_timeout_sec"`
}

func DefaultConfig() Config {
	return Config{
		StorageRoot:    DefaultStorageRoot(),
		MaxThreads:     20,
		DebounceMs:     1000,
		SettleDelayMs:  750,
		MaxTitleLength: 120,
		ToolTimeoutSec: 30,
	}
}

func DefaultStorageRoot() string {
	if base := os.Getenv("XDG_DATA_HOME"); base != "" {
		return filepath.Join(base, "chatdesk", "storage")
	}
	if base, err := os.UserHomeDir(); err == nil && base != "" {
		return filepath.Join(base, ".local", "share", "chatdesk", "storage")
	}
	return filepath.Join(os.TempDir(), "chatdesk", "storage")
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.StorageRoot == "" {
		cfg.StorageRoot = DefaultStorageRoot()
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = 20
	}
	if cfg.DebounceMs <= 0 {
		cfg.DebounceMs = 1000
	}
	if cfg.SettleDelayMs <= 0 {
		cfg.SettleDelayMs = 750
	}
	if cfg.MaxTitleLength <= 0 {
		cfg.MaxTitleLength = 120
	}
	if cfg.ToolTimeoutSec <= 0 {
		cfg.ToolTimeoutSec = 30
	}
	return cfg, nil
}

func SaveConfig(cfg Config, path string) error {
	if path == "" {
		return errors.New("no path provided for config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "chatdesk", "config.yml")
}

func (c Config) DebounceInterval() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

func (c Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMs) * time.Millisecond
}

func (c Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSec) * time.Second
}
