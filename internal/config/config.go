// Package config loads the relay configuration from config.yaml under the
// relay home directory, with env overrides and enforced floors on the
// bounded resources.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/basket/roomrelay/internal/otel"
)

// RetentionConfig controls pruning of closed-epoch records. Days <= 0
// disables the sweeper entirely.
type RetentionConfig struct {
	Days     int    `yaml:"days"`
	Schedule string `yaml:"schedule"` // cron expression, default nightly
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// StoragePath is the SQLite database file. Empty derives
	// <home>/relay.db; ":memory:" keeps everything in process.
	StoragePath string `yaml:"storage_path"`

	// RoomCacheSize bounds resident rooms; floor 4.
	RoomCacheSize int `yaml:"room_cache_size"`

	// EventBufferSize is the per-room ring buffer capacity; floor 100.
	EventBufferSize int `yaml:"event_buffer_size"`

	// CardName is the display name on per-room agent cards.
	CardName string `yaml:"card_name"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Retention RetentionConfig `yaml:"retention"`
	OTel      otel.Config     `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		RoomCacheSize:       256,
		EventBufferSize:     1000,
		CardName:            "roomrelay",
		DrainTimeoutSeconds: 5,
		Retention: RetentionConfig{
			Days:     30,
			Schedule: "0 3 * * *",
		},
	}
}

// HomeDir resolves the relay home directory, honoring ROOMRELAY_HOME.
func HomeDir() string {
	if override := os.Getenv("ROOMRELAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".roomrelay")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the relay home (creating the directory if
// needed), applies env overrides, then normalizes floors and defaults. A
// missing config file is not an error; defaults apply.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create relay home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = filepath.Join(cfg.HomeDir, "relay.db")
	}
	if cfg.RoomCacheSize < 4 {
		cfg.RoomCacheSize = 4
	}
	if cfg.EventBufferSize < 100 {
		cfg.EventBufferSize = 100
	}
	if cfg.CardName == "" {
		cfg.CardName = "roomrelay"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "0 3 * * *"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ROOMRELAY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("ROOMRELAY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ROOMRELAY_STORAGE_PATH"); raw != "" {
		cfg.StoragePath = raw
	}
	if raw := os.Getenv("ROOMRELAY_ROOM_CACHE_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RoomCacheSize = v
		}
	}
	if raw := os.Getenv("ROOMRELAY_EVENT_BUFFER_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.EventBufferSize = v
		}
	}
	if raw := os.Getenv("ROOMRELAY_RETENTION_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Retention.Days = v
		}
	}
}

// Fingerprint returns a stable hash of the active config, logged at
// startup so operators can tell which settings a process is running.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|storage=%s|cache=%d|buffer=%d|retention=%d",
		c.BindAddr, c.LogLevel, c.StoragePath, c.RoomCacheSize, c.EventBufferSize, c.Retention.Days)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
