package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("BindAddr = %q, want 127.0.0.1:18790", cfg.BindAddr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.RoomCacheSize != 256 {
		t.Fatalf("RoomCacheSize = %d, want 256", cfg.RoomCacheSize)
	}
	if cfg.EventBufferSize != 1000 {
		t.Fatalf("EventBufferSize = %d, want 1000", cfg.EventBufferSize)
	}
	if want := filepath.Join(cfg.HomeDir, "relay.db"); cfg.StoragePath != want {
		t.Fatalf("StoragePath = %q, want %q", cfg.StoragePath, want)
	}
	if cfg.Retention.Days != 30 || cfg.Retention.Schedule != "0 3 * * *" {
		t.Fatalf("Retention = %+v, want 30 days nightly", cfg.Retention)
	}
}

func TestLoadFromYAML(t *testing.T) {
	home := t.TempDir()
	yaml := `
bind_addr: "0.0.0.0:9999"
log_level: debug
room_cache_size: 32
event_buffer_size: 500
card_name: custom
retention:
  days: 7
  schedule: "30 2 * * *"
`
	if err := os.WriteFile(ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9999" {
		t.Fatalf("BindAddr = %q, want 0.0.0.0:9999", cfg.BindAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.RoomCacheSize != 32 {
		t.Fatalf("RoomCacheSize = %d, want 32", cfg.RoomCacheSize)
	}
	if cfg.EventBufferSize != 500 {
		t.Fatalf("EventBufferSize = %d, want 500", cfg.EventBufferSize)
	}
	if cfg.CardName != "custom" {
		t.Fatalf("CardName = %q, want custom", cfg.CardName)
	}
	if cfg.Retention.Days != 7 || cfg.Retention.Schedule != "30 2 * * *" {
		t.Fatalf("Retention = %+v, want 7 days at 02:30", cfg.Retention)
	}
}

func TestLoadFromEnforcesFloors(t *testing.T) {
	home := t.TempDir()
	yaml := `
room_cache_size: 1
event_buffer_size: 10
`
	if err := os.WriteFile(ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RoomCacheSize != 4 {
		t.Fatalf("RoomCacheSize = %d, want floor 4", cfg.RoomCacheSize)
	}
	if cfg.EventBufferSize != 100 {
		t.Fatalf("EventBufferSize = %d, want floor 100", cfg.EventBufferSize)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ROOMRELAY_BIND_ADDR", "127.0.0.1:7777")
	t.Setenv("ROOMRELAY_LOG_LEVEL", "warn")
	t.Setenv("ROOMRELAY_STORAGE_PATH", ":memory:")
	t.Setenv("ROOMRELAY_ROOM_CACHE_SIZE", "64")
	t.Setenv("ROOMRELAY_RETENTION_DAYS", "0")

	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7777" {
		t.Fatalf("BindAddr = %q, want env override", cfg.BindAddr)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	if cfg.StoragePath != ":memory:" {
		t.Fatalf("StoragePath = %q, want :memory:", cfg.StoragePath)
	}
	if cfg.RoomCacheSize != 64 {
		t.Fatalf("RoomCacheSize = %d, want 64", cfg.RoomCacheSize)
	}
	if cfg.Retention.Days != 0 {
		t.Fatalf("Retention.Days = %d, want 0 (disabled)", cfg.Retention.Days)
	}
}

func TestHomeDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ROOMRELAY_HOME", dir)
	if got := HomeDir(); got != dir {
		t.Fatalf("HomeDir() = %q, want %q", got, dir)
	}
}

func TestFingerprintStable(t *testing.T) {
	a, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatal("Fingerprint is not deterministic")
	}

	b := a
	b.BindAddr = "127.0.0.1:1"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("Fingerprint did not change with the config")
	}
}
