package chat

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatalf("missing config must not error: %v", err)
	}
	if cfg.MaxThreads != 20 || cfg.DebounceMs != 1000 || cfg.SettleDelayMs != 750 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfigClampsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	body := "max_threads: -3\ndebounce_ms: 0\nstorage_root: \"\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxThreads != 20 || cfg.DebounceMs != 1000 {
		t.Fatalf("invalid values must fall back to defaults: %+v", cfg)
	}
	if cfg.StorageRoot == "" {
		t.Fatalf("empty storage root must fall back to the default")
	}
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("max_threads: [oops"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSaveConfigRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yml")
	want := DefaultConfig()
	want.MaxThreads = 5
	want.DebounceMs = 250

	if err := SaveConfig(want, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.MaxThreads != 5 || got.DebounceMs != 250 {
		t.Fatalf("config did not round-trip: %+v", got)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Config{DebounceMs: 1000, SettleDelayMs: 750, ToolTimeoutSec: 30}
	if cfg.DebounceInterval() != time.Second {
		t.Fatalf("unexpected debounce interval")
	}
	if cfg.SettleDelay() != 750*time.Millisecond {
		t.Fatalf("unexpected settle delay")
	}
	if cfg.ToolTimeout() != 30*time.Second {
		t.Fatalf("unexpected tool timeout")
	}
}
