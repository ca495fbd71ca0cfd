package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	configContent := `
[engine]
addr = ":9000"
execution_interval_minutes = 15

[gap]
recency_weight = 0.5

[assignment.due_offset_days]
low = 10

[progression]
quality_bonus = [0, 1, 2, 3, 4, 5]
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Engine.Addr != ":9000" {
		t.Errorf("expected addr ':9000', got '%s'", cfg.Engine.Addr)
	}
	if cfg.Engine.ExecutionIntervalMinutes != 15 {
		t.Errorf("expected interval 15, got %d", cfg.Engine.ExecutionIntervalMinutes)
	}
	if cfg.Gap.RecencyWeight != 0.5 {
		t.Errorf("expected recency weight 0.5, got %v", cfg.Gap.RecencyWeight)
	}
	if cfg.Gap.TrendWeight != 0.4 {
		t.Errorf("expected default trend weight 0.4, got %v", cfg.Gap.TrendWeight)
	}
	if cfg.Assignment.DueOffsetDays["low"] != 10 {
		t.Errorf("expected low offset 10, got %d", cfg.Assignment.DueOffsetDays["low"])
	}
	if cfg.Assignment.DueOffsetDays["high"] != 1 {
		t.Errorf("expected default high offset 1, got %d", cfg.Assignment.DueOffsetDays["high"])
	}
	if got := cfg.Progression.QualityBonus[5]; got != 5 {
		t.Errorf("expected overridden quality bonus 5, got %d", got)
	}
	if cfg.Raw["engine"] == nil {
		t.Errorf("expected raw engine section")
	}
}

func TestLoadConfigWithDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Engine.ExecutionIntervalMinutes != 30 {
		t.Errorf("expected default interval 30, got %d", cfg.Engine.ExecutionIntervalMinutes)
	}
	if len(cfg.Progression.LevelThresholds) != 5 {
		t.Errorf("expected 5 level thresholds, got %d", len(cfg.Progression.LevelThresholds))
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for explicit missing config")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := DefaultConfig()
	cfg.Engine.ExecutionIntervalMinutes = 7
	if err := Save(configPath, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("load saved config: %v", err)
	}
	if loaded.Engine.ExecutionIntervalMinutes != 7 {
		t.Fatalf("interval=%d want=7", loaded.Engine.ExecutionIntervalMinutes)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte("[engine]\nexecution_interval_minutes = 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan Config, 4)
	if err := Watch(ctx, configPath, slog.New(slog.NewTextHandler(io.Discard, nil)), func(cfg Config) {
		reloaded <- cfg
	}); err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := os.WriteFile(configPath, []byte("[engine]\nexecution_interval_minutes = 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Engine.ExecutionIntervalMinutes != 9 {
			t.Fatalf("reloaded interval=%d want=9", cfg.Engine.ExecutionIntervalMinutes)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for config reload")
	}
}
