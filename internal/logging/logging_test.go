package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"crm_autotask/internal/config"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "engine.log")
	logger, closer, err := New(config.LoggingConfig{Level: "debug", Format: "json", Output: "file", File: path})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Debug("pass started", "run_id", "run-1")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"run_id":"run-1"`) {
		t.Fatalf("expected json record, got %q", data)
	}
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	cases := []config.LoggingConfig{
		{Level: "loud"},
		{Format: "xml"},
		{Output: "syslog"},
		{Output: "file"},
	}
	for _, cfg := range cases {
		if _, _, err := New(cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	logger, closer, err := New(config.LoggingConfig{Level: "warn", Output: "file", File: path})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	_ = closer.Close()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "hidden") || !strings.Contains(string(data), "shown") {
		t.Fatalf("unexpected log contents %q", data)
	}
}
