package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"crm_autotask/internal/client"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	body := "[engine]\ndb_path = \"" + filepath.ToSlash(filepath.Join(dir, "engine.db")) + "\"\n\n[logging]\noutput = \"discard\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSeedThenAnalyze(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	fixture := filepath.Join("..", "..", "internal", "fixtures", "testdata", "seed.yaml")

	out, err := run(t, "--config", cfgPath, "seed", "--file", fixture)
	if err != nil {
		t.Fatalf("seed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "seeded 3 resellers and 3 agents") {
		t.Fatalf("unexpected seed output %q", out)
	}

	out, err = run(t, "--config", cfgPath, "analyze")
	if err != nil {
		t.Fatalf("analyze: %v\n%s", err, out)
	}
	var report client.GapReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode analyze output: %v\n%s", err, out)
	}
	if report.GapsIdentified == 0 || report.GapsIdentified != len(report.Details) {
		t.Fatalf("unexpected gap report %+v", report)
	}
	if report.Details[0].ResellerID != "r-telegram-lapsed" {
		t.Fatalf("lapsed reseller should lead the report, got %s", report.Details[0].ResellerID)
	}
}

func TestSeedRequiresFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := run(t, "--config", writeConfig(t, dir), "seed"); err == nil {
		t.Fatalf("expected missing --file error")
	}
}
