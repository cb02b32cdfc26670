package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ferro-labs/fluxguard"
	"github.com/ferro-labs/fluxguard/internal/fluxai"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("FLUXGUARD_CONFIG", "")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fluxguard.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestValidateCommand(t *testing.T) {
	path := writeConfig(t, `
flux_ai:
  base_url: https://flux.example.com
cache:
  operations:
    get_file:
      enabled: true
      ttl: 10m
`)
	out, err := runCLI(t, "validate", path)
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Config is valid") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "get_file (10m)") {
		t.Errorf("expected get_file policy in output, got %q", out)
	}
}

func TestValidateCommand_RejectsWriteCaching(t *testing.T) {
	path := writeConfig(t, `
cache:
  operations:
    upload_file:
      enabled: true
`)
	if _, err := runCLI(t, "validate", path); err == nil {
		t.Fatal("expected validation error for cached write operation")
	}
}

func TestKeyCommand(t *testing.T) {
	out, err := runCLI(t, "key", "get_file", "abc")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	want := fluxguard.KeyFor(fluxai.OpGetFile, "abc")
	if strings.TrimSpace(out) != want {
		t.Errorf("key = %q, want %q", strings.TrimSpace(out), want)
	}
}

func TestKeyCommand_UnknownOperation(t *testing.T) {
	if _, err := runCLI(t, "key", "rename_file"); err == nil {
		t.Fatal("expected error for unknown operation")
	}
}

func TestStatsAndCleanupCommands(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
cache:
  volatile:
    driver: none
  persistent:
    driver: sqlite
    dsn: `+filepath.Join(dir, "cache.db")+`
`)

	out, err := runCLI(t, "--config", path, "--json", "stats")
	if err != nil {
		t.Fatalf("stats: %v\n%s", err, out)
	}
	if !strings.Contains(out, `"total_entries": 0`) {
		t.Errorf("stats output = %q", out)
	}

	out, err = runCLI(t, "--config", path, "cleanup")
	if err != nil {
		t.Fatalf("cleanup: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Removed 0 expired entries") {
		t.Errorf("cleanup output = %q", out)
	}

	out, err = runCLI(t, "--config", path, "invalidate", fluxguard.KeyFor(fluxai.OpListFiles))
	if err != nil {
		t.Fatalf("invalidate: %v\n%s", err, out)
	}
}

func TestLogsCommand_NotConfigured(t *testing.T) {
	_, err := runCLI(t, "logs")
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("err = %v, want not configured", err)
	}
}

func TestLogsCommand_Empty(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
call_log:
  driver: sqlite
  dsn: `+filepath.Join(dir, "calls.db")+`
`)
	out, err := runCLI(t, "--config", path, "logs")
	if err != nil {
		t.Fatalf("logs: %v\n%s", err, out)
	}
	if !strings.Contains(out, "0 of 0 entries") {
		t.Errorf("logs output = %q", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "fluxguard-cli ") {
		t.Errorf("output = %q", out)
	}
}
