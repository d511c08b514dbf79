package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harness.yaml")
	contents := []byte("target:\n  binary: /usr/bin/node\n  args: [\"--jitless\"]\nexecution:\n  timeout: 500ms\n")
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Target.Binary != "/usr/bin/node" {
		t.Fatalf("Target.Binary = %q", cfg.Target.Binary)
	}
	if cfg.Coverage.ShmSize != DefaultConfig().Coverage.ShmSize {
		t.Fatal("unset fields should keep their default value")
	}
}

func TestLoadRequiresTargetBinary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harness.yaml")
	if err := os.WriteFile(path, []byte("execution:\n  timeout: 1s\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when target.binary is missing")
	}
}
