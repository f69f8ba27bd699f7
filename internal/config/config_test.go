package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AcceptAddr != "127.0.0.1:9000" {
		t.Fatalf("got AcceptAddr %q, want the default", cfg.AcceptAddr)
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "accept_addr: \"10.0.0.1:1234\"\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AcceptAddr != "10.0.0.1:1234" {
		t.Fatalf("got AcceptAddr %q, want overlay value", cfg.AcceptAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("got LogLevel %q, want debug", cfg.LogLevel)
	}
	// Fields untouched by the overlay keep their defaults.
	if cfg.ControlAddr != "127.0.0.1:9001" {
		t.Fatalf("got ControlAddr %q, want the default", cfg.ControlAddr)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("accept_addr: \"10.0.0.1:1234\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("AGENTPROTO_ACCEPT_ADDR", "192.168.1.1:5555")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AcceptAddr != "192.168.1.1:5555" {
		t.Fatalf("got AcceptAddr %q, want the env override", cfg.AcceptAddr)
	}
}

func TestLoadMissingYAMLFileErrors(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatalf("expected an error loading a nonexistent config file")
	}
}
