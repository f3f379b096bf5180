package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIncludesSingleFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeConfigFile(t, dir, "gateway.yaml", `
gateway:
  url: "ws://included:18789"
  token: "from-include"
`)
	path := writeConfigFile(t, dir, "clawnode.yaml", `
includes:
  - "gateway.yaml"
node:
  data_dir: "`+dir+`"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.URL != "ws://included:18789" || cfg.Gateway.Token != "from-include" {
		t.Errorf("gateway not loaded from include: %+v", cfg.Gateway)
	}
	if cfg.Includes != nil {
		t.Errorf("Includes should be cleared after processing, got %v", cfg.Includes)
	}
}

func TestIncludesGlobPattern(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	sub := filepath.Join(dir, "conf.d")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeConfigFile(t, sub, "10-shell.yaml", `
capabilities:
  shell:
    enabled: true
    allowed: ["uptime"]
`)
	writeConfigFile(t, sub, "20-logger.yaml", `
logger:
  format: json
`)
	path := writeConfigFile(t, dir, "clawnode.yaml", `
includes:
  - "conf.d/*.yaml"
node:
  data_dir: "`+dir+`"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Capabilities.Shell.Enabled || len(cfg.Capabilities.Shell.Allowed) != 1 {
		t.Errorf("shell = %+v", cfg.Capabilities.Shell)
	}
	if cfg.Logger.Format != "json" {
		t.Errorf("Logger.Format = %q", cfg.Logger.Format)
	}
}

func TestIncludesMainFileWins(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeConfigFile(t, dir, "base.yaml", `
node:
  name: "from-base"
gateway:
  token: "base-token"
`)
	path := writeConfigFile(t, dir, "clawnode.yaml", `
includes: ["base.yaml"]
node:
  name: "from-main"
  data_dir: "`+dir+`"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.Name != "from-main" {
		t.Errorf("Node.Name = %q, main file should win", cfg.Node.Name)
	}
	if cfg.Gateway.Token != "base-token" {
		t.Errorf("Gateway.Token = %q, include value should survive", cfg.Gateway.Token)
	}
}

func TestIncludesNested(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeConfigFile(t, dir, "leaf.yaml", "logger:\n  level: debug\n")
	writeConfigFile(t, dir, "mid.yaml", "includes: [\"leaf.yaml\"]\n")
	path := writeConfigFile(t, dir, "clawnode.yaml", "includes: [\"mid.yaml\"]\nnode:\n  data_dir: \""+dir+"\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want nested include value", cfg.Logger.Level)
	}
}

func TestIncludesCircular(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeConfigFile(t, dir, "a.yaml", "includes: [\"b.yaml\"]\n")
	writeConfigFile(t, dir, "b.yaml", "includes: [\"a.yaml\"]\n")
	path := writeConfigFile(t, dir, "clawnode.yaml", "includes: [\"a.yaml\"]\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected circular include error")
	}
	assertContains(t, err.Error(), "circular include")
}

func TestIncludesEscapeRejected(t *testing.T) {
	clearEnv(t)
	parent := t.TempDir()
	dir := filepath.Join(parent, "etc")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeConfigFile(t, parent, "outside.yaml", "node:\n  name: outside\n")
	path := writeConfigFile(t, dir, "clawnode.yaml", "includes: [\"../outside.yaml\"]\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected escape error")
	}
	assertContains(t, err.Error(), "escapes config directory")
}

func TestIncludesMissingFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "clawnode.yaml", "includes: [\"nope.yaml\"]\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing include")
	}
	assertContains(t, err.Error(), "nope.yaml")
}

func TestIncludesEmptyGlobIsFine(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "clawnode.yaml", "includes: [\"conf.d/*.yaml\"]\nnode:\n  data_dir: \""+dir+"\"\n")

	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestIncludesInsecureInclude(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	inc := writeConfigFile(t, dir, "loose.yaml", "node:\n  name: loose\n")
	if err := os.Chmod(inc, 0o666); err != nil {
		t.Fatal(err)
	}
	path := writeConfigFile(t, dir, "clawnode.yaml", "includes: [\"loose.yaml\"]\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected permissions error for include")
	}
	assertContains(t, err.Error(), "insecure permissions")
}
