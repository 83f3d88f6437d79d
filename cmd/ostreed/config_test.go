package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg != defaultConfig() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ostreed.yaml")
	body := "osname: rhcos\nsysroot_dir: /sysroot\nbus_name: com.example.Ostree1\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.OSName != "rhcos" || cfg.SysrootDir != "/sysroot" || cfg.BusName != "com.example.Ostree1" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.ObjectPath != defaultConfig().ObjectPath {
		t.Fatalf("expected ObjectPath to keep its default, got %q", cfg.ObjectPath)
	}
}
