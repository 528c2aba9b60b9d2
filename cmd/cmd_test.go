package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/motty-mio2/kicad-diff-visualizer/internal/config"
)

func TestRun_Version(t *testing.T) {
	if err := run([]string{"-version"}); err != nil {
		t.Fatalf("run -version: %v", err)
	}
}

func TestRun_Help(t *testing.T) {
	if err := run([]string{"-h"}); err != nil {
		t.Fatalf("run -h: %v", err)
	}
}

func TestRun_BadFlag(t *testing.T) {
	if err := run([]string{"-no-such-flag"}); err == nil {
		t.Fatal("expected an error for an unknown flag")
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Port != config.DefaultPort {
		t.Errorf("Port = %d", cfg.Port)
	}

	path := filepath.Join(t.TempDir(), "conf.yaml")
	if err := os.WriteFile(path, []byte("port: 9999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("Port = %d", cfg.Port)
	}

	if _, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing explicit config")
	}
}
