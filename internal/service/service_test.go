package service

import (
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("deskline.yaml")

	if cfg.Name != DefaultName {
		t.Errorf("Name = %q, want %q", cfg.Name, DefaultName)
	}
	if !filepath.IsAbs(cfg.ConfigPath) {
		t.Errorf("ConfigPath = %q, want absolute", cfg.ConfigPath)
	}
	if cfg.WorkingDir != filepath.Dir(cfg.ConfigPath) {
		t.Errorf("WorkingDir = %q, want directory of %q", cfg.WorkingDir, cfg.ConfigPath)
	}
	if got := strings.Join(cfg.args(), " "); got != "agent -c "+cfg.ConfigPath {
		t.Errorf("args = %q", got)
	}
}

func TestIsSupported(t *testing.T) {
	want := runtime.GOOS == "linux" || runtime.GOOS == "darwin" || runtime.GOOS == "windows"
	if got := IsSupported(); got != want {
		t.Errorf("IsSupported() = %v on %s", got, runtime.GOOS)
	}
}

func TestInstallRequiresRoot(t *testing.T) {
	if IsRoot() {
		t.Skip("running with elevated privileges")
	}
	if err := Install(DefaultConfig("deskline.yaml")); err != ErrNotRoot {
		t.Errorf("Install() error = %v, want ErrNotRoot", err)
	}
	if err := Uninstall(DefaultName); err != ErrNotRoot {
		t.Errorf("Uninstall() error = %v, want ErrNotRoot", err)
	}
}
