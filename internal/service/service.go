// Package service installs the deskline agent as a system service.
// It supports systemd on Linux, launchd on macOS, and the Service Control
// Manager on Windows.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"
)

// DefaultName is the service name used when none is configured.
const DefaultName = "deskline"

// StopTimeout bounds a graceful stop requested by the service manager.
const StopTimeout = 30 * time.Second

// ErrNotRoot is returned by Install and Uninstall without elevated privileges.
var ErrNotRoot = errors.New("must run as root/administrator to manage the service")

// Runner is the agent as driven by a service manager.
type Runner interface {
	// Start returns once the agent is running.
	Start() error
	StopWithContext(ctx context.Context) error
	// Done is closed when the agent stops on its own.
	Done() <-chan struct{}
}

// Config describes the service to install.
type Config struct {
	Name        string
	DisplayName string
	Description string

	// ConfigPath is the absolute path passed to "deskline agent -c".
	ConfigPath string
	WorkingDir string

	// User and Group are honoured by systemd only; empty runs as root.
	User  string
	Group string
}

// DefaultConfig returns a service configuration for the config file at configPath.
func DefaultConfig(configPath string) Config {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		absPath = configPath
	}

	return Config{
		Name:        DefaultName,
		DisplayName: "Deskline Remote Agent",
		Description: "Remote access agent serving approved deskline viewer sessions",
		ConfigPath:  absPath,
		WorkingDir:  filepath.Dir(absPath),
	}
}

// args is the agent command line the service manager runs.
func (c Config) args() []string {
	return []string{"agent", "-c", c.ConfigPath}
}

// IsRoot reports whether the process has the privileges needed to manage services.
func IsRoot() bool {
	return isRootImpl()
}

// Install registers, enables and starts the service.
func Install(cfg Config) error {
	if !IsRoot() {
		return ErrNotRoot
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if !filepath.IsAbs(cfg.ConfigPath) {
		return fmt.Errorf("config path %q must be absolute", cfg.ConfigPath)
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	return installImpl(cfg, execPath)
}

// Uninstall stops and removes the service.
func Uninstall(name string) error {
	if !IsRoot() {
		return ErrNotRoot
	}
	return uninstallImpl(name)
}

// Status returns the service state as reported by the platform, such as
// "running", "stopped" or "not installed".
func Status(name string) (string, error) {
	return statusImpl(name)
}

// IsInstalled reports whether the service is registered.
func IsInstalled(name string) bool {
	return isInstalledImpl(name)
}

// IsSupported reports whether this platform has a service backend.
func IsSupported() bool {
	switch runtime.GOOS {
	case "linux", "darwin", "windows":
		return true
	}
	return false
}

// IsInteractive reports whether the process runs outside a service manager
// that needs an in-process handler. Only the Windows SCM does.
func IsInteractive() bool {
	return isInteractiveImpl()
}

// RunAsService hands runner to the Windows service dispatcher and blocks
// until the service stops. Callers check IsInteractive first.
func RunAsService(name string, runner Runner) error {
	return runAsServiceImpl(name, runner)
}

func runCommand(name string, args ...string) (string, error) {
	output, err := exec.Command(name, args...).CombinedOutput()
	return string(output), err
}
