//go:build linux

package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var systemdUnitPath = "/etc/systemd/system"

func isRootImpl() bool {
	return os.Getuid() == 0
}

func unitPath(name string) string {
	return filepath.Join(systemdUnitPath, name+".service")
}

func installImpl(cfg Config, execPath string) error {
	path := unitPath(cfg.Name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("service %s is already installed at %s", cfg.Name, path)
	}

	if err := os.WriteFile(path, []byte(generateSystemdUnit(cfg, execPath)), 0644); err != nil {
		return fmt.Errorf("failed to write systemd unit file: %w", err)
	}
	fmt.Printf("Created systemd unit: %s\n", path)

	if output, err := runCommand("systemctl", "daemon-reload"); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to reload systemd: %s: %w", strings.TrimSpace(output), err)
	}
	if output, err := runCommand("systemctl", "enable", "--now", cfg.Name); err != nil {
		return fmt.Errorf("failed to enable service: %s: %w", strings.TrimSpace(output), err)
	}
	fmt.Printf("Enabled and started service: %s\n", cfg.Name)
	return nil
}

func uninstallImpl(name string) error {
	path := unitPath(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("service %s is not installed", name)
	}

	if output, err := runCommand("systemctl", "disable", "--now", name); err != nil {
		fmt.Printf("Note: could not stop service: %s\n", strings.TrimSpace(output))
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove systemd unit file: %w", err)
	}
	fmt.Printf("Removed systemd unit: %s\n", path)

	runCommand("systemctl", "daemon-reload")
	runCommand("systemctl", "reset-failed", name)
	return nil
}

func statusImpl(name string) (string, error) {
	if !isInstalledImpl(name) {
		return "not installed", nil
	}
	output, err := runCommand("systemctl", "is-active", name)
	status := strings.TrimSpace(output)
	if err != nil {
		// is-active exits non-zero for every state but active.
		switch status {
		case "inactive", "failed", "activating", "deactivating", "unknown":
			return status, nil
		}
		return "", fmt.Errorf("failed to get service status: %w", err)
	}
	return status, nil
}

func isInstalledImpl(name string) bool {
	_, err := os.Stat(unitPath(name))
	return err == nil
}

func isInteractiveImpl() bool {
	return true
}

func runAsServiceImpl(name string, runner Runner) error {
	return nil
}

// generateSystemdUnit renders the unit file. The agent serves a remote shell
// and file access, so the usual filesystem sandboxing directives are left out.
func generateSystemdUnit(cfg Config, execPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `[Unit]
Description=%s
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s %s
WorkingDirectory=%s
`, cfg.Description, execPath, strings.Join(cfg.args(), " "), cfg.WorkingDir)

	if cfg.User != "" {
		fmt.Fprintf(&b, "User=%s\n", cfg.User)
	}
	if cfg.Group != "" {
		fmt.Fprintf(&b, "Group=%s\n", cfg.Group)
	}

	fmt.Fprintf(&b, `Restart=on-failure
RestartSec=5
TimeoutStopSec=%d
StandardOutput=journal
StandardError=journal
SyslogIdentifier=%s

[Install]
WantedBy=multi-user.target
`, int(StopTimeout.Seconds()), cfg.Name)

	return b.String()
}
