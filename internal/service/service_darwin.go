//go:build darwin

package service

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
)

const launchdPlistPath = "/Library/LaunchDaemons"

func isRootImpl() bool {
	return os.Getuid() == 0
}

func launchdLabel(name string) string {
	return "com." + name
}

func plistPath(name string) string {
	return filepath.Join(launchdPlistPath, launchdLabel(name)+".plist")
}

func installImpl(cfg Config, execPath string) error {
	path := plistPath(cfg.Name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("service %s is already installed at %s", cfg.Name, path)
	}

	if err := os.WriteFile(path, []byte(generateLaunchdPlist(cfg, execPath)), 0644); err != nil {
		return fmt.Errorf("failed to write launchd plist file: %w", err)
	}
	fmt.Printf("Created launchd plist: %s\n", path)

	if output, err := runCommand("launchctl", "load", "-w", path); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to load service: %s: %w", strings.TrimSpace(output), err)
	}
	fmt.Printf("Loaded service: %s\n", launchdLabel(cfg.Name))
	return nil
}

func uninstallImpl(name string) error {
	path := plistPath(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("service %s is not installed", name)
	}

	if output, err := runCommand("launchctl", "unload", "-w", path); err != nil {
		fmt.Printf("Note: could not unload service: %s\n", strings.TrimSpace(output))
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove launchd plist file: %w", err)
	}
	fmt.Printf("Removed launchd plist: %s\n", path)
	return nil
}

func statusImpl(name string) (string, error) {
	if !isInstalledImpl(name) {
		return "not installed", nil
	}
	output, err := runCommand("launchctl", "print", "system/"+launchdLabel(name))
	if err != nil {
		return "stopped", nil
	}
	switch {
	case strings.Contains(output, "state = running"):
		return "running", nil
	case strings.Contains(output, "state = not running"):
		return "stopped", nil
	}
	return "loaded", nil
}

func isInstalledImpl(name string) bool {
	_, err := os.Stat(plistPath(name))
	return err == nil
}

func isInteractiveImpl() bool {
	return true
}

func runAsServiceImpl(name string, runner Runner) error {
	return nil
}

func generateLaunchdPlist(cfg Config, execPath string) string {
	var args strings.Builder
	for _, a := range append([]string{execPath}, cfg.args()...) {
		fmt.Fprintf(&args, "        <string>%s</string>\n", html.EscapeString(a))
	}
	logBase := filepath.Join("/var/log", cfg.Name)

	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>%s</string>
    <key>ProgramArguments</key>
    <array>
%s    </array>
    <key>WorkingDirectory</key>
    <string>%s</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>ThrottleInterval</key>
    <integer>5</integer>
    <key>StandardOutPath</key>
    <string>%s.log</string>
    <key>StandardErrorPath</key>
    <string>%s.err.log</string>
</dict>
</plist>
`, launchdLabel(cfg.Name), args.String(), html.EscapeString(cfg.WorkingDir), logBase, logBase)
}
