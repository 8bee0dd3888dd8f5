//go:build !linux && !windows && !darwin

package service

import "errors"

var errUnsupported = errors.New("service management is not supported on this platform")

func isRootImpl() bool { return false }

func installImpl(cfg Config, execPath string) error { return errUnsupported }

func uninstallImpl(name string) error { return errUnsupported }

func statusImpl(name string) (string, error) { return "", errUnsupported }

func isInstalledImpl(name string) bool { return false }

func isInteractiveImpl() bool { return true }

func runAsServiceImpl(name string, runner Runner) error { return errUnsupported }
