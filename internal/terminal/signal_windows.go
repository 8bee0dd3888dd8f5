//go:build windows

package terminal

import "os"

// setupResizeSignal is a no-op; Windows consoles have no resize signal.
func setupResizeSignal(sigCh chan os.Signal) {}

func stopResizeSignal(sigCh chan os.Signal) {}
