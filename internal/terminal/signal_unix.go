//go:build !windows

package terminal

import (
	"os"
	"os/signal"
	"syscall"
)

// setupResizeSignal delivers SIGWINCH to sigCh.
func setupResizeSignal(sigCh chan os.Signal) {
	signal.Notify(sigCh, syscall.SIGWINCH)
}

func stopResizeSignal(sigCh chan os.Signal) {
	signal.Stop(sigCh)
}
