// Package recovery keeps a panicking callback goroutine from taking down the whole session.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers a panic and logs it with the goroutine name and stack.
// Defer it first thing in any goroutine started from a transport callback:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "terminal.pump")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback recovers a panic, logs it, then hands the value to callback.
// The session uses this to surface a crashed component as a scoped error.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered interface{})) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

func logPanic(logger *slog.Logger, name string, r interface{}) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
