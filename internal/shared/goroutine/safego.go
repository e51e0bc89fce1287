// Package goroutine contains panic containment for background work. A
// panic in a scheduled job or a fire-and-forget goroutine must not take
// the whole engine down with it.
package goroutine

import (
	"runtime/debug"

	"github.com/veil-labs/veil/internal/shared/logger"
)

// Recover logs a panic with its stack trace instead of letting it
// unwind past the caller. Use it deferred at the top of any function
// that runs outside a request's call chain:
//
//	defer goroutine.Recover(log, "reconcile-sweep")
func Recover(log logger.Interface, name string) {
	if r := recover(); r != nil {
		log.Errorw("recovered from panic",
			"task", name,
			"panic", r,
			"stack", string(debug.Stack()),
		)
	}
}

// SafeGo launches fn on its own goroutine with Recover installed.
func SafeGo(log logger.Interface, name string, fn func()) {
	go func() {
		defer Recover(log, name)
		fn()
	}()
}
