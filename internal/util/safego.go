package util

import (
	"log/slog"
	"runtime/debug"
)

// SafeGoWithName runs fn in a goroutine, logging and swallowing any panic so
// a failing background task cannot take the process down.
func SafeGoWithName(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("goroutine panic recovered",
					"goroutine", name,
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}
