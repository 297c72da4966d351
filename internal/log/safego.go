package log

import "runtime/debug"

// SafeGo launches fn in a goroutine with panic recovery. A recovered panic
// is logged with the goroutine's name and stack; the process keeps running.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(CatEngine, "Goroutine panic recovered",
					"goroutine", name,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
