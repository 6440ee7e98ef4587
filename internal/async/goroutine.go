// Package async starts the supervisor's background loops (tail passes,
// liveness checks, config watches) so a panic in one loop is logged instead
// of taking the daemon down.
package async

import "runtime/debug"

// PanicLogger receives the report of a loop that panicked.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go starts fn as the background task called name.
func Go(logger PanicLogger, name string, fn func()) {
	go run(logger, name, fn)
}

// GoDone starts fn like Go. The returned channel closes when fn has
// returned, including after a recovered panic.
func GoDone(logger PanicLogger, name string, fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		run(logger, name, fn)
	}()
	return done
}

func run(logger PanicLogger, name string, fn func()) {
	defer func() {
		r := recover()
		if r == nil || logger == nil {
			return
		}
		if name == "" {
			name = "unnamed"
		}
		logger.Error("background task [%s] panicked: %v\n%s", name, r, debug.Stack())
	}()
	fn()
}
