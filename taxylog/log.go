// Package taxylog centralizes the module's zap logger, following the same
// package-level Log() accessor idiom as caddy.Log() in the teacher repo's
// logging.go: callers never construct their own *zap.Logger, they fetch a
// named child of the process-wide default.
package taxylog

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu      sync.RWMutex
	current *zap.Logger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	current = l
}

// Log returns the current default logger.
func Log() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Named returns a child logger scoped to the given subsystem, e.g.
// taxylog.Named("keyring"), mirroring caddy's per-module logger convention.
func Named(name string) *zap.Logger {
	return Log().Named(name)
}

// SetDefault replaces the process-wide default logger. Intended to be called
// once during process startup (cmd/taxyd), not by library code.
func SetDefault(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	current = l
}
