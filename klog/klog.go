// Package klog provides logging output for kernel subsystems. It is a
// thin veneer over log/slog: subsystems grab a component logger at
// bootstrap and the level can be changed at runtime through Level.
package klog

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Level is the global log level. It can be changed at runtime.
var Level = &slog.LevelVar{}

var (
	mu  sync.Mutex
	def = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: Level}))
)

// Default returns the kernel's logger.
func Default() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return def
}

// SetOutput redirects kernel logging, e.g. into a test's buffer.
func SetOutput(w io.Writer) {
	mu.Lock()
	def = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: Level}))
	mu.Unlock()
}

// With returns a component logger carrying the given attributes.
func With(args ...any) *slog.Logger {
	return Default().With(args...)
}
