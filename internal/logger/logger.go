// Package logger provides the process-wide structured logger for notedown.
//
// Actors log through Component so their lines carry a component attribute;
// Init can then raise a single component to debug without flooding the
// output with every tab's strategy probes.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
)

// Component names used across notedown.
const (
	Coordinator = "coordinator"
	Agent       = "agent"
	Browser     = "browser"
	Server      = "server"
	Settings    = "settings"
	LLM         = "llm"
	Fetch       = "fetch"
)

// componentKey is the attribute Component sets.
const componentKey = "component"

// Options configures the logger.
type Options struct {
	Debug bool // debug for every component
	Quiet bool // errors only; wins over Debug and DebugComponents
	JSON  bool
	// DebugComponents enables debug only for the named components.
	DebugComponents []string
	Output          io.Writer    // default stderr
	Logger          *slog.Logger // used as is, other options ignored
}

var (
	mu      sync.RWMutex
	current = newLogger(Options{})
)

// Init replaces the process logger.
func Init(opts Options) {
	l := opts.Logger
	if l == nil {
		l = newLogger(opts)
	}
	SetLogger(l)
}

// SetLogger installs l, for embedding notedown in an application with its
// own slog setup.
func SetLogger(l *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	current = l
}

func get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func newLogger(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	level := slog.LevelInfo
	switch {
	case opts.Quiet:
		level = slog.LevelError
	case opts.Debug:
		level = slog.LevelDebug
	}

	// The inner handler admits everything the filter lets through.
	inner := &slog.HandlerOptions{Level: level}
	if !opts.Quiet && len(opts.DebugComponents) > 0 {
		inner.Level = slog.LevelDebug
	}

	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(out, inner)
	} else {
		h = slog.NewTextHandler(out, inner)
	}

	if inner.Level == level {
		return slog.New(h)
	}
	return slog.New(&componentFilter{inner: h, level: level, debug: opts.DebugComponents})
}

// componentFilter admits records at level, and debug records from the
// listed components.
type componentFilter struct {
	inner     slog.Handler
	level     slog.Level
	debug     []string
	component string
}

func (f *componentFilter) Enabled(ctx context.Context, l slog.Level) bool {
	if l < f.level && !slices.Contains(f.debug, f.component) {
		return false
	}
	return f.inner.Enabled(ctx, l)
}

func (f *componentFilter) Handle(ctx context.Context, r slog.Record) error {
	return f.inner.Handle(ctx, r)
}

func (f *componentFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *f
	next.inner = f.inner.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key == componentKey {
			next.component = a.Value.String()
		}
	}
	return &next
}

func (f *componentFilter) WithGroup(name string) slog.Handler {
	next := *f
	next.inner = f.inner.WithGroup(name)
	return &next
}

// Component returns a logger tagged with the component name.
func Component(name string) *slog.Logger {
	return get().With(componentKey, name)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger { return get().With(args...) }

func Debug(msg string, args ...any) { get().Debug(msg, args...) }
func Info(msg string, args ...any)  { get().Info(msg, args...) }
func Warn(msg string, args ...any)  { get().Warn(msg, args...) }
func Error(msg string, args ...any) { get().Error(msg, args...) }

func DebugContext(ctx context.Context, msg string, args ...any) {
	get().DebugContext(ctx, msg, args...)
}

func InfoContext(ctx context.Context, msg string, args ...any) {
	get().InfoContext(ctx, msg, args...)
}

func WarnContext(ctx context.Context, msg string, args ...any) {
	get().WarnContext(ctx, msg, args...)
}

func ErrorContext(ctx context.Context, msg string, args ...any) {
	get().ErrorContext(ctx, msg, args...)
}
