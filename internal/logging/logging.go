// Package logging wires log/slog for the daemon: one global handler
// configured at startup, component-tagged loggers for packages, and a
// capturing handler for test assertions.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

var level = new(slog.LevelVar)

// Init installs the global slog handler. Call once at startup.
// levelStr is one of "debug", "info", "warn", "error" (default "info");
// format is "text" or "json" (default "text").
func Init(levelStr, format string) {
	level.Set(ParseLevel(levelStr))
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// For returns a logger tagged with a component attribute. The logger
// resolves slog.Default() on every call, so package-level logger vars
// pick up handlers installed later (Init, CaptureForTest).
func For(component string) *slog.Logger {
	return slog.New(componentHandler{component: component})
}

// SetLevel changes the level at runtime.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// ParseLevel maps a config string to a slog level, case-insensitively.
// Unknown or empty input means info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type componentHandler struct {
	component string
}

func (h componentHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return slog.Default().Handler().Enabled(ctx, l)
}

func (h componentHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.String("component", h.component))
	return slog.Default().Handler().Handle(ctx, r)
}

func (h componentHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h componentHandler) WithGroup(string) slog.Handler { return h }
