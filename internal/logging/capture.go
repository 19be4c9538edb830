package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Capture records log output for assertions in tests.
type Capture struct {
	mu        sync.Mutex
	entries   []entry
	prev      *slog.Logger
	prevLevel slog.Level
}

type entry struct {
	level slog.Level
	msg   string
}

// CaptureForTest swaps the global handler for a capturing one at debug
// level. Restore (typically deferred) reinstates the previous handler.
func CaptureForTest() *Capture {
	c := &Capture{prev: slog.Default(), prevLevel: level.Level()}
	slog.SetDefault(slog.New(captureHandler{c}))
	level.Set(slog.LevelDebug)
	return c
}

// Restore reinstates the logger and level that were active before
// CaptureForTest.
func (c *Capture) Restore() {
	slog.SetDefault(c.prev)
	level.Set(c.prevLevel)
}

// Has reports whether any captured message at the given level contains
// the substring.
func (c *Capture) Has(l slog.Level, substr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.level == l && strings.Contains(e.msg, substr) {
			return true
		}
	}
	return false
}

// Count returns how many messages were captured at the given level.
func (c *Capture) Count(l slog.Level) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.level == l {
			n++
		}
	}
	return n
}

type captureHandler struct {
	c *Capture
}

func (h captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	h.c.entries = append(h.c.entries, entry{level: r.Level, msg: r.Message})
	return nil
}

func (h captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h captureHandler) WithGroup(string) slog.Handler { return h }
