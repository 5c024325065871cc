package obs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

var (
	mu           sync.RWMutex
	base         = newLogger(os.Stdout)
	debugEnabled atomic.Bool
)

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) { debugEnabled.Store(v) }

// SetOutput redirects all log lines to w. Used by tests and by binaries that
// log somewhere other than stdout.
func SetOutput(w io.Writer) {
	mu.Lock()
	base = newLogger(w)
	mu.Unlock()
}

type Fields map[string]any

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func logWith(level slog.Level, msg string, f Fields) {
	attrs := make([]slog.Attr, 0, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	mu.RLock()
	l := base
	mu.RUnlock()
	l.LogAttrs(context.Background(), level, msg, attrs...)
}

func Info(msg string, f Fields)  { logWith(slog.LevelInfo, msg, f) }
func Error(msg string, f Fields) { logWith(slog.LevelError, msg, f) }
func Debug(msg string, f Fields) {
	if debugEnabled.Load() {
		logWith(slog.LevelDebug, msg, f)
	}
}
