// Package monitoring owns the process logger. Components log through
// Logger() unless they are handed their own *slog.Logger.
package monitoring

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	console "github.com/phsym/console-slog"
)

// Options configures NewLogger.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Development selects the colourised console handler.
	Development bool
	AddSource   bool
	Output      io.Writer
}

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(NewLogger(Options{Development: os.Getenv("ENV") == "development"}))
}

// Logger returns the package-level logger.
func Logger() *slog.Logger {
	return current.Load()
}

// SetLogger replaces the package logger. Passing nil installs a logger that
// discards everything.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	current.Store(l)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
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

// NewLogger builds a console handler in development and a JSON handler
// otherwise, with the time key renamed to "ts".
func NewLogger(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := &slog.LevelVar{}
	level.Set(ParseLevel(opts.Level))

	var handler slog.Handler
	if opts.Development {
		handler = console.NewHandler(out, &console.HandlerOptions{
			AddSource: opts.AddSource,
			Level:     level,
		})
	} else {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{
			AddSource: opts.AddSource,
			Level:     level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					a.Key = "ts"
				}
				return a
			},
		})
	}
	return slog.New(handler)
}

// Or returns l, or the package logger when l is nil.
func Or(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return Logger()
}
