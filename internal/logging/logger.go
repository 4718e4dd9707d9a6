// Package logging provides leveled logging and LLM call tracing for reverie.
// It offers three complementary outputs:
//   - A leveled slog.Logger for stderr (operational output)
//   - A CallLog for structured JSONL traces of every LLM attempt
//   - A fan-out handler that mirrors simulation log lines to outbound listeners
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// LevelTrace is a custom slog level below Debug for full content logging.
// At this level, rendered prompts and raw LLM responses are included.
const LevelTrace = slog.LevelDebug - 4

// ParseLevel maps a string level name to a slog.Level.
// Supported values: "trace", "debug", "info", "warn", "error" (case-insensitive).
// Unknown values default to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
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

// NewLogger creates a leveled slog.Logger writing to w.
func NewLogger(level string, w io.Writer) *slog.Logger {
	return slog.New(NewHandler(level, w))
}

// NewHandler returns the text handler used by NewLogger. It is exposed so
// callers can wrap it (see NewFanoutHandler).
func NewHandler(level string, w io.Writer) slog.Handler {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: replaceTraceLevel,
	}
	return slog.NewTextHandler(w, opts)
}

func replaceTraceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// Discard returns a logger that drops everything. Useful as a default when
// a component is constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
