// Package logutil builds the process logger and adds a TRACE level
// below slog's DEBUG for per-token pipeline tracing.
package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"
)

// LevelTrace sits below slog.LevelDebug. Trace lines record per-token
// work and are too chatty for normal debug output.
const LevelTrace = slog.Level(-8)

// NewLogger returns a text logger that trims source paths to their
// base name and labels LevelTrace records TRACE.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		AddSource:   true,
		ReplaceAttr: replaceAttr,
	}))
}

func replaceAttr(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.LevelKey:
		if level, ok := attr.Value.Any().(slog.Level); ok && level == LevelTrace {
			attr.Value = slog.StringValue("TRACE")
		}
	case slog.SourceKey:
		if source, ok := attr.Value.Any().(*slog.Source); ok {
			source.File = filepath.Base(source.File)
		}
	}
	return attr
}

// Trace logs msg at LevelTrace through the default logger. The enabled
// check is cheap, so hot paths call this unconditionally.
func Trace(msg string, args ...any) {
	logger := slog.Default()
	if !logger.Enabled(context.Background(), LevelTrace) {
		return
	}

	// attribute the record to the caller of Trace
	pc, _, _, _ := runtime.Caller(1)
	record := slog.NewRecord(time.Now(), LevelTrace, msg, pc)
	record.Add(args...)
	logger.Handler().Handle(context.Background(), record)
}
