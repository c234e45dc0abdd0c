package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// NewLogger builds the daemon's *slog.Logger. When interactive is true (the
// daemon passes true for --single foreground runs) and debug is enabled, records render with github.com/lmittmann/tint for
// human readability; otherwise they render in the fixed line format the
// external interface contract mandates for the log file.
func NewLogger(template string, truncateOnRotation, debug, interactive bool, pid int) (*slog.Logger, *RotatingHandler) {
	var opt Option
	if interactive && debug {
		opt = WithInnerFactory(func(out io.Writer, _ int) slog.Handler {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			return tint.NewHandler(out, &tint.Options{Level: level, TimeFormat: "2006-01-02 15:04:05"})
		})
	}

	var handler *RotatingHandler
	if opt != nil {
		handler = NewRotatingHandler(template, truncateOnRotation, debug, pid, opt)
	} else {
		handler = NewRotatingHandler(template, truncateOnRotation, debug, pid)
	}
	return slog.New(handler), handler
}

// Stderr is a convenience logger for pre-config-load failures, matching the
// "stderr remains so pre-logger failures are visible" contract of C8.
func Stderr() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}
