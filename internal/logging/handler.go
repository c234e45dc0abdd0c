// Package logging implements the daemon's logger (C2): a timestamped
// append-only log with strftime-style path templating and rotate-truncate,
// built on log/slog as an outer handler wrapping an inner formatting
// handler, rather than hand-rolling formatting from scratch.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Line format mandated by the external interface contract:
// "YYYY-MM-DD HH:MM:SS [pid]: LEVEL: message".
type lineHandler struct {
	mu  *sync.Mutex
	out io.Writer
	pid int
}

func newLineHandler(out io.Writer, pid int) *lineHandler {
	return &lineHandler{mu: &sync.Mutex{}, out: out, pid: pid}
}

func (h *lineHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *lineHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format("2006-01-02 15:04:05"))
	b.WriteString(" [")
	b.WriteString(strconv.Itoa(h.pid))
	b.WriteString("]: ")
	b.WriteString(levelToken(r.Level))
	b.WriteString(": ")
	b.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *lineHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *lineHandler) WithGroup(string) slog.Handler      { return h }

// levelToken renders slog's level as the severity name the line format uses:
// INFO becomes "LOG", matching normal-severity lines; everything else keeps
// slog's own name.
func levelToken(level slog.Level) string {
	if level == slog.LevelInfo {
		return "LOG"
	}
	return strings.ToUpper(level.String())
}

// sink is the resolved destination for log output: either an open file or
// os.Stderr fallback, plus the path it was expanded from (for rotate-truncate
// bookkeeping).
type sink struct {
	file        *os.File
	expandedPath string
}

// RotatingHandler is the outer slog.Handler: it owns the one piece of
// instance state this component keeps across calls — the previously expanded
// log file path, protected by its own lock, never a package-level variable
// (see design notes on global mutable state).
type RotatingHandler struct {
	mu sync.Mutex

	template              string
	truncateOnRotation    bool
	debug                 bool
	pid                   int
	current               *sink
	innerFactory          func(out io.Writer, pid int) slog.Handler
	now                   func() time.Time
}

// Option configures a RotatingHandler at construction time.
type Option func(*RotatingHandler)

// WithInnerFactory overrides the inner renderer. Defaults to the fixed
// "YYYY-MM-DD HH:MM:SS [pid]: LEVEL: message" line format; local/debug runs
// may instead pass a factory wrapping github.com/lmittmann/tint for
// human-readable console output.
func WithInnerFactory(f func(out io.Writer, pid int) slog.Handler) Option {
	return func(h *RotatingHandler) { h.innerFactory = f }
}

// WithClock overrides the time source used for path expansion; tests use
// this to avoid relying on wall time.
func WithClock(now func() time.Time) Option {
	return func(h *RotatingHandler) { h.now = now }
}

// NewRotatingHandler builds a handler targeting the given strftime-style path
// template (may be empty, meaning "always stderr"). truncateOnRotation
// enables the remove-before-first-append behavior when the expanded path
// changes. debug gates DEBUG-level records.
func NewRotatingHandler(template string, truncateOnRotation, debug bool, pid int, opts ...Option) *RotatingHandler {
	h := &RotatingHandler{
		template:           template,
		truncateOnRotation: truncateOnRotation,
		debug:              debug,
		pid:                pid,
		innerFactory: func(out io.Writer, pid int) slog.Handler {
			return newLineHandler(out, pid)
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetTemplate updates the logfile path template, used by the config reload
// path when the "logfile" key changes.
func (h *RotatingHandler) SetTemplate(template string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.template = template
}

// SetDebug toggles DEBUG-level suppression. The config reload path does not
// call it: a reload that changes the "debug" key leaves this handler's
// suppression as it was.
func (h *RotatingHandler) SetDebug(debug bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.debug = debug
}

// SetTruncateOnRotation toggles rotate-truncate behavior. The config reload
// path does not call it: a reload that changes "log_truncate_on_rotation"
// leaves this handler's setting as it was.
func (h *RotatingHandler) SetTruncateOnRotation(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.truncateOnRotation = v
}

func (h *RotatingHandler) Enabled(_ context.Context, level slog.Level) bool {
	h.mu.Lock()
	debug := h.debug
	h.mu.Unlock()
	if level < slog.LevelInfo && !debug {
		return false
	}
	return true
}

func (h *RotatingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	if r.Level < slog.LevelInfo && !h.debug {
		h.mu.Unlock()
		return nil
	}
	inner, err := h.resolveLocked()
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return inner.Handle(ctx, r)
}

func (h *RotatingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	inner, err := h.resolveLocked()
	if err != nil {
		return h
	}
	return inner.WithAttrs(attrs)
}

func (h *RotatingHandler) WithGroup(name string) slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	inner, err := h.resolveLocked()
	if err != nil {
		return h
	}
	return inner.WithGroup(name)
}

// resolveLocked expands the path template against the current time, opens
// (or reuses) the target file, and applies rotate-truncate if the expanded
// path just changed. Must be called with h.mu held.
func (h *RotatingHandler) resolveLocked() (slog.Handler, error) {
	expanded := strftime(h.template, h.now())

	if h.current != nil && h.current.expandedPath == expanded {
		return h.innerFactory(h.writerLocked(), h.pid), nil
	}

	if expanded == "" {
		h.closeCurrentLocked()
		h.current = &sink{file: nil, expandedPath: ""}
		return h.innerFactory(os.Stderr, h.pid), nil
	}

	if h.truncateOnRotation && h.current != nil && h.current.expandedPath != "" {
		if _, err := os.Stat(expanded); err == nil {
			_ = os.Remove(expanded)
		}
	}

	f, err := os.OpenFile(expanded, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// Unwritable logfile: fall back to stderr, as the external
		// interface contract requires, without losing the record.
		h.closeCurrentLocked()
		h.current = &sink{file: nil, expandedPath: ""}
		return h.innerFactory(os.Stderr, h.pid), nil
	}

	h.closeCurrentLocked()
	h.current = &sink{file: f, expandedPath: expanded}
	return h.innerFactory(f, h.pid), nil
}

func (h *RotatingHandler) writerLocked() io.Writer {
	if h.current == nil || h.current.file == nil {
		return os.Stderr
	}
	return h.current.file
}

func (h *RotatingHandler) closeCurrentLocked() {
	if h.current != nil && h.current.file != nil {
		_ = h.current.file.Close()
	}
}

// Close releases the current log file handle, if any.
func (h *RotatingHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeCurrentLocked()
	return nil
}

// strftime expands the small subset of strftime directives the original
// daemon supports in logfile paths: %Y %m %d %H %M %S. An empty template
// expands to "".
func strftime(template string, t time.Time) string {
	if template == "" {
		return ""
	}
	replacer := strings.NewReplacer(
		"%Y", fmt.Sprintf("%04d", t.Year()),
		"%m", fmt.Sprintf("%02d", t.Month()),
		"%d", fmt.Sprintf("%02d", t.Day()),
		"%H", fmt.Sprintf("%02d", t.Hour()),
		"%M", fmt.Sprintf("%02d", t.Minute()),
		"%S", fmt.Sprintf("%02d", t.Second()),
	)
	return replacer.Replace(template)
}
