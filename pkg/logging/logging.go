// Package logging builds the slog logger used for diagnostics. Output goes
// to stderr so stdout stays reserved for the resulting commit hash.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	Level slog.Level
	// Actions emits GitHub Actions workflow commands for warnings, errors
	// and groups.
	Actions bool
	// Color is auto, always or never.
	Color string
	// File, when set, receives a JSON debug log rotated by size.
	File string
	// Writer defaults to os.Stderr.
	Writer io.Writer
}

// Logger is a slog.Logger tagged with a per-run id.
type Logger struct {
	*slog.Logger
	RunID string

	console *consoleHandler
	file    io.Closer
}

// New returns a logger writing to opts.Writer, and to opts.File if set.
func New(opts Options) (*Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	runID := uuid.NewString()

	console := newConsoleHandler(w, opts.Level, opts.Actions, useColor(opts.Color, w))
	l := &Logger{RunID: runID, console: console}

	var handler slog.Handler = console
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, err
		}
		lj := newFileWriter(opts.File)
		l.file = lj
		fileHandler := slog.NewJSONHandler(lj, &slog.HandlerOptions{Level: slog.LevelDebug}).
			WithAttrs([]slog.Attr{slog.String("run_id", runID)})
		handler = &multiHandler{handlers: []slog.Handler{console, fileHandler}}
	}
	l.Logger = slog.New(handler)
	return l, nil
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// Group starts a collapsible section in GitHub Actions logs and returns the
// function that closes it. Outside Actions the title is logged at debug
// level.
func (l *Logger) Group(title string) func() {
	if l.console == nil {
		return func() {}
	}
	if !l.console.actions {
		l.Debug(title)
		return func() {}
	}
	l.console.command("group", title)
	return func() { l.console.command("endgroup", "") }
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func newFileWriter(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    5, // megabytes
		MaxBackups: 3,
		MaxAge:     30,
	}
}

func useColor(mode string, w io.Writer) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, record.Level) {
			if err := handler.Handle(ctx, record.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}
