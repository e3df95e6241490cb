package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

type styles struct {
	debug, info, warn, error, key lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		debug: r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "8", Dark: "7"}),
		info:  r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "4", Dark: "12"}),
		warn:  r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "3", Dark: "11"}).Bold(true),
		error: r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).Bold(true),
		key:   r.NewStyle().Faint(true),
	}
}

// consoleHandler writes "level: message key=value" lines, or workflow
// commands when running under GitHub Actions.
type consoleHandler struct {
	mu      *sync.Mutex
	w       io.Writer
	level   slog.Level
	actions bool
	color   bool
	styles  styles
	attrs   []slog.Attr
	prefix  string // group prefix for attribute keys
}

func newConsoleHandler(w io.Writer, level slog.Level, actions, color bool) *consoleHandler {
	h := &consoleHandler{mu: &sync.Mutex{}, w: w, level: level, actions: actions, color: color}
	if color {
		h.styles = newStyles(w)
	}
	return h
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer
	for _, a := range h.attrs {
		h.appendAttr(&buf, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&buf, h.prefix, a)
		return true
	})
	msg := r.Message + buf.String()

	var line string
	switch {
	case h.actions:
		line = h.actionsLine(r.Level, msg)
	default:
		line = h.label(r.Level) + ": " + msg
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, line+"\n")
	return err
}

func (h *consoleHandler) actionsLine(level slog.Level, msg string) string {
	switch {
	case level >= slog.LevelError:
		return "::error::" + escapeData(msg)
	case level >= slog.LevelWarn:
		return "::warning::" + escapeData(msg)
	case level < slog.LevelInfo:
		return "::debug::" + escapeData(msg)
	}
	return msg
}

func (h *consoleHandler) label(level slog.Level) string {
	var name string
	var style lipgloss.Style
	switch {
	case level >= slog.LevelError:
		name, style = "error", h.styles.error
	case level >= slog.LevelWarn:
		name, style = "warning", h.styles.warn
	case level >= slog.LevelInfo:
		name, style = "info", h.styles.info
	default:
		name, style = "debug", h.styles.debug
	}
	if !h.color {
		return name
	}
	return style.Render(name)
}

func (h *consoleHandler) appendAttr(buf *bytes.Buffer, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			h.appendAttr(buf, p, ga)
		}
		return
	}
	key := prefix + a.Key
	if h.color {
		key = h.styles.key.Render(key)
	}
	val := a.Value.String()
	if strings.ContainsAny(val, " \t\"=") || val == "" {
		val = fmt.Sprintf("%q", val)
	}
	buf.WriteByte(' ')
	buf.WriteString(key)
	buf.WriteByte('=')
	buf.WriteString(val)
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	next.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// command writes a bare workflow command such as ::group::title.
func (h *consoleHandler) command(name, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(h.w, "::%s::%s\n", name, escapeData(value))
}

// escapeData encodes workflow command data so multi-line messages survive.
func escapeData(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	s = strings.ReplaceAll(s, "\r", "%0D")
	return strings.ReplaceAll(s, "\n", "%0A")
}
