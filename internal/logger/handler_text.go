package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

var levelColors = map[slog.Level]string{
	slog.LevelDebug: ansiGray,
	slog.LevelInfo:  ansiGreen,
	slog.LevelWarn:  ansiYellow,
	slog.LevelError: ansiRed,
}

// consoleHandler is the human-oriented text handler used when logs go to
// a terminal: one line per record, colored level, key=value attributes.
// The JSON handler covers machine consumers.
type consoleHandler struct {
	w     io.Writer
	mu    *sync.Mutex
	level slog.Leveler
	color bool

	// attrs are pre-bound via WithAttrs; prefix carries open groups as a
	// dotted key qualifier.
	attrs  []slog.Attr
	prefix string
}

func newConsoleHandler(w io.Writer, level slog.Leveler, color bool) *consoleHandler {
	return &consoleHandler{
		w:     w,
		mu:    &sync.Mutex{},
		level: level,
		color: color,
	}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.level != nil {
		min = h.level.Level()
	}
	return level >= min
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	// The line is assembled off-lock; only the write is serialised.
	var buf []byte
	buf = fmt.Appendf(buf, "[%s] [%s] %s",
		r.Time.Format(time.DateTime), h.levelTag(r.Level), r.Message)

	for _, a := range h.attrs {
		buf = h.appendAttr(buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, a)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	_, err := h.w.Write(buf)
	h.mu.Unlock()
	return err
}

func (h *consoleHandler) levelTag(level slog.Level) string {
	tag := level.String()
	if !h.color {
		return tag
	}
	color, ok := levelColors[level]
	if !ok {
		color = ansiRed
	}
	return color + tag + ansiReset
}

func (h *consoleHandler) appendAttr(buf []byte, a slog.Attr) []byte {
	if a.Equal(slog.Attr{}) {
		return buf
	}
	a.Value = a.Value.Resolve()

	key := h.prefix + a.Key
	val := attrText(a.Value)
	if h.color {
		return fmt.Appendf(buf, " %s%s%s=%s", ansiCyan, key, ansiReset, val)
	}
	return fmt.Appendf(buf, " %s=%s", key, val)
}

// attrText renders a resolved value. Floats are trimmed to three decimals
// since the common case is a duration_ms field.
func attrText(v slog.Value) string {
	switch v.Kind() {
	case slog.KindFloat64:
		return fmt.Sprintf("%.3f", v.Float64())
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return v.String()
	}
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}
