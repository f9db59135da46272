package loghandler

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"pvp-match-server/config"
)

const timeFormat = "2006/01/02 15:04:05"

const tagKey = "tag"

// CompactHandler writes logs in a compact form: timestamp + optional level +
// optional [tag] prefix + message + attrs.
// Timestamp format: 2006/01/02 15:04:05 (no TZ, no milliseconds). Only WARN and
// ERROR records carry a level marker.
// If an attribute with key "tag" is present, it is rendered as "[tag] " after the
// timestamp; "tag" is then omitted from the key=value list.
type CompactHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	level slog.Leveler
	tag   string
	attrs []slog.Attr
	group string
}

// NewCompactHandler returns a handler that writes to w with minimum level.
func NewCompactHandler(w io.Writer, level slog.Leveler) *CompactHandler {
	return &CompactHandler{mu: &sync.Mutex{}, w: w, level: level}
}

// Enabled reports whether the handler handles records at the given level.
func (h *CompactHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle formats the record as: 2006/01/02 15:04:05 [tag] message key=value ...
func (h *CompactHandler) Handle(_ context.Context, r slog.Record) error {
	tag := h.tag
	rest := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	rest = append(rest, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == tagKey && a.Value.Kind() == slog.KindString {
			tag = a.Value.String()
			return true
		}
		rest = append(rest, h.qualify(a))
		return true
	})

	buf := make([]byte, 0, 256)
	buf = append(buf, r.Time.Format(timeFormat)...)
	buf = append(buf, ' ')
	if r.Level >= slog.LevelWarn {
		buf = append(buf, r.Level.String()...)
		buf = append(buf, ' ')
	}
	if tag != "" {
		buf = append(buf, '[')
		buf = append(buf, tag...)
		buf = append(buf, "] "...)
	}
	buf = append(buf, r.Message...)
	for _, a := range rest {
		if a.Equal(slog.Attr{}) {
			continue
		}
		buf = append(buf, ' ')
		buf = append(buf, a.Key...)
		buf = append(buf, '=')
		buf = append(buf, a.Value.Resolve().String()...)
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

// WithAttrs returns a handler that renders attrs on every record. A "tag"
// attribute becomes the handler's default tag.
func (h *CompactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	for _, a := range attrs {
		if a.Key == tagKey && a.Value.Kind() == slog.KindString {
			c.tag = a.Value.String()
			continue
		}
		c.attrs = append(c.attrs, h.qualify(a))
	}
	return c
}

// WithGroup returns a handler that prefixes subsequent attribute keys with name.
func (h *CompactHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	if c.group != "" {
		c.group += "." + name
	} else {
		c.group = name
	}
	return c
}

func (h *CompactHandler) clone() *CompactHandler {
	c := *h
	c.attrs = append([]slog.Attr(nil), h.attrs...)
	return &c
}

func (h *CompactHandler) qualify(a slog.Attr) slog.Attr {
	if h.group != "" && a.Key != "" {
		a.Key = h.group + "." + a.Key
	}
	return a
}

// ParseLevel maps a config string to a slog level; unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New builds the process logger. When cfg.File is set, output is tee'd into a
// size-rotated file. The returned closer releases the file.
func New(cfg config.LogConfig, stdout io.Writer) (*slog.Logger, io.Closer) {
	var w io.Writer = stdout
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename: cfg.File,
			MaxSize:  cfg.MaxSizeMB,
			MaxAge:   cfg.MaxAgeDays,
		}
		w = io.MultiWriter(stdout, rotated)
		closer = rotated
	}
	return slog.New(NewCompactHandler(w, ParseLevel(cfg.Level))), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
