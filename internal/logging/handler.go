package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Handler formats records as
//
//	TIMESTAMP [level] component: message | key=value, key=value
//
// and filters them by the level configured for their component.
type Handler struct {
	w         io.Writer
	levels    Levels
	component string
	attrs     []slog.Attr
	groups    []string
	mu        *sync.Mutex
}

// NewHandler creates a Handler writing to w.
func NewHandler(w io.Writer, levels Levels) *Handler {
	return &Handler{w: w, levels: levels, mu: &sync.Mutex{}}
}

// Enabled reports whether records at level may be handled. The component
// level is only known once attributes are attached, so an unlabelled
// handler answers for the most verbose configured level.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	if h.component != "" {
		return level >= h.levels.For(h.component)
	}
	return level >= h.levels.Min()
}

// Handle formats and writes the record.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	component := h.component
	attrs := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == ComponentKey && len(h.groups) == 0 {
			component = a.Value.String()
			return true
		}
		attrs = append(attrs, h.qualify(a))
		return true
	})
	if r.Level < h.levels.For(component) {
		return nil
	}

	var buf bytes.Buffer
	buf.WriteString(r.Time.UTC().Format(time.RFC3339))
	buf.WriteString(" [")
	buf.WriteString(levelString(r.Level))
	buf.WriteString("] ")
	if component != "" {
		buf.WriteString(component)
		buf.WriteString(": ")
	}
	buf.WriteString(r.Message)
	if len(attrs) > 0 {
		buf.WriteString(" |")
		for i, a := range attrs {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteByte(' ')
			buf.WriteString(a.Key)
			buf.WriteByte('=')
			buf.WriteString(formatValue(a.Value))
		}
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

// WithAttrs returns a handler carrying attrs. A component attribute becomes
// the handler's component.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	for _, a := range attrs {
		if a.Key == ComponentKey && len(h.groups) == 0 {
			nh.component = a.Value.String()
			continue
		}
		nh.attrs = append(nh.attrs, h.qualify(a))
	}
	return nh
}

// WithGroup returns a handler that prefixes later keys with name.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *Handler) clone() *Handler {
	nh := *h
	nh.attrs = append([]slog.Attr(nil), h.attrs...)
	nh.groups = append([]string(nil), h.groups...)
	return &nh
}

func (h *Handler) qualify(a slog.Attr) slog.Attr {
	for i := len(h.groups) - 1; i >= 0; i-- {
		a.Key = h.groups[i] + "." + a.Key
	}
	return a
}

func levelString(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warn"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

func formatValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if needsQuote(s) {
			return strconv.Quote(s)
		}
		return s
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindGroup:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, a := range v.Group() {
			if i > 0 {
				buf.WriteString(", ")
			}
			buf.WriteString(a.Key)
			buf.WriteByte('=')
			buf.WriteString(formatValue(a.Value))
		}
		buf.WriteByte('}')
		return buf.String()
	}
	return fmt.Sprint(v.Any())
}

func needsQuote(s string) bool {
	if s == "" {
		return true
	}
	for _, c := range s {
		if c == ' ' || c == '=' || c == ',' || c == '"' || c < 0x20 {
			return true
		}
	}
	return false
}

// ForwardFunc receives error-level records for delivery elsewhere.
type ForwardFunc func(component string, level slog.Level, msg string)

// Forwarder passes records at or above a level to a ForwardFunc and every
// record to the wrapped handler.
type Forwarder struct {
	next      slog.Handler
	min       slog.Level
	fn        ForwardFunc
	component string
}

// NewForwarder wraps next so records at min or above also reach fn.
func NewForwarder(next slog.Handler, min slog.Level, fn ForwardFunc) *Forwarder {
	return &Forwarder{next: next, min: min, fn: fn}
}

// Enabled implements slog.Handler.
func (f *Forwarder) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= f.min || f.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (f *Forwarder) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= f.min && f.fn != nil {
		component := f.component
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == ComponentKey {
				component = a.Value.String()
			}
			return true
		})
		f.fn(component, r.Level, r.Message)
	}
	if f.next.Enabled(ctx, r.Level) {
		return f.next.Handle(ctx, r)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (f *Forwarder) WithAttrs(attrs []slog.Attr) slog.Handler {
	nf := *f
	nf.next = f.next.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key == ComponentKey {
			nf.component = a.Value.String()
		}
	}
	return &nf
}

// WithGroup implements slog.Handler.
func (f *Forwarder) WithGroup(name string) slog.Handler {
	nf := *f
	nf.next = f.next.WithGroup(name)
	return &nf
}
