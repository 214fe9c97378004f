package observability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// SyslogWriter is the subset of *syslog.Writer used by the syslog handler.
type SyslogWriter interface {
	Debug(m string) error
	Info(m string) error
	Warning(m string) error
	Err(m string) error
}

// syslogHandler forwards every record to a base handler and mirrors it to
// the system log at the matching severity. Records below level are dropped
// for both destinations by the base handler's own level check.
type syslogHandler struct {
	base   slog.Handler
	writer SyslogWriter
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

// NewSyslogHandler wraps base so that records are also written to w.
func NewSyslogHandler(base slog.Handler, w SyslogWriter, level slog.Level) slog.Handler {
	return &syslogHandler{base: base, writer: w, level: level}
}

func (h *syslogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level) || level >= h.level
}

func (h *syslogHandler) Handle(ctx context.Context, record slog.Record) error {
	var baseErr error
	if h.base.Enabled(ctx, record.Level) {
		baseErr = h.base.Handle(ctx, record.Clone())
	}
	if record.Level < h.level {
		return baseErr
	}

	line := h.format(record)
	var err error
	switch {
	case record.Level >= slog.LevelError:
		err = h.writer.Err(line)
	case record.Level >= slog.LevelWarn:
		err = h.writer.Warning(line)
	case record.Level >= slog.LevelInfo:
		err = h.writer.Info(line)
	default:
		err = h.writer.Debug(line)
	}
	if baseErr != nil {
		return baseErr
	}
	return err
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	next.base = h.base.WithAttrs(attrs)
	prefix := strings.Join(h.groups, ".")
	for _, a := range attrs {
		if prefix != "" {
			a.Key = prefix + "." + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return next
}

func (h *syslogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.base = h.base.WithGroup(name)
	next.groups = append(next.groups, name)
	return next
}

func (h *syslogHandler) clone() *syslogHandler {
	return &syslogHandler{
		base:   h.base,
		writer: h.writer,
		level:  h.level,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
	}
}

// format renders a record as a single logfmt-style line. The timestamp is
// included because some syslog daemons drop sub-second precision.
func (h *syslogHandler) format(record slog.Record) string {
	var b strings.Builder
	b.WriteString(record.Message)
	if !record.Time.IsZero() {
		fmt.Fprintf(&b, " time=%s", record.Time.UTC().Format(time.RFC3339Nano))
	}
	for _, a := range h.attrs {
		writeAttr(&b, "", a)
	}
	prefix := strings.Join(h.groups, ".")
	record.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, prefix, a)
		return true
	})
	return b.String()
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, inner := range a.Value.Group() {
			writeAttr(b, key, inner)
		}
		return
	}
	value := a.Value.String()
	if strings.ContainsAny(value, " \t\"=") {
		value = fmt.Sprintf("%q", value)
	}
	fmt.Fprintf(b, " %s=%s", key, value)
}
