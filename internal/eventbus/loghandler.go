package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// LogLine is the payload of a Log event.
type LogLine struct {
	Level string         `json:"level"`
	Text  string         `json:"text"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// LogHandler is a slog.Handler that forwards every record to next and also
// publishes it as a Log event, giving the presentation layer a readable
// trace of the core.
type LogHandler struct {
	next   slog.Handler
	pub    Publisher
	attrs  []slog.Attr
	prefix string
}

// NewLogHandler tees records from next onto pub.
func NewLogHandler(next slog.Handler, pub Publisher) *LogHandler {
	return &LogHandler{next: next, pub: pub}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	var sb strings.Builder
	sb.WriteString(r.Message)

	add := func(key string, a slog.Attr) {
		v := a.Value.Resolve()
		attrs[key] = v.Any()
		fmt.Fprintf(&sb, " %s=%v", key, v.Any())
	}
	for _, a := range h.attrs {
		add(a.Key, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(h.prefix+a.Key, a)
		return true
	})
	if len(attrs) == 0 {
		attrs = nil
	}

	h.pub.Publish(Log, sb.String(), LogLine{
		Level: r.Level.String(),
		Text:  r.Message,
		Attrs: attrs,
	})
	return h.next.Handle(ctx, r)
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		merged = append(merged, a)
	}
	return &LogHandler{next: h.next.WithAttrs(attrs), pub: h.pub, attrs: merged, prefix: h.prefix}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &LogHandler{next: h.next.WithGroup(name), pub: h.pub, attrs: h.attrs, prefix: h.prefix + name + "."}
}
