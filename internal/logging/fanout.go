package logging

import (
	"context"
	"log/slog"
	"strings"
)

// Publisher receives log lines destined for outbound listeners.
type Publisher interface {
	Publish(kind string, message any)
}

// FanoutHandler forwards every record to the wrapped handler and, for records
// at or above MinLevel, publishes a flattened line to a Publisher.
type FanoutHandler struct {
	next     slog.Handler
	pub      Publisher
	minLevel slog.Level
	attrs    []slog.Attr
}

// NewFanoutHandler wraps next. Records at minLevel or above are also published
// as "log" messages.
func NewFanoutHandler(next slog.Handler, pub Publisher, minLevel slog.Level) *FanoutHandler {
	return &FanoutHandler{next: next, pub: pub, minLevel: minLevel}
}

func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level) || (h.pub != nil && level >= h.minLevel)
}

func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.pub != nil && r.Level >= h.minLevel {
		h.pub.Publish("log", h.format(r))
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &FanoutHandler{next: h.next.WithAttrs(attrs), pub: h.pub, minLevel: h.minLevel, attrs: merged}
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	return &FanoutHandler{next: h.next.WithGroup(name), pub: h.pub, minLevel: h.minLevel, attrs: h.attrs}
}

func (h *FanoutHandler) format(r slog.Record) string {
	var b strings.Builder
	b.WriteString(r.Level.String())
	b.WriteString(" ")
	b.WriteString(r.Message)
	write := func(a slog.Attr) bool {
		b.WriteString(" ")
		b.WriteString(a.Key)
		b.WriteString("=")
		b.WriteString(a.Value.String())
		return true
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(write)
	return b.String()
}
