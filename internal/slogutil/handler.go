package slogutil

import (
	"context"
	"log/slog"
)

// MessageKey replaces slog's "msg" key in JSON output.
const MessageKey = "message"

// Handler decorates a slog.Handler with the attributes stored in the
// record's context by With.
type Handler struct {
	handler slog.Handler
}

// WrapHandler returns h extended with context attributes.
func WrapHandler(h slog.Handler) Handler {
	return Handler{handler: h}
}

func (h Handler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.handler.Enabled(ctx, l)
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if extra := Attrs(ctx); len(extra) > 0 {
		r = r.Clone()
		r.AddAttrs(extra...)
	}
	return h.handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{handler: h.handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{handler: h.handler.WithGroup(name)}
}

func renameMessage(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.MessageKey {
		return slog.String(MessageKey, a.Value.String())
	}
	return a
}
