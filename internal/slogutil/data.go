package slogutil

import (
	"context"
	"log/slog"
	"maps"
	"slices"
)

type dataKey struct{}

// attrs are keyed by attribute name so a later With overrides an earlier one.
type attrs map[string]slog.Attr

func fromContext(ctx context.Context) attrs {
	a, _ := ctx.Value(dataKey{}).(attrs)
	return a
}

// With returns a context carrying the given key-value pairs. Handlers built
// by this package add them to every record logged with that context.
func With(ctx context.Context, kvargs ...any) context.Context {
	if len(kvargs) == 0 {
		return ctx
	}

	var r slog.Record
	r.Add(kvargs...)

	next := maps.Clone(fromContext(ctx))
	if next == nil {
		next = make(attrs, r.NumAttrs())
	}
	r.Attrs(func(a slog.Attr) bool {
		next[a.Key] = a
		return true
	})

	return context.WithValue(ctx, dataKey{}, next)
}

// Attrs returns the attributes carried by ctx, sorted by key.
func Attrs(ctx context.Context) []slog.Attr {
	a := fromContext(ctx)
	if len(a) == 0 {
		return nil
	}

	out := make([]slog.Attr, 0, len(a))
	for _, k := range slices.Sorted(maps.Keys(a)) {
		out = append(out, a[k])
	}
	return out
}

// Data returns the attributes carried by ctx as plain values.
func Data(ctx context.Context) map[string]any {
	a := fromContext(ctx)
	if a == nil {
		return nil
	}

	m := make(map[string]any, len(a))
	for k, v := range a {
		m[k] = v.Value.Any()
	}
	return m
}
