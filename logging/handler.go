package logging

import (
	"context"
	"log/slog"
)

// Records carry their subsystem under this attribute key; the filter
// keys its per-component thresholds off it.
const componentKey = "component"

// componentFilter is a slog.Handler that applies the Spec's
// per-component level before delegating to the wrapped handler.
type componentFilter struct {
	inner     slog.Handler
	spec      *Spec
	component string
}

// NewComponentFilter wraps inner so that records are dropped unless
// they reach the spec's level for their component. The inner handler
// must be configured to pass everything through (LevelTrace), since
// the filter alone decides.
func NewComponentFilter(inner slog.Handler, spec *Spec) slog.Handler {
	return &componentFilter{inner: inner, spec: spec}
}

func (h *componentFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.spec.LevelFor(h.component).ToSlog()
}

func (h *componentFilter) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs picks up a new component scope when the attrs carry a
// component key, as logger.With("component", ...) does.
func (h *componentFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	scoped := &componentFilter{
		inner:     h.inner.WithAttrs(attrs),
		spec:      h.spec,
		component: h.component,
	}
	for _, attr := range attrs {
		if attr.Key == componentKey {
			scoped.component = attr.Value.String()
			break
		}
	}
	return scoped
}

func (h *componentFilter) WithGroup(name string) slog.Handler {
	return &componentFilter{
		inner:     h.inner.WithGroup(name),
		spec:      h.spec,
		component: h.component,
	}
}
