package logging

import (
	"context"
	"log/slog"
	"maps"
	"strings"
	"time"
)

// LogCallback is called when a new log entry is written.
// Used to publish log events without creating import cycles.
type LogCallback func(entry LogEntry)

// BufferHandler is a slog.Handler that writes to the package ring buffer
// and calls the registered LogCallback for each entry. Both are looked up
// per record, so the handler can be built before Initialize or
// SetLogCallback run.
type BufferHandler struct {
	module string
	// fixed holds attributes added by WithAttrs, already flattened under
	// the groups open at the time.
	fixed  map[string]any
	groups []string
}

// NewBufferHandler creates a handler that writes to the package ring buffer.
func NewBufferHandler() *BufferHandler {
	return &BufferHandler{module: "app"}
}

// Enabled implements slog.Handler. Level filtering happens upstream.
func (h *BufferHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

// Handle implements slog.Handler.
func (h *BufferHandler) Handle(_ context.Context, r slog.Record) error {
	buffer := logBuffer.Load()
	cb := logCallback.Load()
	if buffer == nil && cb == nil {
		return nil
	}

	attrs := make(map[string]any, len(h.fixed)+r.NumAttrs())
	maps.Copy(attrs, h.fixed)
	module := h.module
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "module" && len(h.groups) == 0 {
			module = a.Value.String()
		} else {
			flattenAttr(attrs, h.groups, a)
		}
		return true
	})

	entry := LogEntry{
		Timestamp:  r.Time,
		Level:      levelToString(r.Level),
		Module:     module,
		Message:    r.Message,
		Attributes: attrs,
	}
	if buffer != nil {
		entry = buffer.Write(entry)
	}
	if cb != nil {
		(*cb)(entry)
	}
	return nil
}

// flattenAttr extracts a slog.Attr into a flat map with dot-notation keys for groups.
func flattenAttr(attrs map[string]any, groups []string, a slog.Attr) {
	key := a.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}

	switch a.Value.Kind() {
	case slog.KindGroup:
		// Recursively flatten group attributes
		for _, ga := range a.Value.Group() {
			flattenAttr(attrs, append(groups[:len(groups):len(groups)], a.Key), ga)
		}
	case slog.KindTime:
		attrs[key] = a.Value.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		attrs[key] = a.Value.Duration().String()
	case slog.KindAny:
		// Handle error type specially
		if err, ok := a.Value.Any().(error); ok {
			attrs[key] = err.Error()
		} else {
			attrs[key] = a.Value.Any()
		}
	default:
		attrs[key] = a.Value.Any()
	}
}

// WithAttrs implements slog.Handler.
func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &BufferHandler{module: h.module, fixed: maps.Clone(h.fixed), groups: h.groups}
	if next.fixed == nil {
		next.fixed = make(map[string]any, len(attrs))
	}
	for _, a := range attrs {
		if a.Key == "module" && len(h.groups) == 0 {
			next.module = a.Value.String()
			continue
		}
		flattenAttr(next.fixed, h.groups, a)
	}
	return next
}

// WithGroup implements slog.Handler.
func (h *BufferHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups[len(h.groups)] = name

	return &BufferHandler{module: h.module, fixed: h.fixed, groups: newGroups}
}

// levelToString converts slog.Level to a lowercase string.
func levelToString(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warn"
	case level >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
