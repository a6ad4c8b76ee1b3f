package logging

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
)

// SyslogIdentifier tags every journal entry, so `journalctl -t mirage` works.
const SyslogIdentifier = "mirage"

// JournalHandler is a slog.Handler that sends logs to systemd journal.
// Attributes become upper-cased journal fields, so a device logger's
// hardware_id can be filtered with HARDWARE_ID=.
type JournalHandler struct {
	// fixed holds the fields from WithAttrs, already rendered.
	fixed  map[string]string
	prefix string
}

// NewJournalHandler creates a new journal handler.
func NewJournalHandler() *JournalHandler {
	return &JournalHandler{fixed: map[string]string{"SYSLOG_IDENTIFIER": SyslogIdentifier}}
}

// Enabled implements slog.Handler. Level filtering happens upstream.
func (h *JournalHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

// Handle sends the log record to systemd journal.
func (h *JournalHandler) Handle(_ context.Context, r slog.Record) error {
	// journal.Send sets MESSAGE and PRIORITY itself.
	fields := make(map[string]string, len(h.fixed)+r.NumAttrs())
	maps.Copy(fields, h.fixed)
	r.Attrs(func(attr slog.Attr) bool {
		renderField(fields, h.prefix, attr)
		return true
	})

	if err := journal.Send(r.Message, journalPriority(r.Level), fields); err != nil {
		fmt.Fprintf(os.Stderr, "journal: %v\n", err)
		return err
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *JournalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	fixed := maps.Clone(h.fixed)
	for _, a := range attrs {
		renderField(fixed, h.prefix, a)
	}
	return &JournalHandler{fixed: fixed, prefix: h.prefix}
}

// WithGroup implements slog.Handler.
func (h *JournalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &JournalHandler{fixed: h.fixed, prefix: h.prefix + fieldName(name) + "_"}
}

func journalPriority(level slog.Level) journal.Priority {
	switch {
	case level >= slog.LevelError:
		return journal.PriErr
	case level >= slog.LevelWarn:
		return journal.PriWarning
	case level >= slog.LevelInfo:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}

// fieldName maps an attribute key to a valid journal field name: upper
// case letters, digits and underscores, not starting with an underscore.
func fieldName(key string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
	name = strings.TrimLeft(name, "_")
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "F" + name
	}
	return name
}

func renderField(fields map[string]string, prefix string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}
	if attr.Value.Kind() == slog.KindGroup {
		inner := prefix
		if attr.Key != "" {
			inner += fieldName(attr.Key) + "_"
		}
		for _, a := range attr.Value.Group() {
			renderField(fields, inner, a)
		}
		return
	}

	key := prefix + fieldName(attr.Key)
	switch attr.Value.Kind() {
	case slog.KindInt64:
		fields[key] = strconv.FormatInt(attr.Value.Int64(), 10)
	case slog.KindUint64:
		fields[key] = strconv.FormatUint(attr.Value.Uint64(), 10)
	case slog.KindFloat64:
		fields[key] = strconv.FormatFloat(attr.Value.Float64(), 'g', -1, 64)
	case slog.KindBool:
		fields[key] = strconv.FormatBool(attr.Value.Bool())
	case slog.KindDuration:
		fields[key] = attr.Value.Duration().String()
	case slog.KindTime:
		fields[key] = attr.Value.Time().Format(time.RFC3339Nano)
	default:
		fields[key] = attr.Value.String()
	}
}

// IsJournalAvailable checks if systemd journal is available.
func IsJournalAvailable() bool {
	return journal.Enabled()
}
