package logging

import (
	"log/slog"
	"testing"
	"time"
)

func TestFieldName(t *testing.T) {
	tests := map[string]string{
		"hardware_id": "HARDWARE_ID",
		"rtp.lost":    "RTP_LOST",
		"_private":    "PRIVATE",
		"9lives":      "F9LIVES",
		"":            "F",
		"端末":          "F",
	}
	for in, want := range tests {
		if got := fieldName(in); got != want {
			t.Errorf("fieldName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJournalFields(t *testing.T) {
	h := NewJournalHandler().
		WithAttrs([]slog.Attr{slog.String("module", "transport"), slog.String("hardware_id", "A9-001")}).
		WithGroup("rtp").
		WithAttrs([]slog.Attr{slog.Uint64("lost", 3)}).(*JournalHandler)

	want := map[string]string{
		"SYSLOG_IDENTIFIER": SyslogIdentifier,
		"MODULE":            "transport",
		"HARDWARE_ID":       "A9-001",
		"RTP_LOST":          "3",
	}
	for k, v := range want {
		if h.fixed[k] != v {
			t.Errorf("%s = %q, want %q", k, h.fixed[k], v)
		}
	}

	fields := map[string]string{}
	renderField(fields, h.prefix, slog.Group("window", slog.Duration("span", time.Second), slog.Bool("degraded", true)))
	if fields["RTP_WINDOW_SPAN"] != "1s" || fields["RTP_WINDOW_DEGRADED"] != "true" {
		t.Errorf("group fields = %v", fields)
	}
}

func TestJournalPriority(t *testing.T) {
	if journalPriority(slog.LevelDebug) >= journalPriority(slog.LevelError) {
		t.Error("debug priority should be numerically higher than error")
	}
}
