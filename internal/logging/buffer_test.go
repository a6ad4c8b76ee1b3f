package logging

import (
	"fmt"
	"testing"
)

func TestRingBufferWrap(t *testing.T) {
	rb := NewRingBuffer(3)
	if got := rb.ReadAll(); len(got) != 0 {
		t.Fatalf("empty buffer returned %d entries", len(got))
	}
	for i := range 5 {
		e := rb.Write(LogEntry{Message: fmt.Sprint(i)})
		if e.Seq != uint64(i+1) {
			t.Errorf("entry %d seq = %d", i, e.Seq)
		}
	}

	got := rb.ReadAll()
	if len(got) != 3 || rb.Count() != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	for i, want := range []string{"2", "3", "4"} {
		if got[i].Message != want {
			t.Errorf("entry %d = %q, want %q", i, got[i].Message, want)
		}
	}
	if rb.LastSeq() != 5 {
		t.Errorf("LastSeq = %d, want 5", rb.LastSeq())
	}
}

func TestRingBufferTail(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := range 6 {
		module := "transport"
		if i%2 == 1 {
			module = "command"
		}
		rb.Write(LogEntry{Module: module, Message: fmt.Sprint(i)})
	}

	got := rb.Tail(2, func(e LogEntry) bool { return e.Module == "transport" })
	if len(got) != 2 || got[0].Message != "2" || got[1].Message != "4" {
		t.Errorf("Tail(2, transport) = %+v", got)
	}
	if got := rb.Tail(0, nil); len(got) != 6 || got[0].Message != "0" {
		t.Errorf("Tail(0, nil) = %+v", got)
	}
	if got := rb.Tail(4, nil); len(got) != 4 || got[0].Message != "2" {
		t.Errorf("Tail(4, nil) = %+v", got)
	}
}

func TestRingBufferMinimumSize(t *testing.T) {
	rb := NewRingBuffer(0)
	rb.Write(LogEntry{Message: "a"})
	rb.Write(LogEntry{Message: "b"})
	if got := rb.ReadAll(); len(got) != 1 || got[0].Message != "b" {
		t.Errorf("ReadAll = %+v", got)
	}
}
