package logging

import (
	"sync"
	"time"
)

// LogEntry is one log line kept for the log stream.
type LogEntry struct {
	// Seq increases by one per entry written to the buffer. Zero means the
	// entry never went through a buffer.
	Seq        uint64         `json:"seq"`
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	Module     string         `json:"module"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// RingBuffer keeps the most recent log entries.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	// next is the slot the next Write uses; seq is the last assigned number.
	next int
	seq  uint64
}

// NewRingBuffer creates a buffer holding up to size entries.
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{entries: make([]LogEntry, 0, size)}
}

// Write stores entry, evicting the oldest one when full, and returns it
// with its sequence number set.
func (rb *RingBuffer) Write(entry LogEntry) LogEntry {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.seq++
	entry.Seq = rb.seq
	if len(rb.entries) < cap(rb.entries) {
		rb.entries = append(rb.entries, entry)
	} else {
		rb.entries[rb.next] = entry
	}
	rb.next = (rb.next + 1) % cap(rb.entries)
	return entry
}

// ReadAll returns every stored entry, oldest first.
func (rb *RingBuffer) ReadAll() []LogEntry {
	return rb.Tail(0, nil)
}

// Tail returns up to n of the newest entries accepted by match, oldest
// first. n <= 0 means no limit; a nil match accepts everything.
func (rb *RingBuffer) Tail(n int, match func(LogEntry) bool) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []LogEntry
	size := len(rb.entries)
	// Walk newest to oldest so the limit keeps the latest lines.
	for i := range size {
		e := rb.entries[(rb.next-1-i+2*size)%size]
		if match != nil && !match(e) {
			continue
		}
		out = append(out, e)
		if n > 0 && len(out) == n {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Count returns the number of stored entries.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.entries)
}

// LastSeq returns the sequence number of the newest entry.
func (rb *RingBuffer) LastSeq() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.seq
}
