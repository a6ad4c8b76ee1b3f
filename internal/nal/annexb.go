package nal

import (
	"bytes"
	"iter"
)

// MaxBuffer is the largest amount of data the Splitter holds while looking
// for a start code. A buffer that grows past it without any boundary is
// dropped so a corrupt stream cannot grow memory without bound.
const MaxBuffer = 1 << 20

// maxUnit bounds a single incomplete unit that has a start code but no end.
const maxUnit = 16 << 20

var startCode3 = []byte{0x00, 0x00, 0x01}

// Splitter cuts an Annex-B byte stream into NAL units. It keeps bytes across
// calls, so chunk boundaries never affect the produced units.
type Splitter struct {
	buf       []byte
	max       int
	discarded uint64
	overflows uint64
}

// NewSplitter creates a splitter with the default buffer cap.
func NewSplitter() *Splitter {
	return &Splitter{max: MaxBuffer}
}

// Push appends data and returns the units that became complete.
// The sequence is lazy: units are cut from the buffer as the caller
// iterates. Stopping early leaves the rest buffered for the next Push.
func (s *Splitter) Push(data []byte) iter.Seq[Unit] {
	s.buf = append(s.buf, data...)
	return s.units
}

// Units yields complete units already buffered without adding data.
func (s *Splitter) Units() iter.Seq[Unit] {
	return s.units
}

func (s *Splitter) units(yield func(Unit) bool) {
	for {
		u, ok := s.next()
		if !ok {
			return
		}
		if len(u.Payload) == 0 {
			continue
		}
		if !yield(u) {
			return
		}
	}
}

// next cuts one unit off the front of the buffer.
func (s *Splitter) next() (Unit, bool) {
	first := bytes.Index(s.buf, startCode3)
	if first < 0 {
		if len(s.buf) > s.max {
			s.discarded += uint64(len(s.buf))
			s.overflows++
			s.buf = s.buf[:0]
		}
		return Unit{}, false
	}

	// Junk ahead of the first start code. A leading zero belongs to a
	// 4-byte start code and is not counted.
	junk := first
	if junk > 0 && s.buf[junk-1] == 0 {
		junk--
	}
	s.discarded += uint64(junk)

	begin := first + len(startCode3)
	rel := bytes.Index(s.buf[begin:], startCode3)
	if rel < 0 {
		s.buf = s.buf[first:]
		if len(s.buf) > maxUnit {
			s.discarded += uint64(len(s.buf))
			s.overflows++
			s.buf = s.buf[:0]
		}
		return Unit{}, false
	}

	end := begin + rel
	next := end
	// A zero before 00 00 01 is the first byte of a 4-byte start code.
	if end > begin && s.buf[end-1] == 0 {
		end--
	}

	payload := make([]byte, end-begin)
	copy(payload, s.buf[begin:end])

	s.buf = s.buf[next:]
	return NewUnit(payload), true
}

// Flush returns the trailing unit at end of stream, if any.
func (s *Splitter) Flush() (Unit, bool) {
	first := bytes.Index(s.buf, startCode3)
	if first < 0 {
		s.discarded += uint64(len(s.buf))
		s.buf = s.buf[:0]
		return Unit{}, false
	}
	payload := make([]byte, len(s.buf)-first-len(startCode3))
	copy(payload, s.buf[first+len(startCode3):])
	s.buf = s.buf[:0]
	if len(payload) == 0 {
		return Unit{}, false
	}
	return NewUnit(payload), true
}

// Reset drops any buffered bytes.
func (s *Splitter) Reset() {
	s.buf = s.buf[:0]
}

// Buffered returns the number of bytes waiting for a boundary.
func (s *Splitter) Buffered() int {
	return len(s.buf)
}

// Discarded returns how many bytes were dropped as junk or overflow.
func (s *Splitter) Discarded() uint64 {
	return s.discarded
}

// Overflows returns how many times the buffer hit the cap and was dropped.
func (s *Splitter) Overflows() uint64 {
	return s.overflows
}
