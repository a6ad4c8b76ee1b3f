package nal

import (
	"fmt"

	"github.com/pion/rtp"
)

// Depacketizer reassembles H.264 NAL units from RTP packets of one
// connection. It tracks the sequence number and holds at most one
// fragmentation unit in progress.
type Depacketizer struct {
	lastSeq  uint16
	hasSeq   bool
	fu       []byte
	fuActive bool

	gaps    uint64
	lost    uint64
	desyncs uint64
}

// NewDepacketizer creates a depacketizer for one RTP connection.
func NewDepacketizer() *Depacketizer {
	return &Depacketizer{}
}

// Push parses one RTP packet and returns the NAL units it completes.
// A sequence gap drops any partial FU-A unit; the stream keeps going.
// An error is returned only when the RTP header itself cannot be parsed.
func (d *Depacketizer) Push(packet []byte) ([]Unit, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(packet); err != nil {
		d.desyncs++
		return nil, fmt.Errorf("parse rtp packet: %w", err)
	}
	return d.PushPacket(&pkt), nil
}

// PushPacket is Push for an already parsed packet.
func (d *Depacketizer) PushPacket(pkt *rtp.Packet) []Unit {
	seq := pkt.SequenceNumber
	if d.hasSeq && seq != d.lastSeq+1 {
		d.gaps++
		if diff := seq - d.lastSeq; diff > 0 && diff < 0x8000 {
			d.lost += uint64(diff - 1)
		}
		d.dropFragment()
	}
	d.lastSeq = seq
	d.hasSeq = true

	payload := pkt.Payload
	if len(payload) == 0 {
		return nil
	}

	// Type 0 is unspecified in H.264 and has no RFC 6184 packetization, so
	// a zero type byte means the payload is not aligned to a NAL header.
	nalType := payload[0] & 0x1F
	switch {
	case nalType >= 1 && nalType <= maxSingleNAL:
		return []Unit{NewUnit(clone(payload))}
	case nalType == TypeSTAPA:
		return d.stapA(payload)
	case nalType == TypeFUA:
		return d.fuA(payload)
	default:
		d.desyncs++
		return nil
	}
}

func (d *Depacketizer) stapA(payload []byte) []Unit {
	var units []Unit
	offset := 1
	for offset+2 <= len(payload) {
		size := int(payload[offset])<<8 | int(payload[offset+1])
		offset += 2
		if size == 0 || offset+size > len(payload) {
			d.desyncs++
			break
		}
		units = append(units, NewUnit(clone(payload[offset:offset+size])))
		offset += size
	}
	return units
}

func (d *Depacketizer) fuA(payload []byte) []Unit {
	if len(payload) < 2 {
		d.desyncs++
		return nil
	}

	indicator, header := payload[0], payload[1]
	start := header&0x80 != 0
	end := header&0x40 != 0

	if start {
		if d.fuActive {
			// New start while a unit is open means its end was lost.
			d.desyncs++
		}
		d.fu = append(d.fu[:0], indicator&0xE0|header&0x1F)
		d.fuActive = true
	} else if !d.fuActive {
		// Middle or end of a unit whose start we never saw.
		return nil
	}

	d.fu = append(d.fu, payload[2:]...)

	if !end {
		return nil
	}

	u := NewUnit(clone(d.fu))
	d.fu = d.fu[:0]
	d.fuActive = false
	return []Unit{u}
}

func (d *Depacketizer) dropFragment() {
	if d.fuActive {
		d.desyncs++
	}
	d.fu = d.fu[:0]
	d.fuActive = false
}

// Reset forgets sequence state and any partial unit, e.g. on reconnect.
func (d *Depacketizer) Reset() {
	d.hasSeq = false
	d.dropFragment()
}

// Gaps returns how many sequence discontinuities were seen.
func (d *Depacketizer) Gaps() uint64 {
	return d.gaps
}

// Lost returns the number of packets implied missing by the gaps.
func (d *Depacketizer) Lost() uint64 {
	return d.lost
}

// Desyncs returns how many payloads or partial units were dropped.
func (d *Depacketizer) Desyncs() uint64 {
	return d.desyncs
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
