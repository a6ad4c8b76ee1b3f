package nal

import (
	"bytes"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// packetize fragments one NAL with pion's payloader and wraps each payload in
// an RTP packet with consecutive sequence numbers starting at seq.
func packetize(t *testing.T, nalu []byte, mtu uint16, seq uint16) [][]byte {
	t.Helper()

	payloader := &codecs.H264Payloader{}
	payloads := payloader.Payload(mtu, append([]byte{0, 0, 0, 1}, nalu...))
	if len(payloads) == 0 {
		t.Fatal("payloader produced no packets")
	}

	packets := make([][]byte, 0, len(payloads))
	for i, p := range payloads {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    96,
				SequenceNumber: seq + uint16(i),
				Timestamp:      90000,
				SSRC:           0x1234,
				Marker:         i == len(payloads)-1,
			},
			Payload: p,
		}
		raw, err := pkt.Marshal()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		packets = append(packets, raw)
	}
	return packets
}

func makeNAL(header byte, size int) []byte {
	nalu := make([]byte, size)
	nalu[0] = header
	for i := 1; i < size; i++ {
		nalu[i] = byte(i*7 + 3)
	}
	return nalu
}

func pushAll(t *testing.T, d *Depacketizer, packets [][]byte) []Unit {
	t.Helper()
	var out []Unit
	for _, p := range packets {
		units, err := d.Push(p)
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		out = append(out, units...)
	}
	return out
}

func TestDepacketizerSingleNAL(t *testing.T) {
	nalu := makeNAL(0x41, 40)
	d := NewDepacketizer()

	units := pushAll(t, d, packetize(t, nalu, 1200, 10))
	if len(units) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(units))
	}
	if !bytes.Equal(units[0].Payload, nalu) {
		t.Errorf("payload mismatch")
	}
	if units[0].Kind != TypeSlice {
		t.Errorf("expected kind %d, got %d", TypeSlice, units[0].Kind)
	}
	if !bytes.Equal(units[0].AnnexB()[:4], StartCode) {
		t.Errorf("expected synthesized start code")
	}
}

func TestDepacketizerFUAReassembly(t *testing.T) {
	tests := []struct {
		name   string
		header byte
		size   int
		mtu    uint16
	}{
		{"idr small mtu", 0x65, 5000, 100},
		{"idr exact multiple", 0x65, 1000, 110},
		{"slice", 0x41, 3000, 300},
		{"nri zero", 0x05, 2048, 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nalu := makeNAL(tt.header, tt.size)
			packets := packetize(t, nalu, tt.mtu, 65530) // wraps around 65535
			if len(packets) < 2 {
				t.Fatalf("expected fragmentation, got %d packets", len(packets))
			}

			d := NewDepacketizer()
			units := pushAll(t, d, packets)
			if len(units) != 1 {
				t.Fatalf("expected 1 unit, got %d", len(units))
			}
			if !bytes.Equal(units[0].Payload, nalu) {
				t.Errorf("reassembled unit differs from original (%d vs %d bytes)", len(units[0].Payload), len(nalu))
			}
			if d.Gaps() != 0 {
				t.Errorf("expected no gaps across sequence wrap, got %d", d.Gaps())
			}
		})
	}
}

func TestDepacketizerGapMidFragmentDropsUnit(t *testing.T) {
	first := makeNAL(0x65, 4000)
	second := makeNAL(0x41, 600)

	packets := packetize(t, first, 200, 100)
	next := uint16(100 + len(packets))
	packets = append(packets, packetize(t, second, 200, next)...)

	// Drop one middle fragment of the first unit.
	lossy := append([][]byte{}, packets[:3]...)
	lossy = append(lossy, packets[4:]...)

	d := NewDepacketizer()
	units := pushAll(t, d, lossy)

	for _, u := range units {
		if u.Kind == TypeIDR {
			t.Fatalf("corrupted IDR unit emitted (%d bytes)", len(u.Payload))
		}
	}
	if len(units) != 1 || !bytes.Equal(units[0].Payload, second) {
		t.Fatalf("expected only the second unit, got %d units", len(units))
	}
	if d.Gaps() != 1 {
		t.Errorf("expected 1 gap, got %d", d.Gaps())
	}
	if d.Lost() != 1 {
		t.Errorf("expected 1 lost packet, got %d", d.Lost())
	}
}

func TestDepacketizerLostEndThenNewStart(t *testing.T) {
	first := makeNAL(0x65, 1000)
	second := makeNAL(0x65, 1000)

	a := packetize(t, first, 200, 0)
	b := packetize(t, second, 200, uint16(len(a)))

	// Remove the end fragment of the first unit: the next start arrives after a gap.
	stream := append(append([][]byte{}, a[:len(a)-1]...), b...)

	d := NewDepacketizer()
	units := pushAll(t, d, stream)
	if len(units) != 1 || !bytes.Equal(units[0].Payload, second) {
		t.Fatalf("expected only the intact second unit, got %d", len(units))
	}
}

func TestDepacketizerSTAPA(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1F}
	pps := []byte{0x68, 0xCE, 0x3C, 0x80}

	payload := []byte{0x18}
	payload = append(payload, 0x00, byte(len(sps)))
	payload = append(payload, sps...)
	payload = append(payload, 0x00, byte(len(pps)))
	payload = append(payload, pps...)

	raw, err := (&rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 1}, Payload: payload}).Marshal()
	if err != nil {
		t.Fatal(err)
	}

	units := pushAll(t, NewDepacketizer(), [][]byte{raw})
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
	if units[0].Kind != TypeSPS || units[1].Kind != TypePPS {
		t.Errorf("unexpected kinds %d, %d", units[0].Kind, units[1].Kind)
	}
}

func TestDepacketizerMalformedPacket(t *testing.T) {
	d := NewDepacketizer()
	if _, err := d.Push([]byte{0x80, 0x60}); err == nil {
		t.Fatal("expected error for truncated header")
	}
	if d.Desyncs() != 1 {
		t.Errorf("expected desync counter to increment, got %d", d.Desyncs())
	}
}

func TestDepacketizerUnspecifiedTypeIsDesync(t *testing.T) {
	d := NewDepacketizer()
	for seq, payload := range [][]byte{{0x00, 0xAA, 0xBB}, {0x1E, 0x01}, {0x1F, 0x01}} {
		pkt := &rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: uint16(seq)},
			Payload: payload,
		}
		if units := d.PushPacket(pkt); len(units) != 0 {
			t.Errorf("type %d produced %d units", payload[0]&0x1F, len(units))
		}
	}
	if d.Desyncs() != 3 {
		t.Errorf("desyncs = %d, want 3", d.Desyncs())
	}

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 3}, Payload: []byte{0x41, 0x9A}}
	if units := d.PushPacket(pkt); len(units) != 1 || units[0].Kind != 1 {
		t.Errorf("type 1 after desyncs = %v", units)
	}
}

func TestDepacketizerOrphanContinuationIgnored(t *testing.T) {
	packets := packetize(t, makeNAL(0x65, 1000), 200, 0)

	d := NewDepacketizer()
	units := pushAll(t, d, packets[1:])
	if len(units) != 0 {
		t.Fatalf("expected no units without a start fragment, got %d", len(units))
	}
}
