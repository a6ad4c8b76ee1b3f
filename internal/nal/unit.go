// Package nal turns raw H.264 transport bytes into NAL units.
//
// Two parsers share the Unit output shape:
//   - Splitter cuts an Annex-B byte stream on start codes (TCP, USB bulk).
//   - Depacketizer reassembles RTP H.264 payloads (UDP), including FU-A fragments.
//
// Neither parser fails a stream on corrupt input. Lost or unparseable data is
// discarded, the parser resynchronizes on the next start code or sequence
// number, and a counter is incremented for diagnostics.
package nal

// H.264 NAL unit types referenced by the parsers (RFC 6184, ITU-T H.264 Table 7-1).
const (
	TypeSlice    uint8 = 1
	TypeIDR      uint8 = 5
	TypeSEI      uint8 = 6
	TypeSPS      uint8 = 7
	TypePPS      uint8 = 8
	TypeAUD      uint8 = 9
	TypeSTAPA    uint8 = 24
	TypeFUA      uint8 = 28
	maxSingleNAL uint8 = 23
)

// StartCode is the 4-byte Annex-B prefix synthesized for downstream consumers.
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// Unit is one NAL unit with its start-code prefix stripped.
// Payload starts with the NAL header byte.
type Unit struct {
	Kind    uint8
	Payload []byte
}

// NewUnit builds a Unit, deriving Kind from the NAL header byte.
func NewUnit(payload []byte) Unit {
	u := Unit{Payload: payload}
	if len(payload) > 0 {
		u.Kind = payload[0] & 0x1F
	}
	return u
}

// AnnexB returns the unit prefixed with a 4-byte start code.
func (u Unit) AnnexB() []byte {
	out := make([]byte, 0, len(StartCode)+len(u.Payload))
	out = append(out, StartCode...)
	return append(out, u.Payload...)
}

// IsKeyframe reports whether the unit is an IDR slice.
func (u Unit) IsKeyframe() bool {
	return u.Kind == TypeIDR
}

// IsParameterSet reports whether the unit is an SPS or PPS.
func (u Unit) IsParameterSet() bool {
	return u.Kind == TypeSPS || u.Kind == TypePPS
}

// IsVCL reports whether the unit carries coded picture data.
func (u Unit) IsVCL() bool {
	return u.Kind >= TypeSlice && u.Kind <= TypeIDR
}
