package command

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire constants. All multi-byte header fields are little-endian.
const (
	Magic      uint32 = 0x4D524731 // "MRG1"
	Version    uint8  = 1
	HeaderSize        = 14
	AckSize           = 8

	// MaxPayload bounds a single frame so a corrupt length cannot force a huge allocation.
	MaxPayload = 1 << 20
)

// Kind identifies a command on the wire.
type Kind uint8

// Command kinds. Messages to the companion application (capture grants,
// settings) use the same framing as input injection.
const (
	KindPing           Kind = 0x01
	KindTouch          Kind = 0x02
	KindKey            Kind = 0x03
	KindSwipe          Kind = 0x04
	KindText           Kind = 0x05
	KindLongPress      Kind = 0x06
	KindCaptureRequest Kind = 0x10
	KindCaptureResume  Kind = 0x11
	KindConfigure      Kind = 0x12
	KindResetVideo     Kind = 0x13
	KindAck            Kind = 0xFF
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindTouch:
		return "touch"
	case KindKey:
		return "key"
	case KindSwipe:
		return "swipe"
	case KindText:
		return "text"
	case KindLongPress:
		return "long_press"
	case KindCaptureRequest:
		return "capture_request"
	case KindCaptureResume:
		return "capture_resume"
	case KindConfigure:
		return "configure"
	case KindResetVideo:
		return "reset_video"
	case KindAck:
		return "ack"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

// Status is the result code carried in an acknowledgement.
type Status uint8

// Acknowledgement status codes.
const (
	StatusOK             Status = 0
	StatusUnknownCommand Status = 1
	StatusInvalidPayload Status = 2
	StatusBusy           Status = 3
	StatusNotFound       Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnknownCommand:
		return "unknown_command"
	case StatusInvalidPayload:
		return "invalid_payload"
	case StatusBusy:
		return "busy"
	case StatusNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Command is one request to a device.
type Command struct {
	Kind    Kind
	Seq     uint32
	Payload []byte
}

// Ack is the device's reply to the command with the same Seq.
type Ack struct {
	Seq    uint32
	Status Status
}

// Header is the fixed 14-byte frame header.
type Header struct {
	Magic   uint32
	Version uint8
	Kind    Kind
	Seq     uint32
	Length  uint32
}

// Framing errors.
var (
	ErrBadMagic   = errors.New("bad frame magic")
	ErrBadVersion = errors.New("unsupported frame version")
	ErrTooLarge   = errors.New("frame payload too large")
	ErrShortAck   = errors.New("short ack payload")
	ErrNotAnAck   = errors.New("frame is not an ack")
)

func putHeader(buf []byte, kind Kind, seq uint32, length int) {
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	buf[5] = uint8(kind)
	binary.LittleEndian.PutUint32(buf[6:10], seq)
	binary.LittleEndian.PutUint32(buf[10:14], uint32(length))
}

// EncodeCommand serializes a command frame.
func EncodeCommand(c Command) []byte {
	buf := make([]byte, HeaderSize+len(c.Payload))
	putHeader(buf, c.Kind, c.Seq, len(c.Payload))
	copy(buf[HeaderSize:], c.Payload)
	return buf
}

// EncodeAck serializes an acknowledgement frame. The header carries the
// echoed sequence, and the 8-byte payload repeats it with the status.
func EncodeAck(a Ack) []byte {
	buf := make([]byte, HeaderSize+AckSize)
	putHeader(buf, KindAck, a.Seq, AckSize)
	binary.LittleEndian.PutUint32(buf[HeaderSize:HeaderSize+4], a.Seq)
	buf[HeaderSize+4] = uint8(a.Status)
	return buf
}

// ParseHeader decodes and validates a frame header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, io.ErrUnexpectedEOF
	}
	h := Header{
		Magic:   binary.LittleEndian.Uint32(b[0:4]),
		Version: b[4],
		Kind:    Kind(b[5]),
		Seq:     binary.LittleEndian.Uint32(b[6:10]),
		Length:  binary.LittleEndian.Uint32(b[10:14]),
	}
	if h.Magic != Magic {
		return h, fmt.Errorf("%w: 0x%08x", ErrBadMagic, h.Magic)
	}
	if h.Version != Version {
		return h, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	if h.Length > MaxPayload {
		return h, fmt.Errorf("%w: %d bytes", ErrTooLarge, h.Length)
	}
	return h, nil
}

// ReadFrame reads one complete frame from r.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Header{}, nil, err
	}
	h, err := ParseHeader(hdr[:])
	if err != nil {
		return h, nil, err
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return h, nil, fmt.Errorf("read payload: %w", err)
	}
	return h, payload, nil
}

// DecodeAck interprets a frame as an acknowledgement.
func DecodeAck(h Header, payload []byte) (Ack, error) {
	if h.Kind != KindAck {
		return Ack{}, ErrNotAnAck
	}
	if len(payload) < AckSize {
		return Ack{}, ErrShortAck
	}
	return Ack{
		Seq:    binary.LittleEndian.Uint32(payload[0:4]),
		Status: Status(payload[4]),
	}, nil
}
