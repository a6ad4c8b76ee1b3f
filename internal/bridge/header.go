package bridge

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Helper stream header sizes.
const (
	DeviceNameSize = 64
	CodecMetaSize  = 12
	HeaderSize     = DeviceNameSize + CodecMetaSize
)

// CodecH264 is the codec id the helper reports for H.264 ("h264" in ASCII).
const CodecH264 uint32 = 0x68323634

// ErrUnexpectedCodec is returned when the helper reports a codec other than H.264.
var ErrUnexpectedCodec = errors.New("unexpected video codec")

// Header is the device identification the helper sends before video.
type Header struct {
	DeviceName string
	Codec      uint32
	Width      uint16
	Height     uint16
}

// ParseHeader decodes a HeaderSize-byte helper header. Width and height are
// the big-endian 16-bit values at offsets 6 and 10 of the codec record.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("short helper header: %d bytes", len(b))
	}
	name := b[:DeviceNameSize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	meta := b[DeviceNameSize:HeaderSize]
	h := Header{
		DeviceName: string(name),
		Codec:      binary.BigEndian.Uint32(meta[0:4]),
		Width:      binary.BigEndian.Uint16(meta[6:8]),
		Height:     binary.BigEndian.Uint16(meta[10:12]),
	}
	if h.Codec != CodecH264 {
		return h, fmt.Errorf("%w: 0x%08x", ErrUnexpectedCodec, h.Codec)
	}
	return h, nil
}

// ReadHeader reads and parses the helper header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("read helper header: %w", err)
	}
	return ParseHeader(buf[:])
}
