package command

import "encoding/binary"

// TouchAction is the phase of a touch event.
type TouchAction uint8

// Touch phases.
const (
	TouchDown TouchAction = 0
	TouchUp   TouchAction = 1
	TouchMove TouchAction = 2
)

// KeyAction is the phase of a key event.
type KeyAction uint8

// Key phases.
const (
	KeyDown KeyAction = 0
	KeyUp   KeyAction = 1
	// KeyPress sends down and up in one command.
	KeyPress KeyAction = 2
)

// Touch encodes action(1) | pointer(1) | x(2) | y(2).
func Touch(action TouchAction, pointer uint8, x, y uint16) []byte {
	b := make([]byte, 6)
	b[0] = uint8(action)
	b[1] = pointer
	binary.LittleEndian.PutUint16(b[2:4], x)
	binary.LittleEndian.PutUint16(b[4:6], y)
	return b
}

// Key encodes action(1) | keycode(4) | meta(4).
func Key(action KeyAction, keycode, meta uint32) []byte {
	b := make([]byte, 9)
	b[0] = uint8(action)
	binary.LittleEndian.PutUint32(b[1:5], keycode)
	binary.LittleEndian.PutUint32(b[5:9], meta)
	return b
}

// Swipe encodes x1(2) | y1(2) | x2(2) | y2(2) | duration_ms(4).
func Swipe(x1, y1, x2, y2 uint16, durationMs uint32) []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint16(b[0:2], x1)
	binary.LittleEndian.PutUint16(b[2:4], y1)
	binary.LittleEndian.PutUint16(b[4:6], x2)
	binary.LittleEndian.PutUint16(b[6:8], y2)
	binary.LittleEndian.PutUint32(b[8:12], durationMs)
	return b
}

// LongPress encodes x(2) | y(2) | duration_ms(4).
func LongPress(x, y uint16, durationMs uint32) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:2], x)
	binary.LittleEndian.PutUint16(b[2:4], y)
	binary.LittleEndian.PutUint32(b[4:8], durationMs)
	return b
}

// Text encodes UTF-8 text as-is.
func Text(s string) []byte {
	return []byte(s)
}

// Settings are the global capture parameters pushed to the main device.
type Settings struct {
	MaxFPS  uint16
	Bitrate uint32
	MaxSize uint16
}

// Configure encodes fps(2) | bitrate(4) | max_size(2).
func Configure(s Settings) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:2], s.MaxFPS)
	binary.LittleEndian.PutUint32(b[2:6], s.Bitrate)
	binary.LittleEndian.PutUint16(b[6:8], s.MaxSize)
	return b
}

// ParseConfigure decodes a Configure payload.
func ParseConfigure(b []byte) (Settings, bool) {
	if len(b) < 8 {
		return Settings{}, false
	}
	return Settings{
		MaxFPS:  binary.LittleEndian.Uint16(b[0:2]),
		Bitrate: binary.LittleEndian.Uint32(b[2:6]),
		MaxSize: binary.LittleEndian.Uint16(b[6:8]),
	}, true
}
