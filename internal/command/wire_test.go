package command

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeCommandLayout(t *testing.T) {
	frame := EncodeCommand(Command{Kind: KindTouch, Seq: 0x01020304, Payload: Touch(TouchDown, 0, 100, 200)})

	want := []byte{
		0x31, 0x47, 0x52, 0x4D, // magic, little-endian
		Version,
		byte(KindTouch),
		0x04, 0x03, 0x02, 0x01, // seq
		0x06, 0x00, 0x00, 0x00, // payload length
		0x00, 0x00, 0x64, 0x00, 0xC8, 0x00,
	}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = % x\nwant    % x", frame, want)
	}
}

func TestReadFrameAck(t *testing.T) {
	frame := EncodeAck(Ack{Seq: 42, Status: StatusNotFound})
	if len(frame) != HeaderSize+AckSize {
		t.Fatalf("ack frame length = %d", len(frame))
	}

	h, payload, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if h.Kind != KindAck {
		t.Fatalf("kind = %s", h.Kind)
	}
	ack, err := DecodeAck(h, payload)
	if err != nil {
		t.Fatalf("DecodeAck: %v", err)
	}
	if ack.Seq != 42 || ack.Status != StatusNotFound {
		t.Errorf("ack = %+v", ack)
	}
}

func TestReadFrameRejects(t *testing.T) {
	good := EncodeCommand(Command{Kind: KindPing, Seq: 1})

	badMagic := bytes.Clone(good)
	badMagic[0] ^= 0xFF

	badVersion := bytes.Clone(good)
	badVersion[4] = 9

	tooLarge := bytes.Clone(good)
	tooLarge[10], tooLarge[11], tooLarge[12], tooLarge[13] = 0xFF, 0xFF, 0xFF, 0x7F

	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"bad magic", badMagic, ErrBadMagic},
		{"bad version", badVersion, ErrBadVersion},
		{"too large", tooLarge, ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ReadFrame(bytes.NewReader(tt.frame))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecodeAckShort(t *testing.T) {
	h := Header{Magic: Magic, Version: Version, Kind: KindAck, Length: 3}
	if _, err := DecodeAck(h, []byte{1, 2, 3}); !errors.Is(err, ErrShortAck) {
		t.Errorf("err = %v, want ErrShortAck", err)
	}
	h.Kind = KindTouch
	if _, err := DecodeAck(h, make([]byte, AckSize)); !errors.Is(err, ErrNotAnAck) {
		t.Errorf("err = %v, want ErrNotAnAck", err)
	}
}

func TestConfigurePayload(t *testing.T) {
	in := Settings{MaxFPS: 60, Bitrate: 8_000_000, MaxSize: 1920}
	out, ok := ParseConfigure(Configure(in))
	if !ok || out != in {
		t.Errorf("ParseConfigure = %+v, %v", out, ok)
	}
	if _, ok := ParseConfigure([]byte{1}); ok {
		t.Error("short configure payload accepted")
	}
}
