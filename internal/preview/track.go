package preview

import (
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/jtaka1125-beep/mirage/internal/nal"
)

// deviceTrack groups NAL units into samples. Parameter sets and SEI are held
// back and sent with the next picture; nothing is sent before the first IDR.
type deviceTrack struct {
	local pion.TrackLocal
	write func(media.Sample) error

	mu      sync.Mutex
	pending []byte
	sps     []byte
	pps     []byte
	started bool
	last    time.Time
	now     func() time.Time
}

func newDeviceTrack(local pion.TrackLocal, write func(media.Sample) error) *deviceTrack {
	return &deviceTrack{local: local, write: write, now: time.Now}
}

func (t *deviceTrack) push(u nal.Unit) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch u.Kind {
	case nal.TypeSPS:
		t.sps = u.AnnexB()
	case nal.TypePPS:
		t.pps = u.AnnexB()
	}
	if !u.IsVCL() {
		t.pending = append(t.pending, u.AnnexB()...)
		return nil
	}

	if !t.started {
		if !u.IsKeyframe() || t.sps == nil || t.pps == nil {
			t.pending = t.pending[:0]
			return nil
		}
		t.started = true
	}

	data := t.pending
	if u.IsKeyframe() && !containsParameterSets(data) {
		data = append(append(append([]byte(nil), t.sps...), t.pps...), data...)
	}
	data = append(data, u.AnnexB()...)
	t.pending = nil

	now := t.now()
	d := time.Second / 60
	if !t.last.IsZero() {
		d = now.Sub(t.last)
	}
	t.last = now
	return t.write(media.Sample{Data: data, Duration: d})
}

func containsParameterSets(b []byte) bool {
	sawSPS, sawPPS := false, false
	for i := 0; i+4 < len(b); i++ {
		if b[i] == 0 && b[i+1] == 0 && b[i+2] == 0 && b[i+3] == 1 {
			switch b[i+4] & 0x1F {
			case nal.TypeSPS:
				sawSPS = true
			case nal.TypePPS:
				sawPPS = true
			}
		}
	}
	return sawSPS && sawPPS
}
