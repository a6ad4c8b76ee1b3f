package preview

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/jtaka1125-beep/mirage/internal/nal"
)

var (
	sps   = nal.NewUnit([]byte{0x67, 0x42, 0x00, 0x1f})
	pps   = nal.NewUnit([]byte{0x68, 0xce, 0x3c, 0x80})
	idr   = nal.NewUnit([]byte{0x65, 0x88, 0x84})
	slice = nal.NewUnit([]byte{0x41, 0x9a, 0x02})
	sei   = nal.NewUnit([]byte{0x06, 0x05, 0x01})
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func join(units ...nal.Unit) []byte {
	var out []byte
	for _, u := range units {
		out = append(out, u.AnnexB()...)
	}
	return out
}

type sampleLog struct {
	samples []media.Sample
}

func (l *sampleLog) write(s media.Sample) error {
	l.samples = append(l.samples, s)
	return nil
}

func TestTrackWaitsForKeyframe(t *testing.T) {
	log := &sampleLog{}
	tr := newDeviceTrack(nil, log.write)
	clock := time.Unix(0, 0)
	tr.now = func() time.Time { return clock }

	tr.push(slice)
	tr.push(sps)
	tr.push(pps)
	tr.push(slice)
	if len(log.samples) != 0 {
		t.Fatalf("wrote %d samples before the first IDR", len(log.samples))
	}

	tr.push(sps)
	tr.push(pps)
	tr.push(sei)
	tr.push(idr)
	clock = clock.Add(40 * time.Millisecond)
	tr.push(slice)

	if len(log.samples) != 2 {
		t.Fatalf("samples = %d, want 2", len(log.samples))
	}
	if got, want := log.samples[0].Data, join(sps, pps, sei, idr); string(got) != string(want) {
		t.Errorf("keyframe sample = %x, want %x", got, want)
	}
	if got := log.samples[1]; string(got.Data) != string(slice.AnnexB()) || got.Duration != 40*time.Millisecond {
		t.Errorf("second sample = %x / %s", got.Data, got.Duration)
	}
}

func TestTrackPrependsParameterSets(t *testing.T) {
	log := &sampleLog{}
	tr := newDeviceTrack(nil, log.write)

	tr.push(sps)
	tr.push(pps)
	tr.push(idr)
	tr.push(slice)
	tr.push(idr)

	if len(log.samples) != 3 {
		t.Fatalf("samples = %d", len(log.samples))
	}
	if got, want := log.samples[2].Data, join(sps, pps, idr); string(got) != string(want) {
		t.Errorf("repeat IDR sample = %x, want %x", got, want)
	}
}

func TestKeyframeReader(t *testing.T) {
	pli, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.ReceiverReport{SSRC: 1},
		&rtcp.PictureLossIndication{SenderSSRC: 1, MediaSSRC: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	fir, _ := rtcp.Marshal([]rtcp.Packet{&rtcp.FullIntraRequest{SenderSSRC: 1, MediaSSRC: 2, FIR: []rtcp.FIREntry{{SSRC: 2, SequenceNumber: 1}}}})
	rr, _ := rtcp.Marshal([]rtcp.Packet{&rtcp.ReceiverReport{SSRC: 1}})

	var hits int
	for _, tt := range []struct {
		name string
		pkt  []byte
		want int
	}{
		{"pli", pli, 1},
		{"fir", fir, 2},
		{"receiver report", rr, 2},
	} {
		r := &keyframeReader{
			reader: interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
				return copy(b, tt.pkt), a, nil
			}),
			onKeyframe: func() { hits++ },
		}
		buf := make([]byte, 1500)
		if _, _, err := r.Read(buf, nil); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if hits != tt.want {
			t.Errorf("%s: keyframe requests = %d, want %d", tt.name, hits, tt.want)
		}
	}
}

type countingRequester struct {
	n   atomic.Int32
	err error
}

func (c *countingRequester) RequestKeyframe(context.Context, string) error {
	c.n.Add(1)
	return c.err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRequestKeyframeIsRateLimited(t *testing.T) {
	req := &countingRequester{err: errors.New("no command endpoint")}
	p := New(Options{Requester: req, KeyframeInterval: time.Hour, Logger: testLogger()})

	for range 5 {
		p.requestKeyframe("A9-001", "rtcp")
	}
	p.requestKeyframe("B7-002", "rtcp")

	waitFor(t, "two requests", func() bool { return req.n.Load() == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := req.n.Load(); n != 2 {
		t.Errorf("requests = %d, want 2", n)
	}
}

func TestHandleUnitWithoutViewers(t *testing.T) {
	p := New(Options{Logger: testLogger()})
	p.HandleUnit("A9-001", idr)
	if len(p.Peers()) != 0 {
		t.Error("unexpected peers")
	}
}

func TestOfferAnswer(t *testing.T) {
	req := &countingRequester{}
	p := New(Options{Requester: req, Logger: testLogger()})
	defer p.Close()

	viewer, err := pion.NewPeerConnection(pion.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	defer viewer.Close()
	if _, err := viewer.AddTransceiverFromKind(pion.RTPCodecTypeVideo, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		t.Fatal(err)
	}
	offer, err := viewer.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	gathered := pion.GatheringCompletePromise(viewer)
	if err := viewer.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	<-gathered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	answer, err := p.Offer(ctx, "A9-001", viewer.LocalDescription().SDP)
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if !strings.Contains(answer, "H264") {
		t.Errorf("answer does not carry H264:\n%s", answer)
	}

	peers := p.Peers()
	if len(peers) != 1 || peers[0].HardwareID != "A9-001" || peers[0].ID == "" {
		t.Fatalf("peers = %+v", peers)
	}
	waitFor(t, "keyframe request", func() bool { return req.n.Load() >= 1 })

	// Units now reach the device track.
	p.HandleUnit("A9-001", sps)
	p.HandleUnit("A9-001", pps)
	p.HandleUnit("A9-001", idr)

	if !p.ClosePeer(peers[0].ID) {
		t.Error("ClosePeer returned false")
	}
	if p.ClosePeer(peers[0].ID) {
		t.Error("second ClosePeer returned true")
	}
	p.mu.RLock()
	_, tracked := p.tracks["A9-001"]
	p.mu.RUnlock()
	if tracked {
		t.Error("track kept without viewers")
	}
}

func TestOfferAfterClose(t *testing.T) {
	p := New(Options{Logger: testLogger()})
	p.Close()
	if _, err := p.Offer(context.Background(), "A9-001", "v=0"); !errors.Is(err, ErrClosed) {
		t.Errorf("Offer after Close: %v", err)
	}
}

func TestOfferRejectsGarbage(t *testing.T) {
	p := New(Options{Logger: testLogger()})
	defer p.Close()
	if _, err := p.Offer(context.Background(), "A9-001", "not sdp"); err == nil {
		t.Error("garbage offer accepted")
	}
	if len(p.Peers()) != 0 {
		t.Error("peer registered for failed offer")
	}
}
