package command

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jtaka1125-beep/mirage/internal/retry"
)

// fakeDevice answers command frames read from conn. respond is called with
// the 1-based count of frames received so far; returning false sends no ack.
type fakeDevice struct {
	conn    net.Conn
	respond func(n int, cmd Command) (Ack, bool)

	mu     sync.Mutex
	frames []Command
	done   chan struct{}
}

func startFakeDevice(t *testing.T, conn net.Conn, respond func(n int, cmd Command) (Ack, bool)) *fakeDevice {
	t.Helper()
	d := &fakeDevice{conn: conn, respond: respond, done: make(chan struct{})}
	go d.run()
	t.Cleanup(func() {
		conn.Close()
		<-d.done
	})
	return d
}

func (d *fakeDevice) run() {
	defer close(d.done)
	for {
		h, payload, err := ReadFrame(d.conn)
		if err != nil {
			return
		}
		cmd := Command{Kind: h.Kind, Seq: h.Seq, Payload: payload}
		d.mu.Lock()
		d.frames = append(d.frames, cmd)
		n := len(d.frames)
		d.mu.Unlock()

		ack, ok := d.respond(n, cmd)
		if !ok {
			continue
		}
		if _, err := d.conn.Write(EncodeAck(ack)); err != nil {
			return
		}
	}
}

func (d *fakeDevice) received() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Command(nil), d.frames...)
}

func ackWith(status Status) func(int, Command) (Ack, bool) {
	return func(_ int, cmd Command) (Ack, bool) {
		return Ack{Seq: cmd.Seq, Status: status}, true
	}
}

func testOptions() Options {
	return Options{
		AckTimeout:  50 * time.Millisecond,
		MaxRetries:  3,
		BusyBackoff: retry.Constant(time.Millisecond),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newTestChannel(t *testing.T, opts Options, respond func(int, Command) (Ack, bool)) (*Channel, *fakeDevice) {
	t.Helper()
	host, device := net.Pipe()
	dev := startFakeDevice(t, device, respond)
	ch := NewChannel("A9-001", "usb:A9-001", host, opts)
	t.Cleanup(func() { ch.Close() })
	return ch, dev
}

func TestSendOK(t *testing.T) {
	ch, dev := newTestChannel(t, testOptions(), ackWith(StatusOK))

	ack, err := ch.Send(context.Background(), KindTouch, Touch(TouchDown, 0, 10, 20))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ack.Seq != 1 || ack.Status != StatusOK {
		t.Errorf("ack = %+v", ack)
	}

	ack, err = ch.Send(context.Background(), KindTouch, Touch(TouchUp, 0, 10, 20))
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if ack.Seq != 2 {
		t.Errorf("second ack seq = %d, want 2", ack.Seq)
	}
	if got := len(dev.received()); got != 2 {
		t.Errorf("device received %d frames, want 2", got)
	}
}

func TestSendIgnoresMismatchedAck(t *testing.T) {
	// First delivery of seq 42 is answered with a late ack for seq 41. The
	// command must not complete on it and is resent after the ack timeout.
	ch, dev := newTestChannel(t, testOptions(), func(n int, cmd Command) (Ack, bool) {
		if n == 1 {
			return Ack{Seq: cmd.Seq - 1, Status: StatusOK}, true
		}
		return Ack{Seq: cmd.Seq, Status: StatusOK}, true
	})
	ch.seq.Store(41)

	ack, err := ch.Send(context.Background(), KindKey, Key(KeyPress, 4, 0))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ack.Seq != 42 {
		t.Errorf("ack seq = %d, want 42", ack.Seq)
	}
	if ch.Stale() != 1 {
		t.Errorf("stale = %d, want 1", ch.Stale())
	}
	if ch.Timeouts() != 1 {
		t.Errorf("timeouts = %d, want 1", ch.Timeouts())
	}

	frames := dev.received()
	if len(frames) != 2 {
		t.Fatalf("device received %d frames, want 2", len(frames))
	}
	for i, f := range frames {
		if f.Seq != 42 {
			t.Errorf("frame %d seq = %d, want 42", i, f.Seq)
		}
	}
}

func TestSendTimeoutExhausted(t *testing.T) {
	var hooked int
	opts := testOptions()
	opts.MaxRetries = 2
	opts.OnTimeout = func() { hooked++ }

	ch, dev := newTestChannel(t, opts, func(int, Command) (Ack, bool) { return Ack{}, false })

	_, err := ch.Send(context.Background(), KindPing, nil)
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("err = %v, want ErrAckTimeout", err)
	}
	var cmdErr *Error
	if !errors.As(err, &cmdErr) || cmdErr.Attempts != 3 || !cmdErr.Transport() {
		t.Errorf("err = %#v", err)
	}
	if hooked != 3 {
		t.Errorf("timeout hook called %d times, want 3", hooked)
	}
	if got := len(dev.received()); got != 3 {
		t.Errorf("device received %d frames, want 3", got)
	}
}

func TestSendNotFoundNotRetried(t *testing.T) {
	ch, dev := newTestChannel(t, testOptions(), ackWith(StatusNotFound))

	_, err := ch.Send(context.Background(), KindLongPress, LongPress(1, 2, 800))
	if !IsStatus(err, StatusNotFound) {
		t.Fatalf("err = %v, want StatusNotFound", err)
	}
	if got := len(dev.received()); got != 1 {
		t.Errorf("device received %d frames, want 1", got)
	}
}

func TestSendInvalidPayloadNotRetried(t *testing.T) {
	ch, dev := newTestChannel(t, testOptions(), ackWith(StatusInvalidPayload))

	_, err := ch.Send(context.Background(), KindSwipe, []byte{1})
	if !IsStatus(err, StatusInvalidPayload) {
		t.Fatalf("err = %v, want StatusInvalidPayload", err)
	}
	if got := len(dev.received()); got != 1 {
		t.Errorf("device received %d frames, want 1", got)
	}
}

func TestSendBusyRetried(t *testing.T) {
	ch, dev := newTestChannel(t, testOptions(), func(n int, cmd Command) (Ack, bool) {
		if n < 3 {
			return Ack{Seq: cmd.Seq, Status: StatusBusy}, true
		}
		return Ack{Seq: cmd.Seq, Status: StatusOK}, true
	})

	ack, err := ch.Send(context.Background(), KindText, Text("hello"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ack.Status != StatusOK {
		t.Errorf("status = %s", ack.Status)
	}
	if got := len(dev.received()); got != 3 {
		t.Errorf("device received %d frames, want 3", got)
	}
}

func TestSendBusyExhausted(t *testing.T) {
	opts := testOptions()
	opts.MaxRetries = 1
	ch, _ := newTestChannel(t, opts, ackWith(StatusBusy))

	_, err := ch.Send(context.Background(), KindPing, nil)
	if !IsStatus(err, StatusBusy) {
		t.Fatalf("err = %v, want StatusBusy", err)
	}
}

func TestConcurrentSendsSerialized(t *testing.T) {
	ch, dev := newTestChannel(t, testOptions(), func(_ int, cmd Command) (Ack, bool) {
		time.Sleep(2 * time.Millisecond)
		return Ack{Seq: cmd.Seq, Status: StatusOK}, true
	})

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ch.Send(context.Background(), KindTouch, Touch(TouchMove, uint8(i), uint16(i), uint16(i)))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Send: %v", err)
		}
	}

	frames := dev.received()
	if len(frames) != callers {
		t.Fatalf("device received %d frames, want %d", len(frames), callers)
	}
	seen := make(map[uint32]bool)
	for _, f := range frames {
		if f.Kind != KindTouch || len(f.Payload) != 6 {
			t.Errorf("interleaved frame: %+v", f)
		}
		seen[f.Seq] = true
	}
	if len(seen) != callers {
		t.Errorf("got %d distinct seqs, want %d", len(seen), callers)
	}
}

func TestSendContextCancelled(t *testing.T) {
	ch, _ := newTestChannel(t, testOptions(), func(int, Command) (Ack, bool) { return Ack{}, false })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ch.Send(ctx, KindPing, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestSendAfterClose(t *testing.T) {
	ch, _ := newTestChannel(t, testOptions(), ackWith(StatusOK))
	ch.Close()

	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("reader did not exit")
	}

	_, err := ch.Send(context.Background(), KindPing, nil)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
