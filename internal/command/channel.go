package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jtaka1125-beep/mirage/internal/metrics"
	"github.com/jtaka1125-beep/mirage/internal/retry"
)

// Options configures a Channel.
type Options struct {
	// AckTimeout bounds the wait for one acknowledgement. Default 500ms.
	AckTimeout time.Duration
	// MaxRetries is how many times a timed-out or busy command is resent.
	// Zero means the default of 3; a negative value disables resends.
	MaxRetries int
	// BusyBackoff paces resends after StatusBusy.
	BusyBackoff retry.Config
	// OnTimeout is called for every ack timeout. When commands share an
	// endpoint with video, this feeds the video worker's failure counter.
	OnTimeout func()
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.AckTimeout <= 0 {
		o.AckTimeout = 500 * time.Millisecond
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.BusyBackoff.Initial <= 0 {
		o.BusyBackoff = retry.Config{Initial: 50 * time.Millisecond, Max: 400 * time.Millisecond, Multiplier: 2}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Channel serializes commands to one device endpoint.
type Channel struct {
	device   string
	endpoint string
	rw       io.ReadWriteCloser
	opts     Options
	logger   *slog.Logger

	inflight chan struct{}
	seq      atomic.Uint32
	acks     chan Ack
	done     chan struct{}
	readErr  error

	timeouts atomic.Uint64
	stale    atomic.Uint64

	closeOnce sync.Once
}

// NewChannel starts a channel on rw. The channel reads acknowledgements in
// its own goroutine until rw is closed or returns an error.
func NewChannel(device, endpoint string, rw io.ReadWriteCloser, opts Options) *Channel {
	opts = opts.withDefaults()
	c := &Channel{
		device:   device,
		endpoint: endpoint,
		rw:       rw,
		opts:     opts,
		logger:   opts.Logger.With("hardware_id", device, "endpoint", endpoint),
		inflight: make(chan struct{}, 1),
		acks:     make(chan Ack, 16),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Endpoint returns the name of the physical endpoint.
func (c *Channel) Endpoint() string {
	return c.endpoint
}

// Send writes one command and waits for its acknowledgement. Ack timeouts
// and StatusBusy are retried up to MaxRetries times with the same sequence
// number. Device rejections (not found, invalid payload, unknown command)
// return immediately.
func (c *Channel) Send(ctx context.Context, kind Kind, payload []byte) (Ack, error) {
	select {
	case <-c.done:
		return Ack{}, c.closedErr()
	default:
	}
	select {
	case c.inflight <- struct{}{}:
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	case <-c.done:
		return Ack{}, c.closedErr()
	}
	defer func() { <-c.inflight }()

	seq := c.seq.Add(1)
	frame := EncodeCommand(Command{Kind: kind, Seq: seq, Payload: payload})
	busy := retry.New(c.opts.BusyBackoff)

	var lastErr error
	attempts := 0
	for attempts <= c.opts.MaxRetries {
		attempts++

		if _, err := c.rw.Write(frame); err != nil {
			metrics.IncCommand(c.device, kind.String(), "write_error")
			return Ack{}, &Error{Kind: kind, Seq: seq, Attempts: attempts, Cause: fmt.Errorf("write: %w", err)}
		}

		ack, err := c.await(ctx, seq)
		if err != nil {
			if !errors.Is(err, ErrAckTimeout) {
				return Ack{}, &Error{Kind: kind, Seq: seq, Attempts: attempts, Cause: err}
			}
			c.timeouts.Add(1)
			metrics.IncCommandTimeout(c.device)
			c.logger.Debug("Command ack timeout", "kind", kind.String(), "seq", seq, "attempt", attempts)
			if c.opts.OnTimeout != nil {
				c.opts.OnTimeout()
			}
			lastErr = err
			continue
		}

		switch ack.Status {
		case StatusOK:
			metrics.IncCommand(c.device, kind.String(), ack.Status.String())
			return ack, nil
		case StatusBusy:
			lastErr = &Error{Kind: kind, Seq: seq, Status: ack.Status, Attempts: attempts}
			if sleepErr := retry.Sleep(ctx, busy.Next()); sleepErr != nil {
				return ack, &Error{Kind: kind, Seq: seq, Attempts: attempts, Cause: sleepErr}
			}
			continue
		default:
			metrics.IncCommand(c.device, kind.String(), ack.Status.String())
			return ack, &Error{Kind: kind, Seq: seq, Status: ack.Status, Attempts: attempts}
		}
	}

	metrics.IncCommand(c.device, kind.String(), "exhausted")
	c.logger.Warn("Command failed after retries", "kind", kind.String(), "seq", seq, "attempts", attempts)
	var cmdErr *Error
	if errors.As(lastErr, &cmdErr) {
		return Ack{}, cmdErr
	}
	return Ack{}, &Error{Kind: kind, Seq: seq, Attempts: attempts, Cause: lastErr}
}

// await waits for the ack matching seq. Acks for other sequence numbers are
// late replies to earlier commands and are dropped.
func (c *Channel) await(ctx context.Context, seq uint32) (Ack, error) {
	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()

	for {
		select {
		case ack := <-c.acks:
			if ack.Seq == seq {
				return ack, nil
			}
			c.stale.Add(1)
			c.logger.Debug("Dropping unmatched ack", "want_seq", seq, "got_seq", ack.Seq)
		case <-timer.C:
			return Ack{}, ErrAckTimeout
		case <-ctx.Done():
			return Ack{}, ctx.Err()
		case <-c.done:
			return Ack{}, c.closedErr()
		}
	}
}

func (c *Channel) readLoop() {
	defer close(c.done)
	for {
		h, payload, err := ReadFrame(c.rw)
		if errors.Is(err, ErrBadMagic) || errors.Is(err, ErrBadVersion) || errors.Is(err, ErrTooLarge) {
			metrics.AddDesync(c.device, "command", 1)
			c.logger.Debug("Skipping bad frame header", "error", err)
			continue
		}
		if err != nil {
			c.readErr = err
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				c.logger.Debug("Command endpoint read ended", "error", err)
			}
			return
		}
		if h.Kind != KindAck {
			c.logger.Debug("Ignoring non-ack frame from device", "kind", h.Kind.String())
			continue
		}
		ack, err := DecodeAck(h, payload)
		if err != nil {
			c.logger.Debug("Malformed ack", "error", err)
			continue
		}
		select {
		case c.acks <- ack:
		default:
			c.stale.Add(1)
		}
	}
}

func (c *Channel) closedErr() error {
	if c.readErr != nil && !errors.Is(c.readErr, io.EOF) {
		return fmt.Errorf("%w: %w", ErrClosed, c.readErr)
	}
	return ErrClosed
}

// Close closes the endpoint and waits for the reader to exit.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.rw.Close()
		<-c.done
	})
	return err
}

// Done is closed when the endpoint stops delivering frames.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Timeouts returns the number of ack timeouts seen on this channel.
func (c *Channel) Timeouts() uint64 {
	return c.timeouts.Load()
}

// Stale returns the number of acks dropped for not matching the in-flight command.
func (c *Channel) Stale() uint64 {
	return c.stale.Load()
}
