package aoa

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Channels multiplexed on the accessory IN endpoint.
const (
	ChannelVideo   byte = 0x01
	ChannelCommand byte = 0x02
)

const (
	frameHeaderSize = 5
	maxFrameSize    = 4 << 20
	readBufferSize  = 64 * 1024
)

// commandWriteTimeout bounds how long a command reply waits for a reader
// before it is dropped, so an idle command channel never stalls video.
var commandWriteTimeout = 250 * time.Millisecond

// ErrFrameTooLarge is returned when the device announces a frame beyond the
// accepted size, which means the stream is out of sync.
var ErrFrameTooLarge = errors.New("accessory frame too large")

// Accessory is an open accessory connection. Reads return the video channel;
// Commands returns the command channel.
type Accessory struct {
	pipe   Pipe
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	video, videoPeer net.Conn
	cmds, cmdsPeer   net.Conn

	closeOnce sync.Once
	closeErr  error

	mu  sync.Mutex
	err error
}

func newAccessory(pipe Pipe, logger *slog.Logger) *Accessory {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Accessory{
		pipe:   pipe,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	a.video, a.videoPeer = net.Pipe()
	a.cmds, a.cmdsPeer = net.Pipe()
	go a.demux(ctx)
	go a.forwardCommands()
	return a
}

// Read implements io.Reader over the video channel.
func (a *Accessory) Read(p []byte) (int, error) {
	n, err := a.video.Read(p)
	if errors.Is(err, io.EOF) {
		if cause := a.Err(); cause != nil {
			return n, cause
		}
	}
	return n, err
}

// SetReadDeadline implements transport.Accessory.
func (a *Accessory) SetReadDeadline(t time.Time) error {
	return a.video.SetReadDeadline(t)
}

// Commands implements transport.Accessory.
func (a *Accessory) Commands() io.ReadWriteCloser {
	return a.cmds
}

// Err returns the error that ended the IN stream, if any.
func (a *Accessory) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Close releases the accessory interface and ends both channels.
func (a *Accessory) Close() error {
	a.closeOnce.Do(func() {
		a.cancel()
		a.videoPeer.Close()
		a.cmdsPeer.Close()
		a.video.Close()
		a.cmds.Close()
		a.closeErr = a.pipe.Close()
		<-a.done
	})
	return a.closeErr
}

type pipeReader struct {
	ctx  context.Context
	pipe Pipe
}

func (r pipeReader) Read(p []byte) (int, error) {
	return r.pipe.ReadContext(r.ctx, p)
}

func (a *Accessory) demux(ctx context.Context) {
	defer close(a.done)
	defer a.videoPeer.Close()

	r := bufio.NewReaderSize(pipeReader{ctx: ctx, pipe: a.pipe}, readBufferSize)
	var hdr [frameHeaderSize]byte
	var payload []byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			a.fail(ctx, err)
			return
		}
		size := binary.BigEndian.Uint32(hdr[1:])
		if size > maxFrameSize {
			a.fail(ctx, fmt.Errorf("%w: %d bytes on channel %d", ErrFrameTooLarge, size, hdr[0]))
			return
		}
		if cap(payload) < int(size) {
			payload = make([]byte, size)
		}
		payload = payload[:size]
		if _, err := io.ReadFull(r, payload); err != nil {
			a.fail(ctx, err)
			return
		}

		switch hdr[0] {
		case ChannelVideo:
			if _, err := a.videoPeer.Write(payload); err != nil {
				return
			}
		case ChannelCommand:
			_ = a.cmdsPeer.SetWriteDeadline(time.Now().Add(commandWriteTimeout))
			if _, err := a.cmdsPeer.Write(payload); err != nil {
				a.logger.Debug("Dropped command reply", "bytes", size, "error", err)
			}
		default:
			a.logger.Debug("Skipped frame on unknown channel", "channel", hdr[0], "bytes", size)
		}
	}
}

func (a *Accessory) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	a.mu.Lock()
	a.err = fmt.Errorf("accessory read: %w", err)
	a.mu.Unlock()
	a.logger.Warn("Accessory stream ended", "error", err)
}

// forwardCommands copies command frames written to the command channel onto
// the OUT endpoint.
func (a *Accessory) forwardCommands() {
	buf := make([]byte, 4096)
	for {
		n, err := a.cmdsPeer.Read(buf)
		if n > 0 {
			if _, werr := a.pipe.Write(buf[:n]); werr != nil {
				a.logger.Warn("Command write failed", "error", werr)
				a.cmdsPeer.Close()
				return
			}
		}
		if err != nil {
			return
		}
	}
}
