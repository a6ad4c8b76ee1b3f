package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jtaka1125-beep/mirage/internal/bridge"
)

// ErrUnavailable is returned by an Opener when its transport cannot be used
// for the device right now, for example no USB connection. The worker moves
// on to the next candidate without counting a failure.
var ErrUnavailable = errors.New("transport unavailable")

// Framing says how a source's bytes are delimited.
type Framing int

// Framings.
const (
	// FramingAnnexB is a start-code delimited byte stream.
	FramingAnnexB Framing = iota
	// FramingRTP delivers one RTP packet per read.
	FramingRTP
)

// Target is everything an opener needs to reach a device.
type Target struct {
	HardwareID string
	// Serial is the adb endpoint, USB serial preferred over a Wi-Fi address.
	Serial string
	// USB is the USB serial, empty when the device is not on USB.
	USB        string
	VideoPort  int
	BridgePort int
}

// Source is one open video endpoint. Read blocks until data arrives or the
// read deadline passes.
type Source interface {
	Kind() Kind
	Framing() Framing
	Name() string
	Read(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// CommandCarrier is implemented by sources whose physical endpoint also
// carries command frames.
type CommandCarrier interface {
	Commands() io.ReadWriteCloser
}

// Opener opens one kind of transport.
type Opener interface {
	Kind() Kind
	Open(ctx context.Context, t Target) (Source, error)
}

type deadlineReader interface {
	io.ReadCloser
	SetReadDeadline(t time.Time) error
}

// connSource adapts a connection to Source.
type connSource struct {
	kind    Kind
	framing Framing
	name    string
	conn    deadlineReader
	closeFn func() error

	once     sync.Once
	closeErr error
}

func (s *connSource) Kind() Kind                        { return s.kind }
func (s *connSource) Framing() Framing                  { return s.framing }
func (s *connSource) Name() string                      { return s.name }
func (s *connSource) Read(p []byte) (int, error)        { return s.conn.Read(p) }
func (s *connSource) SetReadDeadline(t time.Time) error { return s.conn.SetReadDeadline(t) }

func (s *connSource) Close() error {
	s.once.Do(func() {
		if s.closeFn != nil {
			s.closeErr = s.closeFn()
			return
		}
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// TCPOpener dials the loopback port a device-resident capture helper feeds.
type TCPOpener struct {
	Host    string
	Timeout time.Duration
}

// Kind implements Opener.
func (o *TCPOpener) Kind() Kind { return KindTCP }

// Open implements Opener.
func (o *TCPOpener) Open(ctx context.Context, t Target) (Source, error) {
	if t.VideoPort == 0 {
		return nil, fmt.Errorf("%w: no video port", ErrUnavailable)
	}
	host := o.Host
	if host == "" {
		host = "127.0.0.1"
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	addr := net.JoinHostPort(host, strconv.Itoa(t.VideoPort))
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &connSource{kind: KindTCP, framing: FramingAnnexB, name: "tcp:" + addr, conn: conn}, nil
}

// UDPOpener listens for RTP on the device's video port.
type UDPOpener struct {
	Host string
}

// Kind implements Opener.
func (o *UDPOpener) Kind() Kind { return KindUDP }

// Open implements Opener.
func (o *UDPOpener) Open(_ context.Context, t Target) (Source, error) {
	if t.VideoPort == 0 {
		return nil, fmt.Errorf("%w: no video port", ErrUnavailable)
	}
	addr := net.JoinHostPort(o.Host, strconv.Itoa(t.VideoPort))
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &connSource{kind: KindUDP, framing: FramingRTP, name: "udp:" + conn.LocalAddr().String(), conn: conn}, nil
}

// Accessory is an open USB accessory connection.
type Accessory interface {
	io.ReadCloser
	SetReadDeadline(t time.Time) error
	// Commands returns the pipe carrying command frames, or nil.
	Commands() io.ReadWriteCloser
}

// AccessoryProvider opens USB accessory bulk transfers. It is supplied by
// the host integration; without one USB is never available.
type AccessoryProvider interface {
	OpenAccessory(ctx context.Context, usbSerial string) (Accessory, error)
}

// USBOpener reads Annex-B video from a USB accessory.
type USBOpener struct {
	Provider AccessoryProvider
}

// Kind implements Opener.
func (o *USBOpener) Kind() Kind { return KindUSB }

// Open implements Opener.
func (o *USBOpener) Open(ctx context.Context, t Target) (Source, error) {
	if o.Provider == nil {
		return nil, fmt.Errorf("%w: no accessory provider", ErrUnavailable)
	}
	if t.USB == "" {
		return nil, fmt.Errorf("%w: device not on usb", ErrUnavailable)
	}
	acc, err := o.Provider.OpenAccessory(ctx, t.USB)
	if err != nil {
		return nil, err
	}
	return &usbSource{
		connSource: connSource{kind: KindUSB, framing: FramingAnnexB, name: "usb:" + t.USB, conn: acc},
		commands:   acc.Commands(),
	}, nil
}

type usbSource struct {
	connSource
	commands io.ReadWriteCloser
}

// Commands implements CommandCarrier.
func (s *usbSource) Commands() io.ReadWriteCloser {
	return s.commands
}

// Launcher starts a capture helper session.
type Launcher interface {
	Launch(ctx context.Context, t bridge.Target) (*bridge.Session, error)
}

// BridgeOpener sources video from a capture helper launched on demand.
// With RelayUDP set, the helper's stream is re-chunked into loopback
// datagrams and read back from a UDP socket.
type BridgeOpener struct {
	Launcher Launcher
	RelayUDP bool
	MTU      int
}

// Kind implements Opener.
func (o *BridgeOpener) Kind() Kind { return KindBridge }

// Open implements Opener.
func (o *BridgeOpener) Open(ctx context.Context, t Target) (Source, error) {
	if o.Launcher == nil {
		return nil, fmt.Errorf("%w: no launcher", ErrUnavailable)
	}
	if t.Serial == "" {
		return nil, fmt.Errorf("%w: no adb endpoint", ErrUnavailable)
	}
	sess, err := o.Launcher.Launch(ctx, bridge.Target{HardwareID: t.HardwareID, Serial: t.Serial, Port: t.BridgePort})
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("bridge:127.0.0.1:%d", sess.LocalPort)
	closed := make(chan struct{})
	watch := func() {
		select {
		case <-sess.Done():
			sess.Close()
		case <-closed:
		}
	}

	if !o.RelayUDP {
		src := &connSource{kind: KindBridge, framing: FramingAnnexB, name: name, conn: sess.Conn()}
		src.closeFn = func() error {
			close(closed)
			return sess.Close()
		}
		go watch()
		return src, nil
	}

	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: t.VideoPort})
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("relay listen: %w", err)
	}
	relayCtx, cancel := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		sess.RelayUDP(relayCtx, ln.LocalAddr().String(), o.MTU)
		// Relay ended; fail the reader instead of letting it idle out.
		ln.Close()
	}()

	src := &connSource{kind: KindBridge, framing: FramingAnnexB, name: name + "+udp", conn: ln}
	src.closeFn = func() error {
		close(closed)
		cancel()
		err := sess.Close()
		<-relayDone
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
			err = cerr
		}
		return err
	}
	go watch()
	return src, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
