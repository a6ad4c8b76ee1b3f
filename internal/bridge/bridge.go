// Package bridge stands up a device-resident capture helper and exposes its
// raw H.264 stream as a local TCP source.
//
// A launch stages the helper artifact, tunnels a local port to an abstract
// socket named after a random session id, starts the helper, then connects
// and consumes the helper's identification header. Any failure undoes the
// steps already taken before Launch returns.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jtaka1125-beep/mirage/internal/events"
	"github.com/jtaka1125-beep/mirage/internal/logging"
	"github.com/jtaka1125-beep/mirage/internal/metrics"
	"github.com/jtaka1125-beep/mirage/internal/retry"
)

// Launch steps, as reported in StepError.
const (
	StepPush    = "push"
	StepForward = "forward"
	StepStart   = "start"
	StepConnect = "connect"
)

// StepError reports which launch step failed.
type StepError struct {
	Device string
	Step   string
	Cause  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("bridge %s: %s: %v", e.Device, e.Step, e.Cause)
}

func (e *StepError) Unwrap() error {
	return e.Cause
}

// ErrHelperExited is returned when the helper process exits during connect.
var ErrHelperExited = errors.New("capture helper exited")

// Config holds the helper launch parameters.
type Config struct {
	// ServerPath is the local helper artifact.
	ServerPath string `toml:"server_path"`
	// RemotePath is where the artifact is staged on the device.
	RemotePath string `toml:"remote_path"`
	// Version must match the artifact's version string.
	Version string `toml:"version"`
	MaxSize int    `toml:"max_size"`
	BitRate int    `toml:"bit_rate"`
	MaxFPS  int    `toml:"max_fps"`
	// ConnectAttempts bounds the connect loop while the helper starts up.
	ConnectAttempts int `toml:"connect_attempts"`
	// ConnectInterval is the pause between connect attempts.
	ConnectInterval time.Duration `toml:"connect_interval"`
	// HeaderTimeout bounds the wait for the helper's header on one connection.
	HeaderTimeout time.Duration `toml:"header_timeout"`
}

// DefaultConfig returns the launch parameters used when none are configured.
func DefaultConfig() Config {
	return Config{
		ServerPath:      "scrcpy-server",
		RemotePath:      "/data/local/tmp/scrcpy-server.jar",
		Version:         "3.3.3",
		MaxSize:         1280,
		BitRate:         8_000_000,
		MaxFPS:          60,
		ConnectAttempts: 10,
		ConnectInterval: 200 * time.Millisecond,
		HeaderTimeout:   2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ServerPath == "" {
		c.ServerPath = d.ServerPath
	}
	if c.RemotePath == "" {
		c.RemotePath = d.RemotePath
	}
	if c.Version == "" {
		c.Version = d.Version
	}
	if c.ConnectAttempts <= 0 || c.ConnectAttempts > 10 {
		c.ConnectAttempts = d.ConnectAttempts
	}
	if c.ConnectInterval <= 0 {
		c.ConnectInterval = d.ConnectInterval
	}
	if c.HeaderTimeout <= 0 {
		c.HeaderTimeout = d.HeaderTimeout
	}
	return c
}

// Target identifies the device to bridge.
type Target struct {
	HardwareID string
	// Serial is the adb endpoint used to reach the device.
	Serial string
	// Port is the local port to forward. Zero lets the host choose.
	Port int
}

// DialFunc opens the local connection to the forwarded port.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configures a Bridge.
type Options struct {
	Config Config
	Bus    *events.Bus
	Logger *slog.Logger
	// Dial defaults to a net.Dialer.
	Dial DialFunc
	// SessionID generates the helper session id. Defaults to a random 31-bit value.
	SessionID func() uint32
}

// Bridge launches capture helpers through a Remote.
type Bridge struct {
	remote Remote
	bus    *events.Bus
	logger *slog.Logger
	dial   DialFunc
	scid   func() uint32

	mu  sync.RWMutex
	cfg Config
}

// New creates a bridge that drives remote.
func New(remote Remote, opts Options) *Bridge {
	b := &Bridge{
		remote: remote,
		cfg:    opts.Config.withDefaults(),
		bus:    opts.Bus,
		logger: opts.Logger,
		dial:   opts.Dial,
		scid:   opts.SessionID,
	}
	if b.logger == nil {
		b.logger = logging.GetLogger("bridge")
	}
	if b.dial == nil {
		d := &net.Dialer{Timeout: time.Second}
		b.dial = d.DialContext
	}
	if b.scid == nil {
		b.scid = func() uint32 { return rand.Uint32() & 0x7FFFFFFF }
	}
	return b
}

// SetConfig replaces the launch parameters used by later launches. A launch
// in progress keeps the parameters it started with.
func (b *Bridge) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

// Config returns the current launch parameters.
func (b *Bridge) Config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// Launch stands up the helper for t and returns a session whose connection
// is positioned at the first byte of raw video.
func (b *Bridge) Launch(ctx context.Context, t Target) (*Session, error) {
	cfg := b.Config()
	logger := b.logger.With("hardware_id", t.HardwareID, "serial", t.Serial)
	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}
	fail := func(step string, err error) (*Session, error) {
		rollback()
		stepErr := &StepError{Device: t.HardwareID, Step: step, Cause: err}
		logger.Warn("Bridge launch failed", "step", step, "error", err)
		metrics.IncBridgeLaunch(t.HardwareID, false)
		b.bus.Publish(events.BridgeLaunchEvent{
			HardwareID: t.HardwareID,
			Error:      stepErr.Error(),
			Timestamp:  time.Now().Format(time.RFC3339),
		})
		return nil, stepErr
	}

	if err := b.ensurePushed(ctx, cfg, t.Serial); err != nil {
		return fail(StepPush, err)
	}

	scid := b.scid() & 0x7FFFFFFF
	socket := fmt.Sprintf("scrcpy_%08x", scid)

	port, err := b.remote.Forward(ctx, t.Serial, t.Port, "localabstract:"+socket)
	if err != nil {
		return fail(StepForward, err)
	}
	if t.Port != 0 && port != t.Port {
		logger.Warn("Forwarded port differs from assigned port", "assigned", t.Port, "bound", port)
	}
	undo = append(undo, func() {
		cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rmErr := b.remote.RemoveForward(cleanup, t.Serial, port); rmErr != nil {
			logger.Warn("Failed to remove forward", "port", port, "error", rmErr)
		}
	})

	handle, err := b.remote.Start(ctx, t.Serial, serverArgs(cfg, scid)...)
	if err != nil {
		return fail(StepStart, err)
	}
	undo = append(undo, func() { handle.Stop() })

	conn, header, err := b.connect(ctx, cfg, port, handle)
	if err != nil {
		return fail(StepConnect, err)
	}

	logger.Info("Bridge launched", "port", port, "scid", fmt.Sprintf("%08x", scid),
		"device_name", header.DeviceName, "width", header.Width, "height", header.Height)
	metrics.IncBridgeLaunch(t.HardwareID, true)
	b.bus.Publish(events.BridgeLaunchEvent{
		HardwareID: t.HardwareID,
		Success:    true,
		Port:       port,
		DeviceName: header.DeviceName,
		Width:      int(header.Width),
		Height:     int(header.Height),
		Timestamp:  time.Now().Format(time.RFC3339),
	})

	return &Session{
		Device:    t.HardwareID,
		SCID:      scid,
		LocalPort: port,
		Header:    header,
		conn:      conn,
		handle:    handle,
		teardown:  rollback,
		logger:    logger,
	}, nil
}

// ensurePushed copies the helper artifact unless the device already has a
// file of the same size at RemotePath.
func (b *Bridge) ensurePushed(ctx context.Context, cfg Config, serial string) error {
	info, err := os.Stat(cfg.ServerPath)
	if err != nil {
		return fmt.Errorf("helper artifact: %w", err)
	}

	out, err := b.remote.Run(ctx, serial, "shell", "stat", "-c", "%s", cfg.RemotePath)
	if err == nil {
		if size, perr := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64); perr == nil && size == info.Size() {
			b.logger.Debug("Helper already staged", "serial", serial, "path", cfg.RemotePath)
			return nil
		}
	}

	return b.remote.Push(ctx, serial, cfg.ServerPath, cfg.RemotePath)
}

func serverArgs(cfg Config, scid uint32) []string {
	args := []string{
		"shell",
		"CLASSPATH=" + cfg.RemotePath,
		"app_process", "/", "com.genymobile.scrcpy.Server", cfg.Version,
		fmt.Sprintf("scid=%08x", scid),
		"log_level=info",
		"tunnel_forward=true",
		"send_dummy_byte=true",
		"send_frame_meta=false",
		"audio=false",
		"control=false",
		"video_codec=h264",
	}
	if cfg.MaxSize > 0 {
		args = append(args, fmt.Sprintf("max_size=%d", cfg.MaxSize))
	}
	if cfg.BitRate > 0 {
		args = append(args, fmt.Sprintf("video_bit_rate=%d", cfg.BitRate))
	}
	if cfg.MaxFPS > 0 {
		args = append(args, fmt.Sprintf("max_fps=%d", cfg.MaxFPS))
	}
	return args
}

// connect dials the forwarded port until the helper answers. adb accepts the
// local connection before the helper listens and then closes it, so an
// attempt only counts once the dummy byte and the header have been read.
func (b *Bridge) connect(ctx context.Context, cfg Config, port int, handle Handle) (net.Conn, Header, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	var conn net.Conn
	var header Header

	err := retry.Do(ctx, cfg.ConnectAttempts, retry.Constant(cfg.ConnectInterval), func(attempt int) error {
		select {
		case <-handle.Done():
			return retry.Permanent(ErrHelperExited)
		default:
		}

		c, err := b.dial(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		_ = c.SetReadDeadline(time.Now().Add(cfg.HeaderTimeout))

		var dummy [1]byte
		if _, err := io.ReadFull(c, dummy[:]); err != nil {
			c.Close()
			return fmt.Errorf("attempt %d: %w", attempt, err)
		}
		h, err := ReadHeader(c)
		if err != nil {
			c.Close()
			if errors.Is(err, ErrUnexpectedCodec) {
				return retry.Permanent(err)
			}
			return fmt.Errorf("attempt %d: %w", attempt, err)
		}
		_ = c.SetReadDeadline(time.Time{})
		conn, header = c, h
		return nil
	})
	if err != nil {
		return nil, Header{}, err
	}
	return conn, header, nil
}
